/*
 * BTPS
 * Copyright (C) 2025  BTPS Contributors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package trust

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/btps-protocol/btps/lib/wire"
)

// Store keeps trust records. Implementations must be safe for concurrent
// use and provide read-your-writes within a process. Absent records
// surface as trace.NotFound, duplicate creates as trace.AlreadyExists; the
// pipeline maps these to protocol codes.
type Store interface {
	// GetByID returns the record with the given id.
	GetByID(ctx context.Context, id string) (*Record, error)
	// Create inserts a new record. The id must be unused.
	Create(ctx context.Context, record *Record) (*Record, error)
	// Update atomically applies patch to the record with the given id and
	// returns the updated record.
	Update(ctx context.Context, id string, patch Patch) (*Record, error)
	// Delete removes the record with the given id.
	Delete(ctx context.Context, id string) error
	// GetAll lists records, filtered to a receiver when receiverID is
	// non-empty, ordered by id.
	GetAll(ctx context.Context, receiverID string) ([]*Record, error)
	// Close releases the store's resources.
	Close() error
}

// Patch is a partial record update. Nil fields are left unchanged; a
// pointer to the zero value clears the field where clearing is meaningful.
type Patch struct {
	Status               *Status
	DecidedBy            *string
	DecidedAt            *string
	ExpiresAt            *string
	RetryAfterDate       *string
	PublicKeyBase64      *string
	PublicKeyFingerprint *string
	KeyHistory           *[]KeyHistoryEntry
	PrivacyType          *wire.PrivacyType
	Metadata             map[string]any
}

// Apply merges the patch into record and revalidates it.
func (p Patch) Apply(record *Record) error {
	if p.Status != nil {
		record.Status = *p.Status
	}
	if p.DecidedBy != nil {
		record.DecidedBy = *p.DecidedBy
	}
	if p.DecidedAt != nil {
		record.DecidedAt = *p.DecidedAt
	}
	if p.ExpiresAt != nil {
		record.ExpiresAt = *p.ExpiresAt
	}
	if p.RetryAfterDate != nil {
		record.RetryAfterDate = *p.RetryAfterDate
	}
	if p.PublicKeyBase64 != nil {
		record.PublicKeyBase64 = *p.PublicKeyBase64
	}
	if p.PublicKeyFingerprint != nil {
		record.PublicKeyFingerprint = *p.PublicKeyFingerprint
	}
	if p.KeyHistory != nil {
		record.KeyHistory = append([]KeyHistoryEntry(nil), (*p.KeyHistory)...)
	}
	if p.PrivacyType != nil {
		record.PrivacyType = *p.PrivacyType
	}
	if p.Metadata != nil {
		record.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			record.Metadata[k] = v
		}
	}
	return trace.Wrap(record.Check())
}
