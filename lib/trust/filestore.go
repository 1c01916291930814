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
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/btps-protocol/btps/lib/storage"
	"github.com/btps-protocol/btps/lib/wire"
)

// fileEntity is the entity name trust records live under in the store file.
const fileEntity = "trustedSenders"

// FileConfig configures a FileStore.
type FileConfig struct {
	// Path is the JSON store file location.
	Path string
	// FlushInterval debounces disk writes, storage defaults apply.
	FlushInterval time.Duration
	// WatchExternal reloads the file when another process rewrites it.
	WatchExternal bool
	// Document uses an already open store file instead of Path, for hosts
	// that keep several entities in one document. Closing any sharing
	// store closes the document; closing is idempotent.
	Document *storage.Document
	// Clock supplies record timestamps and the flush timer.
	Clock clockwork.Clock
	// Logger emits store diagnostics.
	Logger *slog.Logger
}

// FileStore persists trust records in a JSON document file. Reads serve
// from the in-memory image, writes flush on the storage debounce timer.
type FileStore struct {
	doc   *storage.Document
	clock clockwork.Clock

	// mu serializes read-modify-write cycles in Update.
	mu sync.Mutex
}

// NewFileStore opens or creates the store file at cfg.Path.
func NewFileStore(cfg FileConfig) (*FileStore, error) {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	doc := cfg.Document
	if doc == nil {
		var err error
		doc, err = storage.Open(storage.Config{
			Path:          cfg.Path,
			FlushInterval: cfg.FlushInterval,
			WatchExternal: cfg.WatchExternal,
			Clock:         cfg.Clock,
			Logger:        cfg.Logger,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return &FileStore{doc: doc, clock: cfg.Clock}, nil
}

// GetByID returns the trust record with the given id.
func (s *FileStore) GetByID(ctx context.Context, id string) (*Record, error) {
	raw, err := s.doc.Get(fileEntity, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, trace.BadParameter("stored trust record %q is corrupt: %v", id, err)
	}
	return &record, nil
}

// Create inserts a new trust record.
func (s *FileStore) Create(ctx context.Context, record *Record) (*Record, error) {
	stored := record.Clone()
	if stored.CreatedAt == "" {
		stored.CreatedAt = wire.Now(s.clock)
	}
	if err := stored.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.doc.Insert(fileEntity, stored); err != nil {
		return nil, trace.Wrap(err)
	}
	return stored.Clone(), nil
}

// Update applies a patch to an existing trust record.
func (s *FileStore) Update(ctx context.Context, id string, patch Patch) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := patch.Apply(record); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := s.doc.Update(fileEntity, id, record); err != nil {
		return nil, trace.Wrap(err)
	}
	return record.Clone(), nil
}

// Delete removes the trust record with the given id.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	return trace.Wrap(s.doc.Delete(fileEntity, id))
}

// GetAll returns records ordered by id, filtered by receiver when
// receiverID is non-empty.
func (s *FileStore) GetAll(ctx context.Context, receiverID string) ([]*Record, error) {
	raws, err := s.doc.List(fileEntity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]*Record, 0, len(raws))
	for _, raw := range raws {
		var record Record
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, trace.BadParameter("stored trust record is corrupt: %v", err)
		}
		if receiverID != "" && record.ReceiverID != receiverID {
			continue
		}
		out = append(out, &record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Flush forces any pending writes to disk.
func (s *FileStore) Flush() error {
	return trace.Wrap(s.doc.Flush())
}

// Close flushes pending writes and releases the underlying file.
func (s *FileStore) Close() error {
	return trace.Wrap(s.doc.Close())
}
