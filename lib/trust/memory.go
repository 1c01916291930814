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
	"sync"

	"github.com/google/btree"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/btps-protocol/btps/lib/wire"
)

// btreeDegree of 8 is a good tradeoff between memory usage and lookup
// speed for the record counts a single server holds.
const btreeDegree = 8

// MemoryConfig configures a MemoryStore.
type MemoryConfig struct {
	// Clock stamps createdAt on records that arrive without one.
	Clock clockwork.Clock
}

// MemoryStore is an in-memory Store ordered by record id. Intended for
// tests and single-process deployments without persistence.
type MemoryStore struct {
	clock clockwork.Clock

	mu   sync.RWMutex
	tree *btree.BTreeG[*Record]
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(cfg MemoryConfig) (*MemoryStore, error) {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock: cfg.Clock,
		tree: btree.NewG(btreeDegree, func(a, b *Record) bool {
			return a.ID < b.ID
		}),
	}, nil
}

// GetByID implements Store.
func (m *MemoryStore) GetByID(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, trace.BadParameter("trust record id is empty")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.tree.Get(&Record{ID: id})
	if !ok {
		return nil, trace.NotFound("trust record %q not found", id)
	}
	return record.Clone(), nil
}

// Create implements Store.
func (m *MemoryStore) Create(ctx context.Context, record *Record) (*Record, error) {
	if record == nil {
		return nil, trace.BadParameter("missing trust record")
	}
	stored := record.Clone()
	if stored.CreatedAt == "" {
		stored.CreatedAt = wire.Now(m.clock)
	}
	if err := stored.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tree.Get(&Record{ID: stored.ID}); exists {
		return nil, trace.AlreadyExists("trust record %q already exists", stored.ID)
	}
	m.tree.ReplaceOrInsert(stored)
	return stored.Clone(), nil
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, id string, patch Patch) (*Record, error) {
	if id == "" {
		return nil, trace.BadParameter("trust record id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.tree.Get(&Record{ID: id})
	if !ok {
		return nil, trace.NotFound("trust record %q not found", id)
	}
	updated := current.Clone()
	if err := patch.Apply(updated); err != nil {
		return nil, trace.Wrap(err)
	}
	m.tree.ReplaceOrInsert(updated)
	return updated.Clone(), nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return trace.BadParameter("trust record id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tree.Delete(&Record{ID: id}); !ok {
		return trace.NotFound("trust record %q not found", id)
	}
	return nil
}

// GetAll implements Store.
func (m *MemoryStore) GetAll(ctx context.Context, receiverID string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	m.tree.Ascend(func(record *Record) bool {
		if receiverID == "" || record.ReceiverID == receiverID {
			out = append(out, record.Clone())
		}
		return true
	})
	return out, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.Clear(false)
	return nil
}
