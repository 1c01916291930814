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

package tokens

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/btps-protocol/btps"
	"github.com/btps-protocol/btps/lib/wire"
)

const btreeDegree = 8

// MemoryConfig configures a MemoryStore.
type MemoryConfig struct {
	// Clock decides token expiry.
	Clock clockwork.Clock
	// Logger emits sweeper diagnostics.
	Logger *slog.Logger
}

// MemoryStore is an in-memory token Store. The primary tree orders by
// (holder, token), the secondary by (userIdentity, holder, token) so that
// per-user listings and revocations are range scans.
type MemoryStore struct {
	clock  clockwork.Clock
	logger *slog.Logger

	mu        sync.RWMutex
	primary   *btree.BTreeG[*Record]
	secondary *btree.BTreeG[*Record]
}

func primaryLess(a, b *Record) bool {
	if a.Holder != b.Holder {
		return a.Holder < b.Holder
	}
	return a.Token < b.Token
}

func secondaryLess(a, b *Record) bool {
	if a.UserIdentity != b.UserIdentity {
		return a.UserIdentity < b.UserIdentity
	}
	return primaryLess(a, b)
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(cfg MemoryConfig) (*MemoryStore, error) {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.With(btps.ComponentKey, btps.ComponentStorage)
	}
	return &MemoryStore{
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		primary:   btree.NewG(btreeDegree, primaryLess),
		secondary: btree.NewG(btreeDegree, secondaryLess),
	}, nil
}

// Store implements Store.
func (m *MemoryStore) Store(ctx context.Context, params StoreParams) (*Record, error) {
	if err := params.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	now := m.clock.Now()
	record := &Record{
		Token:        params.Token,
		Holder:       params.Holder,
		UserIdentity: params.UserIdentity,
		CreatedAt:    wire.FormatTime(now),
		ExpiresAt:    wire.FormatTime(now.Add(params.TTL)),
		DecryptBy:    params.DecryptBy,
	}
	if params.Metadata != nil {
		record.Metadata = make(map[string]any, len(params.Metadata))
		for k, v := range params.Metadata {
			record.Metadata[k] = v
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if previous, ok := m.primary.Get(record); ok {
		// Reissue under a different user drops the stale secondary entry.
		m.secondary.Delete(previous)
	}
	m.primary.ReplaceOrInsert(record)
	m.secondary.ReplaceOrInsert(record)
	return record.Clone(), nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, holder, token string) (*Record, error) {
	if holder == "" || token == "" {
		return nil, trace.BadParameter("token holder and value are required")
	}
	key := &Record{Holder: holder, Token: token}

	m.mu.RLock()
	record, ok := m.primary.Get(key)
	m.mu.RUnlock()
	if !ok {
		return nil, trace.NotFound("token not found for holder %q", holder)
	}
	if record.Expired(m.clock.Now()) {
		m.mu.Lock()
		m.deleteLocked(record)
		m.mu.Unlock()
		return nil, trace.NotFound("token for holder %q has expired", holder)
	}
	return record.Clone(), nil
}

// Remove implements Store.
func (m *MemoryStore) Remove(ctx context.Context, holder, token string) error {
	if holder == "" || token == "" {
		return trace.BadParameter("token holder and value are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.primary.Get(&Record{Holder: holder, Token: token})
	if !ok {
		return trace.NotFound("token not found for holder %q", holder)
	}
	m.deleteLocked(record)
	return nil
}

// deleteLocked removes record from both trees. Callers hold m.mu.
func (m *MemoryStore) deleteLocked(record *Record) {
	m.primary.Delete(record)
	m.secondary.Delete(record)
}

// Cleanup implements Store.
func (m *MemoryStore) Cleanup(ctx context.Context) error {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []*Record
	m.primary.Ascend(func(record *Record) bool {
		if record.Expired(now) {
			expired = append(expired, record)
		}
		return true
	})
	for _, record := range expired {
		m.deleteLocked(record)
	}
	if len(expired) > 0 {
		m.logger.DebugContext(ctx, "swept expired tokens", "count", len(expired))
	}
	return nil
}

// GetTokensByUser implements Store.
func (m *MemoryStore) GetTokensByUser(ctx context.Context, userIdentity string) ([]*Record, error) {
	if userIdentity == "" {
		return nil, trace.BadParameter("user identity is required")
	}
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Record
	m.secondary.AscendGreaterOrEqual(&Record{UserIdentity: userIdentity}, func(record *Record) bool {
		if record.UserIdentity != userIdentity {
			return false
		}
		if !record.Expired(now) {
			out = append(out, record.Clone())
		}
		return true
	})
	return out, nil
}

// RevokeAllForUser implements Store.
func (m *MemoryStore) RevokeAllForUser(ctx context.Context, userIdentity string) (int, error) {
	if userIdentity == "" {
		return 0, trace.BadParameter("user identity is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var doomed []*Record
	m.secondary.AscendGreaterOrEqual(&Record{UserIdentity: userIdentity}, func(record *Record) bool {
		if record.UserIdentity != userIdentity {
			return false
		}
		doomed = append(doomed, record)
		return true
	})
	for _, record := range doomed {
		m.deleteLocked(record)
	}
	return len(doomed), nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.primary.Clear(false)
	m.secondary.Clear(false)
	return nil
}

// RunSweeper periodically drops expired tokens until ctx is canceled. The
// server runs this in its own goroutine.
func (m *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := m.Cleanup(ctx); err != nil {
				m.logger.WarnContext(ctx, "token sweep failed", "error", err)
			}
		}
	}
}
