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
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btps-protocol/btps/lib/wire"
)

var testBase = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// runStoreSuite exercises the Store contract against one implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) (Store, *clockwork.FakeClock)) {
	ctx := context.Background()

	t.Run("StoreAndGet", func(t *testing.T) {
		store, clock := newStore(t)

		record, err := store.Store(ctx, StoreParams{
			Token:        "F7K2M9QDXA41",
			Holder:       "device-1",
			UserIdentity: "alice$vendor.example",
			TTL:          15 * time.Minute,
			Metadata:     map[string]any{"device": "laptop"},
		})
		require.NoError(t, err)
		assert.Equal(t, wire.FormatTime(clock.Now()), record.CreatedAt)
		assert.Equal(t, wire.FormatTime(clock.Now().Add(15*time.Minute)), record.ExpiresAt)

		got, err := store.Get(ctx, "device-1", "F7K2M9QDXA41")
		require.NoError(t, err)
		assert.Equal(t, record, got)

		// The wrong holder cannot redeem the token.
		_, err = store.Get(ctx, "device-2", "F7K2M9QDXA41")
		require.True(t, trace.IsNotFound(err))
	})

	t.Run("StoreValidatesParams", func(t *testing.T) {
		store, _ := newStore(t)

		tests := []struct {
			name   string
			params StoreParams
		}{
			{"missing token", StoreParams{Holder: "h", UserIdentity: "u$d.example", TTL: time.Minute}},
			{"missing holder", StoreParams{Token: "t", UserIdentity: "u$d.example", TTL: time.Minute}},
			{"missing user", StoreParams{Token: "t", Holder: "h", TTL: time.Minute}},
			{"zero ttl", StoreParams{Token: "t", Holder: "h", UserIdentity: "u$d.example"}},
			{"negative ttl", StoreParams{Token: "t", Holder: "h", UserIdentity: "u$d.example", TTL: -time.Second}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := store.Store(ctx, tt.params)
				require.True(t, trace.IsBadParameter(err))
			})
		}
	})

	t.Run("GetNeverReturnsExpired", func(t *testing.T) {
		store, clock := newStore(t)

		_, err := store.Store(ctx, StoreParams{
			Token:        "SHORTLIVED01",
			Holder:       "device-1",
			UserIdentity: "alice$vendor.example",
			TTL:          time.Minute,
		})
		require.NoError(t, err)

		clock.Advance(59 * time.Second)
		_, err = store.Get(ctx, "device-1", "SHORTLIVED01")
		require.NoError(t, err)

		clock.Advance(2 * time.Second)
		_, err = store.Get(ctx, "device-1", "SHORTLIVED01")
		require.True(t, trace.IsNotFound(err))

		// Expired tokens are dropped on first sight.
		_, err = store.Get(ctx, "device-1", "SHORTLIVED01")
		require.True(t, trace.IsNotFound(err))
	})

	t.Run("Remove", func(t *testing.T) {
		store, _ := newStore(t)

		_, err := store.Store(ctx, StoreParams{
			Token:        "REMOVEME0001",
			Holder:       "device-1",
			UserIdentity: "alice$vendor.example",
			TTL:          time.Hour,
		})
		require.NoError(t, err)

		require.NoError(t, store.Remove(ctx, "device-1", "REMOVEME0001"))
		_, err = store.Get(ctx, "device-1", "REMOVEME0001")
		require.True(t, trace.IsNotFound(err))

		err = store.Remove(ctx, "device-1", "REMOVEME0001")
		require.True(t, trace.IsNotFound(err))

		// The per-user view was cleaned too.
		records, err := store.GetTokensByUser(ctx, "alice$vendor.example")
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("Cleanup", func(t *testing.T) {
		store, clock := newStore(t)

		_, err := store.Store(ctx, StoreParams{
			Token: "SHORT0000001", Holder: "d1", UserIdentity: "alice$vendor.example", TTL: time.Minute,
		})
		require.NoError(t, err)
		_, err = store.Store(ctx, StoreParams{
			Token: "LONG00000001", Holder: "d2", UserIdentity: "alice$vendor.example", TTL: time.Hour,
		})
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)
		require.NoError(t, store.Cleanup(ctx))

		_, err = store.Get(ctx, "d1", "SHORT0000001")
		require.True(t, trace.IsNotFound(err))
		_, err = store.Get(ctx, "d2", "LONG00000001")
		require.NoError(t, err)
	})

	t.Run("GetTokensByUser", func(t *testing.T) {
		store, clock := newStore(t)

		for _, p := range []StoreParams{
			{Token: "T1", Holder: "device-b", UserIdentity: "alice$vendor.example", TTL: time.Hour},
			{Token: "T2", Holder: "device-a", UserIdentity: "alice$vendor.example", TTL: time.Hour},
			{Token: "T3", Holder: "device-a", UserIdentity: "bob$vendor.example", TTL: time.Hour},
			{Token: "T4", Holder: "device-c", UserIdentity: "alice$vendor.example", TTL: time.Minute},
		} {
			_, err := store.Store(ctx, p)
			require.NoError(t, err)
		}

		clock.Advance(2 * time.Minute)

		records, err := store.GetTokensByUser(ctx, "alice$vendor.example")
		require.NoError(t, err)
		require.Len(t, records, 2, "expired and foreign tokens are excluded")
		assert.Equal(t, "device-a", records[0].Holder)
		assert.Equal(t, "device-b", records[1].Holder)

		records, err = store.GetTokensByUser(ctx, "nobody$vendor.example")
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("RevokeAllForUser", func(t *testing.T) {
		store, _ := newStore(t)

		for _, p := range []StoreParams{
			{Token: "T1", Holder: "d1", UserIdentity: "alice$vendor.example", TTL: time.Hour},
			{Token: "T2", Holder: "d2", UserIdentity: "alice$vendor.example", TTL: time.Hour},
			{Token: "T3", Holder: "d3", UserIdentity: "bob$vendor.example", TTL: time.Hour},
		} {
			_, err := store.Store(ctx, p)
			require.NoError(t, err)
		}

		dropped, err := store.RevokeAllForUser(ctx, "alice$vendor.example")
		require.NoError(t, err)
		assert.Equal(t, 2, dropped)

		_, err = store.Get(ctx, "d1", "T1")
		require.True(t, trace.IsNotFound(err))
		_, err = store.Get(ctx, "d2", "T2")
		require.True(t, trace.IsNotFound(err))

		// Bob's token is untouched.
		_, err = store.Get(ctx, "d3", "T3")
		require.NoError(t, err)
	})

	t.Run("ReissueRebindsUser", func(t *testing.T) {
		store, _ := newStore(t)

		_, err := store.Store(ctx, StoreParams{
			Token: "SHARED000001", Holder: "d1", UserIdentity: "alice$vendor.example", TTL: time.Hour,
		})
		require.NoError(t, err)

		// The same (holder, token) reissued for another user.
		_, err = store.Store(ctx, StoreParams{
			Token: "SHARED000001", Holder: "d1", UserIdentity: "bob$vendor.example", TTL: time.Hour,
		})
		require.NoError(t, err)

		aliceTokens, err := store.GetTokensByUser(ctx, "alice$vendor.example")
		require.NoError(t, err)
		assert.Empty(t, aliceTokens, "the reissued token no longer belongs to alice")

		bobTokens, err := store.GetTokensByUser(ctx, "bob$vendor.example")
		require.NoError(t, err)
		require.Len(t, bobTokens, 1)
	})
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, func(t *testing.T) (Store, *clockwork.FakeClock) {
		clock := clockwork.NewFakeClockAt(testBase)
		store, err := NewMemoryStore(MemoryConfig{Clock: clock})
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store, clock
	})
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, func(t *testing.T) (Store, *clockwork.FakeClock) {
		clock := clockwork.NewFakeClockAt(testBase)
		store, err := NewFileStore(FileConfig{
			Path:  filepath.Join(t.TempDir(), "tokens.json"),
			Clock: clock,
		})
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store, clock
	})
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.json")

	store, err := NewFileStore(FileConfig{Path: path, Clock: clockwork.NewFakeClockAt(testBase)})
	require.NoError(t, err)
	record, err := store.Store(ctx, StoreParams{
		Token:        "DURABLE00001",
		Holder:       "btps_ag_1f0c",
		UserIdentity: "alice$vendor.example",
		TTL:          7 * 24 * time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// A restarted server sees the refresh token it issued before.
	reopened, err := NewFileStore(FileConfig{Path: path, Clock: clockwork.NewFakeClockAt(testBase.Add(time.Hour))})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "btps_ag_1f0c", "DURABLE00001")
	require.NoError(t, err)
	assert.Equal(t, record, got)

	// A reopen past the expiry does not resurrect it.
	require.NoError(t, reopened.Close())
	expired, err := NewFileStore(FileConfig{Path: path, Clock: clockwork.NewFakeClockAt(testBase.Add(8 * 24 * time.Hour))})
	require.NoError(t, err)
	defer expired.Close()

	_, err = expired.Get(ctx, "btps_ag_1f0c", "DURABLE00001")
	require.True(t, trace.IsNotFound(err))
}

func TestRunSweeper(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := clockwork.NewFakeClockAt(testBase)
	store, err := NewMemoryStore(MemoryConfig{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.Store(ctx, StoreParams{
		Token: "SWEPT0000001", Holder: "d1", UserIdentity: "alice$vendor.example", TTL: time.Minute,
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		store.RunSweeper(ctx, time.Minute)
	}()

	clock.BlockUntil(1)
	clock.Advance(2 * time.Minute)

	require.Eventually(t, func() bool {
		store.mu.RLock()
		defer store.mu.RUnlock()
		return store.primary.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop on context cancellation")
	}
}
