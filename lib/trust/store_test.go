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
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btps-protocol/btps/lib/wire"
)

func ptr[T any](v T) *T { return &v }

// runStoreSuite exercises the Store contract against one implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		store := newStore(t)
		created, err := store.Create(ctx, newTestRecord("alice$vendor.example", "billing$customer.example"))
		require.NoError(t, err)
		require.Equal(t, StatusPending, created.Status)

		got, err := store.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created, got)

		_, err = store.GetByID(ctx, "missing")
		require.True(t, trace.IsNotFound(err))
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		store := newStore(t)
		record := newTestRecord("alice$vendor.example", "billing$customer.example")
		_, err := store.Create(ctx, record)
		require.NoError(t, err)
		_, err = store.Create(ctx, record)
		require.True(t, trace.IsAlreadyExists(err))
	})

	t.Run("CreateInvalid", func(t *testing.T) {
		store := newStore(t)
		record := newTestRecord("alice$vendor.example", "billing$customer.example")
		record.Status = "maybe"
		_, err := store.Create(ctx, record)
		require.True(t, trace.IsBadParameter(err))
	})

	t.Run("Update", func(t *testing.T) {
		store := newStore(t)
		created, err := store.Create(ctx, newTestRecord("alice$vendor.example", "billing$customer.example"))
		require.NoError(t, err)

		decidedAt := "2026-01-03T00:00:00.000Z"
		updated, err := store.Update(ctx, created.ID, Patch{
			Status:    ptr(StatusAccepted),
			DecidedBy: ptr("billing$customer.example"),
			DecidedAt: ptr(decidedAt),
			Metadata:  map[string]any{"note": "approved"},
		})
		require.NoError(t, err)
		assert.Equal(t, StatusAccepted, updated.Status)
		assert.Equal(t, "billing$customer.example", updated.DecidedBy)
		assert.Equal(t, decidedAt, updated.DecidedAt)
		assert.Equal(t, "approved", updated.Metadata["note"])

		// The update is durable, and untouched fields survived.
		got, err := store.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, updated, got)
		assert.Equal(t, created.CreatedAt, got.CreatedAt)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Update(ctx, "missing", Patch{Status: ptr(StatusAccepted)})
		require.True(t, trace.IsNotFound(err))
	})

	t.Run("UpdateInvalidPatchLeavesRecord", func(t *testing.T) {
		store := newStore(t)
		created, err := store.Create(ctx, newTestRecord("alice$vendor.example", "billing$customer.example"))
		require.NoError(t, err)

		_, err = store.Update(ctx, created.ID, Patch{Status: ptr(Status("maybe"))})
		require.True(t, trace.IsBadParameter(err))

		got, err := store.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
	})

	t.Run("Delete", func(t *testing.T) {
		store := newStore(t)
		created, err := store.Create(ctx, newTestRecord("alice$vendor.example", "billing$customer.example"))
		require.NoError(t, err)

		require.NoError(t, store.Delete(ctx, created.ID))
		_, err = store.GetByID(ctx, created.ID)
		require.True(t, trace.IsNotFound(err))

		err = store.Delete(ctx, created.ID)
		require.True(t, trace.IsNotFound(err))
	})

	t.Run("GetAll", func(t *testing.T) {
		store := newStore(t)
		receiver := "billing$customer.example"
		senders := []string{"a$one.example", "b$two.example", "c$three.example"}
		var wantIDs []string
		for _, sender := range senders {
			created, err := store.Create(ctx, newTestRecord(sender, receiver))
			require.NoError(t, err)
			wantIDs = append(wantIDs, created.ID)
		}
		// A record for another receiver must not leak into the listing.
		_, err := store.Create(ctx, newTestRecord("a$one.example", "other$elsewhere.example"))
		require.NoError(t, err)

		records, err := store.GetAll(ctx, receiver)
		require.NoError(t, err)
		require.Len(t, records, 3)

		sort.Strings(wantIDs)
		for i, record := range records {
			assert.Equal(t, wantIDs[i], record.ID)
			assert.Equal(t, receiver, record.ReceiverID)
		}

		all, err := store.GetAll(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})

	t.Run("ReturnedRecordsAreIsolated", func(t *testing.T) {
		store := newStore(t)
		record := newTestRecord("alice$vendor.example", "billing$customer.example")
		record.Metadata = map[string]any{"note": "original"}
		created, err := store.Create(ctx, record)
		require.NoError(t, err)

		created.Status = StatusBlocked
		created.Metadata["note"] = "mutated"

		got, err := store.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, got.Status)
		assert.Equal(t, "original", got.Metadata["note"])
	})
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, func(t *testing.T) Store {
		store, err := NewMemoryStore(MemoryConfig{Clock: clockwork.NewFakeClock()})
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, func(t *testing.T) Store {
		store, err := NewFileStore(FileConfig{
			Path:  filepath.Join(t.TempDir(), "trust.json"),
			Clock: clockwork.NewFakeClock(),
		})
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestMemoryStoreDefaultsCreatedAt(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	store, err := NewMemoryStore(MemoryConfig{Clock: clockwork.NewFakeClockAt(base)})
	require.NoError(t, err)
	defer store.Close()

	record := newTestRecord("alice$vendor.example", "billing$customer.example")
	record.CreatedAt = ""
	created, err := store.Create(context.Background(), record)
	require.NoError(t, err)
	assert.Equal(t, wire.FormatTime(base), created.CreatedAt)
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "trust.json")

	store, err := NewFileStore(FileConfig{Path: path, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	created, err := store.Create(ctx, newTestRecord("alice$vendor.example", "billing$customer.example"))
	require.NoError(t, err)
	_, err = store.Update(ctx, created.ID, Patch{Status: ptr(StatusAccepted)})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewFileStore(FileConfig{Path: path, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, got.Status)
	assert.Equal(t, created.CreatedAt, got.CreatedAt)
}
