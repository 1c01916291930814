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
	"crypto/sha256"
	"encoding/hex"
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

// fileEntity is the entity name token records live under in the store file.
const fileEntity = "tokens"

// fileID derives the stored record id for a (holder, token) pair: the hex
// SHA-256 of "holder:token".
func fileID(holder, token string) string {
	sum := sha256.Sum256([]byte(holder + ":" + token))
	return hex.EncodeToString(sum[:])
}

// fileRecord wraps Record with the id field the document store keys on.
type fileRecord struct {
	ID string `json:"id"`
	Record
}

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
	// Clock decides token expiry and drives the flush timer.
	Clock clockwork.Clock
	// Logger emits store diagnostics.
	Logger *slog.Logger
}

// FileStore persists tokens in a JSON document file. Reads serve from the
// in-memory image, writes flush on the storage debounce timer. Tokens
// survive a process restart, which matters for refresh tokens with
// multi-day lifetimes.
type FileStore struct {
	doc   *storage.Document
	clock clockwork.Clock

	// mu serializes read-modify-write cycles in Store and the lazy
	// expiry deletes in Get.
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

// Store implements Store.
func (s *FileStore) Store(ctx context.Context, params StoreParams) (*Record, error) {
	if err := params.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	now := s.clock.Now()
	record := Record{
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
	stored := fileRecord{ID: fileID(params.Holder, params.Token), Record: record}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.doc.Get(fileEntity, stored.ID)
	switch {
	case err == nil:
		err = s.doc.Update(fileEntity, stored.ID, stored)
	case trace.IsNotFound(err):
		err = s.doc.Insert(fileEntity, stored)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return record.Clone(), nil
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, holder, token string) (*Record, error) {
	if holder == "" || token == "" {
		return nil, trace.BadParameter("token holder and value are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := fileID(holder, token)
	record, err := s.getLocked(id)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("token not found for holder %q", holder)
		}
		return nil, trace.Wrap(err)
	}
	if record.Expired(s.clock.Now()) {
		if err := s.doc.Delete(fileEntity, id); err != nil && !trace.IsNotFound(err) {
			return nil, trace.Wrap(err)
		}
		return nil, trace.NotFound("token for holder %q has expired", holder)
	}
	return record, nil
}

// getLocked reads and decodes one record. Callers hold s.mu.
func (s *FileStore) getLocked(id string) (*Record, error) {
	raw, err := s.doc.Get(fileEntity, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var stored fileRecord
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, trace.BadParameter("stored token record %q is corrupt: %v", id, err)
	}
	return stored.Record.Clone(), nil
}

// Remove implements Store.
func (s *FileStore) Remove(ctx context.Context, holder, token string) error {
	if holder == "" || token == "" {
		return trace.BadParameter("token holder and value are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.doc.Delete(fileEntity, fileID(holder, token))
	if trace.IsNotFound(err) {
		return trace.NotFound("token not found for holder %q", holder)
	}
	return trace.Wrap(err)
}

// Cleanup implements Store.
func (s *FileStore) Cleanup(ctx context.Context) error {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	raws, err := s.doc.List(fileEntity)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, raw := range raws {
		var stored fileRecord
		if err := json.Unmarshal(raw, &stored); err != nil {
			continue
		}
		if !stored.Expired(now) {
			continue
		}
		if err := s.doc.Delete(fileEntity, stored.ID); err != nil && !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
	}
	return nil
}

// GetTokensByUser implements Store.
func (s *FileStore) GetTokensByUser(ctx context.Context, userIdentity string) ([]*Record, error) {
	if userIdentity == "" {
		return nil, trace.BadParameter("user identity is required")
	}
	now := s.clock.Now()
	raws, err := s.doc.List(fileEntity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []*Record
	for _, raw := range raws {
		var stored fileRecord
		if err := json.Unmarshal(raw, &stored); err != nil {
			return nil, trace.BadParameter("stored token record is corrupt: %v", err)
		}
		if stored.UserIdentity != userIdentity || stored.Expired(now) {
			continue
		}
		out = append(out, stored.Record.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Holder != out[j].Holder {
			return out[i].Holder < out[j].Holder
		}
		return out[i].Token < out[j].Token
	})
	return out, nil
}

// RevokeAllForUser implements Store.
func (s *FileStore) RevokeAllForUser(ctx context.Context, userIdentity string) (int, error) {
	if userIdentity == "" {
		return 0, trace.BadParameter("user identity is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raws, err := s.doc.List(fileEntity)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	count := 0
	for _, raw := range raws {
		var stored fileRecord
		if err := json.Unmarshal(raw, &stored); err != nil {
			continue
		}
		if stored.UserIdentity != userIdentity {
			continue
		}
		if err := s.doc.Delete(fileEntity, stored.ID); err != nil && !trace.IsNotFound(err) {
			return count, trace.Wrap(err)
		}
		count++
	}
	return count, nil
}

// Flush forces any pending writes to disk.
func (s *FileStore) Flush() error {
	return trace.Wrap(s.doc.Flush())
}

// Close flushes pending writes and releases the underlying file.
func (s *FileStore) Close() error {
	return trace.Wrap(s.doc.Close())
}
