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

// Package storage implements the JSON document file the file-backed trust
// and token stores persist into. The file holds {entityName: [records]}
// where every record is an object with an "id" field. Mutations apply to
// memory immediately and flush to disk on a debounce timer; flushes take
// an exclusive file lock, write a temp file, fsync, and atomically rename
// over the target. An fsnotify watcher picks up external modifications
// and reloads, unless unflushed local writes would be clobbered.
package storage

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/btps-protocol/btps"
	"github.com/btps-protocol/btps/lib/defaults"
)

// Config configures a Document.
type Config struct {
	// Path is the JSON file location. Parent directories are created.
	Path string
	// FlushInterval debounces disk writes.
	FlushInterval time.Duration
	// WatchExternal reloads the file when another process rewrites it.
	WatchExternal bool
	// Clock drives the debounce timer.
	Clock clockwork.Clock
	// Logger emits flush and reload diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("storage: Path is required")
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = defaults.StorageFlushInterval
	}
	if c.FlushInterval < 0 {
		return trace.BadParameter("storage: FlushInterval must not be negative")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(btps.ComponentKey, btps.ComponentStorage)
	}
	return nil
}

// Document is the in-memory image of one JSON store file.
type Document struct {
	cfg      Config
	fileLock *flock.Flock
	watcher  *fsnotify.Watcher

	mu         sync.Mutex
	entities   map[string][]json.RawMessage
	dirty      bool
	flushTimer clockwork.Timer
	lastMod    time.Time
	closed     bool
}

// Open loads or creates the document at cfg.Path.
func Open(cfg Config) (*Document, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	d := &Document{
		cfg:      cfg,
		fileLock: flock.New(cfg.Path + ".lock"),
		entities: make(map[string][]json.RawMessage),
	}
	if err := d.load(); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.WatchExternal {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := watcher.Add(filepath.Dir(cfg.Path)); err != nil {
			watcher.Close()
			return nil, trace.ConvertSystemError(err)
		}
		d.watcher = watcher
		go d.watchLoop()
	}
	return d, nil
}

// load reads the file into memory. A missing file is an empty store.
func (d *Document) load() error {
	raw, err := os.ReadFile(d.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return trace.ConvertSystemError(err)
	}
	entities := make(map[string][]json.RawMessage)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &entities); err != nil {
			return trace.BadParameter("storage: %s is not a valid store file: %v", d.cfg.Path, err)
		}
	}
	st, err := os.Stat(d.cfg.Path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	d.entities = entities
	d.lastMod = st.ModTime()
	return nil
}

// recordID extracts the id field every stored record must carry.
func recordID(raw json.RawMessage) (string, error) {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", trace.BadParameter("storage: record is not a JSON object: %v", err)
	}
	if probe.ID == "" {
		return "", trace.BadParameter("storage: record has no id")
	}
	return probe.ID, nil
}

// Get returns the record with the given id within entity.
func (d *Document) Get(entity, id string) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, raw := range d.entities[entity] {
		rid, err := recordID(raw)
		if err != nil {
			continue
		}
		if rid == id {
			return append(json.RawMessage(nil), raw...), nil
		}
	}
	return nil, trace.NotFound("%s record %q not found", entity, id)
}

// List returns all records of entity in insertion order.
func (d *Document) List(entity string) ([]json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]json.RawMessage, 0, len(d.entities[entity]))
	for _, raw := range d.entities[entity] {
		out = append(out, append(json.RawMessage(nil), raw...))
	}
	return out, nil
}

// Insert adds a record to entity. Fails when the id is already present.
func (d *Document) Insert(entity string, record any) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return trace.Wrap(err)
	}
	id, err := recordID(raw)
	if err != nil {
		return trace.Wrap(err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return trace.Errorf("storage: store is closed")
	}
	for _, existing := range d.entities[entity] {
		rid, err := recordID(existing)
		if err != nil {
			continue
		}
		if rid == id {
			return trace.AlreadyExists("%s record %q already exists", entity, id)
		}
	}
	d.entities[entity] = append(d.entities[entity], raw)
	d.markDirtyLocked()
	return nil
}

// Update replaces the record with the given id within entity.
func (d *Document) Update(entity, id string, record any) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return trace.Wrap(err)
	}
	rid, err := recordID(raw)
	if err != nil {
		return trace.Wrap(err)
	}
	if rid != id {
		return trace.BadParameter("storage: record id %q does not match %q", rid, id)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return trace.Errorf("storage: store is closed")
	}
	for i, existing := range d.entities[entity] {
		eid, err := recordID(existing)
		if err != nil {
			continue
		}
		if eid == id {
			d.entities[entity][i] = raw
			d.markDirtyLocked()
			return nil
		}
	}
	return trace.NotFound("%s record %q not found", entity, id)
}

// Delete removes the record with the given id from entity.
func (d *Document) Delete(entity, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return trace.Errorf("storage: store is closed")
	}
	records := d.entities[entity]
	for i, existing := range records {
		eid, err := recordID(existing)
		if err != nil {
			continue
		}
		if eid == id {
			d.entities[entity] = append(records[:i:i], records[i+1:]...)
			d.markDirtyLocked()
			return nil
		}
	}
	return trace.NotFound("%s record %q not found", entity, id)
}

// markDirtyLocked schedules a debounced flush. Callers hold d.mu.
func (d *Document) markDirtyLocked() {
	d.dirty = true
	if d.flushTimer == nil {
		d.flushTimer = d.cfg.Clock.AfterFunc(d.cfg.FlushInterval, d.flushOnTimer)
	}
}

func (d *Document) flushOnTimer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushTimer = nil
	if d.closed || !d.dirty {
		return
	}
	if err := d.flushLocked(); err != nil {
		d.cfg.Logger.Error("flush failed, retrying", "path", d.cfg.Path, "error", err)
		// Leave the store dirty and try again next interval.
		d.flushTimer = d.cfg.Clock.AfterFunc(d.cfg.FlushInterval, d.flushOnTimer)
	}
}

// Flush writes any pending state to disk synchronously.
func (d *Document) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.dirty {
		return nil
	}
	return trace.Wrap(d.flushLocked())
}

// flushLocked serializes the store and atomically replaces the file:
// exclusive flock, temp file in the same directory, fsync, rename.
// Callers hold d.mu.
func (d *Document) flushLocked() error {
	data, err := json.MarshalIndent(d.entities, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	if err := d.fileLock.Lock(); err != nil {
		return trace.ConvertSystemError(err)
	}
	defer func() {
		if err := d.fileLock.Unlock(); err != nil {
			d.cfg.Logger.Warn("unlocking store file failed", "path", d.cfg.Path, "error", err)
		}
	}()

	dir, base := filepath.Split(d.cfg.Path)
	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return trace.ConvertSystemError(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return trace.ConvertSystemError(err)
	}
	if err := tmp.Close(); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmpName, d.cfg.Path); err != nil {
		return trace.ConvertSystemError(err)
	}
	if st, err := os.Stat(d.cfg.Path); err == nil {
		d.lastMod = st.ModTime()
	}
	d.dirty = false
	return nil
}

func (d *Document) watchLoop() {
	for {
		select {
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(d.cfg.Path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			d.maybeReload()
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.cfg.Logger.Warn("store watcher error", "path", d.cfg.Path, "error", err)
		}
	}
}

// maybeReload re-reads the file after an external write. Local unflushed
// writes win: the reload is skipped with a warning rather than dropping
// them.
func (d *Document) maybeReload() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	st, err := os.Stat(d.cfg.Path)
	if err != nil {
		return
	}
	if !st.ModTime().After(d.lastMod) {
		// Our own flush, or nothing new.
		return
	}
	if d.dirty {
		d.cfg.Logger.Warn("external modification ignored, store has unflushed writes",
			"path", d.cfg.Path)
		return
	}
	if err := d.load(); err != nil {
		d.cfg.Logger.Warn("reloading externally modified store failed",
			"path", d.cfg.Path, "error", err)
		return
	}
	d.cfg.Logger.Info("store reloaded after external modification", "path", d.cfg.Path)
}

// Close flushes pending writes and releases the watcher.
func (d *Document) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.flushTimer != nil {
		d.flushTimer.Stop()
		d.flushTimer = nil
	}
	var errs []error
	if d.dirty {
		errs = append(errs, d.flushLocked())
	}
	if d.watcher != nil {
		errs = append(errs, d.watcher.Close())
	}
	return trace.NewAggregate(errs...)
}
