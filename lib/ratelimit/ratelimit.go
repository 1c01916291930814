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

// Package ratelimit bounds inbound connection and artifact volume. The
// server keeps windowed counters per remote IP and per sender identity, a
// token bucket for overall throughput, and a concurrent connection cap
// per IP.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// TimedCounter counts events over a sliding window, e.g. how many
// artifacts arrived from one IP in the last minute. Old events expire out
// of the count. Not safe for concurrent use.
type TimedCounter struct {
	clock   clockwork.Clock
	timeout time.Duration
	events  []time.Time
}

// NewTimedCounter creates a counter with the given window.
func NewTimedCounter(clock clockwork.Clock, timeout time.Duration) *TimedCounter {
	return &TimedCounter{
		clock:   clock,
		timeout: timeout,
	}
}

// Increment records an event, returning the current count.
func (c *TimedCounter) Increment() int {
	c.trim()
	c.events = append(c.events, c.clock.Now())
	return len(c.events)
}

// Count reports the number of events still inside the window.
func (c *TimedCounter) Count() int {
	c.trim()
	return len(c.events)
}

func (c *TimedCounter) trim() {
	deadline := c.clock.Now().Add(-c.timeout)
	lastExpired := -1
	for i := range c.events {
		if c.events[i].After(deadline) {
			break
		}
		lastExpired = i
	}
	if lastExpired > -1 {
		c.events = c.events[lastExpired+1:]
	}
}

// CountersConfig configures a Counters set.
type CountersConfig struct {
	// Limit is the maximum events per key inside Window.
	Limit int
	// Window is the sliding measurement window.
	Window time.Duration
	// Clock drives window expiry.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *CountersConfig) CheckAndSetDefaults() error {
	if c.Limit <= 0 {
		return trace.BadParameter("ratelimit: Limit must be positive")
	}
	if c.Window <= 0 {
		return trace.BadParameter("ratelimit: Window must be positive")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Counters keeps one TimedCounter per key (an IP or a sender identity)
// and answers whether a key has exceeded its budget. Idle keys are swept
// so the map does not grow with every client ever seen.
type Counters struct {
	cfg CountersConfig

	mu       sync.Mutex
	counters map[string]*TimedCounter
}

// NewCounters returns an empty counter set.
func NewCounters(cfg CountersConfig) (*Counters, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Counters{
		cfg:      cfg,
		counters: make(map[string]*TimedCounter),
	}, nil
}

// Increment records an event for key and reports the resulting count and
// whether the key is now over its limit.
func (c *Counters) Increment(key string) (count int, limited bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	counter, ok := c.counters[key]
	if !ok {
		counter = NewTimedCounter(c.cfg.Clock, c.cfg.Window)
		c.counters[key] = counter
	}
	count = counter.Increment()
	return count, count > c.cfg.Limit
}

// Sweep drops keys with no events left in the window and returns how many
// were removed.
func (c *Counters) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, counter := range c.counters {
		if counter.Count() == 0 {
			delete(c.counters, key)
			removed++
		}
	}
	return removed
}

// RunSweeper sweeps idle keys every interval until ctx is canceled.
func (c *Counters) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := c.cfg.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.Sweep()
		}
	}
}

// ConnLimiter caps concurrent connections per remote IP.
type ConnLimiter struct {
	max int64

	mu    sync.Mutex
	conns map[string]int64
}

// NewConnLimiter returns a limiter allowing max concurrent connections
// per IP. A zero or negative max means unlimited.
func NewConnLimiter(max int64) *ConnLimiter {
	return &ConnLimiter{
		max:   max,
		conns: make(map[string]int64),
	}
}

// Acquire registers a connection from ip. It reports false when the ip is
// at its cap, in which case nothing is registered.
func (l *ConnLimiter) Acquire(ip string) bool {
	if l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conns[ip] >= l.max {
		return false
	}
	l.conns[ip]++
	return true
}

// Release unregisters a connection previously acquired for ip.
func (l *ConnLimiter) Release(ip string) {
	if l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch n := l.conns[ip]; {
	case n <= 1:
		delete(l.conns, ip)
	default:
		l.conns[ip] = n - 1
	}
}

// Count reports the live connections for ip.
func (l *ConnLimiter) Count(ip string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns[ip]
}

// Throughput is a process-wide token bucket over artifact processing,
// smoothing bursts the per-key counters would let through.
type Throughput struct {
	limiter *rate.Limiter
}

// NewThroughput allows eventsPerSecond sustained with the given burst.
// Zero or negative eventsPerSecond disables the bucket.
func NewThroughput(eventsPerSecond float64, burst int) *Throughput {
	if eventsPerSecond <= 0 {
		return &Throughput{}
	}
	return &Throughput{limiter: rate.NewLimiter(rate.Limit(eventsPerSecond), burst)}
}

// Allow reports whether one more event fits the budget right now.
func (t *Throughput) Allow() bool {
	if t.limiter == nil {
		return true
	}
	return t.limiter.Allow()
}
