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

// Package defaults contains the default constants used across the BTPS
// codebase. Components pick these up in CheckAndSetDefaults; nothing outside
// this package hardcodes a port, TTL, or limit.
package defaults

import "time"

const (
	// Port is the default BTPS listening port.
	Port = 3443

	// BindAddr is the address servers listen on when none is configured.
	BindAddr = "0.0.0.0"

	// IdleTimeout is the per-connection idle timeout. A connection that
	// produces no complete request line within this window receives a
	// graceful timeout error and is closed.
	IdleTimeout = 30 * time.Second

	// RequestTimeout is the per-request pipeline deadline. It matches the
	// idle timeout unless configured otherwise.
	RequestTimeout = IdleTimeout

	// DrainTimeout bounds how long Stop waits for in-flight pipelines
	// before force-closing their connections.
	DrainTimeout = 5 * time.Second

	// DialTimeout is the client-side TCP/TLS dial timeout.
	DialTimeout = 10 * time.Second

	// DialAttempts is how many times the client tries to establish a
	// connection before giving up.
	DialAttempts = 3

	// DialBackoff separates client dial attempts.
	DialBackoff = 500 * time.Millisecond

	// MaxLineBytes caps a single request line. Lines beyond the cap are
	// rejected without buffering the remainder.
	MaxLineBytes = 1 << 20
)

const (
	// AuthTokenTTL is the lifetime of a short-lived agent auth token.
	AuthTokenTTL = 15 * time.Minute

	// RefreshTokenTTL is the lifetime of an agent refresh token.
	RefreshTokenTTL = 7 * 24 * time.Hour

	// AuthTokenLength is the character length of generated auth tokens.
	AuthTokenLength = 12

	// AuthTokenAlphabet is the URL-safe alphabet auth tokens draw from.
	AuthTokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// RefreshTokenSize is the number of random bytes behind a refresh
	// token before base64url encoding.
	RefreshTokenSize = 32
)

const (
	// Selector is the key selector assumed when a record omits one.
	Selector = "btps1"

	// ResolverCacheTTL is how long resolved host and key records are
	// served from cache before revalidation. The stdlib resolver does not
	// expose record TTLs, so this stands in for them.
	ResolverCacheTTL = 5 * time.Minute

	// StorageFlushInterval is the debounce window for persistent JSON
	// store writes.
	StorageFlushInterval = 500 * time.Millisecond
)

const (
	// RateWindow is the sliding window rate counters measure over.
	RateWindow = time.Minute

	// RateLimitPerIP is the default number of requests allowed per remote
	// IP within RateWindow.
	RateLimitPerIP = 120

	// RateLimitPerIdentity is the default number of requests allowed per
	// sender identity within RateWindow.
	RateLimitPerIdentity = 60

	// MaxConnectionsPerIP caps concurrent connections from one remote IP.
	MaxConnectionsPerIP = 25

	// RateSweepInterval is how often idle rate buckets are swept.
	RateSweepInterval = time.Minute

	// TokenSweepInterval is how often expired tokens are lazily swept.
	TokenSweepInterval = time.Minute
)
