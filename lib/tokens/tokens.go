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

// Package tokens keeps the short-lived credentials of the agent onboarding
// flow: one-time auth tokens a user hands to a new device, and the refresh
// tokens agents present to renew their session. Tokens are scoped to a
// holder (the device or agent id) and indexed by the user identity that
// issued them so a user can revoke everything at once.
package tokens

import (
	"context"
	"time"

	"github.com/gravitational/trace"

	"github.com/btps-protocol/btps/lib/wire"
)

// Record is one stored token.
type Record struct {
	Token        string         `json:"token"`
	Holder       string         `json:"holder"`
	UserIdentity string         `json:"userIdentity"`
	CreatedAt    string         `json:"createdAt"`
	ExpiresAt    string         `json:"expiresAt"`
	DecryptBy    string         `json:"decryptBy,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	out := *r
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Expired reports whether the token's expiry has passed.
func (r *Record) Expired(now time.Time) bool {
	exp, err := wire.ParseTime(r.ExpiresAt)
	if err != nil {
		return true
	}
	return now.After(exp)
}

// StoreParams describes a token to store.
type StoreParams struct {
	// Token is the credential value.
	Token string
	// Holder is the device or agent id the token was issued to.
	Holder string
	// UserIdentity is the identity on whose behalf the token acts.
	UserIdentity string
	// TTL bounds the token's lifetime, must be positive.
	TTL time.Duration
	// DecryptBy optionally names the identity able to decrypt material
	// associated with the token.
	DecryptBy string
	// Metadata is opaque data carried alongside the token.
	Metadata map[string]any
}

// Check validates the params.
func (p *StoreParams) Check() error {
	if p.Token == "" {
		return trace.BadParameter("token is empty")
	}
	if p.Holder == "" {
		return trace.BadParameter("token holder is empty")
	}
	if p.UserIdentity == "" {
		return trace.BadParameter("token user identity is empty")
	}
	if p.TTL <= 0 {
		return trace.BadParameter("token ttl must be positive")
	}
	return nil
}

// Store keeps tokens. Implementations must be safe for concurrent use.
// Missing or expired tokens surface as trace.NotFound.
type Store interface {
	// Store saves a token, replacing any previous token with the same
	// (holder, token) key.
	Store(ctx context.Context, params StoreParams) (*Record, error)
	// Get returns the token record, never an expired one.
	Get(ctx context.Context, holder, token string) (*Record, error)
	// Remove deletes the token.
	Remove(ctx context.Context, holder, token string) error
	// Cleanup drops every expired token.
	Cleanup(ctx context.Context) error
	// GetTokensByUser lists the user's live tokens ordered by
	// (holder, token).
	GetTokensByUser(ctx context.Context, userIdentity string) ([]*Record, error)
	// RevokeAllForUser removes every token the user issued and returns
	// how many were dropped.
	RevokeAllForUser(ctx context.Context, userIdentity string) (int, error)
	// Close releases the store's resources.
	Close() error
}
