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

// Package trust defines directional trust records between identities and
// the store contract servers keep them in. A record belongs to the
// (sender, receiver) pair; the receiver decides its status. Delegated
// agents are recorded the same way, with the agent id as sender and the
// delegating identity as receiver.
package trust

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/gravitational/trace"

	"github.com/btps-protocol/btps/lib/envelope"
	"github.com/btps-protocol/btps/lib/wire"
)

// Status is the lifecycle state of a trust record.
type Status string

const (
	// StatusPending marks a received trust request awaiting a decision.
	StatusPending Status = "pending"
	// StatusAccepted marks an active trust relationship.
	StatusAccepted Status = "accepted"
	// StatusRejected marks a declined request. The sender may retry after
	// RetryAfterDate when one is set.
	StatusRejected Status = "rejected"
	// StatusRevoked marks a previously accepted relationship withdrawn by
	// the receiver.
	StatusRevoked Status = "revoked"
	// StatusBlocked marks a sender whose traffic is refused outright.
	StatusBlocked Status = "blocked"
)

// ValidStatus reports whether s is a defined status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusAccepted, StatusRejected, StatusRevoked, StatusBlocked:
		return true
	}
	return false
}

// ComputeID derives the record id for a (sender, receiver) pair: the hex
// SHA-256 of "sender:receiver". The same pair always maps to the same
// record.
func ComputeID(senderID, receiverID string) string {
	sum := sha256.Sum256([]byte(senderID + ":" + receiverID))
	return hex.EncodeToString(sum[:])
}

// KeyHistoryEntry remembers a key the sender previously signed with.
type KeyHistoryEntry struct {
	Fingerprint string `json:"fingerprint"`
	FirstSeen   string `json:"firstSeen"`
	LastSeen    string `json:"lastSeen"`
}

// Record is one directional trust relationship. Timestamps are wire-form
// strings so stored records serialize identically to their protocol form.
type Record struct {
	ID                   string            `json:"id"`
	SenderID             string            `json:"senderId"`
	ReceiverID           string            `json:"receiverId"`
	Status               Status            `json:"status"`
	CreatedAt            string            `json:"createdAt"`
	DecidedBy            string            `json:"decidedBy,omitempty"`
	DecidedAt            string            `json:"decidedAt,omitempty"`
	ExpiresAt            string            `json:"expiresAt,omitempty"`
	PublicKeyBase64      string            `json:"publicKeyBase64,omitempty"`
	PublicKeyFingerprint string            `json:"publicKeyFingerprint,omitempty"`
	KeyHistory           []KeyHistoryEntry `json:"keyHistory,omitempty"`
	PrivacyType          wire.PrivacyType  `json:"privacyType,omitempty"`
	RetryAfterDate       string            `json:"retryAfterDate,omitempty"`
	Metadata             map[string]any    `json:"metadata,omitempty"`
}

// Check validates the record.
func (r *Record) Check() error {
	if r.SenderID == "" {
		return trace.BadParameter("trust record senderId is empty")
	}
	if r.ReceiverID == "" {
		return trace.BadParameter("trust record receiverId is empty")
	}
	if r.ID == "" {
		return trace.BadParameter("trust record id is empty")
	}
	if r.ID != ComputeID(r.SenderID, r.ReceiverID) {
		return trace.BadParameter("trust record id does not match its sender and receiver")
	}
	if !ValidStatus(r.Status) {
		return trace.BadParameter("invalid trust status %q", r.Status)
	}
	if r.PrivacyType != "" && !wire.ValidPrivacyType(r.PrivacyType) {
		return trace.BadParameter("invalid privacyType %q", r.PrivacyType)
	}
	for _, ts := range []string{r.CreatedAt, r.DecidedAt, r.ExpiresAt, r.RetryAfterDate} {
		if ts == "" {
			continue
		}
		if _, err := wire.ParseTime(ts); err != nil {
			return trace.BadParameter("invalid trust record timestamp %q", ts)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	out := *r
	if r.KeyHistory != nil {
		out.KeyHistory = make([]KeyHistoryEntry, len(r.KeyHistory))
		copy(out.KeyHistory, r.KeyHistory)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Expired reports whether the record carries an expiry in the past.
func (r *Record) Expired(now time.Time) bool {
	if r.ExpiresAt == "" {
		return false
	}
	exp, err := wire.ParseTime(r.ExpiresAt)
	if err != nil {
		return false
	}
	return now.After(exp)
}

// IsActive reports whether the relationship currently authorizes
// deliveries: accepted and not expired.
func (r *Record) IsActive(now time.Time) bool {
	return r.Status == StatusAccepted && !r.Expired(now)
}

// RetryAllowed reports whether the sender may submit a fresh trust request
// given the record's state. Blocked senders may never retry; rejected
// senders wait out RetryAfterDate when one was set.
func (r *Record) RetryAllowed(now time.Time) bool {
	switch r.Status {
	case StatusBlocked:
		return false
	case StatusRejected, StatusRevoked:
		if r.RetryAfterDate == "" {
			return true
		}
		after, err := wire.ParseTime(r.RetryAfterDate)
		if err != nil {
			return true
		}
		return now.After(after)
	}
	return true
}

// RotateKey installs a new sender key, recording the previous key's
// fingerprint in the history. A no-op when the key is unchanged.
func (r *Record) RotateKey(newKeyBase64 string, now time.Time) error {
	fp, err := envelope.FingerprintKey(newKeyBase64)
	if err != nil {
		return trace.Wrap(err)
	}
	if fp == r.PublicKeyFingerprint {
		return nil
	}
	ts := wire.FormatTime(now)
	if r.PublicKeyFingerprint != "" {
		r.KeyHistory = append(r.KeyHistory, KeyHistoryEntry{
			Fingerprint: r.PublicKeyFingerprint,
			FirstSeen:   r.CreatedAt,
			LastSeen:    ts,
		})
		if len(r.KeyHistory) > 1 {
			// Older entries keep their original firstSeen; the entry we
			// just appended starts when the previous rotation happened.
			r.KeyHistory[len(r.KeyHistory)-1].FirstSeen = r.KeyHistory[len(r.KeyHistory)-2].LastSeen
		}
	}
	r.PublicKeyBase64 = newKeyBase64
	r.PublicKeyFingerprint = fp
	return nil
}
