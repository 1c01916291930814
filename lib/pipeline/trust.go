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

package pipeline

import (
	"context"
	"encoding/json"

	"github.com/gravitational/trace"

	"github.com/btps-protocol/btps"
	"github.com/btps-protocol/btps/lib/trust"
	"github.com/btps-protocol/btps/lib/wire"
)

// checkTrust enforces the trust policy for the artifact and applies its
// record side effects: a trust request creates or refreshes a pending
// record, a trust response decides one. The returned flag is the
// isTrusted value later middleware and the server bus observe.
func (p *Pipeline) checkTrust(ctx context.Context, req *request) (bool, error) {
	switch a := req.artifact.(type) {
	case *wire.TransporterArtifact:
		switch a.Type {
		case btps.ArtifactTypeTrustRequest:
			return false, trace.Wrap(p.trustRequest(ctx, req, a))
		case btps.ArtifactTypeTrustResponse:
			return p.trustResponse(ctx, a)
		default:
			return true, trace.Wrap(p.trustDelivery(ctx, a))
		}
	case *wire.AgentArtifact:
		if a.Action == wire.ActionAuthRequest {
			// Session bootstrap runs before any record exists.
			return false, nil
		}
		return true, trace.Wrap(p.trustAgent(req, a))
	}
	return false, nil
}

// trustRequest admits a TRUST_REQ and leaves a pending record behind.
// An active relationship refuses the duplicate, a blocked sender is
// refused outright, and a rejected sender is held to the receiver's
// retry date.
func (p *Pipeline) trustRequest(ctx context.Context, req *request, a *wire.TransporterArtifact) error {
	now := p.cfg.Clock.Now()
	id := trust.ComputeID(a.From, a.To)
	doc := decodeTrustRequest(a)

	record, err := p.cfg.TrustStore.GetByID(ctx, id)
	if err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	if record != nil {
		if record.Status == trust.StatusBlocked {
			return wire.NewError(wire.CodeTrustBlocked, "%s is blocked by %s", a.From, a.To)
		}
		if record.IsActive(now) {
			return wire.NewError(wire.CodeTrustAlreadyActive,
				"trust between %s and %s is already active", a.From, a.To)
		}
		if !record.RetryAllowed(now) {
			return wire.NewError(wire.CodeTrustNotAllowed,
				"%s may not request trust from %s again yet", a.From, a.To)
		}
	}

	senderKey, err := p.trustRequestKey(ctx, req, a)
	if err != nil {
		return trace.Wrap(err)
	}
	pending := &trust.Record{
		ID:                   id,
		SenderID:             a.From,
		ReceiverID:           a.To,
		Status:               trust.StatusPending,
		CreatedAt:            wire.FormatTime(now),
		PublicKeyBase64:      senderKey.base64,
		PublicKeyFingerprint: senderKey.fingerprint,
	}
	if doc != nil {
		pending.PrivacyType = doc.PrivacyType
		pending.ExpiresAt = doc.ExpiresAt
	}

	if record == nil {
		_, err := p.cfg.TrustStore.Create(ctx, pending)
		return trace.Wrap(err)
	}
	// A fresh request reopens the old record in place, clearing the
	// previous decision.
	_, err = p.cfg.TrustStore.Update(ctx, id, trust.Patch{
		Status:               ref(trust.StatusPending),
		DecidedBy:            ref(""),
		DecidedAt:            ref(""),
		RetryAfterDate:       ref(""),
		ExpiresAt:            ref(pending.ExpiresAt),
		PublicKeyBase64:      ref(pending.PublicKeyBase64),
		PublicKeyFingerprint: ref(pending.PublicKeyFingerprint),
		PrivacyType:          ref(pending.PrivacyType),
	})
	return trace.Wrap(err)
}

// trustResponse applies a TRUST_RES decision to the pending record of
// the original request. Only the identity the request was addressed to
// may decide it.
func (p *Pipeline) trustResponse(ctx context.Context, a *wire.TransporterArtifact) (bool, error) {
	now := p.cfg.Clock.Now()
	// The original request ran sender-to-receiver; the response runs the
	// other way, so the record id flips the addresses back.
	record, err := p.cfg.TrustStore.GetByID(ctx, trust.ComputeID(a.To, a.From))
	if err != nil {
		if trace.IsNotFound(err) {
			return false, wire.NewError(wire.CodeTrustNonExistent,
				"no trust request on record between %s and %s", a.To, a.From)
		}
		return false, trace.Wrap(err)
	}
	if record.ReceiverID != a.From {
		return false, wire.NewError(wire.CodeTrustNotAllowed,
			"%s is not the receiver of the original trust request", a.From)
	}

	doc := decodeTrustResponse(a)
	if doc == nil {
		// The decision is unreadable to this server; deliver without
		// touching the record.
		return record.IsActive(now), nil
	}
	status, err := decisionStatus(doc.Decision)
	if err != nil {
		return false, trace.Wrap(err)
	}
	patch := trust.Patch{
		Status:         ref(status),
		DecidedBy:      ref(doc.DecidedBy),
		DecidedAt:      ref(doc.DecidedAt),
		ExpiresAt:      ref(doc.ExpiresAt),
		RetryAfterDate: ref(doc.RetryAfterDate),
	}
	if doc.PrivacyType != "" {
		patch.PrivacyType = ref(doc.PrivacyType)
	}
	updated, err := p.cfg.TrustStore.Update(ctx, record.ID, patch)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return updated.IsActive(now), nil
}

// trustDelivery gates a BTPS_DOC on an active relationship and the
// receiver's privacy expectation.
func (p *Pipeline) trustDelivery(ctx context.Context, a *wire.TransporterArtifact) error {
	now := p.cfg.Clock.Now()
	record, err := p.cfg.TrustStore.GetByID(ctx, trust.ComputeID(a.From, a.To))
	if err != nil {
		if trace.IsNotFound(err) {
			return wire.NewError(wire.CodeTrustNonExistent,
				"trust record does not exist between %s and %s", a.From, a.To)
		}
		return trace.Wrap(err)
	}
	if record.Status == trust.StatusBlocked {
		return wire.NewError(wire.CodeTrustBlocked, "%s is blocked by %s", a.From, a.To)
	}
	if !record.IsActive(now) {
		return wire.NewError(wire.CodeTrustNonExistent,
			"no active trust record between %s and %s", a.From, a.To)
	}
	switch record.PrivacyType {
	case wire.PrivacyEncrypted:
		if a.Encryption == nil {
			return wire.NewError(wire.CodeTrustNotAllowed,
				"%s requires documents from %s to be encrypted", a.To, a.From)
		}
	case wire.PrivacyUnencrypted:
		if a.Encryption != nil {
			return wire.NewError(wire.CodeTrustNotAllowed,
				"%s requires documents from %s to be cleartext", a.To, a.From)
		}
	}
	return nil
}

// trustAgent requires the agent session record the signature stage
// already fetched to still authorize actions.
func (p *Pipeline) trustAgent(req *request, a *wire.AgentArtifact) error {
	record := req.agentTrust
	if record == nil {
		return wire.NewError(wire.CodeTrustNonExistent,
			"no agent session on record for %s", a.AgentID)
	}
	if record.Status == trust.StatusBlocked {
		return wire.NewError(wire.CodeTrustBlocked, "agent %s is blocked", a.AgentID)
	}
	if !record.IsActive(p.cfg.Clock.Now()) {
		return wire.NewError(wire.CodeTrustNonExistent,
			"agent session for %s is not active", a.AgentID)
	}
	return nil
}

// wireKey is the key material recorded on a pending trust record.
type wireKey struct {
	base64      string
	fingerprint string
}

// trustRequestKey returns the requesting sender's published key. The
// signature stage resolved it already unless the request arrived under a
// delegation, in which case the delegator's own key is looked up here.
func (p *Pipeline) trustRequestKey(ctx context.Context, req *request, a *wire.TransporterArtifact) (*wireKey, error) {
	if req.senderKey != nil {
		return &wireKey{base64: req.senderKey.Base64, fingerprint: req.senderKey.Fingerprint}, nil
	}
	key, err := p.resolveSenderKey(ctx, a.From, a.Selector)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &wireKey{base64: key.Base64, fingerprint: key.Fingerprint}, nil
}

// decodeTrustRequest returns the cleartext trust request document, or
// nil when the payload is encrypted end to end.
func decodeTrustRequest(a *wire.TransporterArtifact) *wire.TrustRequestDocument {
	if a.Encryption != nil {
		return nil
	}
	var doc wire.TrustRequestDocument
	if err := json.Unmarshal(a.Document, &doc); err != nil {
		return nil
	}
	return &doc
}

// decodeTrustResponse returns the cleartext trust response document, or
// nil when the payload is encrypted end to end.
func decodeTrustResponse(a *wire.TransporterArtifact) *wire.TrustResponseDocument {
	if a.Encryption != nil {
		return nil
	}
	var doc wire.TrustResponseDocument
	if err := json.Unmarshal(a.Document, &doc); err != nil {
		return nil
	}
	return &doc
}

// decisionStatus maps a trust response decision to the record status it
// leaves behind.
func decisionStatus(d wire.TrustDecision) (trust.Status, error) {
	switch d {
	case wire.DecisionAccepted:
		return trust.StatusAccepted, nil
	case wire.DecisionRejected:
		return trust.StatusRejected, nil
	case wire.DecisionRevoked:
		return trust.StatusRevoked, nil
	case wire.DecisionBlocked:
		return trust.StatusBlocked, nil
	}
	return "", wire.NewError(wire.CodeValidation, "unknown trust decision %q", d)
}

func ref[T any](v T) *T { return &v }
