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

	"github.com/btps-protocol/btps/lib/envelope"
	"github.com/btps-protocol/btps/lib/identity"
	"github.com/btps-protocol/btps/lib/trust"
	"github.com/btps-protocol/btps/lib/wire"
)

// verify runs the attestation, delegation, and signature checks for the
// artifact. The signature always covers the raw wire bytes minus the
// signature field, so fields this implementation does not model stay
// inside the verified payload.
func (p *Pipeline) verify(ctx context.Context, req *request) error {
	switch a := req.artifact.(type) {
	case *wire.TransporterArtifact:
		return trace.Wrap(p.verifyTransporter(ctx, req, a))
	case *wire.AgentArtifact:
		return trace.Wrap(p.verifyAgent(ctx, req, a))
	}
	return trace.BadParameter("artifact kind %q carries no signature", req.artifact.Kind())
}

func (p *Pipeline) verifyTransporter(ctx context.Context, req *request, a *wire.TransporterArtifact) error {
	if a.Delegation != nil {
		if a.Delegation.Attestation != nil {
			if err := p.verifyAttestation(ctx, a.Delegation); err != nil {
				return trace.Wrap(err)
			}
			req.state = stateAttested
		}
		if err := p.verifyDelegation(ctx, a); err != nil {
			return trace.Wrap(err)
		}
		req.state = stateDelegated

		agentPub, err := envelope.ParsePublicKey(a.Delegation.AgentPubKey)
		if err != nil {
			return wire.WrapError(wire.CodeDelegationInvalid, err,
				"delegation agentPubKey does not parse")
		}
		return trace.Wrap(envelope.Verify(agentPub, req.raw, a.Signature))
	}

	key, err := p.resolveSenderKey(ctx, a.From, a.Selector)
	if err != nil {
		return trace.Wrap(err)
	}
	req.senderKey = key
	pub, err := envelope.ParsePublicKey(key.Base64)
	if err != nil {
		return wire.WrapError(wire.CodeResolvePubKey, err,
			"published key for %s does not parse", a.From)
	}
	return trace.Wrap(envelope.Verify(pub, req.raw, a.Signature))
}

// verifyAttestation checks the counter-signature an attestor placed over
// the delegation block. Any verification failure, fingerprint or
// cryptographic, reports ATTESTATION_VERIFICATION; resolution failures
// keep their resolver codes.
func (p *Pipeline) verifyAttestation(ctx context.Context, d *wire.Delegation) error {
	att := d.Attestation
	selector := att.Selector
	if selector == "" {
		selector = d.Selector
	}
	key, err := p.resolveSenderKey(ctx, att.SignedBy, selector)
	if err != nil {
		return trace.Wrap(err)
	}
	pub, err := envelope.ParsePublicKey(key.Base64)
	if err != nil {
		return wire.WrapError(wire.CodeResolvePubKey, err,
			"published key for %s does not parse", att.SignedBy)
	}
	payload, err := envelope.AttestationSigningBytes(d)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := envelope.VerifyPayload(pub, payload, &att.Signature); err != nil {
		return wire.WrapError(wire.CodeAttestationVerification, err,
			"attestation by %s does not verify", att.SignedBy)
	}
	return nil
}

// verifyDelegation checks the delegator's signature over the agent key
// binding and the structural agreement between the delegation and the
// outer artifact: from must equal delegation.signedBy, and the outer
// signature's fingerprint must belong to delegation.agentPubKey.
func (p *Pipeline) verifyDelegation(ctx context.Context, a *wire.TransporterArtifact) error {
	d := a.Delegation
	if a.From != d.SignedBy {
		return wire.NewError(wire.CodeDelegationInvalid,
			"artifact from %s does not match delegation signedBy %s", a.From, d.SignedBy)
	}
	agentFP, err := envelope.FingerprintKey(d.AgentPubKey)
	if err != nil {
		return wire.WrapError(wire.CodeDelegationInvalid, err,
			"delegation agentPubKey does not parse")
	}
	if a.Signature != nil && a.Signature.Fingerprint != agentFP {
		return wire.NewError(wire.CodeDelegationInvalid,
			"artifact signature fingerprint does not match the delegated agent key")
	}

	key, err := p.resolveSenderKey(ctx, d.SignedBy, d.Selector)
	if err != nil {
		return trace.Wrap(err)
	}
	pub, err := envelope.ParsePublicKey(key.Base64)
	if err != nil {
		return wire.WrapError(wire.CodeResolvePubKey, err,
			"published key for %s does not parse", d.SignedBy)
	}
	payload, err := envelope.DelegationSigningBytes(d)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := envelope.VerifyPayload(pub, payload, d.Signature); err != nil {
		return wire.WrapError(wire.CodeDelegationSigVerification, err,
			"delegation signature by %s does not verify", d.SignedBy)
	}
	return nil
}

func (p *Pipeline) verifyAgent(ctx context.Context, req *request, a *wire.AgentArtifact) error {
	if a.Action == wire.ActionAuthRequest {
		// Bootstrap: no trust record exists yet. The signature must
		// verify under the key embedded in the document, proving the
		// device holds it before any token is spent.
		var doc wire.AuthRequestDocument
		if err := json.Unmarshal(a.Document, &doc); err != nil {
			return wire.WrapError(wire.CodeValidation, err, "auth.request document does not parse")
		}
		return trace.Wrap(envelope.VerifyWithKey(doc.PublicKey, req.raw, a.Signature))
	}

	record, err := p.cfg.TrustStore.GetByID(ctx, trust.ComputeID(a.AgentID, a.To))
	if err != nil {
		if trace.IsNotFound(err) {
			return wire.NewError(wire.CodeTrustNonExistent,
				"no agent session on record for %s", a.AgentID)
		}
		return trace.Wrap(err)
	}
	req.agentTrust = record
	if record.PublicKeyFingerprint != a.Signature.Fingerprint {
		return wire.NewError(wire.CodeSigMismatch,
			"signature fingerprint does not match the key on record for %s", a.AgentID)
	}
	return trace.Wrap(envelope.VerifyWithKey(record.PublicKeyBase64, req.raw, a.Signature))
}

// resolveSenderKey resolves an identity's published key through the
// configured resolver.
func (p *Pipeline) resolveSenderKey(ctx context.Context, id, selector string) (*identity.KeyRecord, error) {
	parsed, err := identity.Parse(id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	key, err := p.cfg.Resolver.ResolvePublicKey(ctx, parsed, selector)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return key, nil
}
