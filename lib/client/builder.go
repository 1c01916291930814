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

package client

import (
	"context"
	"crypto"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/btps-protocol/btps"
	"github.com/btps-protocol/btps/lib/defaults"
	"github.com/btps-protocol/btps/lib/envelope"
	"github.com/btps-protocol/btps/lib/identity"
	"github.com/btps-protocol/btps/lib/wire"
)

// Encrypt selects document encryption for an outbound artifact. Zero
// values pick aes-256-gcm in standard mode.
type Encrypt struct {
	Algorithm wire.EncryptionAlgorithm
	Mode      wire.EncryptionMode
}

// BuilderConfig configures a Builder.
type BuilderConfig struct {
	// From is the identity transporter artifacts are issued from.
	From string
	// Signer holds the identity key transporter artifacts are signed
	// with. Agent artifacts sign with their own session key instead.
	Signer crypto.Signer
	// Selector names the published key Signer verifies under.
	Selector string
	// Resolver locates recipient keys. Only needed for encryption.
	Resolver Resolver
	// Clock stamps issuedAt.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *BuilderConfig) CheckAndSetDefaults() error {
	if c.From != "" && !wire.ValidIdentity(c.From) {
		return trace.BadParameter("client: %q is not a valid identity", c.From)
	}
	if c.Selector == "" {
		c.Selector = defaults.Selector
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Builder assembles signed artifact lines. Construction is four
// deterministic steps: resolve the recipient's current key when
// encrypting, encrypt the document, assemble the artifact without its
// signature, then sign the canonical bytes and attach. The emitted line
// canonicalizes to exactly the bytes the signature covers, so any
// receiver can verify it from the wire form alone.
type Builder struct {
	cfg BuilderConfig
}

// NewBuilder returns a Builder.
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Builder{cfg: cfg}, nil
}

// TransporterParams describes one outbound transporter artifact.
type TransporterParams struct {
	// Type is the transporter document type.
	Type string
	// To is the recipient identity.
	To string
	// Document is the business document: a struct, json.RawMessage, or
	// raw JSON bytes.
	Document any
	// Encrypt, when set, encrypts the document for the recipient's
	// currently published key.
	Encrypt *Encrypt
	// Delegation attaches a device delegation block. The caller signs
	// the artifact with the delegated key through a builder configured
	// with that key.
	Delegation *wire.Delegation
}

// BuildTransporter assembles and signs one transporter artifact line.
func (b *Builder) BuildTransporter(ctx context.Context, p TransporterParams) ([]byte, error) {
	if b.cfg.From == "" || b.cfg.Signer == nil {
		return nil, trace.BadParameter("client: builder has no sender identity and signing key")
	}
	doc, err := documentBytes(p.Document)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	artifact := &wire.TransporterArtifact{
		Version:    btps.ProtocolVersion,
		ID:         uuid.NewString(),
		IssuedAt:   wire.FormatTime(b.cfg.Clock.Now()),
		Type:       p.Type,
		From:       b.cfg.From,
		To:         p.To,
		Selector:   b.cfg.Selector,
		Document:   doc,
		Delegation: p.Delegation,
	}
	if p.Encrypt != nil {
		payload, enc, err := b.encrypt(ctx, p.To, doc, p.Encrypt)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		artifact.Document, err = json.Marshal(payload)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		artifact.Encryption = enc
	}

	sig, err := envelope.Sign(b.cfg.Signer, artifact)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	artifact.Signature = sig
	if err := artifact.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	return json.Marshal(artifact)
}

// AgentParams describes one outbound agent action artifact.
type AgentParams struct {
	// AgentID identifies the session. Empty defaults to the bootstrap
	// id for auth.request.
	AgentID string
	// Action is the agent verb.
	Action wire.Action
	// To is the user identity on the home server.
	To string
	// Document is the action payload when the action takes one.
	Document any
	// Key signs the artifact: the session key, or for auth.request the
	// device key embedded in the document.
	Key crypto.Signer
	// Encrypt, when set, encrypts the document for the user identity's
	// currently published key. auth.request cannot be encrypted.
	Encrypt *Encrypt
}

// BuildAgent assembles and signs one agent action line.
func (b *Builder) BuildAgent(ctx context.Context, p AgentParams) ([]byte, error) {
	if p.Key == nil {
		return nil, trace.BadParameter("client: agent build requires a signing key")
	}
	agentID := p.AgentID
	if agentID == "" && p.Action == wire.ActionAuthRequest {
		agentID = btps.BootstrapAgentID
	}
	doc, err := documentBytes(p.Document)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	artifact := &wire.AgentArtifact{
		ID:       uuid.NewString(),
		AgentID:  agentID,
		Action:   p.Action,
		To:       p.To,
		IssuedAt: wire.FormatTime(b.cfg.Clock.Now()),
		Document: doc,
	}
	if p.Encrypt != nil {
		if p.Action == wire.ActionAuthRequest {
			return nil, wire.NewError(wire.CodeValidation, "auth.request document cannot be encrypted")
		}
		payload, enc, err := b.encrypt(ctx, p.To, doc, p.Encrypt)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		artifact.Document, err = json.Marshal(payload)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		artifact.Encryption = enc
	}

	sig, err := envelope.Sign(p.Key, artifact)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	artifact.Signature = sig
	if err := artifact.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	return json.Marshal(artifact)
}

// encrypt resolves the recipient's current published key through the
// domain's host record selector and encrypts doc for it.
func (b *Builder) encrypt(ctx context.Context, to string, doc []byte, e *Encrypt) (string, *wire.Encryption, error) {
	if b.cfg.Resolver == nil {
		return "", nil, trace.BadParameter("client: encryption requires a resolver")
	}
	id, err := identity.Parse(to)
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	host, err := b.cfg.Resolver.ResolveHost(ctx, id)
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	if host.Selector == "" {
		return "", nil, wire.NewError(wire.CodeSelectorNotFound,
			"%s publishes no current selector", id.Domain())
	}
	key, err := b.cfg.Resolver.ResolvePublicKey(ctx, id, host.Selector)
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	pub, err := envelope.ParsePublicKey(key.Base64)
	if err != nil {
		return "", nil, wire.WrapError(wire.CodeResolvePubKey, err,
			"published key for %s does not parse", id)
	}
	alg := e.Algorithm
	if alg == "" {
		alg = wire.EncryptionAES256GCM
	}
	mode := e.Mode
	if mode == "" {
		mode = wire.ModeStandardEncrypt
	}
	payload, enc, err := envelope.EncryptDocument(pub, doc, alg, mode)
	return payload, enc, trace.Wrap(err)
}

func documentBytes(doc any) (json.RawMessage, error) {
	switch d := doc.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	case []byte:
		return json.RawMessage(d), nil
	default:
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, trace.Wrap(err, "encoding document")
		}
		return raw, nil
	}
}
