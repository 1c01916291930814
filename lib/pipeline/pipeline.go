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

// Package pipeline turns one framed request line into exactly one
// response. Each artifact walks the stages parse, attestation,
// delegation, signature, trust, dispatch, with operator middleware
// interleaved; any stage may fail with a typed protocol error that
// becomes the error response after the onError chain has seen it.
package pipeline

import (
	"context"
	"crypto"
	"errors"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/btps-protocol/btps"
	"github.com/btps-protocol/btps/lib/defaults"
	"github.com/btps-protocol/btps/lib/identity"
	"github.com/btps-protocol/btps/lib/middleware"
	"github.com/btps-protocol/btps/lib/trust"
	"github.com/btps-protocol/btps/lib/wire"
)

// KeyResolver resolves a sender's published public key by selector.
// *identity.Resolver implements it; tests substitute fakes.
type KeyResolver interface {
	ResolvePublicKey(ctx context.Context, id identity.Identity, selector string) (*identity.KeyRecord, error)
}

// AuthService handles the two auth agent actions.
type AuthService interface {
	HandleAuthRequest(ctx context.Context, artifact *wire.AgentArtifact) (*wire.AuthResponseDocument, error)
	HandleAuthRefresh(ctx context.Context, artifact *wire.AgentArtifact) (*wire.AuthResponseDocument, error)
}

// Directory serves identity lookup artifacts for identities this server
// hosts.
type Directory interface {
	LookupIdentity(ctx context.Context, id string, selector string) (*wire.IdentityRecordDocument, error)
}

// ConnMeta carries connection facts into the pipeline.
type ConnMeta struct {
	// RemoteAddr is the peer's address.
	RemoteAddr string
}

// Event is what the server bus receives for each fully verified
// artifact.
type Event struct {
	Artifact   wire.Artifact
	IsValid    bool
	IsTrusted  bool
	RemoteAddr string
}

// OnArtifactFunc consumes an artifact event. An immediate artifact
// answered synchronously through the Responder short-circuits the
// default acknowledgement.
type OnArtifactFunc func(ctx context.Context, evt *Event, res middleware.Responder) error

// Config configures a Pipeline.
type Config struct {
	// Resolver resolves sender keys from DNS.
	Resolver KeyResolver
	// TrustStore holds trust records.
	TrustStore trust.Store
	// Auth handles auth.request and auth.refresh, optional.
	Auth AuthService
	// Directory answers identity lookups, optional.
	Directory Directory
	// Middleware runs the operator chains. Required, may be empty.
	Middleware *middleware.Manager
	// OnArtifact is the server bus, optional.
	OnArtifact OnArtifactFunc
	// ServerIdentity and SigningKey enable signed responses.
	ServerIdentity string
	SigningKey     crypto.Signer
	// Selector names the published key responses are signed under.
	Selector string
	// RequestTimeout bounds one artifact's processing.
	RequestTimeout time.Duration
	// Clock supplies response timestamps and deadlines.
	Clock clockwork.Clock
	// Logger emits per-request diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Resolver == nil {
		return trace.BadParameter("pipeline: Resolver is required")
	}
	if c.TrustStore == nil {
		return trace.BadParameter("pipeline: TrustStore is required")
	}
	if c.Middleware == nil {
		return trace.BadParameter("pipeline: Middleware manager is required")
	}
	if c.SigningKey != nil && c.ServerIdentity == "" {
		return trace.BadParameter("pipeline: SigningKey requires ServerIdentity")
	}
	if c.SigningKey != nil && c.Selector == "" {
		c.Selector = defaults.Selector
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(btps.ComponentKey, btps.ComponentPipeline)
	}
	return nil
}

// Pipeline processes request lines.
type Pipeline struct {
	cfg Config
}

// New returns a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Pipeline{cfg: cfg}, nil
}

// Request states, tracked for logging.
const (
	stateAccepted   = "accepted"
	stateParsed     = "parsed"
	stateAttested   = "attested"
	stateDelegated  = "delegated"
	stateSigned     = "signed"
	stateTrusted    = "trusted"
	stateDispatched = "dispatched"
	stateResponded  = "responded"
	stateErrored    = "errored"
)

// request is the per-artifact processing state.
type request struct {
	raw      []byte
	meta     ConnMeta
	state    string
	artifact wire.Artifact
	// senderKey is the resolved transporter sender key, if any, carried
	// from the signature stage into the trust stage for record bootstrap
	// and rotation.
	senderKey *identity.KeyRecord
	// agentTrust is the trust record an agent signature verified against,
	// fetched once in the signature stage and reused by the trust stage.
	agentTrust *trust.Record
}

// Serve processes one framed line and writes exactly one response
// through w. It returns an error only when the response could not be
// written; protocol failures are answered on the wire and absorbed.
func (p *Pipeline) Serve(ctx context.Context, raw []byte, w FrameWriter, meta ConnMeta) error {
	ctx, cancel := clockwork.WithTimeout(ctx, p.cfg.Clock, p.cfg.RequestTimeout)
	defer cancel()

	res := p.newResponder(w)
	req := &request{raw: raw, meta: meta, state: stateAccepted}

	if err := p.process(ctx, req, res); err != nil {
		return trace.Wrap(p.fail(ctx, req, res, err))
	}
	if res.Sent() {
		req.state = stateResponded
		return nil
	}
	// Nothing responded: a middleware ended its chain without answering.
	// The contract is one response per request, so acknowledge.
	reqID := ""
	if req.artifact != nil {
		reqID = req.artifact.ArtifactID()
	}
	if err := res.SendResponse(ctx, wire.NewOKResponse(p.cfg.Clock, reqID)); err != nil {
		return trace.Wrap(err)
	}
	req.state = stateResponded
	return nil
}

// ServeError writes an error response for a failure that happened outside
// any request, such as a connection idling out before a line arrived. The
// response is signed and observers are notified exactly as for request
// responses.
func (p *Pipeline) ServeError(ctx context.Context, w FrameWriter, err error) error {
	return trace.Wrap(p.newResponder(w).SendError(ctx, err))
}

// process walks the stage machine. Typed errors bubble to the caller's
// error path. A middleware chain that answered, or that a handler ended
// without calling next, stops the walk; the caller acknowledges if
// nothing was sent.
func (p *Pipeline) process(ctx context.Context, req *request, res *responder) error {
	// Stage 1: parse.
	done, err := p.cfg.Middleware.RunParsingBefore(ctx, &middleware.RawContext{
		RawPacket:  req.raw,
		RemoteAddr: req.meta.RemoteAddr,
	}, res)
	if err != nil {
		return trace.Wrap(err)
	}
	if res.Sent() || !done {
		return nil
	}
	artifact, err := wire.ParseArtifact(req.raw)
	if err != nil {
		return trace.Wrap(err)
	}
	req.artifact = artifact
	req.state = stateParsed
	res.setReqID(artifact.ArtifactID())
	done, err = p.cfg.Middleware.RunParsingAfter(ctx, &middleware.ParsedContext{
		Artifact:   artifact,
		RemoteAddr: req.meta.RemoteAddr,
	}, res)
	if err != nil {
		return trace.Wrap(err)
	}
	if res.Sent() || !done {
		return nil
	}

	// Control and lookup artifacts carry no signature; they go straight
	// to dispatch.
	verified := false
	trusted := false
	switch artifact.Kind() {
	case wire.KindTransporter, wire.KindAgent:
		done, err = p.cfg.Middleware.RunSignatureBefore(ctx, &middleware.ParsedContext{
			Artifact:   artifact,
			RemoteAddr: req.meta.RemoteAddr,
		}, res)
		if err != nil {
			return trace.Wrap(err)
		}
		if res.Sent() || !done {
			return nil
		}
		if err := p.verify(ctx, req); err != nil {
			return trace.Wrap(err)
		}
		verified = true
		req.state = stateSigned
		done, err = p.cfg.Middleware.RunSignatureAfter(ctx, &middleware.SignatureContext{
			Artifact:   artifact,
			IsValid:    true,
			RemoteAddr: req.meta.RemoteAddr,
		}, res)
		if err != nil {
			return trace.Wrap(err)
		}
		if res.Sent() || !done {
			return nil
		}

		// Stage 5: trust.
		done, err = p.cfg.Middleware.RunTrustBefore(ctx, &middleware.SignatureContext{
			Artifact:   artifact,
			IsValid:    true,
			RemoteAddr: req.meta.RemoteAddr,
		}, res)
		if err != nil {
			return trace.Wrap(err)
		}
		if res.Sent() || !done {
			return nil
		}
		trusted, err = p.checkTrust(ctx, req)
		if err != nil {
			return trace.Wrap(err)
		}
		req.state = stateTrusted
		done, err = p.cfg.Middleware.RunTrustAfter(ctx, &middleware.TrustContext{
			Artifact:   artifact,
			IsTrusted:  trusted,
			RemoteAddr: req.meta.RemoteAddr,
		}, res)
		if err != nil {
			return trace.Wrap(err)
		}
		if res.Sent() || !done {
			return nil
		}
	}

	// Stage 6: dispatch.
	mc := &middleware.ArtifactContext{
		Artifact:   artifact,
		IsValid:    verified,
		IsTrusted:  trusted,
		RemoteAddr: req.meta.RemoteAddr,
	}
	done, err = p.cfg.Middleware.RunArtifact(ctx, middleware.PhaseBefore, mc, res)
	if err != nil {
		return trace.Wrap(err)
	}
	if res.Sent() || !done {
		return nil
	}
	if err := p.dispatch(ctx, req, mc, res); err != nil {
		return trace.Wrap(err)
	}
	req.state = stateDispatched
	if _, err := p.cfg.Middleware.RunArtifact(ctx, middleware.PhaseAfter, mc, res); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// fail runs the onError chains, then writes the typed error response if
// middleware has not answered already.
func (p *Pipeline) fail(ctx context.Context, req *request, res *responder, cause error) error {
	reached := req.state
	req.state = stateErrored
	pe := p.asProtocolError(ctx, cause)
	p.cfg.Logger.WarnContext(ctx, "artifact processing failed",
		"error", pe,
		"remote_addr", req.meta.RemoteAddr,
		"state", reached,
	)
	mc := &middleware.ErrorContext{
		Artifact:   req.artifact,
		Err:        pe,
		RemoteAddr: req.meta.RemoteAddr,
	}
	// The error observers must not mask the original failure; their own
	// errors are logged and dropped.
	if _, err := p.cfg.Middleware.RunError(ctx, middleware.PhaseBefore, mc, res); err != nil {
		p.cfg.Logger.WarnContext(ctx, "onError middleware failed", "error", err)
	}
	if !res.Sent() {
		if err := res.SendError(ctx, pe); err != nil {
			return trace.Wrap(err)
		}
	}
	if _, err := p.cfg.Middleware.RunError(ctx, middleware.PhaseAfter, mc, res); err != nil {
		p.cfg.Logger.WarnContext(ctx, "onError middleware failed", "error", err)
	}
	return nil
}

// asProtocolError types an arbitrary failure. Deadline expiry becomes the
// protocol's timeout code.
func (p *Pipeline) asProtocolError(ctx context.Context, err error) *wire.ProtocolError {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return wire.AsProtocolError(wire.WrapError(wire.CodeSocketTimeout, err, "request deadline exceeded"))
	}
	return wire.AsProtocolError(err)
}
