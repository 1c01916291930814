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

	"github.com/gravitational/trace"

	"github.com/btps-protocol/btps/lib/middleware"
	"github.com/btps-protocol/btps/lib/wire"
)

// dispatch routes the verified artifact to its consumer: control
// artifacts are answered in place, identity lookups hit the directory,
// auth actions hit the auth service, and everything else is emitted on
// the server bus. A consumer that responds through res short-circuits
// the default acknowledgement the caller writes.
func (p *Pipeline) dispatch(ctx context.Context, req *request, mc *middleware.ArtifactContext, res *responder) error {
	switch a := req.artifact.(type) {
	case *wire.ControlArtifact:
		// PING and QUIT both earn a plain acknowledgement; ending the
		// connection after QUIT is the transport's business.
		return trace.Wrap(res.SendResponse(ctx, wire.NewOKResponse(p.cfg.Clock, a.ID)))

	case *wire.IdentityLookupArtifact:
		return trace.Wrap(p.dispatchLookup(ctx, a, res))

	case *wire.AgentArtifact:
		switch a.Action {
		case wire.ActionAuthRequest, wire.ActionAuthRefresh:
			return trace.Wrap(p.dispatchAuth(ctx, a, res))
		}
	}
	return trace.Wrap(p.emit(ctx, req, mc, res))
}

func (p *Pipeline) dispatchLookup(ctx context.Context, a *wire.IdentityLookupArtifact, res *responder) error {
	if p.cfg.Directory == nil {
		return wire.NewError(wire.CodeIdentity, "this server hosts no identity directory")
	}
	record, err := p.cfg.Directory.LookupIdentity(ctx, a.Identity, a.IdentitySelector)
	if err != nil {
		return trace.Wrap(err)
	}
	resp, err := wire.NewDocumentResponse(p.cfg.Clock, a.ID, record)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(res.SendResponse(ctx, resp))
}

func (p *Pipeline) dispatchAuth(ctx context.Context, a *wire.AgentArtifact, res *responder) error {
	if p.cfg.Auth == nil {
		return wire.NewError(wire.CodeAuthenticationInvalid,
			"agent authentication is not enabled on this server")
	}
	var (
		doc *wire.AuthResponseDocument
		err error
	)
	switch a.Action {
	case wire.ActionAuthRequest:
		doc, err = p.cfg.Auth.HandleAuthRequest(ctx, a)
	case wire.ActionAuthRefresh:
		doc, err = p.cfg.Auth.HandleAuthRefresh(ctx, a)
	}
	if err != nil {
		return trace.Wrap(err)
	}
	resp, err := wire.NewDocumentResponse(p.cfg.Clock, a.ID, doc)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(res.SendResponse(ctx, resp))
}

// emit delivers the artifact event to the server bus. The handler's
// error fails the request; the default acknowledgement covers handlers
// that consume the event without responding.
func (p *Pipeline) emit(ctx context.Context, req *request, mc *middleware.ArtifactContext, res *responder) error {
	if p.cfg.OnArtifact == nil {
		return nil
	}
	evt := &Event{
		Artifact:   req.artifact,
		IsValid:    mc.IsValid,
		IsTrusted:  mc.IsTrusted,
		RemoteAddr: req.meta.RemoteAddr,
	}
	return trace.Wrap(p.cfg.OnArtifact(ctx, evt, res))
}
