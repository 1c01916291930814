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
	"sync"

	"github.com/gravitational/trace"

	"github.com/btps-protocol/btps/lib/envelope"
	"github.com/btps-protocol/btps/lib/wire"
)

// FrameWriter writes one encoded response line to the transport. The
// payload carries no trailing newline; framing belongs to the writer.
type FrameWriter interface {
	WriteFrame(ctx context.Context, payload []byte) error
}

// FrameWriterFunc adapts a function to FrameWriter.
type FrameWriterFunc func(ctx context.Context, payload []byte) error

// WriteFrame implements FrameWriter.
func (f FrameWriterFunc) WriteFrame(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// responder is the per-request middleware.Responder. It enforces the one
// response per request invariant, stamps the request id the moment parsing
// establishes one, signs outgoing responses when the pipeline carries a
// signing key, and notifies response observers after a successful write.
type responder struct {
	p *Pipeline
	w FrameWriter

	mu    sync.Mutex
	reqID string
	sent  bool
}

func (p *Pipeline) newResponder(w FrameWriter) *responder {
	return &responder{p: p, w: w}
}

// setReqID records the parsed artifact id so every later response echoes
// it, including error responses built far from the parse site.
func (r *responder) setReqID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqID = id
}

// SendResponse writes resp as this request's single response.
func (r *responder) SendResponse(ctx context.Context, resp *wire.Response) error {
	r.mu.Lock()
	if r.sent {
		r.mu.Unlock()
		return trace.AlreadyExists("response already sent")
	}
	if resp.ReqID == "" {
		resp.ReqID = r.reqID
	}
	r.mu.Unlock()

	if err := r.p.signResponse(resp); err != nil {
		return trace.Wrap(err)
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return trace.Wrap(err)
	}

	r.mu.Lock()
	if r.sent {
		r.mu.Unlock()
		return trace.AlreadyExists("response already sent")
	}
	if err := r.w.WriteFrame(ctx, payload); err != nil {
		r.mu.Unlock()
		return trace.Wrap(err)
	}
	r.sent = true
	r.mu.Unlock()

	r.p.cfg.Middleware.NotifyResponseSent(ctx, resp)
	return nil
}

// SendError writes the error response derived from err.
func (r *responder) SendError(ctx context.Context, err error) error {
	r.mu.Lock()
	reqID := r.reqID
	r.mu.Unlock()
	return r.SendResponse(ctx, wire.NewErrorResponse(r.p.cfg.Clock, reqID, err))
}

// Sent reports whether the response went out.
func (r *responder) Sent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

// signResponse attaches the server's detached signature when responses
// are signed. The signature covers the canonical response minus its
// signature field, same as artifact signatures.
func (p *Pipeline) signResponse(resp *wire.Response) error {
	if p.cfg.SigningKey == nil {
		return nil
	}
	resp.SignedBy = p.cfg.ServerIdentity
	resp.Selector = p.cfg.Selector
	sig, err := envelope.Sign(p.cfg.SigningKey, resp)
	if err != nil {
		return trace.Wrap(err)
	}
	resp.Signature = sig
	return nil
}
