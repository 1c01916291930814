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

// Package client is the sending side of BTPS: it builds signed and
// optionally encrypted artifact lines, discovers the recipient's server
// through DNS, and runs the one-line request/response exchange over TLS.
// It also drives the agent session handshake for delegated devices.
package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/btps-protocol/btps"
	"github.com/btps-protocol/btps/lib/defaults"
	"github.com/btps-protocol/btps/lib/envelope"
	"github.com/btps-protocol/btps/lib/identity"
	"github.com/btps-protocol/btps/lib/wire"
)

// Resolver is the discovery surface the client depends on. The concrete
// implementation is identity.Resolver; tests substitute fakes.
type Resolver interface {
	// ResolveHost locates the BTPS server of the identity's domain.
	ResolveHost(ctx context.Context, id identity.Identity) (*identity.HostRecord, error)
	// ResolvePublicKey fetches the identity's published key under a
	// selector.
	ResolvePublicKey(ctx context.Context, id identity.Identity, selector string) (*identity.KeyRecord, error)
}

// Config configures a Client.
type Config struct {
	// Identity is the sender identity transporter artifacts carry.
	Identity string
	// Signer holds the identity key transporter artifacts are signed
	// with.
	Signer crypto.Signer
	// Selector names the published key Signer verifies under.
	Selector string
	// Resolver locates servers and published keys. Required.
	Resolver Resolver
	// TLS configures outbound connections. Nil uses system roots.
	TLS *tls.Config
	// InsecureSkipVerify accepts any server certificate. Tests and local
	// development only.
	InsecureSkipVerify bool
	// VerifyResponses requires responses to carry a valid server
	// signature, checked against the responder's published key.
	VerifyResponses bool
	// DialTimeout bounds connection establishment, TLS handshake
	// included.
	DialTimeout time.Duration
	// DialAttempts bounds dial retries. 1 disables retrying.
	DialAttempts int
	// DialBackoff separates dial attempts.
	DialBackoff time.Duration
	// ResponseTimeout bounds the request write plus the wait for the
	// response line.
	ResponseTimeout time.Duration
	// MaxLineBytes caps the response line.
	MaxLineBytes int
	// Clock stamps artifacts and drives timeouts.
	Clock clockwork.Clock
	// Logger emits exchange diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Resolver == nil {
		return trace.BadParameter("client: Resolver is required")
	}
	if c.Identity != "" && !wire.ValidIdentity(c.Identity) {
		return trace.BadParameter("client: %q is not a valid identity", c.Identity)
	}
	if c.Selector == "" {
		c.Selector = defaults.Selector
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaults.DialTimeout
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = defaults.DialAttempts
	}
	if c.DialBackoff <= 0 {
		c.DialBackoff = defaults.DialBackoff
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = defaults.RequestTimeout
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = defaults.MaxLineBytes
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(btps.ComponentKey, btps.ComponentClient)
	}
	return nil
}

// Client sends artifact lines to BTPS servers.
type Client struct {
	cfg     Config
	builder *Builder
}

// New returns a Client.
func New(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	builder, err := NewBuilder(BuilderConfig{
		From:     cfg.Identity,
		Signer:   cfg.Signer,
		Selector: cfg.Selector,
		Resolver: cfg.Resolver,
		Clock:    cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{cfg: cfg, builder: builder}, nil
}

// Builder exposes the artifact builder for callers assembling custom
// lines.
func (c *Client) Builder() *Builder {
	return c.builder
}

// Envelope is one signed request line addressed to an identity whose
// domain publishes the target server.
type Envelope struct {
	// To picks the server through its domain's host record.
	To string
	// Line is the signed artifact line without a trailing newline.
	Line []byte
}

// Send resolves the recipient's server, dials it, writes the line, and
// reads the single response. Error responses come back as a Response
// whose Err is set; a transport-level failure is returned as an error
// typed SOCKET_TIMEOUT or SOCKET_CLOSED.
func (c *Client) Send(ctx context.Context, env Envelope) (*wire.Response, error) {
	id, err := identity.Parse(env.To)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	host, err := c.cfg.Resolver.ResolveHost(ctx, id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	addr := host.Addr()
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer conn.Close()

	resp, err := c.exchange(ctx, conn, env.Line)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	c.cfg.Logger.DebugContext(ctx, "artifact exchanged",
		"addr", addr, "req_id", resp.ReqID, "status", resp.Status.Code)
	return resp, nil
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	tlsConfig := c.cfg.TLS.Clone()
	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	if c.cfg.InsecureSkipVerify {
		tlsConfig.InsecureSkipVerify = true
	}
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: c.cfg.DialTimeout},
		Config:    tlsConfig,
	}
	var lastErr error
	for attempt := 0; attempt < c.cfg.DialAttempts; attempt++ {
		if attempt > 0 {
			c.cfg.Logger.DebugContext(ctx, "retrying dial",
				"addr", addr, "attempt", attempt+1, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, trace.Wrap(ctx.Err())
			case <-c.cfg.Clock.After(c.cfg.DialBackoff):
			}
		}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, wrapTransportError(lastErr, "dialing %s", addr)
}

// exchange runs the one-line protocol: write the request, read exactly
// one response, tolerate the server closing afterwards.
func (c *Client) exchange(ctx context.Context, conn net.Conn, line []byte) (*wire.Response, error) {
	if err := conn.SetDeadline(c.cfg.Clock.Now().Add(c.cfg.ResponseTimeout)); err != nil {
		return nil, trace.Wrap(err)
	}
	frame := make([]byte, 0, len(line)+1)
	frame = append(frame, line...)
	frame = append(frame, '\n')
	if _, err := conn.Write(frame); err != nil {
		return nil, wrapTransportError(err, "writing request")
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, min(64*1024, c.cfg.MaxLineBytes)), c.cfg.MaxLineBytes)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		return c.parseResponse(ctx, bytes.Clone(raw))
	}
	err := scanner.Err()
	switch {
	case err == nil:
		return nil, wire.NewError(wire.CodeSocketClosed,
			"connection closed before a response arrived")
	case errors.Is(err, bufio.ErrTooLong):
		return nil, wire.NewError(wire.CodeValidation,
			"response line exceeds %d bytes", c.cfg.MaxLineBytes)
	default:
		return nil, wrapTransportError(err, "waiting for response")
	}
}

func (c *Client) parseResponse(ctx context.Context, raw []byte) (*wire.Response, error) {
	var resp wire.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, wire.WrapError(wire.CodeInvalidJSON, err, "response does not parse")
	}
	if c.cfg.VerifyResponses {
		if err := c.verifyResponse(ctx, raw, &resp); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return &resp, nil
}

// verifyResponse checks the server signature over the raw response
// bytes against the responder's published key.
func (c *Client) verifyResponse(ctx context.Context, raw []byte, resp *wire.Response) error {
	if resp.Signature == nil || resp.SignedBy == "" {
		return wire.NewError(wire.CodeSigVerification, "response is not signed")
	}
	id, err := identity.Parse(resp.SignedBy)
	if err != nil {
		return trace.Wrap(err)
	}
	key, err := c.cfg.Resolver.ResolvePublicKey(ctx, id, resp.Selector)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(envelope.VerifyWithKey(key.Base64, raw, resp.Signature))
}

// SendTrustRequest asks the recipient for a trust relationship in the
// sender's name.
func (c *Client) SendTrustRequest(ctx context.Context, to string, doc *wire.TrustRequestDocument, enc *Encrypt) (*wire.Response, error) {
	line, err := c.builder.BuildTransporter(ctx, TransporterParams{
		Type:     btps.ArtifactTypeTrustRequest,
		To:       to,
		Document: doc,
		Encrypt:  enc,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return c.Send(ctx, Envelope{To: to, Line: line})
}

// SendTrustResponse delivers a trust decision to the requesting party.
func (c *Client) SendTrustResponse(ctx context.Context, to string, doc *wire.TrustResponseDocument, enc *Encrypt) (*wire.Response, error) {
	line, err := c.builder.BuildTransporter(ctx, TransporterParams{
		Type:     btps.ArtifactTypeTrustResponse,
		To:       to,
		Document: doc,
		Encrypt:  enc,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return c.Send(ctx, Envelope{To: to, Line: line})
}

// SendInvoice delivers an invoice document.
func (c *Client) SendInvoice(ctx context.Context, to string, doc *wire.InvoiceDocument, enc *Encrypt) (*wire.Response, error) {
	line, err := c.builder.BuildTransporter(ctx, TransporterParams{
		Type:     btps.ArtifactTypeDoc,
		To:       to,
		Document: doc,
		Encrypt:  enc,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return c.Send(ctx, Envelope{To: to, Line: line})
}

// wrapTransportError types a socket-level failure: deadline expiry is
// SOCKET_TIMEOUT, everything else SOCKET_CLOSED.
func wrapTransportError(err error, format string, args ...any) error {
	code := wire.CodeSocketClosed
	var ne net.Error
	if (errors.As(err, &ne) && ne.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
		code = wire.CodeSocketTimeout
	}
	return wire.WrapError(code, err, format, args...)
}
