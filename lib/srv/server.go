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

// Package srv is the BTPS connection manager: a TLS listener whose
// connections each carry newline-framed artifact lines. Every accepted
// line runs through the pipeline and is answered with exactly one
// response, after which the stream is half-closed and the connection
// ends. Idle connections receive a graceful timeout error first.
package srv

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/btps-protocol/btps"
	"github.com/btps-protocol/btps/lib/defaults"
	"github.com/btps-protocol/btps/lib/middleware"
	"github.com/btps-protocol/btps/lib/pipeline"
	"github.com/btps-protocol/btps/lib/ratelimit"
	"github.com/btps-protocol/btps/lib/wire"
)

// Config configures a Server.
type Config struct {
	// Addr is the host:port to listen on. Empty means the default BTPS
	// port on all interfaces.
	Addr string
	// TLS serves the listener. When nil, CertFile and KeyFile must point
	// at a PEM certificate and key to load.
	TLS      *tls.Config
	CertFile string
	KeyFile  string
	// Insecure serves plain TCP without TLS, for deployments behind a
	// TLS-terminating proxy.
	Insecure bool
	// Pipeline configures per-line processing. Its OnArtifact slot is
	// taken by the server bus; pre-set handlers run first on that bus.
	Pipeline pipeline.Config
	// MaxConnectionsPerIP caps concurrent connections per remote IP.
	// Zero means the default, negative disables the limit.
	MaxConnectionsPerIP int64
	// IdleTimeout closes connections that produce no complete line.
	IdleTimeout time.Duration
	// MaxLineBytes caps one request line.
	MaxLineBytes int
	// DrainTimeout bounds how long Stop waits for in-flight requests.
	DrainTimeout time.Duration
	// Registry receives the server metrics. Nil means the default
	// registerer.
	Registry prometheus.Registerer
	// Clock supplies deadlines and timestamps.
	Clock clockwork.Clock
	// Logger emits connection diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Addr == "" {
		c.Addr = net.JoinHostPort(defaults.BindAddr, strconv.Itoa(defaults.Port))
	}
	if c.TLS == nil && !c.Insecure {
		if c.CertFile == "" || c.KeyFile == "" {
			return trace.BadParameter("srv: a TLS config or cert/key files are required")
		}
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return trace.Wrap(err, "loading TLS key pair")
		}
		c.TLS = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	if c.TLS != nil && c.TLS.MinVersion == 0 {
		c.TLS.MinVersion = tls.VersionTLS12
	}
	if c.MaxConnectionsPerIP == 0 {
		c.MaxConnectionsPerIP = defaults.MaxConnectionsPerIP
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaults.IdleTimeout
	}
	if c.MaxLineBytes == 0 {
		c.MaxLineBytes = defaults.MaxLineBytes
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = defaults.DrainTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(btps.ComponentKey, btps.ComponentServer)
	}
	if c.Pipeline.Clock == nil {
		c.Pipeline.Clock = c.Clock
	}
	if c.Pipeline.RequestTimeout == 0 {
		c.Pipeline.RequestTimeout = c.IdleTimeout
	}
	return nil
}

// Server accepts BTPS connections and feeds their lines to the pipeline.
type Server struct {
	cfg      Config
	pipeline *pipeline.Pipeline
	metrics  *serverMetrics
	limiter  *ratelimit.ConnLimiter

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	handlers []pipeline.OnArtifactFunc
	started  bool
	stopping bool

	wg      sync.WaitGroup
	closedC chan struct{}
}

// New returns a Server. The pipeline is constructed here so the server
// can install its artifact bus and metrics middleware.
func New(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Server{
		conns:   make(map[net.Conn]struct{}),
		closedC: make(chan struct{}),
	}
	if cfg.Pipeline.OnArtifact != nil {
		s.handlers = append(s.handlers, cfg.Pipeline.OnArtifact)
	}
	cfg.Pipeline.OnArtifact = s.emitArtifact

	metrics, err := newServerMetrics(cfg.Registry)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.metrics = metrics
	if cfg.Pipeline.Middleware != nil {
		if err := cfg.Pipeline.Middleware.Use(middleware.Definition{
			Name:    "serverMetrics",
			Phase:   middleware.PhaseAfter,
			Step:    middleware.StepParsing,
			Handler: middleware.ParsedHandler(s.countArtifact),
		}); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	p, err := pipeline.New(cfg.Pipeline)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.pipeline = p
	if cfg.MaxConnectionsPerIP > 0 {
		s.limiter = ratelimit.NewConnLimiter(cfg.MaxConnectionsPerIP)
	}
	s.cfg = cfg
	return s, nil
}

// OnIncomingArtifact registers a handler on the server bus. Handlers run
// in registration order for each delivered artifact until one answers
// through the responder; unanswered artifacts get the default
// acknowledgement.
func (s *Server) OnIncomingArtifact(h pipeline.OnArtifactFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *Server) emitArtifact(ctx context.Context, evt *pipeline.Event, res middleware.Responder) error {
	s.mu.Lock()
	handlers := slices.Clone(s.handlers)
	s.mu.Unlock()
	for _, h := range handlers {
		if err := h(ctx, evt, res); err != nil {
			return trace.Wrap(err)
		}
		if res.Sent() {
			break
		}
	}
	return nil
}

func (s *Server) countArtifact(ctx context.Context, mc *middleware.ParsedContext, res middleware.Responder, next middleware.Next) error {
	s.metrics.artifactsProcessed.WithLabelValues(string(mc.Artifact.Kind())).Inc()
	return next(ctx)
}

// Start begins listening and accepting connections. Middleware
// OnServerStart hooks run after the listener binds; a hook error aborts
// the start.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return trace.AlreadyExists("server already started")
	}
	s.started = true
	s.mu.Unlock()

	var listener net.Listener
	var err error
	if s.cfg.TLS != nil {
		listener, err = tls.Listen("tcp", s.cfg.Addr, s.cfg.TLS)
	} else {
		listener, err = net.Listen("tcp", s.cfg.Addr)
	}
	if err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return trace.Wrap(err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	if s.cfg.Pipeline.Middleware != nil {
		if err := s.cfg.Pipeline.Middleware.OnServerStart(ctx); err != nil {
			listener.Close()
			s.mu.Lock()
			s.started = false
			s.listener = nil
			s.mu.Unlock()
			return trace.Wrap(err)
		}
	}
	s.cfg.Logger.InfoContext(ctx, "server listening",
		"addr", listener.Addr().String(), "tls", s.cfg.TLS != nil)
	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the bound listener address, or the configured address
// before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Wait blocks until the accept loop has exited.
func (s *Server) Wait() {
	<-s.closedC
}

// Stop stops accepting, waits up to DrainTimeout for in-flight requests,
// force-closes the stragglers, and runs the middleware OnServerStop
// hooks.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	listener := s.listener
	s.mu.Unlock()

	var errs []error
	if listener != nil {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	timer := s.cfg.Clock.NewTimer(s.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.Chan():
		s.cfg.Logger.WarnContext(ctx, "drain timeout expired, force closing connections",
			"timeout", s.cfg.DrainTimeout)
		s.forceClose()
		<-done
	case <-ctx.Done():
		s.forceClose()
		<-done
	}

	if s.cfg.Pipeline.Middleware != nil {
		if err := s.cfg.Pipeline.Middleware.OnServerStop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.cfg.Logger.InfoContext(ctx, "server stopped")
	return trace.NewAggregate(errs...)
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer close(s.closedC)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopping := s.stopping
			s.mu.Unlock()
			if stopping || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.cfg.Logger.WarnContext(ctx, "accept failed", "error", err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remoteAddr := conn.RemoteAddr().String()
	if s.limiter != nil {
		ip := remoteIP(remoteAddr)
		if !s.limiter.Acquire(ip) {
			s.metrics.connectionsRejected.Inc()
			s.cfg.Logger.DebugContext(ctx, "connection limit reached", "remote_addr", remoteAddr)
			return
		}
		defer s.limiter.Release(ip)
	}

	s.trackConn(conn, true)
	defer s.trackConn(conn, false)
	s.metrics.connectionsAccepted.Inc()
	s.metrics.connectionsActive.Inc()
	defer s.metrics.connectionsActive.Dec()

	s.serveConn(ctx, conn, remoteAddr)
}

// serveConn reads request lines until one produces a response. The
// response write half-closes the stream, so one line gets one answer and
// the connection ends.
func (s *Server) serveConn(ctx context.Context, conn net.Conn, remoteAddr string) {
	scanner := bufio.NewScanner(conn)
	// The scanner's limit is the larger of the buffer capacity and max,
	// so the initial buffer must not exceed MaxLineBytes.
	scanner.Buffer(make([]byte, 0, min(64*1024, s.cfg.MaxLineBytes)), s.cfg.MaxLineBytes)

	for {
		if err := conn.SetReadDeadline(s.cfg.Clock.Now().Add(s.cfg.IdleTimeout)); err != nil {
			return
		}
		if !scanner.Scan() {
			err := scanner.Err()
			switch {
			case err == nil:
				// Client went away without a request.
			case errors.Is(err, bufio.ErrTooLong):
				s.respondDirect(ctx, conn, wire.NewError(wire.CodeValidation,
					"request line exceeds %d bytes", s.cfg.MaxLineBytes))
			case isTimeout(err):
				s.respondDirect(ctx, conn, wire.NewError(wire.CodeSocketTimeout,
					"connection idle for %v", s.cfg.IdleTimeout))
			default:
				s.cfg.Logger.DebugContext(ctx, "connection read failed",
					"remote_addr", remoteAddr, "error", err)
			}
			return
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		s.processLine(ctx, conn, remoteAddr, bytes.Clone(line))
		return
	}
}

func (s *Server) processLine(ctx context.Context, conn net.Conn, remoteAddr string, line []byte) {
	writer := &connWriter{srv: s, conn: conn, start: s.cfg.Clock.Now()}
	if err := s.pipeline.Serve(ctx, line, writer, pipeline.ConnMeta{RemoteAddr: remoteAddr}); err != nil {
		s.cfg.Logger.DebugContext(ctx, "request processing failed",
			"remote_addr", remoteAddr, "error", err)
	}
	halfClose(conn)
}

// respondDirect answers a connection-level failure that has no request
// line behind it.
func (s *Server) respondDirect(ctx context.Context, conn net.Conn, perr error) {
	writer := &connWriter{srv: s, conn: conn, start: s.cfg.Clock.Now()}
	if err := s.pipeline.ServeError(ctx, writer, perr); err != nil {
		s.cfg.Logger.DebugContext(ctx, "writing connection error failed", "error", err)
	}
	halfClose(conn)
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) forceClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// connWriter writes one newline-terminated frame and feeds the metrics.
type connWriter struct {
	srv   *Server
	conn  net.Conn
	start time.Time
}

// WriteFrame implements pipeline.FrameWriter.
func (w *connWriter) WriteFrame(ctx context.Context, payload []byte) error {
	if err := w.conn.SetWriteDeadline(w.srv.cfg.Clock.Now().Add(w.srv.cfg.IdleTimeout)); err != nil {
		return trace.Wrap(err)
	}
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, payload...)
	frame = append(frame, '\n')
	if _, err := w.conn.Write(frame); err != nil {
		return trace.Wrap(err)
	}
	var resp wire.Response
	if err := json.Unmarshal(payload, &resp); err == nil {
		w.srv.metrics.observeResponse(&resp, w.srv.cfg.Clock.Since(w.start).Seconds())
	}
	return nil
}

// halfClose signals end of stream while letting in-flight bytes drain.
func halfClose(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
