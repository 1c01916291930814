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

package middleware

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btps-protocol/btps/lib/wire"
)

// testResponder records what middleware sent.
type testResponder struct {
	mu        sync.Mutex
	responses []*wire.Response
	errors    []error
}

func (r *testResponder) SendResponse(ctx context.Context, resp *wire.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.responses)+len(r.errors) > 0 {
		return trace.AlreadyExists("response already sent")
	}
	r.responses = append(r.responses, resp)
	return nil
}

func (r *testResponder) SendError(ctx context.Context, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.responses)+len(r.errors) > 0 {
		return trace.AlreadyExists("response already sent")
	}
	r.errors = append(r.errors, err)
	return nil
}

func (r *testResponder) Sent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.responses)+len(r.errors) > 0
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Deps: Deps{Clock: clockwork.NewFakeClock()},
	})
	require.NoError(t, err)
	return m
}

func TestChainPriorityOrder(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	var order []string
	record := func(name string) ParsedHandler {
		return func(ctx context.Context, mc *ParsedContext, res Responder, next Next) error {
			order = append(order, name)
			return next(ctx)
		}
	}

	require.NoError(t, m.Use(Definition{Name: "five", Phase: PhaseAfter, Step: StepParsing, Priority: ptr(5), Handler: record("five")}))
	require.NoError(t, m.Use(Definition{Name: "last", Phase: PhaseAfter, Step: StepParsing, Handler: record("last")}))
	require.NoError(t, m.Use(Definition{Name: "zero", Phase: PhaseAfter, Step: StepParsing, Priority: ptr(0), Handler: record("zero")}))
	require.NoError(t, m.Use(Definition{Name: "five-too", Phase: PhaseAfter, Step: StepParsing, Priority: ptr(5), Handler: record("five-too")}))

	res := &testResponder{}
	mc := &ParsedContext{Artifact: &wire.TransporterArtifact{From: "a$b.example"}}
	done, err := m.RunParsingAfter(context.Background(), mc, res)
	require.NoError(t, err)
	assert.True(t, done)

	// Ascending priority, missing last, ties keep insertion order.
	assert.Equal(t, []string{"zero", "five", "five-too", "last"}, order)
}

func ptr[T any](v T) *T { return &v }

func TestChainShortCircuit(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	reached := false
	require.NoError(t, m.Use(Definition{
		Name: "refuser", Phase: PhaseBefore, Step: StepParsing, Priority: ptr(0),
		Handler: RawHandler(func(ctx context.Context, mc *RawContext, res Responder, next Next) error {
			return res.SendError(ctx, wire.NewError(wire.CodeRateLimiter, "too many requests"))
		}),
	}))
	require.NoError(t, m.Use(Definition{
		Name: "never", Phase: PhaseBefore, Step: StepParsing, Priority: ptr(1),
		Handler: RawHandler(func(ctx context.Context, mc *RawContext, res Responder, next Next) error {
			reached = true
			return next(ctx)
		}),
	}))

	res := &testResponder{}
	done, err := m.RunParsingBefore(context.Background(), &RawContext{RawPacket: []byte("{}")}, res)
	require.NoError(t, err)
	assert.False(t, done)

	assert.False(t, reached, "handlers after a sent response must not run")
	require.Len(t, res.errors, 1)
	assert.True(t, wire.IsCode(res.errors[0], wire.CodeRateLimiter))

	// Later chains see the sent response and do nothing either.
	ranLater := false
	require.NoError(t, m.Use(Definition{
		Name: "later", Phase: PhaseAfter, Step: StepOnArtifact,
		Handler: ArtifactHandler(func(ctx context.Context, mc *ArtifactContext, res Responder, next Next) error {
			ranLater = true
			return next(ctx)
		}),
	}))
	_, err = m.RunArtifact(context.Background(), PhaseAfter, &ArtifactContext{}, res)
	require.NoError(t, err)
	assert.False(t, ranLater)
}

func TestChainEndsWithoutNext(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	reached := false
	require.NoError(t, m.Use(Definition{
		Name: "stopper", Phase: PhaseAfter, Step: StepParsing, Priority: ptr(0),
		Handler: ParsedHandler(func(ctx context.Context, mc *ParsedContext, res Responder, next Next) error {
			return nil // neither next nor response
		}),
	}))
	require.NoError(t, m.Use(Definition{
		Name: "after-stop", Phase: PhaseAfter, Step: StepParsing, Priority: ptr(1),
		Handler: ParsedHandler(func(ctx context.Context, mc *ParsedContext, res Responder, next Next) error {
			reached = true
			return next(ctx)
		}),
	}))

	res := &testResponder{}
	done, err := m.RunParsingAfter(context.Background(), &ParsedContext{}, res)
	require.NoError(t, err)
	assert.False(t, reached, "not calling next ends the chain for this step")
	assert.False(t, done, "an early end reports the chain incomplete")
	assert.False(t, res.Sent())
}

func TestUseValidation(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	okHandler := ParsedHandler(func(ctx context.Context, mc *ParsedContext, res Responder, next Next) error {
		return next(ctx)
	})

	err := m.Use(Definition{Phase: "during", Step: StepParsing, Handler: okHandler})
	require.ErrorContains(t, err, "unknown middleware phase")

	err = m.Use(Definition{Phase: PhaseAfter, Step: "decryption", Handler: okHandler})
	require.ErrorContains(t, err, "unknown middleware step")

	err = m.Use(Definition{Phase: PhaseAfter, Step: StepParsing, Priority: ptr(-1), Handler: okHandler})
	require.ErrorContains(t, err, "must not be negative")

	err = m.Use(Definition{Phase: PhaseAfter, Step: StepParsing, Handler: nil})
	require.ErrorContains(t, err, "nil")

	// A raw handler cannot attach after parsing.
	err = m.Use(Definition{
		Phase: PhaseAfter, Step: StepParsing,
		Handler: RawHandler(func(ctx context.Context, mc *RawContext, res Responder, next Next) error {
			return next(ctx)
		}),
	})
	require.ErrorContains(t, err, "does not fit")

	// An artifact handler cannot attach to signature verification.
	err = m.Use(Definition{
		Phase: PhaseAfter, Step: StepSignatureVerification,
		Handler: ArtifactHandler(func(ctx context.Context, mc *ArtifactContext, res Responder, next Next) error {
			return next(ctx)
		}),
	})
	require.ErrorContains(t, err, "does not fit")
}

func TestHandlerPanicBecomesUnknown(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	require.NoError(t, m.Use(Definition{
		Name: "bomb", Phase: PhaseAfter, Step: StepParsing,
		Handler: ParsedHandler(func(ctx context.Context, mc *ParsedContext, res Responder, next Next) error {
			panic("boom")
		}),
	}))

	res := &testResponder{}
	_, err := m.RunParsingAfter(context.Background(), &ParsedContext{}, res)
	require.Error(t, err)
	assert.True(t, wire.IsCode(err, wire.CodeUnknown))
}

func TestRegisterDuplicate(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)
	err := m.Register(RateLimitName, func(deps Deps, config map[string]any) (*Instance, error) {
		return nil, nil
	})
	require.True(t, trace.IsAlreadyExists(err))
}

func TestLoadChainFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "middleware.yaml")
	chain := `
middleware:
  - name: rateLimit
    phase: before
    step: parsing
    priority: 0
    config:
      keyBy: ip
      limit: 1
      windowSeconds: 60
  - name: requestLogger
    phase: after
    step: onArtifact
    disabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(chain), 0o600))

	m, err := NewManager(Config{
		Deps:      Deps{Clock: clockwork.NewFakeClock()},
		ChainPath: path,
	})
	require.NoError(t, err)
	require.NoError(t, m.Load())

	ctx := context.Background()
	mc := &RawContext{RawPacket: []byte("{}"), RemoteAddr: "198.51.100.7:40000"}

	res1 := &testResponder{}
	done, err := m.RunParsingBefore(ctx, mc, res1)
	require.NoError(t, err)
	assert.True(t, done, "first request inside the limit")
	assert.False(t, res1.Sent())

	res2 := &testResponder{}
	done, err = m.RunParsingBefore(ctx, mc, res2)
	require.NoError(t, err)
	assert.False(t, done)
	require.Len(t, res2.errors, 1, "second request from the same IP is limited")
	assert.True(t, wire.IsCode(res2.errors[0], wire.CodeRateLimiter))

	// A different IP has its own budget.
	res3 := &testResponder{}
	done, err = m.RunParsingBefore(ctx, &RawContext{RemoteAddr: "203.0.113.1:40000"}, res3)
	require.NoError(t, err)
	assert.True(t, done)
	assert.False(t, res3.Sent())
}

func TestLoadChainFileUnknownFactory(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "middleware.yaml")
	require.NoError(t, os.WriteFile(path, []byte("middleware:\n  - name: nosuch\n    phase: before\n    step: parsing\n"), 0o600))

	m, err := NewManager(Config{
		Deps:      Deps{Clock: clockwork.NewFakeClock()},
		ChainPath: path,
	})
	require.NoError(t, err)
	require.ErrorContains(t, m.Load(), "unknown factory")
}

func TestRateLimitByIdentity(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	instance, err := newRateLimit(Deps{
		Clock:  clockwork.NewFakeClock(),
		Logger: m.cfg.Logger,
	}, map[string]any{"keyBy": "identity", "limit": float64(1), "windowSeconds": float64(60)})
	require.NoError(t, err)
	require.NoError(t, m.Use(Definition{
		Name: "identity-limit", Phase: PhaseAfter, Step: StepParsing, Handler: instance.Handler,
	}))

	ctx := context.Background()
	alice := &ParsedContext{Artifact: &wire.TransporterArtifact{From: "alice$vendor.example"}}
	bob := &ParsedContext{Artifact: &wire.TransporterArtifact{From: "bob$vendor.example"}}

	res1 := &testResponder{}
	_, err = m.RunParsingAfter(ctx, alice, res1)
	require.NoError(t, err)
	assert.False(t, res1.Sent())

	res2 := &testResponder{}
	_, err = m.RunParsingAfter(ctx, alice, res2)
	require.NoError(t, err)
	require.Len(t, res2.errors, 1)
	assert.True(t, wire.IsCode(res2.errors[0], wire.CodeRateLimiter))

	res3 := &testResponder{}
	_, err = m.RunParsingAfter(ctx, bob, res3)
	require.NoError(t, err)
	assert.False(t, res3.Sent(), "another identity has its own budget")
}

func TestLifecycleHooks(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	var started, stopped, notified int
	require.NoError(t, m.Use(Definition{
		Name: "hooked", Phase: PhaseAfter, Step: StepOnArtifact,
		Handler: ArtifactHandler(func(ctx context.Context, mc *ArtifactContext, res Responder, next Next) error {
			return next(ctx)
		}),
		OnServerStart:  func(ctx context.Context) error { started++; return nil },
		OnServerStop:   func(ctx context.Context) error { stopped++; return nil },
		OnResponseSent: func(ctx context.Context, resp *wire.Response) { notified++ },
	}))
	require.NoError(t, m.Use(Definition{
		Name: "panicky-observer", Phase: PhaseAfter, Step: StepOnArtifact,
		Handler: ArtifactHandler(func(ctx context.Context, mc *ArtifactContext, res Responder, next Next) error {
			return next(ctx)
		}),
		OnResponseSent: func(ctx context.Context, resp *wire.Response) { panic("observer boom") },
	}))

	ctx := context.Background()
	require.NoError(t, m.OnServerStart(ctx))
	assert.Equal(t, 1, started)

	// A panicking observer does not take the server down.
	m.NotifyResponseSent(ctx, &wire.Response{})
	assert.Equal(t, 1, notified)

	require.NoError(t, m.OnServerStop(ctx))
	assert.Equal(t, 1, stopped)
}
