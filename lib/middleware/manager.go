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
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/ghodss/yaml"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/btps-protocol/btps"
	"github.com/btps-protocol/btps/lib/tokens"
	"github.com/btps-protocol/btps/lib/trust"
	"github.com/btps-protocol/btps/lib/wire"
)

// Deps are handed to middleware factories at instantiation.
type Deps struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	TrustStore trust.Store
	TokenStore tokens.Store
}

// Instance is what a factory produces: a handler plus optional lifecycle
// hooks.
type Instance struct {
	// Handler must be one of the step-typed handler funcs.
	Handler Handler
	// OnServerStart runs when the server starts accepting.
	OnServerStart func(ctx context.Context) error
	// OnServerStop runs during server shutdown.
	OnServerStop func(ctx context.Context) error
	// OnResponseSent observes every response the server writes.
	OnResponseSent func(ctx context.Context, resp *wire.Response)
}

// Factory builds a middleware instance from its chain file config.
type Factory func(deps Deps, config map[string]any) (*Instance, error)

// Definition attaches a handler programmatically, bypassing the chain
// file.
type Definition struct {
	// Name identifies the middleware in logs.
	Name  string
	Phase Phase
	Step  Step
	// Priority orders the chain ascending, absent means last.
	Priority *int
	Handler  Handler
	// Lifecycle hooks, all optional.
	OnServerStart  func(ctx context.Context) error
	OnServerStop   func(ctx context.Context) error
	OnResponseSent func(ctx context.Context, resp *wire.Response)
}

// chainKey addresses one (phase, step) chain.
type chainKey struct {
	phase Phase
	step  Step
}

// invoker adapts a step-typed handler to the uniform executor signature.
type invoker func(ctx context.Context, mc any, res Responder, next Next) error

type entry struct {
	name     string
	priority int
	seq      int
	invoke   invoker
}

// Config configures a Manager.
type Config struct {
	// Deps are injected into factories.
	Deps Deps
	// ChainPath points at the YAML chain file, empty means none.
	ChainPath string
	// Logger emits chain diagnostics.
	Logger *slog.Logger
}

// Manager owns the factory registry and the loaded chains.
type Manager struct {
	cfg Config

	mu        sync.RWMutex
	factories map[string]Factory
	chains    map[chainKey][]*entry
	instances []*Instance
	seq       int
}

// NewManager returns a manager with the built-in factories registered.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.With(btps.ComponentKey, btps.ComponentMiddleware)
	}
	if cfg.Deps.Logger == nil {
		cfg.Deps.Logger = cfg.Logger
	}
	if cfg.Deps.Clock == nil {
		cfg.Deps.Clock = clockwork.NewRealClock()
	}
	m := &Manager{
		cfg:       cfg,
		factories: make(map[string]Factory),
		chains:    make(map[chainKey][]*entry),
	}
	for name, factory := range builtinFactories() {
		if err := m.Register(name, factory); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return m, nil
}

// Register adds a named factory the chain file may reference.
func (m *Manager) Register(name string, factory Factory) error {
	if name == "" {
		return trace.BadParameter("middleware factory name is empty")
	}
	if factory == nil {
		return trace.BadParameter("middleware factory %q is nil", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.factories[name]; ok {
		return trace.AlreadyExists("middleware factory %q is already registered", name)
	}
	m.factories[name] = factory
	return nil
}

// chainEntry is one row of the YAML chain file.
type chainEntry struct {
	Name     string         `json:"name"`
	Phase    Phase          `json:"phase"`
	Step     Step           `json:"step"`
	Priority *int           `json:"priority,omitempty"`
	Disabled bool           `json:"disabled,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
}

type chainFile struct {
	Middleware []chainEntry `json:"middleware"`
}

// Load reads the chain file, instantiates every enabled entry through its
// factory, validates it, and installs the chains sorted by priority.
// Without a ChainPath it is a no-op.
func (m *Manager) Load() error {
	if m.cfg.ChainPath == "" {
		return nil
	}
	raw, err := os.ReadFile(m.cfg.ChainPath)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	var file chainFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return trace.BadParameter("parsing middleware chain %s: %v", m.cfg.ChainPath, err)
	}
	for i, row := range file.Middleware {
		if row.Disabled {
			continue
		}
		m.mu.RLock()
		factory, ok := m.factories[row.Name]
		m.mu.RUnlock()
		if !ok {
			return trace.BadParameter("middleware chain entry %d references unknown factory %q", i, row.Name)
		}
		instance, err := factory(m.cfg.Deps, row.Config)
		if err != nil {
			return trace.Wrap(err, "instantiating middleware %q", row.Name)
		}
		if err := m.install(row.Name, row.Phase, row.Step, row.Priority, instance); err != nil {
			return trace.Wrap(err, "middleware chain entry %d (%q)", i, row.Name)
		}
	}
	m.cfg.Logger.Info("middleware chain loaded",
		"path", m.cfg.ChainPath, "entries", len(file.Middleware))
	return nil
}

// Use attaches a handler built in code.
func (m *Manager) Use(def Definition) error {
	return trace.Wrap(m.install(def.Name, def.Phase, def.Step, def.Priority, &Instance{
		Handler:        def.Handler,
		OnServerStart:  def.OnServerStart,
		OnServerStop:   def.OnServerStop,
		OnResponseSent: def.OnResponseSent,
	}))
}

func (m *Manager) install(name string, phase Phase, step Step, priority *int, instance *Instance) error {
	if !ValidPhase(phase) {
		return trace.BadParameter("unknown middleware phase %q", phase)
	}
	if !ValidStep(step) {
		return trace.BadParameter("unknown middleware step %q", step)
	}
	effective := math.MaxInt
	if priority != nil {
		if *priority < 0 {
			return trace.BadParameter("middleware priority must not be negative, got %d", *priority)
		}
		effective = *priority
	}
	invoke, err := wrapHandler(phase, step, instance.Handler)
	if err != nil {
		return trace.Wrap(err)
	}
	key := chainKey{phase: phase, step: step}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	chain := append(m.chains[key], &entry{
		name:     name,
		priority: effective,
		seq:      m.seq,
		invoke:   invoke,
	})
	// Ascending by priority, insertion order breaks ties.
	sort.SliceStable(chain, func(i, j int) bool {
		if chain[i].priority != chain[j].priority {
			return chain[i].priority < chain[j].priority
		}
		return chain[i].seq < chain[j].seq
	})
	m.chains[key] = chain
	m.instances = append(m.instances, instance)
	return nil
}

// wrapHandler checks the handler carries the signature its (phase, step)
// requires and adapts it to the uniform invoker form.
func wrapHandler(phase Phase, step Step, h Handler) (invoker, error) {
	if h == nil {
		return nil, trace.BadParameter("middleware handler is nil")
	}
	mismatch := func() error {
		return trace.BadParameter("middleware handler type %T does not fit step %q phase %q", h, step, phase)
	}
	switch step {
	case StepParsing:
		if phase == PhaseBefore {
			fn, ok := h.(RawHandler)
			if !ok {
				return nil, mismatch()
			}
			return func(ctx context.Context, mc any, res Responder, next Next) error {
				return fn(ctx, mc.(*RawContext), res, next)
			}, nil
		}
		fn, ok := h.(ParsedHandler)
		if !ok {
			return nil, mismatch()
		}
		return func(ctx context.Context, mc any, res Responder, next Next) error {
			return fn(ctx, mc.(*ParsedContext), res, next)
		}, nil
	case StepSignatureVerification:
		if phase == PhaseBefore {
			fn, ok := h.(ParsedHandler)
			if !ok {
				return nil, mismatch()
			}
			return func(ctx context.Context, mc any, res Responder, next Next) error {
				return fn(ctx, mc.(*ParsedContext), res, next)
			}, nil
		}
		fn, ok := h.(SignatureHandler)
		if !ok {
			return nil, mismatch()
		}
		return func(ctx context.Context, mc any, res Responder, next Next) error {
			return fn(ctx, mc.(*SignatureContext), res, next)
		}, nil
	case StepTrustVerification:
		if phase == PhaseBefore {
			fn, ok := h.(SignatureHandler)
			if !ok {
				return nil, mismatch()
			}
			return func(ctx context.Context, mc any, res Responder, next Next) error {
				return fn(ctx, mc.(*SignatureContext), res, next)
			}, nil
		}
		fn, ok := h.(TrustHandler)
		if !ok {
			return nil, mismatch()
		}
		return func(ctx context.Context, mc any, res Responder, next Next) error {
			return fn(ctx, mc.(*TrustContext), res, next)
		}, nil
	case StepOnArtifact:
		fn, ok := h.(ArtifactHandler)
		if !ok {
			return nil, mismatch()
		}
		return func(ctx context.Context, mc any, res Responder, next Next) error {
			return fn(ctx, mc.(*ArtifactContext), res, next)
		}, nil
	case StepOnError:
		fn, ok := h.(ErrorHandler)
		if !ok {
			return nil, mismatch()
		}
		return func(ctx context.Context, mc any, res Responder, next Next) error {
			return fn(ctx, mc.(*ErrorContext), res, next)
		}, nil
	}
	return nil, trace.BadParameter("unknown middleware step %q", step)
}

// run executes one chain and reports whether it ran to completion. A
// handler continues by calling next; returning without next, and without
// responding, ends the chain early and the caller stops processing the
// request. Panics become UNKNOWN protocol errors.
func (m *Manager) run(ctx context.Context, key chainKey, mc any, res Responder) (bool, error) {
	m.mu.RLock()
	chain := m.chains[key]
	m.mu.RUnlock()
	if len(chain) == 0 {
		return true, nil
	}
	completed := false
	var step func(ctx context.Context, i int) error
	step = func(ctx context.Context, i int) error {
		if i >= len(chain) {
			completed = true
			return nil
		}
		if res.Sent() {
			return nil
		}
		e := chain[i]
		next := Next(func(ctx context.Context) error {
			return step(ctx, i+1)
		})
		return m.safeInvoke(ctx, e, mc, res, next)
	}
	err := step(ctx, 0)
	return completed, err
}

func (m *Manager) safeInvoke(ctx context.Context, e *entry, mc any, res Responder, next Next) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.cfg.Logger.ErrorContext(ctx, "middleware handler panicked",
				"middleware", e.name, "panic", r)
			err = wire.NewError(wire.CodeUnknown, "middleware %q failed", e.name)
		}
	}()
	return e.invoke(ctx, mc, res, next)
}

// RunParsingBefore runs the (before, parsing) chain over the raw line.
// The flag reports chain completion, as for every Run method.
func (m *Manager) RunParsingBefore(ctx context.Context, mc *RawContext, res Responder) (bool, error) {
	return m.run(ctx, chainKey{PhaseBefore, StepParsing}, mc, res)
}

// RunParsingAfter runs the (after, parsing) chain over the parsed artifact.
func (m *Manager) RunParsingAfter(ctx context.Context, mc *ParsedContext, res Responder) (bool, error) {
	return m.run(ctx, chainKey{PhaseAfter, StepParsing}, mc, res)
}

// RunSignatureBefore runs the (before, signatureVerification) chain.
func (m *Manager) RunSignatureBefore(ctx context.Context, mc *ParsedContext, res Responder) (bool, error) {
	return m.run(ctx, chainKey{PhaseBefore, StepSignatureVerification}, mc, res)
}

// RunSignatureAfter runs the (after, signatureVerification) chain.
func (m *Manager) RunSignatureAfter(ctx context.Context, mc *SignatureContext, res Responder) (bool, error) {
	return m.run(ctx, chainKey{PhaseAfter, StepSignatureVerification}, mc, res)
}

// RunTrustBefore runs the (before, trustVerification) chain.
func (m *Manager) RunTrustBefore(ctx context.Context, mc *SignatureContext, res Responder) (bool, error) {
	return m.run(ctx, chainKey{PhaseBefore, StepTrustVerification}, mc, res)
}

// RunTrustAfter runs the (after, trustVerification) chain.
func (m *Manager) RunTrustAfter(ctx context.Context, mc *TrustContext, res Responder) (bool, error) {
	return m.run(ctx, chainKey{PhaseAfter, StepTrustVerification}, mc, res)
}

// RunArtifact runs an onArtifact chain around dispatch.
func (m *Manager) RunArtifact(ctx context.Context, phase Phase, mc *ArtifactContext, res Responder) (bool, error) {
	return m.run(ctx, chainKey{phase, StepOnArtifact}, mc, res)
}

// RunError runs an onError chain over a processing failure.
func (m *Manager) RunError(ctx context.Context, phase Phase, mc *ErrorContext, res Responder) (bool, error) {
	return m.run(ctx, chainKey{phase, StepOnError}, mc, res)
}

// OnServerStart runs every instance's start hook.
func (m *Manager) OnServerStart(ctx context.Context) error {
	m.mu.RLock()
	instances := m.instances
	m.mu.RUnlock()
	for _, instance := range instances {
		if instance.OnServerStart == nil {
			continue
		}
		if err := instance.OnServerStart(ctx); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// OnServerStop runs every instance's stop hook, aggregating errors.
func (m *Manager) OnServerStop(ctx context.Context) error {
	m.mu.RLock()
	instances := m.instances
	m.mu.RUnlock()
	var errs []error
	for _, instance := range instances {
		if instance.OnServerStop == nil {
			continue
		}
		errs = append(errs, instance.OnServerStop(ctx))
	}
	return trace.NewAggregate(errs...)
}

// NotifyResponseSent tells every instance a response went out. Hook
// panics are contained, a response observer must not break the server.
func (m *Manager) NotifyResponseSent(ctx context.Context, resp *wire.Response) {
	m.mu.RLock()
	instances := m.instances
	m.mu.RUnlock()
	for _, instance := range instances {
		if instance.OnResponseSent == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.cfg.Logger.ErrorContext(ctx, "onResponseSent hook panicked", "panic", r)
				}
			}()
			instance.OnResponseSent(ctx, resp)
		}()
	}
}
