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
	"net"
	"time"

	"github.com/gravitational/trace"

	"github.com/btps-protocol/btps/lib/defaults"
	"github.com/btps-protocol/btps/lib/ratelimit"
	"github.com/btps-protocol/btps/lib/wire"
)

// Built-in factory names the chain file may reference.
const (
	RateLimitName     = "rateLimit"
	RequestLoggerName = "requestLogger"
)

func builtinFactories() map[string]Factory {
	return map[string]Factory{
		RateLimitName:     newRateLimit,
		RequestLoggerName: newRequestLogger,
	}
}

// configInt reads an integer-valued config key. YAML numbers arrive as
// float64.
func configInt(config map[string]any, key string, fallback int) (int, error) {
	v, ok := config[key]
	if !ok {
		return fallback, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	}
	return 0, trace.BadParameter("middleware config %q must be a number, got %T", key, v)
}

func configString(config map[string]any, key, fallback string) (string, error) {
	v, ok := config[key]
	if !ok {
		return fallback, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", trace.BadParameter("middleware config %q must be a string, got %T", key, v)
	}
	return s, nil
}

// senderKey extracts the rate limiting key of an artifact: the sender
// identity for transporter and lookup artifacts, the agent id for agent
// artifacts. Control artifacts are not keyed.
func senderKey(a wire.Artifact) string {
	switch artifact := a.(type) {
	case *wire.TransporterArtifact:
		return artifact.From
	case *wire.AgentArtifact:
		return artifact.AgentID
	case *wire.IdentityLookupArtifact:
		return artifact.From
	}
	return ""
}

// remoteIP strips the port off a RemoteAddr.
func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// newRateLimit builds the rateLimit middleware. Config:
//
//	keyBy: "ip" (default) or "identity"
//	limit: events allowed per key inside the window
//	windowSeconds: window length
//
// Keyed by IP it attaches at (before, parsing); keyed by identity it
// attaches at (after, parsing), once the sender is known.
func newRateLimit(deps Deps, config map[string]any) (*Instance, error) {
	keyBy, err := configString(config, "keyBy", "ip")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	fallbackLimit := defaults.RateLimitPerIP
	if keyBy == "identity" {
		fallbackLimit = defaults.RateLimitPerIdentity
	}
	limit, err := configInt(config, "limit", fallbackLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	windowSeconds, err := configInt(config, "windowSeconds", int(defaults.RateWindow/time.Second))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	counters, err := ratelimit.NewCounters(ratelimit.CountersConfig{
		Limit:  limit,
		Window: time.Duration(windowSeconds) * time.Second,
		Clock:  deps.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	instance := &Instance{
		OnServerStart: func(ctx context.Context) error {
			go counters.RunSweeper(sweepCtx, defaults.RateSweepInterval)
			return nil
		},
		OnServerStop: func(ctx context.Context) error {
			stopSweep()
			return nil
		},
	}

	limited := func(ctx context.Context, key string, res Responder) (bool, error) {
		if key == "" {
			return false, nil
		}
		if _, over := counters.Increment(key); !over {
			return false, nil
		}
		deps.Logger.WarnContext(ctx, "rate limit exceeded", "key", key)
		return true, res.SendError(ctx, wire.NewError(wire.CodeRateLimiter, "too many requests"))
	}

	switch keyBy {
	case "ip":
		instance.Handler = RawHandler(func(ctx context.Context, mc *RawContext, res Responder, next Next) error {
			over, err := limited(ctx, remoteIP(mc.RemoteAddr), res)
			if err != nil || over {
				return trace.Wrap(err)
			}
			return next(ctx)
		})
	case "identity":
		instance.Handler = ParsedHandler(func(ctx context.Context, mc *ParsedContext, res Responder, next Next) error {
			over, err := limited(ctx, senderKey(mc.Artifact), res)
			if err != nil || over {
				return trace.Wrap(err)
			}
			return next(ctx)
		})
	default:
		return nil, trace.BadParameter("rateLimit keyBy must be %q or %q, got %q", "ip", "identity", keyBy)
	}
	return instance, nil
}

// newRequestLogger builds the requestLogger middleware, an onArtifact
// handler logging each processed artifact's outcome.
func newRequestLogger(deps Deps, config map[string]any) (*Instance, error) {
	return &Instance{
		Handler: ArtifactHandler(func(ctx context.Context, mc *ArtifactContext, res Responder, next Next) error {
			deps.Logger.InfoContext(ctx, "artifact processed",
				"artifact_id", mc.Artifact.ArtifactID(),
				"kind", mc.Artifact.Kind(),
				"valid", mc.IsValid,
				"trusted", mc.IsTrusted,
				"remote_addr", mc.RemoteAddr,
			)
			return next(ctx)
		}),
	}, nil
}
