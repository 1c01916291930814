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

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/btps-protocol/btps"
	"github.com/btps-protocol/btps/lib/auth"
	"github.com/btps-protocol/btps/lib/config"
	"github.com/btps-protocol/btps/lib/defaults"
	"github.com/btps-protocol/btps/lib/identity"
	"github.com/btps-protocol/btps/lib/middleware"
	"github.com/btps-protocol/btps/lib/pipeline"
	"github.com/btps-protocol/btps/lib/srv"
	"github.com/btps-protocol/btps/lib/storage"
	"github.com/btps-protocol/btps/lib/tokens"
	"github.com/btps-protocol/btps/lib/trust"
)

// daemon wires stores, auth, middleware, and the pipeline into one server
// process.
type daemon struct {
	cfg    *config.FileConfig
	logger *slog.Logger

	server     *srv.Server
	trustStore trust.Store
	tokenStore tokens.Store
	diag       *http.Server
}

// newDaemon builds every component from cfg. On error nothing is left
// open.
func newDaemon(cfg *config.FileConfig) (*daemon, error) {
	trustStore, tokenStore, err := buildStores(cfg.Storage)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	d := &daemon{
		cfg:        cfg,
		logger:     slog.With(btps.ComponentKey, btps.ComponentDaemon),
		trustStore: trustStore,
		tokenStore: tokenStore,
	}
	server, err := buildServer(cfg, trustStore, tokenStore)
	if err != nil {
		return nil, trace.NewAggregate(err, d.closeStores())
	}
	d.server = server
	if cfg.Server.DiagAddr != "" {
		d.diag = newDiagServer(cfg.Server.DiagAddr)
	}
	return d, nil
}

// buildStores opens the trust and token stores. File storage keeps both
// entities in one shared document so a single file holds the host's full
// state.
func buildStores(cfg config.Storage) (trust.Store, tokens.Store, error) {
	if cfg.Type == config.StorageFile {
		doc, err := storage.Open(storage.Config{
			Path:          cfg.Path,
			FlushInterval: cfg.FlushInterval.Value(),
			WatchExternal: cfg.WatchExternal,
		})
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		trustStore, err := trust.NewFileStore(trust.FileConfig{Document: doc})
		if err != nil {
			return nil, nil, trace.NewAggregate(err, doc.Close())
		}
		tokenStore, err := tokens.NewFileStore(tokens.FileConfig{Document: doc})
		if err != nil {
			return nil, nil, trace.NewAggregate(err, doc.Close())
		}
		return trustStore, tokenStore, nil
	}
	trustStore, err := trust.NewMemoryStore(trust.MemoryConfig{})
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	tokenStore, err := tokens.NewMemoryStore(tokens.MemoryConfig{})
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return trustStore, tokenStore, nil
}

func buildServer(cfg *config.FileConfig, trustStore trust.Store, tokenStore tokens.Store) (*srv.Server, error) {
	resolver, err := identity.NewResolver(identity.ResolverConfig{
		CacheTTL: cfg.Resolver.CacheTTL.Value(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	signingKey, err := cfg.Server.LoadSigningKey()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	authService, err := auth.NewService(auth.Config{
		TrustStore:      trustStore,
		TokenStore:      tokenStore,
		AuthTokenTTL:    cfg.Auth.AuthTokenTTL.Value(),
		RefreshTokenTTL: cfg.Auth.RefreshTokenTTL.Value(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	manager, err := middleware.NewManager(middleware.Config{
		Deps: middleware.Deps{
			TrustStore: trustStore,
			TokenStore: tokenStore,
		},
		ChainPath: cfg.Middleware.ChainFile,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := manager.Load(); err != nil {
		return nil, trace.Wrap(err)
	}

	srvCfg := srv.Config{
		Addr:                cfg.Server.ListenAddr,
		IdleTimeout:         cfg.Server.IdleTimeout.Value(),
		MaxLineBytes:        cfg.Server.MaxLineBytes,
		DrainTimeout:        cfg.Server.DrainTimeout.Value(),
		MaxConnectionsPerIP: cfg.Server.MaxConnectionsPerIP,
		Pipeline: pipeline.Config{
			Resolver:       resolver,
			TrustStore:     trustStore,
			Auth:           authService,
			Middleware:     manager,
			ServerIdentity: cfg.Server.Identity,
			SigningKey:     signingKey,
			Selector:       cfg.Server.Selector,
			RequestTimeout: cfg.Server.RequestTimeout.Value(),
		},
	}
	switch {
	case cfg.Server.TLS.Disabled:
		srvCfg.Insecure = true
	case cfg.Server.TLS.Cert != "":
		tlsConfig, err := cfg.Server.TLS.InlineConfig()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		srvCfg.TLS = tlsConfig
	default:
		srvCfg.CertFile = cfg.Server.TLS.CertFile
		srvCfg.KeyFile = cfg.Server.TLS.KeyFile
	}

	server, err := srv.New(srvCfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return server, nil
}

func newDiagServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok\n")
	})
	return &http.Server{Addr: addr, Handler: mux}
}

// run serves until ctx is canceled or a termination signal arrives, then
// drains connections, stops the token sweeper, and flushes the stores.
func (d *daemon) run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.server.Start(ctx); err != nil {
		return trace.NewAggregate(err, d.closeStores())
	}
	d.logger.InfoContext(ctx, "btpsd started",
		"addr", d.server.Addr(), "storage", d.cfg.Storage.Type)

	if d.diag != nil {
		go func() {
			d.logger.InfoContext(ctx, "diagnostics listening", "addr", d.diag.Addr)
			if err := d.diag.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.WarnContext(ctx, "diagnostics server exited", "error", err)
			}
		}()
	}

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	sweepDone := make(chan struct{})
	go d.sweepTokens(sweepCtx, sweepDone)

	<-ctx.Done()
	d.logger.InfoContext(ctx, "shutting down")

	var errs []error
	if err := d.server.Stop(context.Background()); err != nil {
		errs = append(errs, err)
	}
	d.server.Wait()
	cancelSweep()
	<-sweepDone
	if d.diag != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.DrainTimeout)
		if err := d.diag.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	errs = append(errs, d.closeStores())
	return trace.NewAggregate(errs...)
}

// sweepTokens periodically drops expired tokens so long-running hosts do
// not accumulate dead records.
func (d *daemon) sweepTokens(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(defaults.TokenSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.tokenStore.Cleanup(ctx); err != nil {
				d.logger.WarnContext(ctx, "token cleanup failed", "error", err)
			}
		}
	}
}

// closeStores closes both stores. With file storage they share one
// document, whose Close is idempotent.
func (d *daemon) closeStores() error {
	return trace.NewAggregate(d.trustStore.Close(), d.tokenStore.Close())
}
