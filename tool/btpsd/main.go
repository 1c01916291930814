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

// Command btpsd runs a BTPS server: it loads the host configuration,
// wires storage, sessions, middleware, and the verification pipeline
// into a listener, and serves until interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/gravitational/trace"
	"github.com/spf13/cobra"

	"github.com/btps-protocol/btps"
	"github.com/btps-protocol/btps/lib/config"
)

// defaultConfigPath is where start looks without a --config flag.
const defaultConfigPath = "/etc/btpsd.yaml"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, trace.UserMessage(err))
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "btpsd",
		Short:         "BTPS server daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newStartCommand(), newVersionCommand())
	return root
}

func newStartCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the BTPS server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return trace.Wrap(runStart(cmd.Context(), configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the config file")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the btpsd version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			version := "btpsd v" + btps.Version
			if btps.Gitref != "" {
				version += " git:" + btps.Gitref
			}
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func runStart(ctx context.Context, configPath string) error {
	cfg, err := config.ReadFromFile(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	initLogger(cfg.Log)
	d, err := newDaemon(cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(d.run(ctx))
}

// initLogger installs the process-wide slog handler every component
// derives its logger from.
func initLogger(l config.Log) {
	opts := &slog.HandlerOptions{Level: l.SlogLevel()}
	var handler slog.Handler
	if l.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
