// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// maestrod is the maestro ML workflow orchestration daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tombee/maestro/internal/config"
	"github.com/tombee/maestro/internal/daemon"
	"github.com/tombee/maestro/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maestrod",
		Short: "Maestro ML workflow orchestration daemon",
		Long: `maestrod runs the maestro orchestration engine: it loads workflow
definitions, drives ML pipelines end to end (data preparation,
distributed training, model deployment), and serves the control API.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We print errors ourselves for proper exit codes
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newServeCommand() *cobra.Command {
	var (
		configPath   string
		listenAddr   string
		dataDir      string
		workflowsDir string
		noWatch      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration daemon in the foreground",
		Long: `Start the daemon. Configuration is layered: compiled defaults, then
the optional --config file, then MAESTRO_* environment variables,
then flags. Later layers win.`,
		Example: `  # Run with defaults (listens on 127.0.0.1:9810)
  maestrod serve

  # Run with a config file and a custom workflows directory
  maestrod serve --config /etc/maestro/config.yaml --workflows-dir ./workflows

  # Run without hot reload of definition files
  maestrod serve --no-watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(serveOptions{
				configPath:   configPath,
				listenAddr:   listenAddr,
				dataDir:      dataDir,
				workflowsDir: workflowsDir,
				noWatch:      noWatch,
			})
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (host:port)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory for the store and backups")
	cmd.Flags().StringVar(&workflowsDir, "workflows-dir", "", "Workflow definitions directory")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Disable hot reload of workflow definitions")

	return cmd
}

type serveOptions struct {
	configPath   string
	listenAddr   string
	dataDir      string
	workflowsDir string
	noWatch      bool
}

func runServe(opts serveOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Apply flag overrides
	if opts.listenAddr != "" {
		cfg.Server.ListenAddr = opts.listenAddr
	}
	if opts.dataDir != "" {
		cfg.Store.DataDir = opts.dataDir
		cfg.Store.Path = filepath.Join(opts.dataDir, "maestro.db")
		cfg.Store.BackupDir = filepath.Join(opts.dataDir, "backups")
	}
	if opts.workflowsDir != "" {
		cfg.Registry.WorkflowsDir = opts.workflowsDir
	}
	if opts.noWatch {
		cfg.Registry.Watch = false
	}

	logger := log.New(&log.Config{
		Level:     cfg.Log.Level,
		Format:    log.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(logger)

	d, err := daemon.New(cfg, daemon.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("signal received, shutting down", slog.String("signal", sig.String()))
		cancel()
		if err := d.Shutdown(context.Background()); err != nil {
			logger.Error("shutdown error", log.Error(err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("maestrod %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
