package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	NodeOptions

	// onReady is called with the bound address once the node accepts
	// connections. Tests use it with --listen 127.0.0.1:0.
	onReady func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{NodeOptions: NodeOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a replica node",
		Long: `Run a replica: serve the sync protocol and the admin API over HTTP,
persist every collection to SQLite and sync with the configured peers.

Routes:
  POST /v1/sync        peer sync protocol
  GET  /healthz        health check
  GET  /metrics        Prometheus metrics
  /v1/...              admin API (status, collections, keys, explicit sync)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	opts.addFlags(cmd, true)
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	logger := setupLogging(cmd.ErrOrStderr(), opts.Verbose)

	cfg, err := opts.resolve(true)
	if err != nil {
		return err
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	logger.Info("opening database", "path", cfg.Database)
	st, err := openStore(cfg.Database, false)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	r, tr, err := newNode(ctx, cfg, st, logger)
	if err != nil {
		return err
	}

	router := tr.Router()
	router.Handle("/metrics", promhttp.Handler())
	mountAPI(router, r, logger)

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	if err := r.Start(ctx); err != nil {
		_ = srv.Close()
		return WrapExitError(ExitCommandError, "failed to start replicator", err)
	}

	addr := ln.Addr().String()
	logger.Info("node started",
		"actor", cfg.Actor,
		"listen", addr,
		"peers", cfg.PeerIDs(),
		"collections", r.Collections(),
		"strategy", cfg.Replication.Strategy,
	)
	fmt.Fprintf(cmd.OutOrStdout(), "Node %s listening on %s\n", cfg.Actor, addr)
	if opts.onReady != nil {
		opts.onReady(addr)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = WrapExitError(ExitFailure, "http server error", err)
		}
	}

	r.Stop()
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	status := r.Status()
	logger.Info("node stopped gracefully",
		"completed_syncs", status.CompletedSyncs,
		"failed_syncs", status.FailedSyncs)
	return runErr
}
