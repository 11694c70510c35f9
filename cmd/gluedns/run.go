package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/gluedns/pkg/config"
	"github.com/cuemby/gluedns/pkg/diagnostics"
	"github.com/cuemby/gluedns/pkg/log"
	"github.com/cuemby/gluedns/pkg/runtime"
	"github.com/cuemby/gluedns/pkg/supervisor"
	"github.com/spf13/cobra"
)

// ErrInvalidConfig wraps a configuration load/validation failure. The
// CLI maps this to exit code 2.
var ErrInvalidConfig = errors.New("invalid configuration")

var logger = log.WithComponent("main")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the gluedns daemon",
	Long: `Run starts the container observer, the gossip adapter and the DNS
responder together, and blocks until interrupted. It is the only
subcommand most deployments ever invoke; gluedns is meant to run as
one long-lived process per host, typically under systemd or as the
container network's embedded resolver.`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().String("config", "", "path to a gluedns.yaml config file")
	runCmd.Flags().String("diag-addr", "127.0.0.1:8113", "loopback address for the /registry, /peers and /metrics HTTP endpoints")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	diagAddr, _ := cmd.Flags().GetString("diag-addr")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("%w: load config: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel)})

	// A main node is a rendezvous and DNS frontend only, with no
	// monitored network and no need for a container runtime connection.
	var rt runtime.ContainerRuntime
	if !cfg.IsMain() {
		rt, err = runtime.NewContainerdBackend(cfg.ContainerdSocket, "")
		if err != nil {
			return fmt.Errorf("connect to containerd: %w", err)
		}
	}

	sup, err := supervisor.New(cfg, rt)
	if err != nil {
		return fmt.Errorf("initialize supervisor: %w", err)
	}
	defer sup.Close()

	logger.Info().
		Str("peer_id", sup.PeerID().String()).
		Str("diag_addr", diagAddr).
		Msg("gluedns starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	diagServer := &http.Server{
		Addr:    diagAddr,
		Handler: diagnostics.Handler(sup.Registry(), sup.Adapter()),
	}
	go func() {
		if err := diagServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn().Err(err).Msg("diagnostics server exited")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- sup.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
		cancel()
		<-errCh
	case err := <-errCh:
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("supervisor exited")
			runErr = err
		}
	}

	_ = diagServer.Close()

	return runErr
}
