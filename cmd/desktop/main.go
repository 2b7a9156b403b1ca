// Command fitlog-desktop serves the fitlog core to the desktop UI over a
// localhost REST API and an event WebSocket.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/fitlog/backend/cmd/desktop/handlers"
	"github.com/kimhsiao/fitlog/backend/internal/config"
	"github.com/kimhsiao/fitlog/backend/internal/integration"
	"github.com/kimhsiao/fitlog/backend/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func newRootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)
	cmd := &cobra.Command{
		Use:          "fitlog-desktop",
		Short:        "Serve the fitlog core on localhost",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
			integration.InitLogging(cfg.Log)
			defer logging.Close()
			return serve(cmd.Context(), cfg, addr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file")
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8090", "listen address")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, addr string) error {
	integ := integration.New(integration.Options{Config: cfg})
	if err := integ.Initialize(ctx); err != nil {
		return err
	}
	defer integ.Close()

	hub := NewWSHub()
	detach := hub.Attach(integ)
	defer func() {
		detach()
		hub.Close()
	}()

	if err := integ.StartServices(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(handlers.New(integ), hub),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info("[Desktop] Listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info("[Desktop] Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Flush pending changes while the network is still up.
	if _, err := integ.OnBackground(shutdownCtx); err != nil {
		logging.Warn("[Desktop] Final sync failed", map[string]interface{}{"error": err.Error()})
	}
	return srv.Shutdown(shutdownCtx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
