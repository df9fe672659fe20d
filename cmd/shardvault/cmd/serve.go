package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesm/shardvault/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the account over a read-only HTTP API",
	Long: `Run the read-only HTTP API in the foreground.

Routes (under /api/v1, authenticated when [server] api_key is set):
  GET /sessions
  GET /names?id=...
  GET /stats/types
  GET /stats/years
  GET /conversations/{id}/messages?page=&page_size=
  GET /conversations/{id}/messages/range?begin=&end=&order=asc|desc
  GET /conversations/{id}/export
  GET /conversations/{id}/count
  GET /conversations/{id}/stats/{metric}

/health and /metrics (Prometheus) are served without authentication.

Binding a non-loopback address requires [server] api_key unless
allow_insecure = true.

Use Ctrl+C to stop the server gracefully.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Validate security posture before doing any work
	if err := cfg.Server.ValidateSecure(); err != nil {
		return err
	}

	ctx := cmd.Context()
	b, err := openBackend(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("close backend", "error", err)
		}
	}()

	apiServer := api.NewServer(cfg, newService(b), registry, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	bindAddr := cfg.Server.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	fmt.Printf("shardvault server started\n")
	fmt.Printf("  API server: http://%s\n", net.JoinHostPort(bindAddr, strconv.Itoa(cfg.Server.APIPort)))
	fmt.Printf("  Account:    %s (%s backend)\n", cfg.Account.Dir, cfg.Account.Backend)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()

	var runErr error
	select {
	case err := <-serverErr:
		logger.Error("API server error", "error", err)
		runErr = fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		logger.Info("shutdown requested")
		fmt.Println("\nShutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}
	return runErr
}
