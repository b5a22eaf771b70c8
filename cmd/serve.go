package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mcpgate/internal/config"
	"mcpgate/internal/gateway"
	"mcpgate/internal/registry"
	"mcpgate/pkg/logging"

	"github.com/spf13/cobra"
)

var (
	serveConfigPath string
	serveLogLevel   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Run the federated MCP gateway: register the configured backends,
start health checking, and serve the client endpoints (/sse, /message,
/rpc, /status).`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Path to the gateway configuration file (required)")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	_ = serveCmd.MarkFlagRequired("config")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logging.InitForCLI(parseLogLevel(serveLogLevel), os.Stdout)

	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := registry.New(GetVersion())
	for _, backend := range cfg.Backends {
		if !backend.IsEnabled() {
			logging.Info("Bootstrap", "Backend %s is disabled, skipping", backend.Name)
			continue
		}
		if err := reg.RegisterServer(ctx, backend); err != nil {
			logging.Warn("Bootstrap", "Failed to register backend %s: %v", backend.Name, err)
		}
	}
	reg.StartHealthChecks(ctx, cfg.Gateway.HealthCheckInterval)

	gw := gateway.New(reg, GetVersion(), cfg.Gateway.SessionTimeout)
	gw.StartSessionSweeper(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: gw.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Bootstrap", "Gateway listening on http://%s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway server: %w", err)
	case <-ctx.Done():
	}

	logging.Info("Bootstrap", "Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("Bootstrap", "HTTP shutdown: %v", err)
	}
	if err := reg.Shutdown(shutdownCtx); err != nil {
		logging.Warn("Bootstrap", "Registry shutdown: %v", err)
	}
	return nil
}

func parseLogLevel(level string) logging.LogLevel {
	switch level {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
