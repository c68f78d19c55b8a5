package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ifuryst/herald/internal/config"
	"github.com/ifuryst/herald/internal/server"
	"github.com/ifuryst/herald/internal/service"
	"github.com/ifuryst/herald/pkg/logger"
)

var (
	configPath string
	version    = "0.1.0"
	gitCommit  = "unknown"
	buildTime  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "herald",
	Short: "Herald - scheduled publication engine",
	Long:  `Herald publishes posts to their destinations at their scheduled time and retires them when they expire.`,
	RunE:  runServer,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the scheduler loops",
	RunE:  runServer,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one reconcile, sweep and expiry pass, then exit",
	RunE:  runSweep,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Herald %s\n", version)
		fmt.Printf("Git commit: %s\n", gitCommit)
		fmt.Printf("Build time: %s\n", buildTime)
	},
}

var (
	totpIssuer  string
	totpAccount string
)

var totpCmd = &cobra.Command{
	Use:   "totp-secret",
	Short: "Generate a TOTP secret for operator authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, url, err := service.GenerateSecret(totpIssuer, totpAccount)
		if err != nil {
			return err
		}
		fmt.Printf("Secret: %s\n", secret)
		fmt.Printf("URL:    %s\n", url)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/server.yaml", "config file path")
	totpCmd.Flags().StringVar(&totpIssuer, "issuer", "Herald", "TOTP issuer")
	totpCmd.Flags().StringVar(&totpAccount, "account", "operator", "TOTP account name")
	rootCmd.AddCommand(serveCmd, sweepCmd, versionCmd, totpCmd)
}

func setup(ctx context.Context) (*config.Config, *zap.Logger, *server.Deps, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	appLogger, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	deps, err := server.Bootstrap(ctx, cfg, appLogger)
	if err != nil {
		_ = appLogger.Sync()
		return nil, nil, nil, err
	}
	return cfg, appLogger, deps, nil
}

func runServer(*cobra.Command, []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, appLogger, deps, err := setup(ctx)
	if err != nil {
		return err
	}
	defer appLogger.Sync()
	defer func() {
		if err := deps.Close(); err != nil {
			appLogger.Warn("Failed to close connections", zap.Error(err))
		}
	}()

	appLogger.Info("Starting Herald server", zap.String("version", version))

	srv := server.NewServer(cfg, appLogger, deps)

	go func() {
		if err := srv.Start(ctx); err != nil {
			appLogger.Error("Server failed to start", zap.Error(err))
			cancel()
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		appLogger.Info("Shutting down server...")
	case <-ctx.Done():
		appLogger.Info("Server context cancelled")
	}

	// Graceful shutdown
	if err := srv.Shutdown(context.Background()); err != nil {
		appLogger.Error("Server forced to shutdown", zap.Error(err))
		return err
	}

	appLogger.Info("Server exited")
	return nil
}

func runSweep(*cobra.Command, []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, appLogger, deps, err := setup(ctx)
	if err != nil {
		return err
	}
	defer appLogger.Sync()
	defer deps.Close()

	start := time.Now()
	reconciled, err := deps.Orchestrator.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile failed: %w", err)
	}
	swept, err := deps.Orchestrator.RunSweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	deps.Orchestrator.Wait()
	expired, err := deps.Expiry.Run(ctx)
	if err != nil {
		return fmt.Errorf("expiry failed: %w", err)
	}

	appLogger.Info("One-shot pass completed",
		zap.Int("restored", reconciled.Restored),
		zap.Int("claimed", swept.Claimed),
		zap.Int("expired", expired.Expired),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
