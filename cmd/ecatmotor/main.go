package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/ecatmotor/internal/auth"
	"github.com/KevinKickass/ecatmotor/internal/config"
	"github.com/KevinKickass/ecatmotor/internal/storage"
	"github.com/KevinKickass/ecatmotor/internal/system"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	tokenRole := flag.String("token", "", "print a signed API token for the given role (viewer|operator) and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *tokenRole != "" {
		os.Exit(printToken(cfg, *tokenRole))
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	logger.Info("Config loaded successfully", zap.String("path", *configPath))

	os.Exit(flush(logger, run(cfg, logger)))
}

// flush syncs buffered log entries and passes the exit code through.
func flush(logger *zap.Logger, code int) int {
	_ = logger.Sync()
	return code
}

func run(cfg *config.Config, logger *zap.Logger) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *storage.PostgresClient
	if cfg.Database.Enabled {
		var err error
		db, err = storage.NewPostgresClient(ctx, cfg.Database)
		if err != nil {
			logger.Error("Failed to connect to database", zap.Error(err))
			return 1
		}
		defer db.Close()
		logger.Info("Database connected successfully")
	}

	lifecycle, err := system.NewLifecycleManager(db, cfg, logger)
	if err != nil {
		logger.Error("Failed to build system", zap.Error(err))
		return 1
	}

	exitCode := 0
	if err := lifecycle.Start(ctx); err != nil {
		logger.Error("Failed to start system", zap.Error(err))
		exitCode = 1
	} else if err := lifecycle.RunSequence(ctx, cfg.Motion.Sequence...); err != nil {
		logger.Warn("Motion sequence completed with errors", zap.Error(err))
	}

	if cfg.Server.Enabled && ctx.Err() == nil {
		logger.Info("API serving, waiting for shutdown signal", zap.Int("http_port", cfg.Server.HTTPPort))
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received")
		case <-lifecycle.Done():
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown completed with errors", zap.Error(err))
	}

	logger.Info("ecatmotor stopped", zap.Int("exit_code", exitCode))
	return exitCode
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zapCfg.Build()
}

func printToken(cfg *config.Config, roleName string) int {
	role, err := auth.ParseRole(roleName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if !cfg.Auth.IsProductionReady() {
		fmt.Fprintf(os.Stderr, "warning: signing with the development secret, set %s\n", cfg.Auth.JWTSecretEnv)
	}

	token, err := auth.NewJWTHandler(cfg.Auth.GetJWTSecret(), cfg.Auth.TokenTTL).GenerateToken("cli", role)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(token)
	return 0
}
