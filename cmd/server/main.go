// SessionGuard - risk scoring for authenticated sessions
package main

import (
	"context"
	"os"

	"github.com/mbd888/sessionguard/internal/config"
	"github.com/mbd888/sessionguard/internal/logging"
	"github.com/mbd888/sessionguard/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting sessionguard",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"storage", cfg.DatabaseDriver(),
		"hard_rule_mode", cfg.HardRuleMode,
		"weights_file", cfg.WeightsFile,
	)

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
