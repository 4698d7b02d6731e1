// SentinelRoad - road condition risk scoring for the Pune metro area
package main

import (
	"context"
	"os"

	"github.com/sentinelroad/backend/internal/config"
	"github.com/sentinelroad/backend/internal/logging"
	"github.com/sentinelroad/backend/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting sentinelroad",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"region_min_lat", cfg.Region.MinLat,
		"region_max_lat", cfg.Region.MaxLat,
		"max_sample_points", cfg.MaxSamplePoints,
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
