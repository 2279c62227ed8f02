// Command voxhall runs the real-time gateway node.
//
// Exit codes: 0 clean shutdown, 1 fatal init failure, 2 invalid config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/voxhall/voxhall/internal/config"
	"github.com/voxhall/voxhall/internal/logging"
	"github.com/voxhall/voxhall/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxhall: %v\n", err)
		os.Exit(2)
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(cfg, logger)
	if err := sup.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("Gateway failed")
		os.Exit(1)
	}
}
