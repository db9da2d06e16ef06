package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/voxkit/voxbridge/pkg/voxbridge"
)

func main() {
	configPath := flag.String("config", "", "path to config yaml (empty for defaults)")
	flag.Parse()

	cfg, err := voxbridge.LoadConfig(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	engine, err := voxbridge.NewEngine(cfg, nil)
	if err != nil {
		slog.Error("build engine", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Run(ctx); err != nil {
		slog.Error("engine stopped", "error", err)
		os.Exit(1)
	}
}
