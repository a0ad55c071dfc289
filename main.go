// Command ddrecorder records live rooms: it watches every room in the rooms
// file, captures each broadcast with its chat, renders the chat onto the
// video, splits the result and uploads it. It also exposes the manual stages
// (record, process, split, upload, clean) as subcommands.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ddrecorder/ddrecorder/cli"
	"github.com/ddrecorder/ddrecorder/config"
	"github.com/ddrecorder/ddrecorder/logging"
	"github.com/ddrecorder/ddrecorder/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logs, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Dir: cfg.LogDir, Stdout: os.Stderr})
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer func() {
		if err := logs.Close(); err != nil {
			fmt.Fprintln(os.Stderr, "close log file:", err)
		}
	}()
	slog.SetDefault(logs.Logger())
	telemetry.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := &cli.Dependencies{
		Config: cfg,
		Logs:   logs,
	}

	return cli.NewRootCmd(deps).ExecuteContext(ctx)
}
