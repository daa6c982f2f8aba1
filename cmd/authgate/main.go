// Command authgate is a reverse proxy that admits requests according to
// per-route security profiles: bearer-token authentication against the
// IdP's published keys, any-of role requirements, and per-client rate
// limits.
//
// Configuration is layered: defaults, then the file named by --config,
// then AUTHGATE_* environment variables, then flags.
//
//	authgate --config /etc/authgate/config.yaml --listen :8080
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("authgate", pflag.ContinueOnError)
	configPath := registerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(fs, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "authgate: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := newServer(ctx, cfg, logger)
	if err != nil {
		logger.Error("authgate: startup failed", "error", err)
		return 1
	}
	if err := srv.run(ctx); err != nil {
		logger.Error("authgate: stopped with error", "error", err)
		return 1
	}
	logger.Info("authgate: stopped")
	return 0
}
