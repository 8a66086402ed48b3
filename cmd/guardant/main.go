// Command guardant is the control-plane binary. Its mode selects which
// long-running role it plays: api, coordinator, aggregator, migrate, seed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/guardant/guardant/internal/app"
	"github.com/guardant/guardant/internal/config"
)

func main() {
	mode := flag.String("mode", "", "run mode: api, coordinator, aggregator, migrate, or seed (overrides GUARDANT_MODE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	if *mode != "" {
		cfg.Mode = *mode
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
