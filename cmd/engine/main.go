package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/captainplanet9000/cival-dashboard-sub008/internal/app"
	"github.com/captainplanet9000/cival-dashboard-sub008/internal/infra"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	configPath := flag.String("config", infra.ResolveConfigPath(), "path to the yaml config file")
	flag.Parse()

	// Pprof server, localhost only.
	go func() {
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("Pprof server failed", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(ctx, *configPath); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := bootstrap.Run(ctx); err != nil {
		os.Exit(1)
	}
}
