// Command client-sync runs the sync agent against an authority server: it
// keeps the local saved-items mirror and entitlement snapshot current and
// resumes any pending payment confirmation across restarts.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/client-sync/engine"
	"github.com/wolfeidau/client-sync/telemetry"
)

var version = "dev"

type cli struct {
	ServerURL       string        `help:"Authority server base URL." required:"" env:"SYNC_SERVER_URL"`
	Token           string        `help:"Session bearer token." env:"SYNC_TOKEN"`
	Storage         string        `help:"Path to the durable record store." default:"client-sync.db" env:"SYNC_STORAGE"`
	EntitlementTTL  time.Duration `help:"Entitlement snapshot freshness window." default:"2m"`
	RefreshInterval time.Duration `help:"Background refresh interval." default:"5m"`
	MetricsAddr     string        `help:"Address for the Prometheus metrics endpoint (empty to disable)." default:""`
	OTLPEndpoint    string        `help:"OTLP gRPC endpoint for metrics export (empty to disable)." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel        string        `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`
	LogFormat       string        `help:"Log format (text, json)." default:"text" enum:"text,json"`
	Version         kong.VersionFlag
}

func main() {
	var flags cli
	kong.Parse(&flags,
		kong.Name("client-sync"),
		kong.Description("Saved-items and entitlement sync agent."),
		kong.Vars{"version": version},
	)

	if err := run(flags); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(flags cli) error {
	logger, err := newLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "client-sync",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: flags.MetricsAddr != "",
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		shctx, shcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shcancel()
		if err := shutdownMetrics(shctx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	if flags.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.PrometheusHandler())
		go func() {
			if err := http.ListenAndServe(flags.MetricsAddr, mux); err != nil {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
		logger.Info("metrics endpoint started", "address", flags.MetricsAddr)
	}

	eng, err := engine.New(engine.Config{
		ServerURL:       flags.ServerURL,
		Token:           flags.Token,
		StoragePath:     flags.Storage,
		EntitlementTTL:  flags.EntitlementTTL,
		RefreshInterval: flags.RefreshInterval,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	logger.Info("sync engine started", "server", flags.ServerURL, "storage", flags.Storage)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	if err := eng.Stop(); err != nil {
		return fmt.Errorf("stopping engine: %w", err)
	}
	return nil
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
