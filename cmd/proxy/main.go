// Command proxy is the local OpenRouter proxy server.
//
// It exposes an OpenAI-compatible HTTP API on a localhost port and forwards
// requests to OpenRouter using credentials from the per-user settings store
// (seeded from OPENROUTER_API_KEY / OPENROUTER_PROVISIONING_KEY).
//
// Quick-start:
//
//	OPENROUTER_API_KEY=sk-or-... ./proxy
//
// The --proxy-server flag (or FORCE_PROXY=true) starts the listener even when
// no credentials are configured yet.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/viper"

	"github.com/zhavoronkov/openrouter-proxy/internal/app"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	force := flag.Bool("proxy-server", false, "start the listener even when not configured")
	settingsPath := flag.String("settings", "", "override the settings document path")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := buildLogger(*logLevel)
	slog.SetDefault(logger)

	v := viper.New()
	v.AutomaticEnv()

	a, err := app.New(ctx, logger, app.Options{
		SettingsPath: *settingsPath,
		Force:        *force || v.GetBool("FORCE_PROXY"),
		Version:      version,
	})
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		logger.Error("proxy stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// buildLogger constructs a JSON slog.Logger for the given level string.
// Unknown level strings default to INFO.
func buildLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     l,
		AddSource: l == slog.LevelDebug,
	}))
}
