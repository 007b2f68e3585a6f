package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"github.com/robfig/cron/v3"

	"github.com/wattkeeper/wattkeeper/pkg/cache"
	"github.com/wattkeeper/wattkeeper/pkg/engine"
	"github.com/wattkeeper/wattkeeper/pkg/inverter"
	"github.com/wattkeeper/wattkeeper/pkg/log"
	"github.com/wattkeeper/wattkeeper/pkg/pricing"
	"github.com/wattkeeper/wattkeeper/pkg/server"
	"github.com/wattkeeper/wattkeeper/pkg/storage"
	"github.com/wattkeeper/wattkeeper/pkg/weather"
)

func main() {
	// init packages
	p := pricing.Configured()
	w := weather.Configured()
	inverters := inverter.Configured()
	s := storage.Configured()

	c := cache.New(s, p, inverters, w)
	eng := engine.New(s, c, inverters)

	// init server
	srv := server.Configured(s, eng, c, p, w)

	cycleCron := lflag.String("cycle-cron", "", "Cron expression for running all user cycles in-process (empty disables)")

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	// the in-process scheduler is optional: deployments that trigger cycles
	// externally (Cloud Scheduler hitting /api/cycle) leave it disabled
	if *cycleCron != "" {
		sched := cron.New()
		if _, err := sched.AddFunc(*cycleCron, func() {
			eng.RunAllCycles(ctx)
		}); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "invalid cycle-cron expression", slog.String("cron", *cycleCron), "error", err)
			os.Exit(1)
		}
		sched.Start()
		defer sched.Stop()
		log.Ctx(ctx).InfoContext(ctx, "in-process scheduler started", slog.String("cron", *cycleCron))
	}

	// Run blocks until the context is canceled or an error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
