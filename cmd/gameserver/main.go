// Package main provides the tick server binary: a UDP game socket driven by a
// fixed-rate tick loop, plus an optional gRPC health endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cory-johannsen/tickserver/internal/config"
	"github.com/cory-johannsen/tickserver/internal/game/session"
	"github.com/cory-johannsen/tickserver/internal/game/world"
	"github.com/cory-johannsen/tickserver/internal/gameserver"
	"github.com/cory-johannsen/tickserver/internal/observability"
	"github.com/cory-johannsen/tickserver/internal/server"
	"github.com/cory-johannsen/tickserver/internal/transport/udp"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	v, configPath, err := parseFlags(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	cfg, err := loadConfig(v, configPath)
	if err != nil {
		fmt.Fprintf(stderr, "loading config: %v\n", err)
		return exitFailed
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "initializing logger: %v\n", err)
		return exitFailed
	}
	defer func() { _ = logger.Sync() }()

	if err := serve(context.Background(), cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		return exitFailed
	}
	return exitOK
}

// parseFlags parses the command line into a Viper instance carrying defaults,
// environment overrides and any explicitly set flags.
//
// Postcondition: Returns pflag.ErrHelp after printing usage when -h is given.
func parseFlags(args []string, out io.Writer) (*viper.Viper, string, error) {
	fs := pflag.NewFlagSet("gameserver", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringP("ip", "s", "0.0.0.0", "IP address to bind the game socket to")
	fs.IntP("port", "p", 25565, "UDP port to bind the game socket to")
	fs.Int("tick-rate", 20, "ticks per second")
	fs.Uint64("seed", 0, "world seed; 0 picks a random seed")
	fs.String("log-level", "info", "minimum log level")
	configPath := fs.StringP("config", "c", "", "path to a YAML configuration file")
	fs.Usage = func() {
		fmt.Fprintln(out, "Usage: gameserver [flags]")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}

	v := config.NewViper()
	bindings := map[string]string{
		"server.host":   "ip",
		"server.port":   "port",
		"tick.rate":     "tick-rate",
		"world.seed":    "seed",
		"logging.level": "log-level",
	}
	for key, name := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, "", fmt.Errorf("binding flag %s: %w", name, err)
		}
	}
	return v, *configPath, nil
}

// loadConfig reads the optional config file into v and validates the result.
func loadConfig(v *viper.Viper, path string) (config.Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config.Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}
	return config.LoadFromViper(v)
}

// serve wires the components and blocks until shutdown.
func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	start := time.Now()

	seed := world.Seed(cfg.World.Seed)
	if seed == 0 {
		seed = world.Seed(rand.Uint64())
	}
	gw := world.NewChunkWindow(seed, cfg.World.ChunkSize, cfg.World.ViewRadius, logger.Named("world"))
	registry := session.NewRegistry()

	tr, err := udp.Listen(cfg.Server, logger.Named("transport"))
	if err != nil {
		return err
	}

	clock := gameserver.SystemClock{}
	dispatcher := gameserver.NewDispatcher(registry, gw, tr, clock, logger.Named("dispatch"))
	scheduler := gameserver.NewScheduler(gameserver.SchedulerConfig{
		Period:            cfg.Tick.Period(),
		InactivityTimeout: cfg.Tick.InactivityTimeout,
		ReportInterval:    cfg.Tick.ReportInterval,
		ReportFields: func() []zap.Field {
			st := tr.Stats()
			loads, unloads := gw.Totals()
			return []zap.Field{
				zap.Uint64("datagrams_received", st.Received),
				zap.Uint64("datagrams_dropped", st.Dropped),
				zap.Uint64("decode_failures", st.DecodeFailures),
				zap.Uint64("datagrams_sent", st.Sent),
				zap.Uint64("send_failures", st.SendFailures),
				zap.Int64("sessions", st.Sessions),
				zap.Int("chunks_loaded", gw.Loaded()),
				zap.Uint64("chunk_loads", loads),
				zap.Uint64("chunk_unloads", unloads),
			}
		},
	}, clock, tr, dispatcher, registry, gw, logger.Named("tick"))

	lifecycle := server.NewLifecycle(logger)
	lifecycle.Add("transport", &server.FuncService{
		StartFn: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
		StopFn: func() { _ = tr.Close() },
	})

	var health *server.HealthServer
	if cfg.Health.Enabled {
		health = server.NewHealthServer(cfg.Health.Addr(), logger.Named("health"))
		lifecycle.Add("health", health)
	}

	lifecycle.Add("tick", &server.FuncService{
		StartFn: func(ctx context.Context) error {
			if health != nil {
				health.SetServing(true)
				defer health.SetServing(false)
			}
			return scheduler.Run(ctx)
		},
	})

	logger.Info("tick server initialized",
		zap.String("addr", tr.LocalAddr().String()),
		zap.Uint64("seed", uint64(seed)),
		zap.Int("tick_rate", cfg.Tick.Rate),
		zap.Bool("health", cfg.Health.Enabled),
		zap.Duration("startup", time.Since(start)),
	)

	return lifecycle.Run(ctx)
}
