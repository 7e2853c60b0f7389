// Package main is the entry point for meshbot.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hollowoak/meshbot/internal/bridge"
	"github.com/hollowoak/meshbot/internal/bridge/mqttbridge"
	"github.com/hollowoak/meshbot/internal/buildinfo"
	"github.com/hollowoak/meshbot/internal/config"
	"github.com/hollowoak/meshbot/internal/connwatch"
	"github.com/hollowoak/meshbot/internal/correlator"
	"github.com/hollowoak/meshbot/internal/events"
	"github.com/hollowoak/meshbot/internal/eventloop"
	"github.com/hollowoak/meshbot/internal/modules"
	"github.com/hollowoak/meshbot/internal/probe"
	"github.com/hollowoak/meshbot/internal/queue"
	"github.com/hollowoak/meshbot/internal/ratelimit"
	"github.com/hollowoak/meshbot/internal/registry"
	"github.com/hollowoak/meshbot/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("meshbot - Meshtastic companion process")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Connect to the radio and start dispatching")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting meshbot", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	// Reconfigure logger with config-driven level.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"address", cfg.Connection.Address,
		"prefix", cfg.Bot.Prefix(),
	)

	dbPath := cfg.Bot.DBPath
	if dbPath == "" {
		dbPath = "./meshbot.db"
	}

	bus := events.New()

	db, err := store.Open(dbPath, logger, bus)
	if err != nil {
		logger.Error("failed to open database", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("database opened", "path", dbPath)

	q := queue.New()
	reg := registry.New(cfg.Bot.Prefix())
	limiter := ratelimit.New(cfg.Bot.RateLimitCommands, cfg.Bot.RateLimitWindow())
	corr := correlator.New(db, 0)

	registerModules(reg, db, cfg, logger)

	fabric := bridge.NewFabric(64)
	registerBridges(fabric, cfg, bus, logger)
	fabric.Start(context.Background(), logger)

	var probeSched *probe.Scheduler
	if cfg.TracerouteProbe.Enabled {
		probeSched = probe.New(logger, db, q, bus, 0, probe.Config{
			BaseInterval:     cfg.TracerouteProbe.Interval(),
			JitterPct:        cfg.TracerouteProbe.JitterPct(),
			RecentSeenWithin: cfg.TracerouteProbe.RecentSeenWithin(),
			PerNodeCooldown:  cfg.TracerouteProbe.PerNodeCooldown(),
			Channel:          cfg.TracerouteProbe.MeshChannel,
		})
	}

	loop := eventloop.New(eventloop.Config{
		Address:        cfg.Connection.Address,
		ReconnectDelay: cfg.Connection.ReconnectDelay(),
		SendDelay:      cfg.Bot.SendDelay(),
		CommandPrefix:  cfg.Bot.Prefix(),
		WelcomeAbsence: cfg.Welcome.AbsenceThreshold(),
	}, eventloop.Deps{
		Logger:      logger,
		Store:       db,
		Queue:       q,
		Registry:    reg,
		Correlator:  corr,
		Fabric:      fabric,
		RateLimiter: limiter,
		Bus:         bus,
		Probe:       probeSched,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if probeSched != nil {
		probeSched.Start(ctx)
		defer probeSched.Stop()
	}

	watchers := connwatch.NewManager(logger)
	watchers.Watch(ctx, connwatch.WatcherConfig{
		Name:    "radio",
		Probe:   loop.Probe,
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  logger,
		OnReady: func() {
			logger.Info("radio connection healthy")
		},
		OnDown: func(err error) {
			logger.Warn("radio connection unhealthy", "error", err)
		},
	})
	defer watchers.Stop()

	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("event loop exited", "error", err)
		os.Exit(1)
	}

	logger.Info("meshbot stopped")
}

// registerModules wires every module spec.md §4.5 and §8 ship with,
// applying a per-module scope override when [modules.<name>] config
// names one explicitly.
func registerModules(reg *registry.Registry, db *store.Store, cfg *config.Config, logger *slog.Logger) {
	register := func(name string, m registry.Module) {
		if mc, ok := cfg.Modules[name]; ok {
			if !mc.Enabled {
				logger.Info("module disabled by config", "module", name)
				return
			}
			if scope, ok := moduleScope(mc.Scope); ok {
				m = registry.WithScope(m, scope)
			}
		}
		reg.Register(m)
	}

	register("ping", modules.NewPing())
	register("welcome", modules.NewWelcome(db, cfg.Welcome))
	reg.Register(modules.NewHelp(reg)) // enumerates every registered module at call time
}

func moduleScope(s config.ModuleScope) (registry.Scope, bool) {
	switch s {
	case config.ScopePublic:
		return registry.ScopePublic, true
	case config.ScopeDM:
		return registry.ScopeDirect, true
	case config.ScopeBoth:
		return registry.ScopeBoth, true
	default:
		return "", false
	}
}

// registerBridges wires one mqttbridge.Bridge per enabled [bridge.<name>]
// config block. meshbot ships mqttbridge as its one reference platform
// bridge; other chat platforms are external collaborators (spec.md §1).
func registerBridges(fabric *bridge.Fabric, cfg *config.Config, bus *events.Bus, logger *slog.Logger) {
	for name, bc := range cfg.Bridges {
		if !bc.Enabled {
			continue
		}
		if name != mqttbridge.Name {
			logger.Warn("unknown bridge in config, skipping", "bridge", name)
			continue
		}
		instanceID, err := mqttbridge.LoadOrCreateInstanceID(".")
		if err != nil {
			logger.Error("failed to load mqttbridge instance id", "error", err)
			continue
		}
		fabric.Register(mqttbridge.New(bc, instanceID, bus, logger))
		logger.Info("bridge registered", "bridge", name)
	}
}
