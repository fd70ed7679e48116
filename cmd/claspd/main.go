// Package main is the entry point for the CLASP router daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nugget/clasp/internal/app"
	"github.com/nugget/clasp/internal/buildinfo"
	"github.com/nugget/clasp/internal/clasplog"
	"github.com/nugget/clasp/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := clasplog.New(os.Stdout, slog.LevelInfo)

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

	fmt.Println("clasp - universal signal router")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the router")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting clasp", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	var cfg *config.Config
	if err != nil {
		logger.Warn("no config file found, using defaults", "error", err)
		cfg = config.Default()
	} else {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			logger.Error("failed to load config", "path", cfgPath, "error", err)
			os.Exit(1)
		}
	}

	if cfg.LogLevel != "" {
		level, err := clasplog.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = clasplog.New(os.Stdout, level)
	}

	logger.Info("config loaded",
		"port", cfg.Listen.Port,
		"discovery", cfg.Discovery.Enabled,
		"data_dir", cfg.DataDir,
	)

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize router", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if cfg.Control.Enabled {
		surface := a.NewControlSurface(cfg.Control.ConnectURI)
		go func() {
			if err := surface.ServeStdio(ctx, os.Stdin, os.Stdout, cancel); err != nil && ctx.Err() == nil {
				logger.Warn("control: stdio surface stopped", "error", err)
			}
		}()
	}

	if err := a.Run(ctx); err != nil {
		logger.Error("router stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("clasp stopped")
}
