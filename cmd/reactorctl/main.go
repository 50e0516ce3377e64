// Package main is the entry point for reactorctl, the Reactor's ops
// CLI: config validation, a serve mode that runs the reactor alongside
// its metrics endpoint, and version reporting. It is explicitly not an application-level API
// skin (spec.md puts that, EMA, out of scope) — it only exercises the
// wiring a production deployment needs around the library.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fathomdata/ommreactor/internal/buildinfo"
	"github.com/fathomdata/ommreactor/internal/config"
	"github.com/fathomdata/ommreactor/internal/diagnostics"
	"github.com/fathomdata/ommreactor/internal/metrics"
	"github.com/fathomdata/ommreactor/internal/reactor"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))

	if flag.NArg() == 0 {
		printUsage()
		return
	}

	switch flag.Arg(0) {
	case "serve":
		runServe(logger, *configPath)
	case "config-validate":
		runConfigValidate(logger, *configPath)
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.Info() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("reactorctl - OMM Reactor operations CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve            Start the reactor and its metrics endpoint")
	fmt.Println("  config-validate  Load and validate a reactor.yaml")
	fmt.Println("  version          Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func loadConfig(logger *slog.Logger, configPath string) *config.ReactorConfig {
	path, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config", "path", path, "error", err)
		os.Exit(1)
	}
	return cfg
}

func runConfigValidate(logger *slog.Logger, configPath string) {
	cfg := loadConfig(logger, configPath)
	fmt.Printf("config OK: %d session(s) configured\n", len(cfg.Sessions))
	for _, s := range cfg.Sessions {
		fmt.Printf("  - %s (%d connection(s))\n", s.Name, len(s.Connections))
	}
}

func runServe(logger *slog.Logger, configPath string) {
	cfg := loadConfig(logger, configPath)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	r, err := reactor.New(cfg, logger)
	if err != nil {
		logger.Error("failed to construct reactor", "error", err)
		os.Exit(1)
	}
	defer r.Close()

	if cfg.DiagnosticsDB != "" {
		db, err := sql.Open("sqlite3", cfg.DiagnosticsDB)
		if err != nil {
			logger.Error("failed to open diagnostics db", "path", cfg.DiagnosticsDB, "error", err)
			os.Exit(1)
		}
		defer db.Close()

		store, err := diagnostics.NewStore(db)
		if err != nil {
			logger.Error("failed to initialize diagnostics store", "error", err)
			os.Exit(1)
		}
		defer store.Close()

		go store.Follow(ctx, r.Bus(), func(err error) {
			logger.Error("diagnostics: record failed", "error", err)
		})
		logger.Info("diagnostics audit trail enabled", "db", cfg.DiagnosticsDB)
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		logger.Info("metrics endpoint listening", "addr", cfg.MetricsAddr)
	}

	if err := r.Start(ctx); err != nil {
		logger.Error("reactor start failed", "error", err)
		os.Exit(1)
	}

	for ctx.Err() == nil {
		if _, err := r.Dispatch(ctx, 200*time.Millisecond); err != nil && ctx.Err() == nil {
			logger.Error("dispatch error", "error", err)
		}
	}
	logger.Info("reactorctl shutting down")
}
