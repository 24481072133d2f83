// Package main provides the entry point for companiond.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-errors/errors"

	"github.com/abdullathedruid/companiond/internal/config"
	"github.com/abdullathedruid/companiond/internal/mapstore"
	"github.com/abdullathedruid/companiond/internal/registry"
	"github.com/abdullathedruid/companiond/internal/resolver"
	"github.com/abdullathedruid/companiond/internal/server"
	"github.com/abdullathedruid/companiond/internal/tailer"
	"github.com/abdullathedruid/companiond/internal/tmux"
	"github.com/abdullathedruid/companiond/internal/version"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "print version and exit")
		debug       = flag.Bool("debug", false, "enable debug logging")
		listenAddr  = flag.String("listen", "", "listen address (overrides config)")
		watchRoot   = flag.String("watch-root", "", "conversation log root (overrides config)")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Short())
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Debug = true
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *watchRoot != "" {
		cfg.WatchRoot = *watchRoot
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		if stackErr, ok := err.(*errors.Error); ok && cfg.Debug {
			fmt.Fprintln(os.Stderr, stackErr.ErrorStack())
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if _, err := os.Stat(cfg.WatchRoot); err != nil {
		return errors.Errorf("watch root %s: %v", cfg.WatchRoot, err)
	}

	store := mapstore.New(cfg.MappingFile())
	if err := store.Load(); err != nil {
		logger.Warn("mapping store load failed, starting empty", "error", err)
	}

	tmuxClient := tmux.NewClient()
	res := resolver.New(tmuxClient, store, cfg.WatchRoot, cfg.PromptChar, logger)
	reg := registry.New(cfg, store, res, logger)
	defer reg.Close()

	watcher, err := tailer.NewFSWatcher(cfg.WatchRoot)
	if err != nil {
		return errors.Errorf("starting file watcher: %v", err)
	}
	defer watcher.Close()

	tail := tailer.New(cfg.WatchRoot, watcher, cfg.Debounce(), cfg.InitialScanAge(), reg.InScope, logger)
	reg.OnEvict(tail.Forget)

	// Seed tmux state before consuming watch events; the initial scan's
	// synthetic adds must not hit an empty session set or they would be
	// filtered out and never replayed.
	refresh(ctx, cfg, tmuxClient, reg, res, store, logger)
	go tail.Run(ctx)

	go func() {
		for snap := range tail.Snapshots() {
			reg.HandleSnapshot(snap)
			if snap.IsNew {
				// A new file can resolve a pending mapping right away.
				refresh(ctx, cfg, tmuxClient, reg, res, store, logger)
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.ResolverInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refresh(ctx, cfg, tmuxClient, reg, res, store, logger)
			}
		}
	}()

	srv := server.New(cfg, reg, tmuxClient, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	logger.Info("companiond started",
		"version", version.Short(),
		"watchRoot", cfg.WatchRoot,
		"listen", cfg.ListenAddr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return errors.Errorf("server: %v", err)
		}
	}

	// Shutdown order: stop watching, flush mappings, close sockets.
	logger.Info("shutting down")
	watcher.Close()
	if err := store.Save(); err != nil {
		logger.Warn("final mapping save failed", "error", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// refresh re-probes tmux, updates the registry's session set, runs the
// resolver cascade, and persists the mapping when it changed.
func refresh(ctx context.Context, cfg *config.Config, tc tmux.Client, reg *registry.Registry, res *resolver.Resolver, store *mapstore.Store, logger *slog.Logger) {
	sessions, err := tmux.TaggedSessions(ctx, tc, cfg.SentinelVar)
	if err != nil {
		logger.Debug("tmux probe failed", "error", err)
		return
	}
	reg.UpdateSessions(sessions)

	if res.Resolve(ctx, sessions, reg.Conversations()) {
		if err := store.Save(); err != nil {
			logger.Warn("mapping save failed", "error", err)
		}
	}
}
