package main

import (
	"aggregator/pkg/config"
	"aggregator/pkg/discovery"
	"aggregator/pkg/retry"
	"aggregator/pkg/rpc"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	sourceID := flag.String("id", "", "source id (overrides source.source_id)")
	file := flag.String("file", "", "file whose content is pushed")
	interval := flag.Duration("interval", 0, "push period; 0 pushes once")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(config.NewLogger(cfg.Logger, os.Stderr))

	if *sourceID != "" {
		cfg.Source.SourceID = *sourceID
	}
	if cfg.Source.SourceID == "" || *file == "" {
		fmt.Fprintln(os.Stderr, "usage: source -id <source id> -file <path> [-interval 2s]")
		os.Exit(2)
	}

	if err := run(cfg, *file, *interval); err != nil {
		slog.Error("source failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, file string, interval time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	serverURL, err := resolveServer(ctx, cfg)
	if err != nil {
		return err
	}

	remote := rpc.NewHTTPRemote(serverURL, cfg.Source.RequestTimeout)
	defer remote.Close()

	policy := retry.Exponential(cfg.Source.RetryMaxAttempts, cfg.Source.RetryDelay, cfg.Source.RetryMaxDelay)
	src := rpc.NewSource(cfg.Source.SourceID, remote, policy)
	if err := src.Sync(ctx); err != nil {
		slog.Warn("clock sync failed, first push may be stale", "error", err)
	}

	push := func() error {
		payload, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		ack, err := src.Push(ctx, payload)
		if err != nil {
			return err
		}
		slog.Info("pushed", "source_id", src.ID(), "status", ack.Status, "server_clock", ack.ServerClock, "attempts", ack.Attempts)
		return nil
	}

	if interval <= 0 {
		return push()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := push(); err != nil {
			slog.Error("push failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func resolveServer(ctx context.Context, cfg config.Config) (string, error) {
	if len(cfg.Discovery.ZKServers) == 0 {
		return cfg.Source.ServerURL, nil
	}

	reg, err := discovery.NewZKRegistry(cfg.Discovery.ZKServers, cfg.Discovery.RootPath, cfg.Discovery.SessionTimeout)
	if err != nil {
		return "", err
	}
	defer reg.Close()

	lookupCtx, cancel := context.WithTimeout(ctx, cfg.Discovery.SessionTimeout)
	defer cancel()
	ep, err := reg.Lookup(lookupCtx)
	if err != nil {
		return "", fmt.Errorf("lookup aggregation server: %w", err)
	}
	slog.Info("aggregation server found", "addr", ep.Addr, "instance", ep.Instance)
	return ep.Addr, nil
}
