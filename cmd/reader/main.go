package main

import (
	"aggregator/pkg/config"
	"aggregator/pkg/discovery"
	"aggregator/pkg/retry"
	"aggregator/pkg/rpc"
	"context"
	"encoding/json"
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
	sourceID := flag.String("source", "", "read one source; empty reads the whole view")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(config.NewLogger(cfg.Logger, os.Stderr))

	if err := run(cfg, *sourceID); err != nil {
		slog.Error("reader failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, sourceID string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	serverURL := cfg.Source.ServerURL
	if len(cfg.Discovery.ZKServers) > 0 {
		addr, err := lookup(ctx, cfg.Discovery)
		if err != nil {
			return err
		}
		serverURL = addr
	}

	policy := retry.Exponential(cfg.Source.RetryMaxAttempts, cfg.Source.RetryDelay, cfg.Source.RetryMaxDelay)
	reader := rpc.NewReader(rpc.NewHTTPRemote(serverURL, cfg.Source.RequestTimeout), policy)
	defer reader.Close()

	var out any
	if sourceID != "" {
		rec, clock, err := reader.Get(ctx, sourceID)
		if err != nil {
			return err
		}
		out = rpc.Snapshot{ServerClock: clock, Records: []rpc.Record{rec}}
	} else {
		snap, err := reader.GetAll(ctx)
		if err != nil {
			return err
		}
		out = snap
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func lookup(ctx context.Context, cfg config.DiscoveryConfig) (string, error) {
	reg, err := discovery.NewZKRegistry(cfg.ZKServers, cfg.RootPath, cfg.SessionTimeout)
	if err != nil {
		return "", err
	}
	defer reg.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.SessionTimeout+time.Second)
	defer cancel()
	ep, err := reg.Lookup(ctx)
	if err != nil {
		return "", fmt.Errorf("lookup aggregation server: %w", err)
	}
	return ep.Addr, nil
}
