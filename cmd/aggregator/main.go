package main

import (
	apihttp "aggregator/internal/http"
	"aggregator/pkg/aggregator"
	"aggregator/pkg/config"
	"aggregator/pkg/discovery"
	"aggregator/pkg/metrics"
	"aggregator/pkg/retry"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

type timeProvider struct{}

func (tp *timeProvider) Now() time.Time {
	return time.Now()
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	if err := run(cfg, *configPath); err != nil {
		slog.Error("aggregator failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	prom := metrics.NewPrometheus()
	agg := aggregator.New(aggregator.Options{
		DataDir:            cfg.Aggregator.DataDir,
		BackupDir:          cfg.Aggregator.BackupDir,
		ExpiryWindow:       cfg.Aggregator.ExpiryWindow,
		SweepInterval:      cfg.Aggregator.SweepInterval,
		CheckpointInterval: cfg.Aggregator.CheckpointInterval,
		AppendPolicy:       retry.Fixed(cfg.Aggregator.AppendMaxAttempts, cfg.Aggregator.AppendRetryDelay),
		Metrics:            prom,
		TimeProvider:       &timeProvider{},
	})
	if err := agg.Startup(ctx); err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	server := apihttp.NewServer(agg, apihttp.Options{
		Port:              cfg.Server.Port,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		MaxInflight:       cfg.Server.MaxInflight,
		RateLimit:         cfg.Server.RateLimit,
		RateBurst:         cfg.Server.RateBurst,
		Metrics:           prom.Handler(),
	})
	if err := server.Start(); err != nil {
		_ = agg.Shutdown(context.Background())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if _, err := os.Stat(configPath); err == nil {
		g.Go(func() error {
			err := config.Watch(gctx, configPath, func(next config.Config) {
				agg.SetExpiryWindow(next.Aggregator.ExpiryWindow)
			})
			if err != nil {
				slog.Warn("config hot reload disabled", "path", configPath, "error", err)
			}
			return nil
		})
	}

	if len(cfg.Discovery.ZKServers) > 0 {
		g.Go(func() error {
			return register(gctx, cfg.Discovery, server.URL, agg.InstanceID())
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("aggregator shutting down")

		var errs []error
		if err := server.Stop(); err != nil {
			errs = append(errs, err)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := agg.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// register keeps this server published in ZooKeeper until ctx is done.
func register(ctx context.Context, cfg config.DiscoveryConfig, localURL, instance string) error {
	reg, err := discovery.NewZKRegistry(cfg.ZKServers, cfg.RootPath, cfg.SessionTimeout)
	if err != nil {
		return err
	}
	defer reg.Close()

	addr := cfg.AdvertiseAddr
	if addr == "" {
		addr = localURL
	}
	if _, err := reg.Register(ctx, discovery.Endpoint{Addr: addr, Instance: instance}); err != nil {
		return fmt.Errorf("register in zookeeper: %w", err)
	}

	<-ctx.Done()
	return nil
}
