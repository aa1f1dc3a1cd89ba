// Copyright 2025 The Opsforge Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command opsd is the control plane daemon: HTTP API, job dispatch,
// approval gating and the runner fleet consumers, all in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/opsforge/opsforge/internal/api"
	"github.com/opsforge/opsforge/internal/approval"
	"github.com/opsforge/opsforge/internal/audit"
	"github.com/opsforge/opsforge/internal/authn"
	"github.com/opsforge/opsforge/internal/broker"
	"github.com/opsforge/opsforge/internal/concurrency"
	"github.com/opsforge/opsforge/internal/config"
	"github.com/opsforge/opsforge/internal/events"
	"github.com/opsforge/opsforge/internal/job"
	"github.com/opsforge/opsforge/internal/log"
	"github.com/opsforge/opsforge/internal/runnercfg"
	"github.com/opsforge/opsforge/internal/scheduler"
	"github.com/opsforge/opsforge/internal/sshexec"
	"github.com/opsforge/opsforge/internal/storage"
	"github.com/opsforge/opsforge/internal/store"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("opsd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("loading config", log.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- run(ctx, cfg, logger)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
		cancel()
		if err := <-errCh; err != nil {
			logger.Error("shutdown error", log.Error(err))
			os.Exit(1)
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("daemon error", log.Error(err))
			os.Exit(1)
		}
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := store.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	client, err := broker.NewClient(cfg.RabbitMQ, logger)
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer client.Close()
	if err := client.DeclareTopology(); err != nil {
		return fmt.Errorf("declaring topology: %w", err)
	}
	publisher := broker.NewPublisher(client, cfg.RabbitMQ, logger)
	defer publisher.Close()

	auditor := audit.NewSink(db, logger)
	defer auditor.Close()

	bus := events.NewBus(events.DefaultBufferSize)
	admission := concurrency.New(cfg.Concurrency, logger)
	storageSvc := storage.New(cfg.Storage, logger)
	tokens := authn.NewTokenManager(cfg.Security)
	sched := scheduler.New(db, logger)
	configs := runnercfg.New(db, logger)
	ssh := sshexec.New(cfg.SSH, logger)

	engine := approval.New(db, bus, logger)
	jobs := job.New(ctx, db, sched, publisher, engine, admission, ssh, bus, auditor, logger)
	engine.SetCallbacks(jobs.OnApprovalGranted, jobs.OnApprovalClosed)

	fleet := scheduler.NewFleet(db, client, configs, publisher, logger)

	server := api.New(cfg, api.Deps{
		Auth:       db,
		Assets:     db,
		Fleet:      db,
		Artifacts:  db,
		Jobs:       jobs,
		Approvals:  engine,
		Configs:    configs,
		Storage:    storageSvc,
		Bus:        bus,
		Auditor:    auditor,
		AuditQuery: db,
		Tokens:     tokens,
		Admission:  admission,
		DBPing:     db.Ping,
		BrokerHealth: func() bool {
			return client.IsHealthy() && storageSvc.HealthCheck(ctx)
		},
	}, logger)

	g, ctx := errgroup.WithContext(ctx)

	consume := func(queue string, handler broker.Handler) {
		g.Go(func() error {
			return broker.NewConsumer(client, cfg.RabbitMQ, logger, queue).Run(ctx, handler)
		})
	}
	consume(broker.StatusQueue, jobs.StatusHandler())
	consume(broker.LogQueue, jobs.LogHandler())
	consume(broker.RegisterQueue, fleet.RegisterHandler())
	consume(broker.HeartbeatQueue, fleet.HeartbeatHandler())

	g.Go(func() error {
		fleet.RunOfflineSweeper(ctx)
		return nil
	})
	g.Go(func() error {
		engine.RunSweeper(ctx)
		return nil
	})
	g.Go(func() error {
		return server.Run(ctx)
	})

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
