// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/optilab/collector/pkg/collector"
	"github.com/optilab/collector/pkg/config"
	"github.com/optilab/collector/pkg/discovery"
	"github.com/optilab/collector/pkg/mqueue"
	"github.com/optilab/collector/pkg/persist"
	"github.com/optilab/collector/pkg/probe"
	"github.com/optilab/collector/pkg/scheduler"
	"github.com/optilab/collector/pkg/sshpool"
	"github.com/optilab/collector/pkg/util/log"
)

const poolCleanupInterval = 60 * time.Second

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the collection and discovery loop",
		RunE: func(*cobra.Command, []string) error {
			return run()
		},
	}
}

func run() error {
	if err := setup(); err != nil {
		return err
	}
	defer log.Flush()

	store, err := persist.Open(config.Optilab.GetString("db.dsn"))
	if err != nil {
		return err
	}
	defer store.Close()

	bus, err := mqueue.Connect(brokerEndpoint())
	if err != nil {
		return err
	}
	defer bus.Close()

	pool := sshpool.New(poolOptions())
	defer pool.CloseAll() //nolint:errcheck

	prober := probe.New(config.Optilab.GetString("collection.scripts_dir"), config.SSHTimeout())
	sched := scheduler.New()

	coll := collector.New(store, pool, prober, bus, sched,
		config.Optilab.GetInt("collection.max_workers"))
	scanner := discovery.New(store, pool, prober, bus, discovery.Options{
		Workers:     config.Optilab.GetInt("scan.max_workers"),
		PingTimeout: config.PingTimeout(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("Received %s, shutting down", sig)
		cancel()
	}()

	log.Infof("Collector started (collection every %s, discovery every %s)",
		config.CollectionInterval(), config.ScanInterval())

	controlLoop(ctx, coll, scanner, pool)

	logShutdownStats(coll, sched, pool, bus)
	return nil
}

// controlLoop drives collection and discovery off one 1s ticker. A pass that
// overruns simply delays the next one; the two activities never run
// concurrently with themselves.
func controlLoop(ctx context.Context, coll *collector.Collector, scanner *discovery.Scanner, pool *sshpool.Pool) {
	var lastDiscovery, lastCollection, lastCleanup time.Time

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()

		if now.Sub(lastDiscovery) >= config.ScanInterval() {
			if _, err := scanner.ScanAll(ctx); err != nil {
				log.Errorf("Discovery pass had failures: %v", err)
			}
			lastDiscovery = now
		}

		if now.Sub(lastCollection) >= config.CollectionInterval() {
			if _, err := coll.Cycle(ctx); err != nil {
				log.Errorf("Collection cycle failed: %v", err)
			}
			lastCollection = now
		}

		if now.Sub(lastCleanup) >= poolCleanupInterval {
			pool.CleanupIdle()
			lastCleanup = now
		}
	}
}

func logShutdownStats(coll *collector.Collector, sched *scheduler.Scheduler, pool *sshpool.Pool, bus *mqueue.Client) {
	cs := coll.Statistics()
	ss := sched.Statistics()
	ps := pool.Statistics()

	log.Infof("Collection: %d cycles, %d samples published, %d dropped", cs.Cycles, cs.Samples, cs.Dropped)
	log.Infof("Fleet health: %d hosts (%d healthy, %d degraded, %d offline, %d dead), success rate %.1f%%",
		ss.TotalHosts, ss.Healthy, ss.Degraded, ss.Offline, ss.Dead, ss.SuccessRate)
	log.Infof("Pool: %d connections open at shutdown", ps.Active)

	if messages, consumers, err := bus.QueueStats(mqueue.QueueMetrics); err == nil {
		log.Infof("Queue '%s' backlog at shutdown: %d messages, %d consumers",
			mqueue.QueueMetrics, messages, consumers)
	}
}
