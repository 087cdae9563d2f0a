// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package main is the optilab queue worker: it drains one broker queue and
// writes the store. Run several against the same queue for parallel
// ingestion; every write is idempotent.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/optilab/collector/pkg/config"
	"github.com/optilab/collector/pkg/ingest"
	"github.com/optilab/collector/pkg/mqueue"
	"github.com/optilab/collector/pkg/persist"
	"github.com/optilab/collector/pkg/util/log"
)

func main() {
	var confFilePath string
	var queue string
	var verbose bool

	rootCmd := &cobra.Command{
		Use:          "worker",
		Short:        "OptiLab ingest worker",
		SilenceUsage: true,
		RunE: func(*cobra.Command, []string) error {
			return runWorker(confFilePath, queue, verbose)
		},
	}
	rootCmd.Flags().StringVarP(&confFilePath, "config", "c", "", "path to optilab.yaml")
	rootCmd.Flags().StringVar(&queue, "queue", "", "queue to process (metrics, discovery or alerts)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.MarkFlagRequired("queue") //nolint:errcheck

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runWorker(confFilePath, queue string, verbose bool) error {
	switch queue {
	case mqueue.QueueMetrics, mqueue.QueueDiscovery, mqueue.QueueAlerts:
	default:
		return errors.Errorf("unknown queue %q", queue)
	}

	if err := config.Load(confFilePath); err != nil {
		return err
	}
	level := config.Optilab.GetString("log_level")
	if verbose {
		level = "debug"
	}
	if err := config.SetupLogger(level); err != nil {
		return err
	}
	defer log.Flush()

	if err := config.Validate(); err != nil {
		return err
	}

	store, err := persist.Open(config.Optilab.GetString("db.dsn"))
	if err != nil {
		return err
	}
	defer store.Close()

	processor := ingest.New(store)

	endpoint := mqueue.Endpoint{
		Host:     config.Optilab.GetString("broker.host"),
		Port:     config.Optilab.GetInt("broker.port"),
		User:     config.Optilab.GetString("broker.user"),
		Password: config.Optilab.GetString("broker.password"),
	}
	consumer := mqueue.NewConsumer(endpoint, queue, 0, processor.Handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("Received %s, stopping worker", sig)
		cancel()
	}()

	log.Infof("Worker starting on queue '%s'", queue)
	err = consumer.Run(ctx)

	stats := processor.Statistics()
	log.Infof("Worker stopped: %d processed, %d errors, %.1f msg/s over %s",
		stats.Processed, stats.Errors, stats.Rate, stats.Duration.Truncate(time.Second))
	return err
}
