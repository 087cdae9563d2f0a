// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/optilab/collector/pkg/config"
	"github.com/optilab/collector/pkg/discovery"
	"github.com/optilab/collector/pkg/mqueue"
	"github.com/optilab/collector/pkg/persist"
	"github.com/optilab/collector/pkg/probe"
	"github.com/optilab/collector/pkg/sshpool"
	"github.com/optilab/collector/pkg/util/log"
)

func scanCommand() *cobra.Command {
	var deptID int64
	var cidr string

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run one discovery pass and exit",
		Long:  "Sweeps every department subnet once. With --dept and --cidr, sweeps a single subnet instead.",
		RunE: func(*cobra.Command, []string) error {
			return scan(deptID, cidr)
		},
	}
	cmd.Flags().Int64Var(&deptID, "dept", 0, "scan only this department")
	cmd.Flags().StringVar(&cidr, "cidr", "", "subnet to scan (requires --dept)")
	return cmd
}

func scan(deptID int64, cidr string) error {
	if err := setup(); err != nil {
		return err
	}
	defer log.Flush()

	if (deptID == 0) != (cidr == "") {
		return errors.New("--dept and --cidr must be used together")
	}

	store, err := persist.Open(config.Optilab.GetString("db.dsn"))
	if err != nil {
		return err
	}
	defer store.Close()

	// The broker is optional for a one-off scan; results still land in the
	// store directly.
	var bus *mqueue.Client
	if b, err := mqueue.Connect(brokerEndpoint()); err == nil {
		bus = b
		defer bus.Close()
	} else {
		log.Warnf("Broker unavailable, scan results will not be announced: %v", err) //nolint:errcheck
	}

	pool := sshpool.New(poolOptions())
	defer pool.CloseAll() //nolint:errcheck

	scanner := newScanner(store, pool, bus)

	ctx := context.Background()
	if deptID != 0 {
		found, err := scanner.ScanDepartment(ctx, deptID, cidr)
		if err != nil {
			return err
		}
		log.Infof("Scan complete: %d systems verified", found)
		return nil
	}

	_, err = scanner.ScanAll(ctx)
	return err
}

// newScanner builds a discovery scanner from the loaded configuration. bus
// may be nil.
func newScanner(store *persist.Store, pool *sshpool.Pool, bus *mqueue.Client) *discovery.Scanner {
	prober := probe.New(config.Optilab.GetString("collection.scripts_dir"), config.SSHTimeout())

	opts := discovery.Options{
		Workers:     config.Optilab.GetInt("scan.max_workers"),
		PingTimeout: config.PingTimeout(),
	}
	if bus != nil {
		return discovery.New(store, pool, prober, bus, opts)
	}
	return discovery.New(store, pool, prober, nil, opts)
}
