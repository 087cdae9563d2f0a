// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/optilab/collector/pkg/config"
	"github.com/optilab/collector/pkg/persist"
	"github.com/optilab/collector/pkg/sshpool"
	"github.com/optilab/collector/pkg/util/log"
)

func heartbeatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat",
		Short: "Ping every active host and mark the unreachable ones offline",
		RunE: func(*cobra.Command, []string) error {
			return heartbeat()
		},
	}
}

func heartbeat() error {
	if err := setup(); err != nil {
		return err
	}
	defer log.Flush()

	store, err := persist.Open(config.Optilab.GetString("db.dsn"))
	if err != nil {
		return err
	}
	defer store.Close()

	pool := sshpool.New(poolOptions())
	defer pool.CloseAll() //nolint:errcheck

	scanner := newScanner(store, pool, nil)

	checked, offline, err := scanner.Heartbeat(context.Background())
	if err != nil {
		return err
	}
	log.Infof("Heartbeat done: %d hosts checked, %d marked offline", checked, offline)
	return nil
}
