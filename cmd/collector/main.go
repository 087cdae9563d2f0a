// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package main is the optilab collector: the process that discovers,
// polls and publishes. Store writes happen in the worker binary.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/optilab/collector/pkg/config"
	"github.com/optilab/collector/pkg/mqueue"
	"github.com/optilab/collector/pkg/sshpool"
)

var (
	confFilePath string
	logLevel     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "collector",
		Short:        "OptiLab fleet telemetry collector",
		Long:         "Discovers lab workstations over the network, polls them for usage metrics over SSH and publishes the samples to the message broker.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&confFilePath, "config", "c", "", "path to optilab.yaml")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override the configured log level")

	rootCmd.AddCommand(runCommand())
	rootCmd.AddCommand(scanCommand())
	rootCmd.AddCommand(heartbeatCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration and installs the logger. Every subcommand runs
// through here first.
func setup() error {
	if err := config.Load(confFilePath); err != nil {
		return err
	}

	level := config.Optilab.GetString("log_level")
	if logLevel != "" {
		level = logLevel
	}
	if err := config.SetupLogger(level); err != nil {
		return err
	}

	return config.Validate()
}

func brokerEndpoint() mqueue.Endpoint {
	return mqueue.Endpoint{
		Host:     config.Optilab.GetString("broker.host"),
		Port:     config.Optilab.GetInt("broker.port"),
		User:     config.Optilab.GetString("broker.user"),
		Password: config.Optilab.GetString("broker.password"),
	}
}

func poolOptions() sshpool.Options {
	return sshpool.Options{
		User:           config.Optilab.GetString("ssh.user"),
		Port:           config.Optilab.GetInt("ssh.port"),
		PrivateKeyPath: config.Optilab.GetString("ssh.private_key"),
		MaxConnections: config.Optilab.GetInt("pool.max_connections"),
		IdleTimeout:    config.PoolIdleTimeout(),
		ConnectTimeout: config.SSHTimeout(),
	}
}
