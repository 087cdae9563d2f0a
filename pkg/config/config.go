// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Optilab is the global configuration object.
var Optilab *viper.Viper

func init() {
	Optilab = viper.New()
	Optilab.SetConfigName("optilab")
	Optilab.SetConfigType("yaml")
	Optilab.SetEnvPrefix("OPTILAB")
	Optilab.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	Optilab.AutomaticEnv()
	initDefaults(Optilab)
}

func initDefaults(config *viper.Viper) {
	config.SetDefault("log_level", "info")

	// Store
	config.SetDefault("db.dsn", "")

	// Remote shell access
	config.SetDefault("ssh.user", "monitor")
	config.SetDefault("ssh.private_key", "")
	config.SetDefault("ssh.port", 22)
	config.SetDefault("ssh.timeout", 10)

	// Message broker
	config.SetDefault("broker.host", "localhost")
	config.SetDefault("broker.port", 5672)
	config.SetDefault("broker.user", "guest")
	config.SetDefault("broker.password", "guest")

	// Connection pool
	config.SetDefault("pool.max_connections", 100)
	config.SetDefault("pool.idle_timeout_seconds", 300)

	// Metrics collection
	config.SetDefault("collection.interval_seconds", 10)
	config.SetDefault("collection.max_workers", 5)
	config.SetDefault("collection.scripts_dir", "scripts")

	// Subnet discovery
	config.SetDefault("scan.interval_seconds", 300)
	config.SetDefault("scan.max_workers", 10)
	config.SetDefault("scan.ping_timeout_ms", 500)
}

// Load reads the configuration file. An empty path searches the working
// directory and /etc/optilab. A missing file is not an error (env vars and
// defaults still apply); a malformed file is.
func Load(configPath string) error {
	if configPath != "" {
		Optilab.SetConfigFile(configPath)
	} else {
		Optilab.AddConfigPath(".")
		Optilab.AddConfigPath("/etc/optilab")
	}

	err := Optilab.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return errors.Wrap(err, "unable to read configuration")
	}
	return nil
}

// Validate checks the settings without which the process cannot start.
func Validate() error {
	if Optilab.GetString("db.dsn") == "" {
		return errors.New("db.dsn is not set")
	}
	return nil
}

// SSHTimeout returns the remote command timeout.
func SSHTimeout() time.Duration {
	return time.Duration(Optilab.GetInt("ssh.timeout")) * time.Second
}

// CollectionInterval returns the cadence of metric collection cycles.
func CollectionInterval() time.Duration {
	return time.Duration(Optilab.GetInt("collection.interval_seconds")) * time.Second
}

// ScanInterval returns the cadence of discovery scans.
func ScanInterval() time.Duration {
	return time.Duration(Optilab.GetInt("scan.interval_seconds")) * time.Second
}

// PoolIdleTimeout returns the idle TTL for pooled SSH sessions.
func PoolIdleTimeout() time.Duration {
	return time.Duration(Optilab.GetInt("pool.idle_timeout_seconds")) * time.Second
}

// PingTimeout returns the per-address echo timeout of the discovery sweep.
func PingTimeout() time.Duration {
	return time.Duration(Optilab.GetInt("scan.ping_timeout_ms")) * time.Millisecond
}
