// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package probe ships a script to a host, runs it and parses the JSON
// record it prints. Two probe shapes exist: identification (heavy, static
// inventory) and metrics (light, dynamic). The scripts themselves are
// deployment artifacts; this package only owns their invocation and output
// contract.
//
// A probe never returns an error to its caller. Failure of any step
// (transport, non-zero exit, timeout, malformed output) yields a nil record
// and a logged reason; the scheduler turns nil results into backoff.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/optilab/collector/pkg/metrics"
	"github.com/optilab/collector/pkg/sshpool"
	"github.com/optilab/collector/pkg/util/log"
)

const (
	identScript   = "get_system_info.sh"
	metricsScript = "metrics_collector.sh"

	remoteIdentPath   = "/tmp/get_system_info.sh"
	remoteMetricsPath = "/tmp/metrics_collector.sh"

	defaultTimeout = 10 * time.Second
	cleanupTimeout = 5 * time.Second
)

// Prober runs identification and metrics probes over pooled connections.
type Prober struct {
	scriptsDir string
	timeout    time.Duration
}

// New returns a Prober loading scripts from scriptsDir. A zero timeout
// falls back to 10s per probe.
func New(scriptsDir string, timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Prober{scriptsDir: scriptsDir, timeout: timeout}
}

// Identify runs the identification probe and returns the host's static
// inventory, or nil when anything went wrong.
func (p *Prober) Identify(ctx context.Context, conn sshpool.Conn, ip string) *metrics.Identification {
	out := p.run(ctx, conn, ip, identScript, remoteIdentPath)
	if out == nil {
		return nil
	}

	var ident metrics.Identification
	if err := json.Unmarshal(out, &ident); err != nil {
		log.Errorf("Identification JSON parse failed for %s: %v", ip, err)
		return nil
	}
	return &ident
}

// CollectMetrics runs the metrics probe and returns a snapshot with the
// measured collection latency, or nil when anything went wrong.
func (p *Prober) CollectMetrics(ctx context.Context, conn sshpool.Conn, ip string) *metrics.Sample {
	start := time.Now()
	out := p.run(ctx, conn, ip, metricsScript, remoteMetricsPath)
	if out == nil {
		return nil
	}

	var sample metrics.Sample
	if err := json.Unmarshal(out, &sample); err != nil {
		log.Errorf("Metrics JSON parse failed for %s: %v", ip, err)
		return nil
	}

	latency := time.Since(start).Milliseconds()
	sample.CollectionLatencyMS = &latency
	return &sample
}

// run uploads the script, executes it with --json and returns the raw JSON
// bytes. Upload and execution share one probe timeout; the remote copy is
// removed on every exit path, including failed executions, under its own
// short deadline since the probe budget may already be spent.
func (p *Prober) run(ctx context.Context, conn sshpool.Conn, ip, script, remotePath string) []byte {
	localPath := filepath.Join(p.scriptsDir, script)

	execCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := conn.Upload(execCtx, localPath, remotePath); err != nil {
		log.Errorf("Script transfer to %s failed: %v", ip, err)
		return nil
	}
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer rmCancel()
		if err := conn.Remove(rmCtx, remotePath); err != nil {
			log.Debugf("Could not remove %s from %s: %v", remotePath, ip, err)
		}
	}()

	out, err := conn.Output(execCtx, "bash "+remotePath+" --json")
	if err != nil {
		log.Errorf("Probe execution on %s failed: %v", ip, err)
		return nil
	}

	out = bytes.TrimSpace(out)
	if len(out) == 0 || out[0] != '{' {
		log.Errorf("Probe on %s produced non-JSON output (%d bytes)", ip, len(out))
		return nil
	}
	return out
}
