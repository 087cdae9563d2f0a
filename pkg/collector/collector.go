// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package collector orchestrates the metric poll cycle: the scheduler says
// which hosts are due, the pool hands out warm connections, the prober
// pulls a sample and the bus carries it off to the ingest workers. The
// collector itself never writes the store; everything flows through the
// queue so a database outage cannot stall polling.
package collector

import (
	"context"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/optilab/collector/pkg/metrics"
	"github.com/optilab/collector/pkg/persist"
	"github.com/optilab/collector/pkg/scheduler"
	"github.com/optilab/collector/pkg/sshpool"
	"github.com/optilab/collector/pkg/util/log"
)

const defaultWorkers = 5

// store is the slice of persist.Store the collector needs.
type store interface {
	ActiveHosts(ctx context.Context) ([]persist.Host, error)
}

// connector hands out SSH connections; satisfied by *sshpool.Pool.
type connector interface {
	Acquire(ctx context.Context, ip string) (sshpool.Conn, error)
}

// sampler runs the metrics probe; satisfied by *probe.Prober.
type sampler interface {
	CollectMetrics(ctx context.Context, conn sshpool.Conn, ip string) *metrics.Sample
}

// publisher ships samples to the broker; satisfied by *mqueue.Client.
type publisher interface {
	PublishMetric(hostID persist.HostID, ts time.Time, sample *metrics.Sample) error
}

// Collector runs poll cycles against the active fleet.
type Collector struct {
	store   store
	pool    connector
	prober  sampler
	bus     publisher
	sched   *scheduler.Scheduler
	workers int

	// inflight guards against overlapping polls of the same host when a
	// slow probe outlives its cycle.
	inflight *inflightSet

	cycles  atomic.Uint64
	samples atomic.Uint64
	dropped atomic.Uint64
}

// New returns a Collector. workers <= 0 falls back to 5.
func New(st store, pool connector, prober sampler, bus publisher, sched *scheduler.Scheduler, workers int) *Collector {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Collector{
		store:    st,
		pool:     pool,
		prober:   prober,
		bus:      bus,
		sched:    sched,
		workers:  workers,
		inflight: newInflightSet(),
	}
}

// Cycle runs one poll pass: every active host due at the medium tier is
// polled, up to the worker limit in parallel. Returns the number of hosts
// actually polled this pass.
func (c *Collector) Cycle(ctx context.Context) (int, error) {
	c.cycles.Inc()

	hosts, err := c.store.ActiveHosts(ctx)
	if err != nil {
		return 0, err
	}
	if len(hosts) == 0 {
		log.Debug("No active hosts to poll")
		return 0, nil
	}

	byID := make(map[persist.HostID]persist.Host, len(hosts))
	ids := make([]persist.HostID, 0, len(hosts))
	for _, h := range hosts {
		byID[h.ID] = h
		ids = append(ids, h.ID)
	}

	due := c.sched.DueHosts(ids, scheduler.Medium)
	if len(due) == 0 {
		return 0, nil
	}
	log.Debugf("Poll cycle: %d of %d hosts due", len(due), len(hosts))

	var polled int
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for _, id := range due {
		// Shutdown mid-cycle leaves the rest of the due list for the next
		// process; pending hosts are skipped, never booked as failures.
		if gctx.Err() != nil {
			break
		}
		if !c.inflight.claim(id) {
			log.Debugf("Host %d still being polled, skipping this cycle", id)
			continue
		}
		polled++

		host := byID[id]
		g.Go(func() error {
			defer c.inflight.release(host.ID)
			if gctx.Err() != nil {
				return nil
			}
			c.pollHost(gctx, host)
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	return polled, ctx.Err()
}

// pollHost collects and publishes one sample. A failure to reach the host
// or run the probe counts against its health; a publish failure does not,
// the collection itself succeeded and the host is fine. Cancellation is
// not a verdict on the host either, so it records nothing.
func (c *Collector) pollHost(ctx context.Context, host persist.Host) {
	conn, err := c.pool.Acquire(ctx, host.IPAddress)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.sched.RecordFailure(host.ID, err.Error())
		return
	}

	sample := c.prober.CollectMetrics(ctx, conn, host.IPAddress)
	if sample == nil {
		if ctx.Err() != nil {
			return
		}
		c.sched.RecordFailure(host.ID, "metrics probe returned nothing")
		return
	}

	c.samples.Inc()
	if err := c.bus.PublishMetric(host.ID, time.Now().UTC(), sample); err != nil {
		c.dropped.Inc()
		log.Errorf("Dropping sample for host %d, publish failed: %v", host.ID, err)
	}
	c.sched.RecordSuccess(host.ID)
}

// Stats is a snapshot of collector counters.
type Stats struct {
	Cycles   uint64
	Samples  uint64
	Dropped  uint64
	InFlight int
}

// Statistics returns current collector counters.
func (c *Collector) Statistics() Stats {
	return Stats{
		Cycles:   c.cycles.Load(),
		Samples:  c.samples.Load(),
		Dropped:  c.dropped.Load(),
		InFlight: c.inflight.size(),
	}
}
