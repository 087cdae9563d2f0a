// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package ingest is the worker side of the pipeline: it takes messages off
// the broker and lands them in the store. The ack/nack contract drives
// everything here. A message is only acked once its transaction committed,
// so a worker crash mid-write just means a redelivery, and the upsert
// clauses make redeliveries harmless.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/optilab/collector/pkg/metrics"
	"github.com/optilab/collector/pkg/mqueue"
	"github.com/optilab/collector/pkg/persist"
	"github.com/optilab/collector/pkg/util/log"
)

const (
	// writeTimeout bounds one message's worth of store work.
	writeTimeout = 10 * time.Second

	// seenTTL is how long a committed (host, timestamp) pair is remembered
	// to short-circuit redeliveries without a store round trip.
	seenTTL = 5 * time.Minute

	// fkViolation is the PostgreSQL error code for a foreign key violation.
	fkViolation = "23503"
)

// store is the slice of persist.Store the processor needs.
type store interface {
	Begin(ctx context.Context) (*sqlx.Tx, error)
	InsertSample(ctx context.Context, tx *sqlx.Tx, hostID persist.HostID, ts time.Time, sample *metrics.Sample) error
	TouchHost(ctx context.Context, tx *sqlx.Tx, hostID persist.HostID, ts time.Time) error
	UpsertDiscoveredHost(ctx context.Context, sys persist.DiscoveredSystem) error
}

// Processor turns queue messages into store writes. Its Handle method is
// the consumer callback: true means ack, false means requeue.
type Processor struct {
	store store
	seen  *gocache.Cache

	processed atomic.Uint64
	errors    atomic.Uint64
	start     time.Time
}

// New returns a Processor over the given store.
func New(st store) *Processor {
	return &Processor{
		store: st,
		seen:  gocache.New(seenTTL, 2*seenTTL),
		start: time.Now(),
	}
}

// Handle dispatches one message by type. Unknown types are returned to the
// queue; a misrouted message is someone else's to handle.
func (p *Processor) Handle(msg *mqueue.Message) bool {
	switch msg.Type {
	case mqueue.TypeMetric:
		return p.handleMetric(msg)
	case mqueue.TypeDiscovery:
		return p.handleDiscovery(msg)
	case mqueue.TypeAlert:
		return p.handleAlert(msg)
	default:
		log.Warnf("Unknown message type '%s'", msg.Type) //nolint:errcheck
		p.errors.Inc()
		return false
	}
}

// handleMetric writes one sample and the owner's last_seen in a single
// transaction. A foreign key violation means the host row has not landed
// yet; the message is requeued until discovery catches up.
func (p *Processor) handleMetric(msg *mqueue.Message) bool {
	sample, err := msg.Sample()
	if err != nil {
		log.Errorf("Undecodable metric payload: %v", err)
		p.errors.Inc()
		return false
	}
	if msg.SystemID == 0 {
		log.Errorf("Metric message without a system id")
		p.errors.Inc()
		return false
	}

	hostID := persist.HostID(msg.SystemID)
	key := fmt.Sprintf("%d@%s", hostID, msg.Timestamp.UTC().Format(time.RFC3339Nano))
	if _, dup := p.seen.Get(key); dup {
		log.Debugf("Duplicate sample for host %d, acking without write", hostID)
		return true
	}

	if err := p.writeMetric(hostID, msg.Timestamp, sample); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == fkViolation {
			log.Warnf("Host %d not registered yet, requeueing sample", hostID) //nolint:errcheck
		} else {
			log.Errorf("Failed to save metric for host %d: %v", hostID, err)
		}
		p.errors.Inc()
		return false
	}

	p.seen.SetDefault(key, struct{}{})
	p.processed.Inc()
	log.Debugf("Saved metrics for system %d", hostID)
	return true
}

func (p *Processor) writeMetric(hostID persist.HostID, ts time.Time, sample *metrics.Sample) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := p.store.InsertSample(ctx, tx, hostID, ts, sample); err != nil {
		return err
	}
	if err := p.store.TouchHost(ctx, tx, hostID, ts); err != nil {
		return err
	}
	return tx.Commit()
}

// handleDiscovery upserts every listed system. Each upsert is individually
// idempotent, so a partial failure can safely requeue the whole message.
func (p *Processor) handleDiscovery(msg *mqueue.Message) bool {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	for _, sys := range msg.Systems {
		if err := p.store.UpsertDiscoveredHost(ctx, sys); err != nil {
			log.Errorf("Failed to process discovery: %v", err)
			p.errors.Inc()
			return false
		}
	}

	p.processed.Add(uint64(len(msg.Systems)))
	log.Infof("Processed discovery: %d systems", len(msg.Systems))
	return true
}

// handleAlert only logs. Alerts are opaque to the worker; the dashboard
// side owns their schema.
func (p *Processor) handleAlert(msg *mqueue.Message) bool {
	log.Infof("Alert received: %s", string(msg.Data))
	p.processed.Inc()
	return true
}

// Stats is a snapshot of processor throughput since start.
type Stats struct {
	Processed uint64
	Errors    uint64
	Duration  time.Duration
	Rate      float64 // messages per second
}

// Statistics returns throughput counters since the processor started.
func (p *Processor) Statistics() Stats {
	stats := Stats{
		Processed: p.processed.Load(),
		Errors:    p.errors.Load(),
		Duration:  time.Since(p.start),
	}
	if secs := stats.Duration.Seconds(); secs > 0 {
		stats.Rate = float64(stats.Processed) / secs
	}
	return stats
}
