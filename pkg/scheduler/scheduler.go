// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package scheduler decides when each host is polled. Hosts that keep
// failing are polled less and less often, down to once a day for dead ones,
// so an unplugged lab does not eat the collection budget of the live ones.
package scheduler

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/optilab/collector/pkg/persist"
	"github.com/optilab/collector/pkg/util/log"
)

// Health is the per-host health state derived from consecutive failures.
type Health string

// Health states. The thresholds are fixed: 0 failures is healthy, 1-3
// degraded, 4-10 offline, anything past 10 dead.
const (
	Healthy  Health = "healthy"
	Degraded Health = "degraded"
	Offline  Health = "offline"
	Dead     Health = "dead"
)

// Tier is a polling frequency class. Each tier carries its own base
// interval and the set of metric identifiers collected at that cadence.
type Tier string

// Frequency tiers.
const (
	High   Tier = "high"
	Medium Tier = "medium"
	Low    Tier = "low"
)

// Tiers lists all tiers in evaluation order.
var Tiers = []Tier{High, Medium, Low}

// Schedule is the base interval and metric set of one tier.
type Schedule struct {
	Interval time.Duration
	Metrics  []string
}

var schedules = map[Tier]Schedule{
	High: {
		Interval: 30 * time.Second,
		Metrics:  []string{"cpu_percent", "ram_percent", "system_responsive", "active_users"},
	},
	Medium: {
		Interval: 300 * time.Second,
		Metrics:  []string{"disk_percent", "disk_io", "network_stats", "process_count", "uptime", "temperature"},
	},
	Low: {
		Interval: 3600 * time.Second,
		Metrics:  []string{"installed_software", "hardware_inventory", "user_sessions", "system_updates", "security_patches"},
	},
}

var multipliers = map[Health]time.Duration{
	Healthy:  1,
	Degraded: 2,
	Offline:  12,
	Dead:     288,
}

// BaseInterval returns the unadjusted interval of a tier.
func BaseInterval(tier Tier) time.Duration {
	return schedules[tier].Interval
}

type hostState struct {
	consecutiveFailures int
	totalAttempts       uint64
	totalSuccesses      uint64
	lastAttempt         time.Time // zero = never attempted
	lastSuccess         time.Time
	health              Health
}

// Scheduler tracks per-host health and computes adaptive poll intervals.
// Entries are created lazily on first reference and never deleted, only
// reset.
type Scheduler struct {
	mu     sync.RWMutex
	states map[persist.HostID]*hostState
	clock  clock.Clock

	attempts  atomic.Uint64
	successes atomic.Uint64
}

// New returns a scheduler on the wall clock.
func New() *Scheduler {
	return NewWithClock(clock.New())
}

// NewWithClock returns a scheduler on the given clock. Tests inject a mock.
func NewWithClock(clk clock.Clock) *Scheduler {
	return &Scheduler{
		states: make(map[persist.HostID]*hostState),
		clock:  clk,
	}
}

// state returns the entry for id, creating it healthy if needed. Callers
// hold s.mu.
func (s *Scheduler) state(id persist.HostID) *hostState {
	st, ok := s.states[id]
	if !ok {
		st = &hostState{health: Healthy}
		s.states[id] = st
	}
	return st
}

// RecordSuccess resets the failure counter and forces the host healthy.
func (s *Scheduler) RecordSuccess(id persist.HostID) {
	now := s.clock.Now()
	s.attempts.Inc()
	s.successes.Inc()

	s.mu.Lock()
	st := s.state(id)
	old := st.health
	st.consecutiveFailures = 0
	st.totalAttempts++
	st.totalSuccesses++
	st.lastAttempt = now
	st.lastSuccess = now
	st.health = Healthy
	s.mu.Unlock()

	if old != Healthy {
		log.Infof("Host %d recovered: %s -> %s", id, old, Healthy)
	}
}

// RecordFailure increments the failure counter and recomputes health.
func (s *Scheduler) RecordFailure(id persist.HostID, reason string) {
	now := s.clock.Now()
	s.attempts.Inc()

	s.mu.Lock()
	st := s.state(id)
	old := st.health
	st.consecutiveFailures++
	st.totalAttempts++
	st.lastAttempt = now
	st.health = healthFor(st.consecutiveFailures)
	newHealth := st.health
	failures := st.consecutiveFailures
	s.mu.Unlock()

	if old != newHealth {
		log.Warnf("Host %d health degraded: %s -> %s (%d consecutive failures)", id, old, newHealth, failures) //nolint:errcheck
		if reason != "" {
			log.Debugf("Host %d failure reason: %s", id, reason)
		}
	}
}

func healthFor(failures int) Health {
	switch {
	case failures == 0:
		return Healthy
	case failures <= 3:
		return Degraded
	case failures <= 10:
		return Offline
	default:
		return Dead
	}
}

// Health returns the current health state of a host.
func (s *Scheduler) Health(id persist.HostID) Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(id).health
}

// EffectiveInterval is the tier's base interval scaled by the host's health
// multiplier. A dead host at the medium tier lands at 24h.
func (s *Scheduler) EffectiveInterval(id persist.HostID, tier Tier) time.Duration {
	return schedules[tier].Interval * multipliers[s.Health(id)]
}

// ShouldPoll reports whether the host is due at the given tier: never
// attempted, or the effective interval has elapsed since the last attempt.
func (s *Scheduler) ShouldPoll(id persist.HostID, tier Tier) bool {
	s.mu.Lock()
	st := s.state(id)
	lastAttempt := st.lastAttempt
	health := st.health
	s.mu.Unlock()

	if lastAttempt.IsZero() {
		return true
	}

	interval := schedules[tier].Interval * multipliers[health]
	elapsed := s.clock.Now().Sub(lastAttempt)
	due := elapsed >= interval

	if due {
		log.Debugf("Host %d due for %s poll: %s elapsed >= %s interval (health: %s)",
			id, tier, elapsed.Truncate(time.Second), interval, health)
	}
	return due
}

// MetricsDue returns the union of metric identifiers across every tier
// whose due-check passes, in tier order and without duplicates.
func (s *Scheduler) MetricsDue(id persist.HostID) []string {
	var due []string
	seen := make(map[string]struct{})
	for _, tier := range Tiers {
		if !s.ShouldPoll(id, tier) {
			continue
		}
		for _, m := range schedules[tier].Metrics {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			due = append(due, m)
		}
	}
	return due
}

// DueHosts filters hosts down to the ones due at the given tier. This is
// the orchestrator's entry point.
func (s *Scheduler) DueHosts(ids []persist.HostID, tier Tier) []persist.HostID {
	var due []persist.HostID
	for _, id := range ids {
		if s.ShouldPoll(id, tier) {
			due = append(due, id)
		}
	}
	return due
}

// Reset forces a host back to healthy with zero failures. Operator recovery
// hook; counters other than the failure streak survive.
func (s *Scheduler) Reset(id persist.HostID) {
	s.mu.Lock()
	st, ok := s.states[id]
	if ok {
		st.consecutiveFailures = 0
		st.health = Healthy
	}
	s.mu.Unlock()

	if ok {
		log.Infof("Host %d manually reset to %s", id, Healthy)
	}
}

// Stats is a snapshot of scheduler-wide counters.
type Stats struct {
	TotalHosts     int
	Healthy        int
	Degraded       int
	Offline        int
	Dead           int
	TotalAttempts  uint64
	TotalSuccesses uint64
	SuccessRate    float64 // percentage, 0 when no attempts
}

// Statistics returns per-state host counts and the global success rate.
func (s *Scheduler) Statistics() Stats {
	stats := Stats{
		TotalAttempts:  s.attempts.Load(),
		TotalSuccesses: s.successes.Load(),
	}

	s.mu.RLock()
	stats.TotalHosts = len(s.states)
	for _, st := range s.states {
		switch st.health {
		case Healthy:
			stats.Healthy++
		case Degraded:
			stats.Degraded++
		case Offline:
			stats.Offline++
		case Dead:
			stats.Dead++
		}
	}
	s.mu.RUnlock()

	if stats.TotalAttempts > 0 {
		stats.SuccessRate = float64(stats.TotalSuccesses) / float64(stats.TotalAttempts) * 100
	}
	return stats
}
