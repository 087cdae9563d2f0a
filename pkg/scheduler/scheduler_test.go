// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package scheduler

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optilab/collector/pkg/persist"
)

const hostA = persist.HostID(1)

func newTestScheduler() (*Scheduler, *clock.Mock) {
	mock := clock.NewMock()
	return NewWithClock(mock), mock
}

func TestSuccessForcesHealthy(t *testing.T) {
	s, _ := newTestScheduler()

	for i := 0; i < 5; i++ {
		s.RecordFailure(hostA, "timeout")
	}
	require.Equal(t, Offline, s.Health(hostA))

	s.RecordSuccess(hostA)
	assert.Equal(t, Healthy, s.Health(hostA))
	assert.Equal(t, BaseInterval(Medium), s.EffectiveInterval(hostA, Medium))
}

func TestFailureThresholds(t *testing.T) {
	s, _ := newTestScheduler()

	expected := map[int]Health{
		1:  Degraded,
		2:  Degraded,
		3:  Degraded,
		4:  Offline,
		9:  Offline,
		10: Offline,
		11: Dead,
		20: Dead,
	}

	for i := 1; i <= 20; i++ {
		s.RecordFailure(hostA, "unreachable")
		if want, ok := expected[i]; ok {
			assert.Equalf(t, want, s.Health(hostA), "after %d failures", i)
		}
	}
}

func TestEffectiveIntervalMultipliers(t *testing.T) {
	s, _ := newTestScheduler()

	// Healthy
	assert.Equal(t, 300*time.Second, s.EffectiveInterval(hostA, Medium))

	// Degraded: 2x
	s.RecordFailure(hostA, "")
	assert.Equal(t, 600*time.Second, s.EffectiveInterval(hostA, Medium))

	// Offline: 12x
	for i := 0; i < 9; i++ {
		s.RecordFailure(hostA, "")
	}
	require.Equal(t, Offline, s.Health(hostA))
	assert.Equal(t, 3600*time.Second, s.EffectiveInterval(hostA, Medium))

	// Dead: 288x, once a day at the medium tier
	s.RecordFailure(hostA, "")
	require.Equal(t, Dead, s.Health(hostA))
	assert.Equal(t, 86400*time.Second, s.EffectiveInterval(hostA, Medium))
	assert.Equal(t, 288*30*time.Second, s.EffectiveInterval(hostA, High))
}

func TestShouldPollNeverAttempted(t *testing.T) {
	s, _ := newTestScheduler()
	assert.True(t, s.ShouldPoll(hostA, High))
	assert.True(t, s.ShouldPoll(hostA, Medium))
	assert.True(t, s.ShouldPoll(hostA, Low))
}

func TestShouldPollHonorsInterval(t *testing.T) {
	s, mock := newTestScheduler()

	s.RecordSuccess(hostA)
	assert.False(t, s.ShouldPoll(hostA, High))

	mock.Add(29 * time.Second)
	assert.False(t, s.ShouldPoll(hostA, High))

	mock.Add(1 * time.Second)
	assert.True(t, s.ShouldPoll(hostA, High))

	// Medium still has 270s to go.
	assert.False(t, s.ShouldPoll(hostA, Medium))
}

func TestMetricsDueUnion(t *testing.T) {
	s, mock := newTestScheduler()

	// t=0: first contact, every tier fires.
	assert.ElementsMatch(t, allMetrics(), s.MetricsDue(hostA))
	s.RecordSuccess(hostA)

	// t=30s: high tier only.
	mock.Add(30 * time.Second)
	assert.ElementsMatch(t, schedules[High].Metrics, s.MetricsDue(hostA))
	s.RecordSuccess(hostA)

	// t=330s: 300s since last attempt, high and medium.
	mock.Add(300 * time.Second)
	assert.ElementsMatch(t,
		append(append([]string{}, schedules[High].Metrics...), schedules[Medium].Metrics...),
		s.MetricsDue(hostA))
	s.RecordSuccess(hostA)

	// One hour past the last attempt: everything.
	mock.Add(3600 * time.Second)
	assert.ElementsMatch(t, allMetrics(), s.MetricsDue(hostA))
}

func allMetrics() []string {
	var all []string
	for _, tier := range Tiers {
		all = append(all, schedules[tier].Metrics...)
	}
	return all
}

func TestBackoffScenario(t *testing.T) {
	s, _ := newTestScheduler()

	for i := 0; i < 10; i++ {
		s.RecordFailure(hostA, "no route to host")
	}
	require.Equal(t, Offline, s.Health(hostA))
	require.Equal(t, 3600*time.Second, s.EffectiveInterval(hostA, Medium))

	s.RecordFailure(hostA, "no route to host")
	require.Equal(t, Dead, s.Health(hostA))
	require.Equal(t, 86400*time.Second, s.EffectiveInterval(hostA, Medium))
}

func TestDueHostsFilters(t *testing.T) {
	s, mock := newTestScheduler()
	ids := []persist.HostID{1, 2, 3}

	// All three are new, all due.
	assert.Equal(t, ids, s.DueHosts(ids, Medium))

	s.RecordSuccess(1)
	s.RecordSuccess(2)
	assert.Equal(t, []persist.HostID{3}, s.DueHosts(ids, Medium))

	mock.Add(300 * time.Second)
	assert.Equal(t, ids, s.DueHosts(ids, Medium))
}

func TestReset(t *testing.T) {
	s, _ := newTestScheduler()

	for i := 0; i < 12; i++ {
		s.RecordFailure(hostA, "")
	}
	require.Equal(t, Dead, s.Health(hostA))

	s.Reset(hostA)
	assert.Equal(t, Healthy, s.Health(hostA))
	assert.Equal(t, BaseInterval(High), s.EffectiveInterval(hostA, High))

	// Resetting an unknown host must not create an entry.
	s.Reset(persist.HostID(99))
	assert.Equal(t, 1, s.Statistics().TotalHosts)
}

func TestStatistics(t *testing.T) {
	s, _ := newTestScheduler()

	s.RecordSuccess(1)
	s.RecordSuccess(2)
	s.RecordFailure(2, "")
	s.RecordFailure(3, "")
	for i := 0; i < 11; i++ {
		s.RecordFailure(4, "")
	}

	stats := s.Statistics()
	assert.Equal(t, 4, stats.TotalHosts)
	assert.Equal(t, 1, stats.Healthy)
	assert.Equal(t, 2, stats.Degraded)
	assert.Equal(t, 0, stats.Offline)
	assert.Equal(t, 1, stats.Dead)
	assert.Equal(t, uint64(15), stats.TotalAttempts)
	assert.Equal(t, uint64(2), stats.TotalSuccesses)
	assert.InDelta(t, 100*2.0/15.0, stats.SuccessRate, 0.001)
}

func TestStatisticsNoAttempts(t *testing.T) {
	s, _ := newTestScheduler()
	assert.Zero(t, s.Statistics().SuccessRate)
}
