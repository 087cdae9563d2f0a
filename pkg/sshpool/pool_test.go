// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package sshpool

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a Conn whose liveness and output are scripted.
type fakeConn struct {
	id     int
	alive  bool
	closed bool
	output string
	outErr error
}

func (f *fakeConn) Output(_ context.Context, _ string) ([]byte, error) {
	return []byte(f.output), f.outErr
}
func (f *fakeConn) Upload(_ context.Context, _, _ string) error { return nil }
func (f *fakeConn) Remove(_ context.Context, _ string) error    { return nil }
func (f *fakeConn) Alive() bool                                 { return f.alive && !f.closed }
func (f *fakeConn) Close() error                                { f.closed = true; return nil }

func newFakePool(t *testing.T, opts Options) (*Pool, *[]*fakeConn) {
	t.Helper()
	if opts.User == "" {
		opts.User = "monitor"
	}
	p := newPool(opts)
	dialed := &[]*fakeConn{}
	p.dial = func(addr string) (Conn, error) {
		c := &fakeConn{id: len(*dialed), alive: true}
		*dialed = append(*dialed, c)
		return c, nil
	}
	return p, dialed
}

func TestAcquireReusesLiveConnection(t *testing.T) {
	p, dialed := newFakePool(t, Options{})

	c1, err := p.Acquire(context.Background(), "10.30.0.5")
	require.NoError(t, err)
	c2, err := p.Acquire(context.Background(), "10.30.0.5")
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Len(t, *dialed, 1)
}

func TestAcquireEvictsDeadConnection(t *testing.T) {
	p, dialed := newFakePool(t, Options{})

	c1, err := p.Acquire(context.Background(), "10.30.0.5")
	require.NoError(t, err)

	c1.(*fakeConn).alive = false

	c2, err := p.Acquire(context.Background(), "10.30.0.5")
	require.NoError(t, err)

	assert.NotSame(t, c1, c2)
	assert.True(t, c1.(*fakeConn).closed)
	assert.Len(t, *dialed, 2)
	assert.Equal(t, 1, p.Statistics().Active)
}

func TestAcquireSurfacesDialError(t *testing.T) {
	p := newPool(Options{User: "monitor"})
	p.dial = func(addr string) (Conn, error) {
		return nil, fmt.Errorf("connection refused")
	}

	_, err := p.Acquire(context.Background(), "10.30.0.9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "10.30.0.9")
	// A failed dial leaves no pool entry behind.
	assert.Zero(t, p.Statistics().Active)
}

func TestAcquireEnforcesMaximum(t *testing.T) {
	p, dialed := newFakePool(t, Options{MaxConnections: 2})

	now := time.Now()
	p.nowFunc = func() time.Time { now = now.Add(time.Second); return now }

	for _, ip := range []string{"10.30.0.1", "10.30.0.2", "10.30.0.3"} {
		_, err := p.Acquire(context.Background(), ip)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, p.Statistics().Active)
	// The first connection was the least recently used one.
	assert.True(t, (*dialed)[0].closed)
	assert.False(t, (*dialed)[2].closed)
}

func TestCleanupIdle(t *testing.T) {
	p, dialed := newFakePool(t, Options{IdleTimeout: 300 * time.Second})

	_, err := p.Acquire(context.Background(), "10.30.0.1")
	require.NoError(t, err)
	_, err = p.Acquire(context.Background(), "10.30.0.2")
	require.NoError(t, err)

	// Age only the first connection past the TTL.
	p.mu.Lock()
	p.conns[p.key("10.30.0.1")].lastUsed = time.Now().Add(-301 * time.Second)
	p.mu.Unlock()

	p.CleanupIdle()

	assert.Equal(t, 1, p.Statistics().Active)
	assert.True(t, (*dialed)[0].closed)
	assert.False(t, (*dialed)[1].closed)
}

func TestCloseAll(t *testing.T) {
	p, dialed := newFakePool(t, Options{})

	for _, ip := range []string{"10.30.0.1", "10.30.0.2"} {
		_, err := p.Acquire(context.Background(), ip)
		require.NoError(t, err)
	}

	require.NoError(t, p.CloseAll())
	assert.Zero(t, p.Statistics().Active)
	for _, c := range *dialed {
		assert.True(t, c.closed)
	}
}

func TestStatisticsUtilization(t *testing.T) {
	p, _ := newFakePool(t, Options{MaxConnections: 10})

	_, err := p.Acquire(context.Background(), "10.30.0.1")
	require.NoError(t, err)

	stats := p.Statistics()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 10, stats.Max)
	assert.InDelta(t, 10.0, stats.Utilization, 0.001)
}
