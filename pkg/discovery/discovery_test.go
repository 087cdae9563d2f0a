// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optilab/collector/pkg/metrics"
	"github.com/optilab/collector/pkg/persist"
	"github.com/optilab/collector/pkg/sshpool"
)

func TestEnumerateHostsSlash30(t *testing.T) {
	hosts, err := EnumerateHosts("10.30.0.0/30")
	require.NoError(t, err)
	// Network and broadcast are excluded.
	assert.Equal(t, []string{"10.30.0.1", "10.30.0.2"}, hosts)
}

func TestEnumerateHostsSlash24Count(t *testing.T) {
	hosts, err := EnumerateHosts("192.168.1.0/24")
	require.NoError(t, err)
	require.Len(t, hosts, 254)
	assert.Equal(t, "192.168.1.1", hosts[0])
	assert.Equal(t, "192.168.1.254", hosts[253])
}

func TestEnumerateHostsSlash32(t *testing.T) {
	hosts, err := EnumerateHosts("10.30.0.7/32")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.30.0.7"}, hosts)
}

func TestEnumerateHostsUnmaskedInput(t *testing.T) {
	hosts, err := EnumerateHosts("10.30.0.9/30")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.30.0.9", "10.30.0.10"}, hosts)
}

func TestEnumerateHostsBadCIDR(t *testing.T) {
	_, err := EnumerateHosts("not-a-subnet")
	assert.Error(t, err)
}

// fakeStore records scan lifecycle calls and upserts.
type fakeStore struct {
	mu sync.Mutex

	departments []persist.Department
	active      []persist.Host
	labID       *int64
	deptMissing bool

	nextScanID int64
	started    []string
	completed  map[int64]int
	failed     map[int64]string
	upserted   []string
	offline    []persist.HostID
	upsertErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextScanID: 41,
		completed:  make(map[int64]int),
		failed:     make(map[int64]string),
	}
}

func (f *fakeStore) DepartmentsWithSubnet(context.Context) ([]persist.Department, error) {
	return f.departments, nil
}

func (f *fakeStore) ActiveHosts(context.Context) ([]persist.Host, error) {
	return f.active, nil
}

func (f *fakeStore) MarkHostOffline(_ context.Context, hostID persist.HostID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = append(f.offline, hostID)
	return nil
}

func (f *fakeStore) DepartmentExists(context.Context, int64) (bool, error) {
	return !f.deptMissing, nil
}

func (f *fakeStore) FirstLabID(context.Context, int64) (*int64, error) {
	return f.labID, nil
}

func (f *fakeStore) UpsertIdentifiedHost(_ context.Context, ip string, _ *metrics.Identification, _ int64, _ *int64) (persist.HostID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return 0, f.upsertErr
	}
	f.upserted = append(f.upserted, ip)
	return persist.HostID(len(f.upserted)), nil
}

func (f *fakeStore) StartScan(_ context.Context, _ int64, targetRange string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextScanID++
	f.started = append(f.started, targetRange)
	return f.nextScanID, nil
}

func (f *fakeStore) CompleteScan(_ context.Context, scanID int64, systemsFound int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[scanID] = systemsFound
	return nil
}

func (f *fakeStore) FailScan(_ context.Context, scanID int64, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[scanID] = msg
	return nil
}

// nullConn is the minimal Conn the fake pool hands out.
type nullConn struct{}

func (nullConn) Output(context.Context, string) ([]byte, error) { return nil, nil }
func (nullConn) Upload(context.Context, string, string) error   { return nil }
func (nullConn) Remove(context.Context, string) error           { return nil }
func (nullConn) Alive() bool                                    { return true }
func (nullConn) Close() error                                   { return nil }

type fakePool struct {
	mu     sync.Mutex
	refuse map[string]bool
	dialed []string
}

func (f *fakePool) Acquire(_ context.Context, ip string) (sshpool.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse[ip] {
		return nil, errors.New("connection refused")
	}
	f.dialed = append(f.dialed, ip)
	return nullConn{}, nil
}

type fakeProber struct {
	mu      sync.Mutex
	idents  map[string]*metrics.Identification
	queried []string
}

func (f *fakeProber) Identify(_ context.Context, _ sshpool.Conn, ip string) *metrics.Identification {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queried = append(f.queried, ip)
	return f.idents[ip]
}

type fakeBus struct {
	mu        sync.Mutex
	published [][]persist.DiscoveredSystem
	err       error
}

func (f *fakeBus) PublishDiscovery(systems []persist.DiscoveredSystem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, systems)
	return nil
}

// pingUp answers for the given set of addresses only.
func pingUp(addrs ...string) PingFunc {
	up := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		up[a] = true
	}
	return func(_ context.Context, ip string, _ time.Duration) bool {
		return up[ip]
	}
}

func ident(hostname, mac string) *metrics.Identification {
	return &metrics.Identification{Hostname: &hostname, MACAddress: &mac}
}

func newTestScanner(st *fakeStore, pool *fakePool, prober *fakeProber, bus *fakeBus, ping PingFunc) *Scanner {
	var pub publisher
	if bus != nil {
		pub = bus
	}
	s := New(st, pool, prober, pub, Options{Workers: 4, PingTimeout: time.Millisecond})
	s.ping = ping
	return s
}

func TestScanDepartmentPipeline(t *testing.T) {
	st := newFakeStore()
	lab := int64(3)
	st.labID = &lab

	pool := &fakePool{refuse: map[string]bool{"10.30.0.2": true}}
	prober := &fakeProber{idents: map[string]*metrics.Identification{
		"10.30.0.1": ident("ws01", "aa:bb:cc:00:00:01"),
		// 10.30.0.3 answers ping but not the probe: a printer, not a workstation.
	}}
	bus := &fakeBus{}

	s := newTestScanner(st, pool, prober, bus, pingUp("10.30.0.1", "10.30.0.2", "10.30.0.3"))

	found, err := s.ScanDepartment(context.Background(), 1, "10.30.0.0/29")
	require.NoError(t, err)
	assert.Equal(t, 1, found)

	// Only ping responders are probed, and the refused host never reaches
	// the prober.
	assert.ElementsMatch(t, []string{"10.30.0.1", "10.30.0.3"}, prober.queried)
	assert.Equal(t, []string{"10.30.0.1"}, st.upserted)

	// Scan row lifecycle: started then completed with the verified count.
	assert.Equal(t, []string{"10.30.0.0/29"}, st.started)
	assert.Equal(t, map[int64]int{42: 1}, st.completed)
	assert.Empty(t, st.failed)

	// The verified host was announced on the bus.
	require.Len(t, bus.published, 1)
	require.Len(t, bus.published[0], 1)
	sys := bus.published[0][0]
	assert.Equal(t, int64(1), sys.DeptID)
	assert.Equal(t, "10.30.0.1", sys.IPAddress)
	assert.Equal(t, "ws01", *sys.Hostname)
}

func TestScanDepartmentEmptySubnetCompletes(t *testing.T) {
	st := newFakeStore()
	bus := &fakeBus{}
	s := newTestScanner(st, &fakePool{}, &fakeProber{}, bus, pingUp())

	found, err := s.ScanDepartment(context.Background(), 1, "10.30.0.0/29")
	require.NoError(t, err)
	assert.Equal(t, 0, found)

	// Still journalled as completed, with zero systems and no announcement.
	assert.Equal(t, map[int64]int{42: 0}, st.completed)
	assert.Empty(t, bus.published)
}

func TestScanDepartmentUnknownDepartment(t *testing.T) {
	st := newFakeStore()
	st.deptMissing = true
	s := newTestScanner(st, &fakePool{}, &fakeProber{}, nil, pingUp())

	_, err := s.ScanDepartment(context.Background(), 99, "10.30.0.0/29")
	require.Error(t, err)
	// Nothing was journalled for a rejected department.
	assert.Empty(t, st.started)
}

func TestScanDepartmentBadCIDRFailsScan(t *testing.T) {
	st := newFakeStore()
	s := newTestScanner(st, &fakePool{}, &fakeProber{}, nil, pingUp())

	_, err := s.ScanDepartment(context.Background(), 1, "bogus")
	require.Error(t, err)
	require.Len(t, st.failed, 1)
	assert.Empty(t, st.completed)
}

func TestScanDepartmentPublishFailureIsNotFatal(t *testing.T) {
	st := newFakeStore()
	prober := &fakeProber{idents: map[string]*metrics.Identification{
		"10.30.0.1": ident("ws01", "aa:bb:cc:00:00:01"),
	}}
	bus := &fakeBus{err: errors.New("broker unavailable")}
	s := newTestScanner(st, &fakePool{}, prober, bus, pingUp("10.30.0.1"))

	found, err := s.ScanDepartment(context.Background(), 1, "10.30.0.0/29")
	require.NoError(t, err)
	assert.Equal(t, 1, found)
	assert.Equal(t, map[int64]int{42: 1}, st.completed)
}

func TestScanAllAggregates(t *testing.T) {
	cidrA := "10.30.0.0/30"
	cidrB := "10.40.0.0/30"
	st := newFakeStore()
	st.departments = []persist.Department{
		{ID: 1, Name: "physics", SubnetCIDR: &cidrA},
		{ID: 2, Name: "chemistry", SubnetCIDR: &cidrB},
	}
	prober := &fakeProber{idents: map[string]*metrics.Identification{
		"10.30.0.1": ident("phy01", "aa:bb:cc:00:00:01"),
		"10.40.0.2": ident("chm02", "aa:bb:cc:00:00:02"),
	}}
	s := newTestScanner(st, &fakePool{}, prober, nil, pingUp("10.30.0.1", "10.40.0.2"))

	total, err := s.ScanAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, []string{cidrA, cidrB}, st.started)
	assert.Len(t, st.completed, 2)
}

func TestHeartbeatMarksUnreachableOffline(t *testing.T) {
	st := newFakeStore()
	st.active = []persist.Host{
		{ID: 1, IPAddress: "10.30.0.1"},
		{ID: 2, IPAddress: "10.30.0.2"},
		{ID: 3, IPAddress: "10.30.0.3"},
	}
	s := newTestScanner(st, &fakePool{}, &fakeProber{}, nil, pingUp("10.30.0.2"))

	checked, offline, err := s.Heartbeat(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, checked)
	assert.Equal(t, 2, offline)
	assert.ElementsMatch(t, []persist.HostID{1, 3}, st.offline)
}
