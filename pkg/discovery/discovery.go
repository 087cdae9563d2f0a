// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package discovery finds lab workstations by sweeping department subnets.
// A scan is a two-phase pipeline: a cheap ICMP sweep narrows the CIDR down
// to responsive addresses, then an SSH identification probe confirms each
// one and records its hardware inventory. Every scan is journalled in the
// store so operators can see when a subnet was last walked and how it went.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/optilab/collector/pkg/metrics"
	"github.com/optilab/collector/pkg/persist"
	"github.com/optilab/collector/pkg/sshpool"
	"github.com/optilab/collector/pkg/util/log"
)

const (
	defaultWorkers     = 10
	defaultPingTimeout = 500 * time.Millisecond
)

// store is the slice of persist.Store the scanner needs.
type store interface {
	DepartmentsWithSubnet(ctx context.Context) ([]persist.Department, error)
	ActiveHosts(ctx context.Context) ([]persist.Host, error)
	MarkHostOffline(ctx context.Context, hostID persist.HostID) error
	DepartmentExists(ctx context.Context, deptID int64) (bool, error)
	FirstLabID(ctx context.Context, deptID int64) (*int64, error)
	UpsertIdentifiedHost(ctx context.Context, ip string, ident *metrics.Identification, deptID int64, labID *int64) (persist.HostID, error)
	StartScan(ctx context.Context, deptID int64, targetRange string) (int64, error)
	CompleteScan(ctx context.Context, scanID int64, systemsFound int) error
	FailScan(ctx context.Context, scanID int64, msg string) error
}

// connector hands out SSH connections; satisfied by *sshpool.Pool.
type connector interface {
	Acquire(ctx context.Context, ip string) (sshpool.Conn, error)
}

// identifier runs the identification probe; satisfied by *probe.Prober.
type identifier interface {
	Identify(ctx context.Context, conn sshpool.Conn, ip string) *metrics.Identification
}

// publisher announces scan results on the bus; satisfied by *mqueue.Client.
type publisher interface {
	PublishDiscovery(systems []persist.DiscoveredSystem) error
}

// Options tunes a Scanner. Zero values take the defaults.
type Options struct {
	Workers     int           // concurrent identification probes
	PingTimeout time.Duration // per-address echo timeout
}

// Scanner walks department subnets and registers the hosts it can verify.
type Scanner struct {
	store  store
	pool   connector
	prober identifier
	bus    publisher // nil disables the discovery announcement
	ping   PingFunc
	opts   Options
}

// New returns a Scanner over the given store, pool and prober. bus may be
// nil when no broker is configured.
func New(st store, pool connector, prober identifier, bus publisher, opts Options) *Scanner {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = defaultPingTimeout
	}
	return &Scanner{
		store:  st,
		pool:   pool,
		prober: prober,
		bus:    bus,
		ping:   icmpPing,
		opts:   opts,
	}
}

// ScanAll sweeps every department that has a subnet configured. Department
// failures are collected, not fatal: one bad subnet must not starve the
// rest of the fleet.
func (s *Scanner) ScanAll(ctx context.Context) (int, error) {
	depts, err := s.store.DepartmentsWithSubnet(ctx)
	if err != nil {
		return 0, err
	}
	log.Infof("Starting discovery scan across %d departments", len(depts))

	var total int
	var errs *multierror.Error
	for _, dept := range depts {
		if ctx.Err() != nil {
			break
		}
		found, err := s.ScanDepartment(ctx, dept.ID, *dept.SubnetCIDR)
		if err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "department %s", dept.Name))
			continue
		}
		total += found
	}

	log.Infof("Discovery scan complete: %d systems across %d departments", total, len(depts))
	return total, errs.ErrorOrNil()
}

// ScanDepartment sweeps one subnet and upserts every host that passed the
// identification probe. The scan is journalled; an empty or unreachable
// subnet completes with zero systems, only pipeline errors fail the row.
func (s *Scanner) ScanDepartment(ctx context.Context, deptID int64, cidr string) (int, error) {
	exists, err := s.store.DepartmentExists(ctx, deptID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, errors.Errorf("department %d does not exist", deptID)
	}

	scanID, err := s.store.StartScan(ctx, deptID, cidr)
	if err != nil {
		return 0, err
	}

	found, err := s.runScan(ctx, deptID, cidr)
	if err != nil {
		s.store.FailScan(ctx, scanID, err.Error()) //nolint:errcheck
		return 0, err
	}

	if err := s.store.CompleteScan(ctx, scanID, len(found)); err != nil {
		return 0, err
	}

	if s.bus != nil && len(found) > 0 {
		if err := s.bus.PublishDiscovery(found); err != nil {
			log.Warnf("Could not announce discovery of %d systems: %v", len(found), err) //nolint:errcheck
		}
	}
	return len(found), nil
}

func (s *Scanner) runScan(ctx context.Context, deptID int64, cidr string) ([]persist.DiscoveredSystem, error) {
	addrs, err := EnumerateHosts(cidr)
	if err != nil {
		return nil, err
	}
	log.Infof("Scanning %s: %d addresses", cidr, len(addrs))

	responsive := s.sweep(ctx, addrs)
	log.Infof("Ping sweep of %s found %d responsive hosts", cidr, len(responsive))
	if len(responsive) == 0 {
		return nil, ctx.Err()
	}

	labID, err := s.store.FirstLabID(ctx, deptID)
	if err != nil {
		return nil, err
	}

	return s.identify(ctx, deptID, labID, responsive), ctx.Err()
}

// sweep pings every address concurrently and returns the responders in
// address order.
func (s *Scanner) sweep(ctx context.Context, addrs []string) []string {
	up := make([]bool, len(addrs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers * 4)
	for i, addr := range addrs {
		i, addr := i, addr
		g.Go(func() error {
			up[i] = s.ping(gctx, addr, s.opts.PingTimeout)
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	var responsive []string
	for i, ok := range up {
		if ok {
			responsive = append(responsive, addrs[i])
		}
	}
	return responsive
}

// identify probes the responsive addresses over SSH and upserts the ones
// that produced an inventory record. Hosts that refuse SSH are simply not
// lab workstations; they are skipped without error.
func (s *Scanner) identify(ctx context.Context, deptID int64, labID *int64, addrs []string) []persist.DiscoveredSystem {
	var mu sync.Mutex
	var found []persist.DiscoveredSystem

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			conn, err := s.pool.Acquire(gctx, addr)
			if err != nil {
				log.Debugf("No SSH access to %s: %v", addr, err)
				return nil
			}

			ident := s.prober.Identify(gctx, conn, addr)
			if ident == nil {
				return nil
			}

			id, err := s.store.UpsertIdentifiedHost(gctx, addr, ident, deptID, labID)
			if err != nil {
				log.Errorf("Could not register %s: %v", addr, err)
				return nil
			}

			hostname := ""
			if ident.Hostname != nil {
				hostname = *ident.Hostname
			}
			log.Infof("Verified %s as '%s' (system %d)", addr, hostname, id)

			mu.Lock()
			found = append(found, persist.DiscoveredSystem{
				DeptID:     deptID,
				Hostname:   ident.Hostname,
				IPAddress:  addr,
				MACAddress: ident.MACAddress,
			})
			mu.Unlock()
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	return found
}
