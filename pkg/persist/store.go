// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package persist is the collector's view of the relational store. The store
// is the integration point with the ingest API and the dashboards; this
// package only covers the statements the collector and the queue workers
// need, all of them short transactions keyed by natural unique attributes.
package persist

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/optilab/collector/pkg/metrics"
	"github.com/optilab/collector/pkg/util/log"
)

// HostID identifies a host across the whole system. It is assigned by the
// store on first identification and survives collector restarts.
type HostID int64

// Host statuses as stored in the systems table.
const (
	StatusDiscovered = "discovered"
	StatusActive     = "active"
	StatusOffline    = "offline"
)

// Host is one row of the systems table.
type Host struct {
	ID         HostID  `db:"system_id"`
	LabID      *int64  `db:"lab_id"`
	DeptID     int64   `db:"dept_id"`
	Hostname   *string `db:"hostname"`
	IPAddress  string  `db:"ip_address"`
	MACAddress *string `db:"mac_address"`
	Status     string  `db:"status"`
}

// Department is one row of the departments table.
type Department struct {
	ID         int64   `db:"dept_id"`
	Name       string  `db:"dept_name"`
	SubnetCIDR *string `db:"subnet_cidr"`
}

// Store wraps the PostgreSQL connection pool. database/sql re-establishes
// dropped connections on next use, which gives us the lazy reconnect the
// control loop expects.
type Store struct {
	db *sqlx.DB
}

// Open connects to the store and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening store")
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "pinging store")
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection. Used by tests with sqlmock.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// ActiveHosts returns every host currently marked active, ordered by id so
// collection cycles are stable.
func (s *Store) ActiveHosts(ctx context.Context) ([]Host, error) {
	var hosts []Host
	err := s.db.SelectContext(ctx, &hosts, `
		SELECT system_id, lab_id, dept_id, hostname, ip_address, mac_address, status
		FROM systems
		WHERE status = 'active'
		ORDER BY system_id`)
	if err != nil {
		return nil, errors.Wrap(err, "listing active hosts")
	}
	return hosts, nil
}

// DepartmentsWithSubnet returns the departments that have a subnet to scan.
func (s *Store) DepartmentsWithSubnet(ctx context.Context) ([]Department, error) {
	var depts []Department
	err := s.db.SelectContext(ctx, &depts, `
		SELECT dept_id, dept_name, subnet_cidr
		FROM departments
		WHERE subnet_cidr IS NOT NULL
		ORDER BY dept_id`)
	if err != nil {
		return nil, errors.Wrap(err, "listing departments")
	}
	return depts, nil
}

// DepartmentExists checks the precondition for a department scan.
func (s *Store) DepartmentExists(ctx context.Context, deptID int64) (bool, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `SELECT dept_id FROM departments WHERE dept_id = $1`, deptID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, errors.Wrapf(err, "checking department %d", deptID)
	}
	return true, nil
}

// FirstLabID returns the lowest lab id of the department, or nil when the
// department has no labs. Discovered hosts attach to that lab.
func (s *Store) FirstLabID(ctx context.Context, deptID int64) (*int64, error) {
	var labID int64
	err := s.db.GetContext(ctx, &labID, `
		SELECT lab_id FROM labs WHERE lab_dept = $1 ORDER BY lab_id LIMIT 1`, deptID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "looking up labs for department %d", deptID)
	}
	return &labID, nil
}

// UpsertIdentifiedHost inserts or refreshes a host from an identification
// probe result. The upsert keys on ip_address; first_seen is only written on
// insert, last_seen always advances.
func (s *Store) UpsertIdentifiedHost(ctx context.Context, ip string, ident *metrics.Identification, deptID int64, labID *int64) (HostID, error) {
	var id HostID
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO systems (
			lab_id, dept_id, hostname, ip_address, mac_address,
			cpu_model, cpu_cores, ram_total_gb, disk_total_gb, gpu_model, gpu_memory,
			status, first_seen, last_seen, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'active', NOW(), NOW(), NOW())
		ON CONFLICT (ip_address) DO UPDATE
		SET hostname = EXCLUDED.hostname,
		    mac_address = EXCLUDED.mac_address,
		    cpu_model = EXCLUDED.cpu_model,
		    cpu_cores = EXCLUDED.cpu_cores,
		    ram_total_gb = EXCLUDED.ram_total_gb,
		    disk_total_gb = EXCLUDED.disk_total_gb,
		    gpu_model = EXCLUDED.gpu_model,
		    gpu_memory = EXCLUDED.gpu_memory,
		    status = 'active',
		    last_seen = NOW(),
		    updated_at = NOW()
		RETURNING system_id`,
		labID, deptID, ident.Hostname, ip, ident.MACAddress,
		ident.CPUModel, ident.CPUCores, ident.RAMTotalGB, ident.DiskTotalGB,
		ident.GPUModel, ident.GPUMemory)
	if err != nil {
		return 0, errors.Wrapf(err, "upserting host %s", ip)
	}
	return id, nil
}

// DiscoveredSystem is one entry of a discovery queue message.
type DiscoveredSystem struct {
	DeptID     int64   `json:"dept_id"`
	Hostname   *string `json:"hostname,omitempty"`
	IPAddress  string  `json:"ip_address"`
	MACAddress *string `json:"mac_address,omitempty"`
}

// UpsertDiscoveredHost records a host sighted by a scan. A first sighting
// lands as 'discovered'; any later one promotes the row to 'active'.
func (s *Store) UpsertDiscoveredHost(ctx context.Context, sys DiscoveredSystem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO systems (dept_id, hostname, ip_address, mac_address, status, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, 'discovered', NOW(), NOW())
		ON CONFLICT (ip_address) DO UPDATE
		SET hostname = EXCLUDED.hostname,
		    mac_address = EXCLUDED.mac_address,
		    status = 'active',
		    last_seen = NOW()`,
		sys.DeptID, sys.Hostname, sys.IPAddress, sys.MACAddress)
	if err != nil {
		return errors.Wrapf(err, "upserting discovered host %s", sys.IPAddress)
	}
	return nil
}

// InsertSample writes one metric row. Duplicate (system_id, timestamp) pairs
// are swallowed by the conflict clause: redeliveries must stay idempotent.
func (s *Store) InsertSample(ctx context.Context, tx *sqlx.Tx, hostID HostID, ts time.Time, sample *metrics.Sample) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO usage_metrics (
			system_id, timestamp,
			cpu_percent, cpu_temperature, ram_percent,
			disk_percent, disk_read_mbps, disk_write_mbps,
			network_sent_mbps, network_recv_mbps,
			gpu_percent, gpu_memory_used_gb, gpu_temperature,
			uptime_seconds, logged_in_users, collection_latency_ms
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (system_id, timestamp) DO NOTHING`,
		hostID, ts,
		sample.CPUPercent, sample.CPUTemperature, sample.RAMPercent,
		sample.DiskPercent, sample.DiskReadMbps, sample.DiskWriteMbps,
		sample.NetworkSentMbps, sample.NetworkRecvMbps,
		sample.GPUPercent, sample.GPUMemoryUsedGB, sample.GPUTemperature,
		sample.UptimeSeconds, sample.LoggedInUsers, sample.CollectionLatencyMS)
	if err != nil {
		return errors.Wrapf(err, "inserting sample for host %d", hostID)
	}
	return nil
}

// TouchHost advances last_seen and flips the host back to active. Runs in
// the same transaction as the sample insert.
func (s *Store) TouchHost(ctx context.Context, tx *sqlx.Tx, hostID HostID, ts time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE systems SET last_seen = $1, status = 'active' WHERE system_id = $2`,
		ts, hostID)
	if err != nil {
		return errors.Wrapf(err, "touching host %d", hostID)
	}
	return nil
}

// MarkHostOffline flags a host the heartbeat sweep could not reach.
func (s *Store) MarkHostOffline(ctx context.Context, hostID HostID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE systems SET status = 'offline' WHERE system_id = $1`, hostID)
	if err != nil {
		return errors.Wrapf(err, "marking host %d offline", hostID)
	}
	return nil
}

// Begin opens a transaction for the ingest worker.
func (s *Store) Begin(ctx context.Context) (*sqlx.Tx, error) {
	return s.db.BeginTxx(ctx, nil)
}

// StartScan opens a network_scans row in the running state.
func (s *Store) StartScan(ctx context.Context, deptID int64, targetRange string) (int64, error) {
	var scanID int64
	err := s.db.GetContext(ctx, &scanID, `
		INSERT INTO network_scans (dept_id, target_range, scan_start, status)
		VALUES ($1, $2, NOW(), 'running')
		RETURNING scan_id`,
		deptID, targetRange)
	if err != nil {
		return 0, errors.Wrapf(err, "starting scan of %s", targetRange)
	}
	return scanID, nil
}

// CompleteScan closes a scan row with its host count.
func (s *Store) CompleteScan(ctx context.Context, scanID int64, systemsFound int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE network_scans
		SET scan_end = NOW(), status = 'completed', systems_found = $1
		WHERE scan_id = $2`,
		systemsFound, scanID)
	if err != nil {
		return errors.Wrapf(err, "completing scan %d", scanID)
	}
	return nil
}

// FailScan closes a scan row with an error message.
func (s *Store) FailScan(ctx context.Context, scanID int64, msg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE network_scans
		SET scan_end = NOW(), status = 'failed', error_message = $1
		WHERE scan_id = $2`,
		msg, scanID)
	if err != nil {
		log.Errorf("Could not mark scan %d failed: %v", scanID, err)
		return errors.Wrapf(err, "failing scan %d", scanID)
	}
	return nil
}
