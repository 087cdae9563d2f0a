// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package metrics holds the typed records exchanged between the probes, the
// message bus and the ingest workers. Every numeric field is a pointer: the
// probe scripts emit whatever they can measure and omit the rest, and a
// missing field must stay distinguishable from zero all the way to the store.
package metrics

// Sample is one dynamic metric snapshot taken from a host.
type Sample struct {
	CPUPercent      *float64 `json:"cpu_percent,omitempty" db:"cpu_percent"`
	CPUTemperature  *float64 `json:"cpu_temperature,omitempty" db:"cpu_temperature"`
	RAMPercent      *float64 `json:"ram_percent,omitempty" db:"ram_percent"`
	DiskPercent     *float64 `json:"disk_percent,omitempty" db:"disk_percent"`
	DiskReadMbps    *float64 `json:"disk_read_mbps,omitempty" db:"disk_read_mbps"`
	DiskWriteMbps   *float64 `json:"disk_write_mbps,omitempty" db:"disk_write_mbps"`
	NetworkSentMbps *float64 `json:"network_sent_mbps,omitempty" db:"network_sent_mbps"`
	NetworkRecvMbps *float64 `json:"network_recv_mbps,omitempty" db:"network_recv_mbps"`
	GPUPercent      *float64 `json:"gpu_percent,omitempty" db:"gpu_percent"`
	GPUMemoryUsedGB *float64 `json:"gpu_memory_used_gb,omitempty" db:"gpu_memory_used_gb"`
	GPUTemperature  *float64 `json:"gpu_temperature,omitempty" db:"gpu_temperature"`
	UptimeSeconds   *int64   `json:"uptime_seconds,omitempty" db:"uptime_seconds"`
	LoggedInUsers   *int64   `json:"logged_in_users,omitempty" db:"logged_in_users"`

	// CollectionLatencyMS is measured by the collector, not the probe script.
	CollectionLatencyMS *int64 `json:"collection_latency_ms,omitempty" db:"collection_latency_ms"`
}

// Identification is the static inventory record returned by the
// identification probe.
type Identification struct {
	Hostname    *string  `json:"hostname,omitempty"`
	MACAddress  *string  `json:"mac_address,omitempty"`
	CPUModel    *string  `json:"cpu_model,omitempty"`
	CPUCores    *int64   `json:"cpu_cores,omitempty"`
	RAMTotalGB  *float64 `json:"ram_total_gb,omitempty"`
	DiskTotalGB *float64 `json:"disk_total_gb,omitempty"`
	GPUModel    *string  `json:"gpu_model,omitempty"`
	GPUMemory   *float64 `json:"gpu_memory,omitempty"`
}
