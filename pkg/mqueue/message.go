// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package mqueue

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/optilab/collector/pkg/metrics"
	"github.com/optilab/collector/pkg/persist"
)

// Queue names. All four are declared durable with a 24h TTL and a 100k
// message cap.
const (
	QueueMetrics    = "metrics"
	QueueDiscovery  = "discovery"
	QueueAlerts     = "alerts"
	QueueDeadLetter = "dead_letter"
)

// Message types.
const (
	TypeMetric    = "metric"
	TypeDiscovery = "discovery"
	TypeAlert     = "alert"
)

// Message is the wire envelope. Data is type-dependent: a metrics.Sample
// for metric messages, free-form JSON for alerts, empty for discovery
// (which uses Systems/Count instead).
type Message struct {
	Type      string                     `json:"type"`
	Timestamp time.Time                  `json:"timestamp"`
	SystemID  int64                      `json:"system_id,omitempty"`
	Data      json.RawMessage            `json:"data,omitempty"`
	Systems   []persist.DiscoveredSystem `json:"systems,omitempty"`
	Count     int                        `json:"count,omitempty"`
}

// NewMetricMessage wraps one sample for the metrics queue.
func NewMetricMessage(hostID persist.HostID, ts time.Time, sample *metrics.Sample) (*Message, error) {
	data, err := json.Marshal(sample)
	if err != nil {
		return nil, errors.Wrap(err, "encoding sample")
	}
	return &Message{
		Type:      TypeMetric,
		Timestamp: ts,
		SystemID:  int64(hostID),
		Data:      data,
	}, nil
}

// NewDiscoveryMessage wraps a scan's worth of sighted systems.
func NewDiscoveryMessage(systems []persist.DiscoveredSystem) *Message {
	return &Message{
		Type:      TypeDiscovery,
		Timestamp: time.Now().UTC(),
		Systems:   systems,
		Count:     len(systems),
	}
}

// NewAlertMessage wraps opaque alert data.
func NewAlertMessage(data map[string]interface{}) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "encoding alert")
	}
	return &Message{
		Type:      TypeAlert,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// Sample decodes the metric payload of a metric message.
func (m *Message) Sample() (*metrics.Sample, error) {
	if m.Type != TypeMetric {
		return nil, errors.Errorf("not a metric message: %s", m.Type)
	}
	var sample metrics.Sample
	if err := json.Unmarshal(m.Data, &sample); err != nil {
		return nil, errors.Wrap(err, "decoding sample")
	}
	return &sample, nil
}
