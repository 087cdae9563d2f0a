// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package mqueue is the broker side of the ingestion pipeline: collectors
// publish metric and discovery messages here, workers consume them and
// write the store. Queues are durable, so a broker restart loses nothing
// that was acked into them.
package mqueue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/streadway/amqp"

	"github.com/optilab/collector/pkg/metrics"
	"github.com/optilab/collector/pkg/persist"
	"github.com/optilab/collector/pkg/util/log"
)

const (
	heartbeat      = 600 * time.Second
	messageTTLMs   = 86400000 // 24h
	maxQueueLength = 100000
)

var queueNames = []string{QueueMetrics, QueueDiscovery, QueueAlerts, QueueDeadLetter}

// Endpoint is a broker address with credentials.
type Endpoint struct {
	Host     string
	Port     int
	User     string
	Password string
}

func (e Endpoint) url() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", e.User, e.Password, e.Host, e.Port)
}

// Client publishes to the broker. The channel is not safe for concurrent
// use, so every operation holds the client mutex.
type Client struct {
	mu       sync.Mutex
	endpoint Endpoint
	conn     *amqp.Connection
	ch       *amqp.Channel
}

// Connect dials the broker and declares the queues.
func Connect(endpoint Endpoint) (*Client, error) {
	c := &Client{endpoint: endpoint}
	if err := c.connect(); err != nil {
		return nil, err
	}
	log.Infof("Connected to broker at %s:%d", endpoint.Host, endpoint.Port)
	return c, nil
}

// connect establishes the connection and declares the durable queues.
// Callers hold c.mu (or are the constructor).
func (c *Client) connect() error {
	conn, err := amqp.DialConfig(c.endpoint.url(), amqp.Config{Heartbeat: heartbeat})
	if err != nil {
		return errors.Wrap(err, "dialing broker")
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "opening channel")
	}

	for _, name := range queueNames {
		_, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table{
			"x-message-ttl": int32(messageTTLMs),
			"x-max-length":  int32(maxQueueLength),
		})
		if err != nil {
			ch.Close()
			conn.Close()
			return errors.Wrapf(err, "declaring queue %s", name)
		}
	}

	c.conn = conn
	c.ch = ch
	return nil
}

func (c *Client) closeLocked() {
	if c.ch != nil {
		c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// publish sends one message, persistent delivery. On a transport failure it
// reconnects once and retries; a second failure is returned and the caller
// decides whether to drop or buffer.
func (c *Client) publish(queue string, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encoding message")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err = c.publishLocked(queue, body)
	if err == nil {
		log.Debugf("Published %s message to queue '%s'", msg.Type, queue)
		return nil
	}

	log.Warnf("Publish to %s failed (%v), reconnecting", queue, err) //nolint:errcheck
	c.closeLocked()
	if err := c.connect(); err != nil {
		return err
	}
	if err := c.publishLocked(queue, body); err != nil {
		return errors.Wrapf(err, "publishing to %s after reconnect", queue)
	}
	return nil
}

func (c *Client) publishLocked(queue string, body []byte) error {
	if c.ch == nil {
		return errors.New("not connected")
	}
	return c.ch.Publish("", queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// PublishMetric queues one sample for a host.
func (c *Client) PublishMetric(hostID persist.HostID, ts time.Time, sample *metrics.Sample) error {
	msg, err := NewMetricMessage(hostID, ts, sample)
	if err != nil {
		return err
	}
	return c.publish(QueueMetrics, msg)
}

// PublishDiscovery queues the systems sighted by a scan.
func (c *Client) PublishDiscovery(systems []persist.DiscoveredSystem) error {
	return c.publish(QueueDiscovery, NewDiscoveryMessage(systems))
}

// PublishAlert queues an opaque alert.
func (c *Client) PublishAlert(data map[string]interface{}) error {
	msg, err := NewAlertMessage(data)
	if err != nil {
		return err
	}
	return c.publish(QueueAlerts, msg)
}

// QueueStats returns the message and consumer counts of a queue.
func (c *Client) QueueStats(queue string) (messages, consumers int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch == nil {
		return 0, 0, errors.New("not connected")
	}
	state, err := c.ch.QueueInspect(queue)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "inspecting queue %s", queue)
	}
	return state.Messages, state.Consumers, nil
}

// Close shuts the broker connection down.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	log.Info("Closed broker connection")
}
