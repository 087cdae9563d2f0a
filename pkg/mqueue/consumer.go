// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package mqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/streadway/amqp"

	"github.com/optilab/collector/pkg/util/log"
)

const defaultPrefetch = 10

// Handler processes one decoded message. Returning true acks it; returning
// false nacks it back onto the queue for redelivery.
type Handler func(msg *Message) bool

// Consumer pulls messages off one queue. Each consumer holds its own
// channel; amqp channels must not be shared across goroutines.
type Consumer struct {
	endpoint Endpoint
	queue    string
	prefetch int
	handler  Handler
}

// NewConsumer returns a consumer for the given queue. prefetch <= 0 falls
// back to 10.
func NewConsumer(endpoint Endpoint, queue string, prefetch int, handler Handler) *Consumer {
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	return &Consumer{
		endpoint: endpoint,
		queue:    queue,
		prefetch: prefetch,
		handler:  handler,
	}
}

// Run consumes until the context is cancelled. A dropped broker connection
// is redialed with exponential backoff.
func (c *Consumer) Run(ctx context.Context) error {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)

	for {
		err := c.consumeOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.Errorf("Consumer for '%s' lost its connection: %v", c.queue, err)
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return errors.Errorf("giving up reconnecting consumer for %s", c.queue)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// consumeOnce opens a connection and drains deliveries until the channel
// closes or the context is cancelled.
func (c *Consumer) consumeOnce(ctx context.Context) error {
	conn, err := amqp.DialConfig(c.endpoint.url(), amqp.Config{Heartbeat: heartbeat})
	if err != nil {
		return errors.Wrap(err, "dialing broker")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return errors.Wrap(err, "opening channel")
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, amqp.Table{
		"x-message-ttl": int32(messageTTLMs),
		"x-max-length":  int32(maxQueueLength),
	}); err != nil {
		return errors.Wrapf(err, "declaring queue %s", c.queue)
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return errors.Wrap(err, "setting prefetch")
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "consuming from %s", c.queue)
	}

	log.Infof("Consumer ready on queue '%s' (prefetch: %d)", c.queue, c.prefetch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handleDelivery(d)
		}
	}
}

// handleDelivery decodes and dispatches one delivery. Malformed JSON goes
// to the dead-letter path (nack without requeue); a panicking handler
// requeues the message.
func (c *Consumer) handleDelivery(d amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		log.Errorf("Invalid JSON in message on '%s': %v", c.queue, err)
		d.Nack(false, false) //nolint:errcheck
		return
	}

	ok := c.invoke(&msg)
	if ok {
		d.Ack(false) //nolint:errcheck
		log.Debugf("Processed %s message from '%s'", msg.Type, c.queue)
	} else {
		log.Warnf("Processing of %s message failed, requeueing", msg.Type) //nolint:errcheck
		d.Nack(false, true)                                                //nolint:errcheck
	}
}

// invoke shields the ack/nack decision from handler panics.
func (c *Consumer) invoke(msg *Message) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Handler panicked on %s message: %v", msg.Type, r)
			ok = false
		}
	}()
	return c.handler(msg)
}
