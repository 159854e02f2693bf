// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

// Package queue implements the job queue layer: a typed message processor
// with bounded retries, named store-backed queues with worker pools, a
// lifecycle event bus, and the queue manager registry.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/yebeike/RealtimeDataPlatform/internal/logging"
)

// EventType is a job lifecycle transition.
type EventType string

// Lifecycle events.
const (
	EventWaiting   EventType = "waiting"
	EventActive    EventType = "active"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
)

// Event is one lifecycle transition of a job.
type Event struct {
	Type  EventType `json:"type"`
	Queue string    `json:"queue"`
	JobID string    `json:"job_id"`
	Time  time.Time `json:"time"`
	Error string    `json:"error,omitempty"`
}

// eventsTopic carries all queue lifecycle events.
const eventsTopic = "queue.events"

// Bus publishes lifecycle events over an in-process Pub/Sub. Subscribers
// receive typed events; an optional forwarder can bridge the same topic to
// an external broker.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// NewBus creates the lifecycle event bus.
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, watermillLogger{}),
	}
}

// Publish emits a lifecycle event. Publishing is best-effort: a bus error
// is logged and never fails the job transition that caused it.
func (b *Bus) Publish(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		logging.Warn().Err(err).Str("queue", event.Queue).Msg("Queue event encode failed")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("queue", event.Queue)
	msg.Metadata.Set("type", string(event.Type))
	if err := b.pubsub.Publish(eventsTopic, msg); err != nil {
		logging.Warn().Err(err).Str("queue", event.Queue).Msg("Queue event publish failed")
	}
}

// Subscribe returns a channel of decoded events. Pass an empty queue name
// to receive events from every queue. The channel closes when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, queueName string) (<-chan Event, error) {
	messages, err := b.pubsub.Subscribe(ctx, eventsTopic)
	if err != nil {
		return nil, fmt.Errorf("subscribe queue events: %w", err)
	}
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for msg := range messages {
			var event Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				logging.Warn().Err(err).Msg("Queue event decode failed")
				msg.Ack()
				continue
			}
			msg.Ack()
			if queueName != "" && event.Queue != queueName {
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Messages exposes the raw watermill stream for bridging to an external
// broker.
func (b *Bus) Messages(ctx context.Context) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, eventsTopic)
}

// Close shuts the bus down; subscriber channels drain and close.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// watermillLogger routes watermill's internal logging through zerolog.
type watermillLogger struct {
	fields watermill.LogFields
}

func (l watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	l.event(logging.Error().Err(err), fields).Msg(msg)
}

func (l watermillLogger) Info(msg string, fields watermill.LogFields) {
	l.event(logging.Debug(), fields).Msg(msg)
}

func (l watermillLogger) Debug(msg string, fields watermill.LogFields) {
	l.event(logging.Debug(), fields).Msg(msg)
}

func (l watermillLogger) Trace(msg string, fields watermill.LogFields) {
	l.event(logging.Debug(), fields).Msg(msg)
}

func (l watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	merged := make(watermill.LogFields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return watermillLogger{fields: merged}
}

func (l watermillLogger) event(e *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range l.fields {
		e = e.Interface(k, v)
	}
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	return e
}
