// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"

	"github.com/yebeike/RealtimeDataPlatform/internal/logging"
)

// ForwarderConfig configures the optional NATS bridge for lifecycle events.
type ForwarderConfig struct {
	URL           string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultForwarderConfig returns production defaults.
func DefaultForwarderConfig() ForwarderConfig {
	return ForwarderConfig{
		URL:           natsgo.DefaultURL,
		Subject:       "rdp.queue.events",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
	}
}

// Forwarder bridges the in-process lifecycle bus onto a NATS subject so
// external consumers can observe queue activity.
type Forwarder struct {
	bus       *Bus
	publisher message.Publisher
	subject   string
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewForwarder connects to NATS and starts forwarding bus events.
func NewForwarder(bus *Bus, cfg ForwarderConfig) (*Forwarder, error) {
	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, watermillLogger{})
	if err != nil {
		return nil, fmt.Errorf("create event forwarder publisher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &Forwarder{
		bus:       bus,
		publisher: pub,
		subject:   cfg.Subject,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	messages, err := bus.Messages(ctx)
	if err != nil {
		cancel()
		_ = pub.Close()
		return nil, err
	}
	go f.run(messages)
	return f, nil
}

func (f *Forwarder) run(messages <-chan *message.Message) {
	defer close(f.done)
	for msg := range messages {
		out := message.NewMessage(watermill.NewUUID(), msg.Payload)
		out.Metadata = msg.Metadata
		if err := f.publisher.Publish(f.subject, out); err != nil {
			logging.Warn().Err(err).Str("subject", f.subject).Msg("Event forward failed")
		}
		msg.Ack()
	}
}

// Close stops forwarding and closes the NATS connection.
func (f *Forwarder) Close() error {
	f.cancel()
	<-f.done
	return f.publisher.Close()
}

// EmbeddedServerConfig configures the in-process NATS server used by
// single-instance deployments.
type EmbeddedServerConfig struct {
	Host     string
	Port     int
	StoreDir string
}

// EmbeddedServer is an in-process NATS server for deployments without an
// external broker.
type EmbeddedServer struct {
	server *server.Server
}

// NewEmbeddedServer starts an embedded NATS server and waits for it to
// accept connections.
func NewEmbeddedServer(cfg EmbeddedServerConfig) (*EmbeddedServer, error) {
	opts := &server.Options{
		ServerName: "rdp-queue-events",
		Host:       cfg.Host,
		Port:       cfg.Port,
		JetStream:  false,
		StoreDir:   cfg.StoreDir,
		NoLog:      true,
		MaxPayload: 1024 * 1024,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(30 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready within timeout")
	}
	return &EmbeddedServer{server: ns}, nil
}

// ClientURL returns the connection URL for the forwarder.
func (s *EmbeddedServer) ClientURL() string {
	return s.server.ClientURL()
}

// Running reports whether the server is up.
func (s *EmbeddedServer) Running() bool {
	return s.server.Running()
}

// Shutdown stops the server and waits for it to exit.
func (s *EmbeddedServer) Shutdown() {
	s.server.Shutdown()
	s.server.WaitForShutdown()
}
