// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/yebeike/RealtimeDataPlatform/internal/logging"
)

// Processor defaults.
const (
	DefaultProcessTimeout = 30 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = time.Second
	maxBackoff            = 30 * time.Second
)

// Message is one unit of work routed by type.
type Message struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Attempts int             `json:"attempts"`
}

// Handler processes one message's payload and returns a result.
type Handler func(ctx context.Context, data json.RawMessage) (any, error)

// BatchEntry is the per-message outcome of ProcessBatch.
type BatchEntry struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// BatchResult aggregates a ProcessBatch run.
type BatchResult struct {
	Entries   []BatchEntry `json:"entries"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
}

// Processor routes messages to handlers by type with an in-flight duplicate
// guard, a per-message timeout, and bounded exponential retry.
type Processor struct {
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
	bus        *Bus

	mu       sync.Mutex
	handlers map[string]Handler
	inFlight map[string]time.Time // message id -> start time
}

// NewProcessor creates a processor. Zero arguments use the defaults; bus
// may be nil to disable event emission.
func NewProcessor(timeout time.Duration, maxRetries int, retryDelay time.Duration, bus *Bus) *Processor {
	if timeout <= 0 {
		timeout = DefaultProcessTimeout
	}
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &Processor{
		timeout:    timeout,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		bus:        bus,
		handlers:   make(map[string]Handler),
		inFlight:   make(map[string]time.Time),
	}
}

// RegisterHandler binds a message type to its handler. Replaces any prior
// binding.
func (p *Processor) RegisterHandler(msgType string, h Handler) error {
	if msgType == "" {
		return fmt.Errorf("queue: handler type must not be empty")
	}
	if h == nil {
		return fmt.Errorf("queue: nil handler for type %q", msgType)
	}
	p.mu.Lock()
	p.handlers[msgType] = h
	p.mu.Unlock()
	return nil
}

// Process runs a message through its handler, retrying failures with
// exponential backoff up to maxRetries. A duplicate of an in-flight message
// id is rejected immediately.
func (p *Processor) Process(ctx context.Context, msg Message) (any, error) {
	p.mu.Lock()
	if _, dup := p.inFlight[msg.ID]; dup {
		p.mu.Unlock()
		return nil, fmt.Errorf("queue: message %s already in flight", msg.ID)
	}
	handler, ok := p.handlers[msg.Type]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("queue: no handler for message type %q", msg.Type)
	}
	p.inFlight[msg.ID] = time.Now()
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.inFlight, msg.ID)
		p.mu.Unlock()
	}()

	attempts := msg.Attempts
	for {
		result, err := p.invoke(ctx, handler, msg.Data)
		if err == nil {
			p.emit(EventCompleted, msg.ID, "")
			return result, nil
		}

		attempts++
		if attempts > p.maxRetries {
			p.emit(EventFailed, msg.ID, err.Error())
			return nil, fmt.Errorf("process message %s: %w", msg.ID, err)
		}

		delay := backoffDelay(p.retryDelay, attempts)
		logging.Debug().
			Str("message", msg.ID).
			Int("attempt", attempts).
			Dur("delay", delay).
			Err(err).
			Msg("Message processing retry")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// invoke races the handler against the per-message timeout.
func (p *Processor) invoke(ctx context.Context, handler Handler, data json.RawMessage) (any, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("handler panicked: %v", rec)}
			}
		}()
		result, err := handler(runCtx, data)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-runCtx.Done():
		return nil, fmt.Errorf("handler timeout after %s", p.timeout)
	}
}

// backoffDelay computes min(base * 2^(attempt-1), maxBackoff).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

// ProcessBatch runs all messages concurrently and aggregates per-message
// outcomes.
func (p *Processor) ProcessBatch(ctx context.Context, msgs []Message) BatchResult {
	entries := make([]BatchEntry, len(msgs))
	var wg sync.WaitGroup
	for i, msg := range msgs {
		wg.Add(1)
		go func(i int, msg Message) {
			defer wg.Done()
			result, err := p.Process(ctx, msg)
			entry := BatchEntry{ID: msg.ID, OK: err == nil, Result: result}
			if err != nil {
				entry.Error = err.Error()
			}
			entries[i] = entry
		}(i, msg)
	}
	wg.Wait()

	out := BatchResult{Entries: entries}
	for _, e := range entries {
		if e.OK {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	return out
}

// CleanupTimedOut evicts in-flight entries older than the processing
// timeout. The timeout race normally handles this; the sweep is a backstop
// against leaked entries.
func (p *Processor) CleanupTimedOut() int {
	cutoff := time.Now().Add(-p.timeout)
	p.mu.Lock()
	defer p.mu.Unlock()
	var evicted int
	for id, started := range p.inFlight {
		if started.Before(cutoff) {
			delete(p.inFlight, id)
			evicted++
		}
	}
	if evicted > 0 {
		logging.Warn().Int("evicted", evicted).Msg("Evicted stale in-flight messages")
	}
	return evicted
}

// InFlight returns the number of messages currently processing.
func (p *Processor) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

func (p *Processor) emit(t EventType, id, errMsg string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(Event{Type: t, JobID: id, Time: time.Now().UTC(), Error: errMsg})
}
