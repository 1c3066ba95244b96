// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tracking delivers experiment assignments to analytics.
//
// A Dispatcher receives assignments from assignment.Client's tracking
// callback and hands each one to a set of Sinks on a background worker:
//
//   - Beacon sends "Experiment Viewed" events to a tracking host.
//   - InfluxSink writes one point per assignment for dashboards.
//   - Hub streams assignments to connected websocket clients.
//
// EventRules turn page events (a click on ".buy", say) into named
// analytics events that are sent through a Beacon.
package tracking

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/assignment"
)

// Sink receives tracked assignments.
type Sink interface {
	Record(ctx context.Context, a assignment.Assignment) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, a assignment.Assignment) error

// Record calls f.
func (f SinkFunc) Record(ctx context.Context, a assignment.Assignment) error { return f(ctx, a) }

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// BufferSize bounds queued assignments. Default: 1024
	BufferSize int

	// Timeout bounds each Sink.Record call. Default: 5s
	Timeout time.Duration

	Logger *slog.Logger
}

// Dispatcher fans assignments out to sinks without blocking evaluation.
// When the buffer is full new assignments are dropped and counted.
type Dispatcher struct {
	sinks   []Sink
	queue   chan assignment.Assignment
	timeout time.Duration
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}

	delivered atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewDispatcher starts a dispatcher for sinks. Call Close to drain it.
func NewDispatcher(opts DispatcherOptions, sinks ...Sink) *Dispatcher {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	d := &Dispatcher{
		sinks:   sinks,
		queue:   make(chan assignment.Assignment, opts.BufferSize),
		timeout: opts.Timeout,
		logger:  opts.Logger,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Callback returns the function to pass to assignment.WithTracking.
func (d *Dispatcher) Callback() assignment.TrackingCallback {
	return d.Enqueue
}

// Enqueue queues a for delivery.
func (d *Dispatcher) Enqueue(a assignment.Assignment) {
	defer func() {
		// Send on a closed queue after Close.
		if recover() != nil {
			d.dropped.Add(1)
		}
	}()
	select {
	case d.queue <- a:
	default:
		d.dropped.Add(1)
		d.logger.Warn("tracking queue full, dropping assignment",
			slog.String("experiment", a.ExperimentKey))
	}
}

// Stats returns delivery counters. Delivered counts assignments every
// sink accepted.
func (d *Dispatcher) Stats() (delivered, dropped, failed int64) {
	return d.delivered.Load(), d.dropped.Load(), d.failed.Load()
}

// Close stops accepting assignments and waits for the queue to drain.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.queue)
		<-d.done
	})
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for a := range d.queue {
		ok := true
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			err := s.Record(ctx, a)
			cancel()
			if err != nil {
				ok = false
				d.logger.Error("tracking sink failed",
					slog.String("experiment", a.ExperimentKey),
					slog.String("error", err.Error()))
			}
		}
		if ok {
			d.delivered.Add(1)
		} else {
			d.failed.Add(1)
		}
	}
}
