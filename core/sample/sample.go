// Package sample hands off the sample events produced at each grid slot.
package sample

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is emitted once per warm boot. Timestamp is the nominal grid slot
// the wake was scheduled for, never the realized wake instant.
type Event struct {
	Timestamp   time.Time
	DoneReading bool
	Cycle       uint32
}

type Sink interface {
	Sample(ctx context.Context, ev Event) error
}

type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Sample(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// LogSink writes every event to a structured log.
type LogSink struct {
	Log *zap.Logger
}

func (s *LogSink) Sample(ctx context.Context, ev Event) error {
	s.Log.Info("sample",
		zap.Time("timestamp", ev.Timestamp),
		zap.Bool("done", ev.DoneReading),
		zap.Uint32("cycle", ev.Cycle))
	return nil
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Sample(ctx context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
