// Package recorder persists simulation events for later analysis.
package recorder

import (
	"context"

	"equity-backtest/services/events"
)

// Recorder hands out one listener per run and reads recorded ledgers back.
type Recorder interface {
	ForRun(runID string) events.Listener
	NetWorth(ctx context.Context, runID string) ([]events.NetWorthEvent, error)
	Close() error
}

// NoopRecorder is used when no database is configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (NoopRecorder) ForRun(string) events.Listener { return events.ListenerFunc(func(events.Event) {}) }

func (NoopRecorder) NetWorth(context.Context, string) ([]events.NetWorthEvent, error) {
	return nil, nil
}

func (NoopRecorder) Close() error { return nil }
