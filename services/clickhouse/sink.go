package clickhouse

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"equity-backtest/services/events"
)

type eventRow struct {
	seq     uint64
	typ     string
	date    time.Time
	payload string
}

// EventSink appends one run's events to simulation_events. Rows are sent
// once BatchSize accumulate and when the run reaches a terminal state.
type EventSink struct {
	client    *Client
	runID     string
	batchSize int
	logger    *zap.Logger

	mu   sync.Mutex
	seq  uint64
	rows []eventRow
	err  error
}

func (c *Client) NewEventSink(runID string, batchSize int, logger *zap.Logger) *EventSink {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventSink{client: c, runID: runID, batchSize: batchSize, logger: logger}
}

func (s *EventSink) OnEvent(e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("event not encodable", zap.String("type", string(e.EventType())), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.seq++
	s.rows = append(s.rows, eventRow{seq: s.seq, typ: string(e.EventType()), date: e.EventDate(), payload: string(payload)})
	full := len(s.rows) >= s.batchSize
	s.mu.Unlock()

	if _, terminal := e.(events.SimulationStateEvent); full || terminal {
		if err := s.Flush(context.Background()); err != nil {
			s.logger.Error("event flush failed", zap.String("run_id", s.runID), zap.Error(err))
		}
	}
}

// Flush sends buffered rows. Rows that fail to send are dropped and the
// first error is kept for Err.
func (s *EventSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	rows := s.rows
	s.rows = nil
	s.mu.Unlock()
	if len(rows) == 0 {
		return nil
	}

	err := s.send(ctx, rows)
	if err != nil {
		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
	}
	return err
}

func (s *EventSink) send(ctx context.Context, rows []eventRow) error {
	batch, err := s.client.conn.PrepareBatch(ctx, "INSERT INTO "+s.client.table(eventsTable)+" (run_id, seq, type, date, payload)")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(s.runID, r.seq, r.typ, r.date, r.payload); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}
	return batch.Send()
}

// Err is the first send failure, if any.
func (s *EventSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
