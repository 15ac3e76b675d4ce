// Package runner turns a run definition into a finished simulation: it
// builds the components, loads bars with enough warm-up history and replays
// them through the engine.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"equity-backtest/services/config"
	"equity-backtest/services/engine"
	"equity-backtest/services/events"
	"equity-backtest/services/marketdata"
	"equity-backtest/services/model"
	"equity-backtest/services/roi"
)

// ErrNoBarsInRange is returned when the source has history but nothing to trade on.
var ErrNoBarsInRange = errors.New("no bars inside the run range")

// SinkFactory returns the listeners one run should publish to besides the
// summary. It is called once per run with the run id; listeners that are
// io.Closers are closed when the run ends.
type SinkFactory func(runID string) []events.Listener

// Runner executes run definitions against one bar source.
type Runner struct {
	source marketdata.Source
	sinks  SinkFactory
	logger *zap.Logger
}

func New(source marketdata.Source, sinks SinkFactory, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{source: source, sinks: sinks, logger: logger}
}

// Run simulates def under runID; an empty runID gets a fresh uuid.
func (r *Runner) Run(ctx context.Context, runID string, def *config.Run) (engine.Result, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := r.logger.With(zap.String("run_id", runID), zap.String("ticker", def.Ticker))

	hash, err := engine.Fingerprint(def)
	if err != nil {
		return engine.Result{}, fmt.Errorf("fingerprint run definition: %w", err)
	}
	preview, err := def.Build(nil)
	if err != nil {
		return engine.Result{}, err
	}

	start, end := def.Start.Time, def.End.Time
	from := marketdata.WarmUpStart(start, preview.Strategy.WarmUp())
	bars, err := r.source.Bars(ctx, def.Ticker, from, end)
	if err != nil {
		return engine.Result{}, fmt.Errorf("load bars for %s: %w", def.Ticker, err)
	}
	series, err := model.NewSeries(bars)
	if err != nil {
		return engine.Result{}, err
	}
	if len(series.Between(start, end)) == 0 {
		return engine.Result{}, fmt.Errorf("%w: %s %s to %s", ErrNoBarsInRange, def.Ticker,
			start.Format(time.DateOnly), end.Format(time.DateOnly))
	}
	logger.Debug("bars loaded", zap.Int("bars", series.Len()), zap.Time("from", from))

	summary := engine.NewSummary(runID, def.Ticker, start, end).WithConfigHash(hash)
	var extra []events.Listener
	if r.sinks != nil {
		extra = r.sinks(runID)
	}
	defer closeAll(extra, logger)
	listeners := []events.Listener{summary}
	listeners = append(listeners, extra...)
	if preview.Period != roi.Daily {
		listeners = append(listeners, roi.NewPeriodicRollup(preview.Period, events.NewDispatcher(extra...)))
	}
	d := events.NewDispatcher(listeners...)

	c, err := def.Build(d)
	if err != nil {
		return engine.Result{}, err
	}
	sim, err := engine.New(engine.Config{
		RunID:      runID,
		Ticker:     def.Ticker,
		Start:      start,
		End:        end,
		Bars:       series,
		Strategy:   c.Strategy,
		Cash:       c.Cash,
		Brokerage:  c.Brokerage,
		ROI:        c.ROI,
		Dispatcher: d,
		Logger:     logger,
	})
	if err != nil {
		return engine.Result{}, err
	}
	if err := sim.Run(); err != nil {
		return summary.Result(), err
	}
	return summary.Result(), nil
}

// Job wraps a run definition for the planner under a fresh job id.
func (r *Runner) Job(def *config.Run) engine.Job {
	id := uuid.NewString()
	return engine.Job{
		ID: id,
		Run: func(ctx context.Context) (engine.Result, error) {
			return r.Run(ctx, id, def)
		},
	}
}

func closeAll(listeners []events.Listener, logger *zap.Logger) {
	for _, l := range listeners {
		if c, ok := l.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Warn("closing event sink failed", zap.Error(err))
			}
		}
	}
}
