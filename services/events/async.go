package events

import (
	"sync"

	"go.uber.org/zap"
)

// AsyncListener hands events to a slow sink on its own goroutine. The queue is
// unbounded so a stalled sink never blocks the simulation.
type AsyncListener struct {
	sink   Listener
	logger *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	done   chan struct{}
}

// Async starts the worker draining into sink.
func Async(sink Listener, logger *zap.Logger) *AsyncListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &AsyncListener{sink: sink, logger: logger, done: make(chan struct{})}
	a.cond = sync.NewCond(&a.mu)
	go a.run()
	return a
}

func (a *AsyncListener) OnEvent(e Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.logger.Warn("event dropped after close", zap.String("type", string(e.EventType())))
		return
	}
	a.queue = append(a.queue, e)
	a.cond.Signal()
}

func (a *AsyncListener) run() {
	defer close(a.done)
	for {
		a.mu.Lock()
		for len(a.queue) == 0 && !a.closed {
			a.cond.Wait()
		}
		if len(a.queue) == 0 && a.closed {
			a.mu.Unlock()
			return
		}
		batch := a.queue
		a.queue = nil
		a.mu.Unlock()

		for _, e := range batch {
			a.deliver(e)
		}
	}
}

func (a *AsyncListener) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("async listener panicked", zap.Any("panic", r), zap.String("type", string(e.EventType())))
		}
	}()
	a.sink.OnEvent(e)
}

// Pending is the number of queued events not yet handed to the sink.
func (a *AsyncListener) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// Close stops accepting events and waits until the queue is drained.
func (a *AsyncListener) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		a.cond.Broadcast()
	}
	a.mu.Unlock()
	<-a.done
	return nil
}
