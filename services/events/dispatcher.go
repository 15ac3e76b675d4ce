package events

// Listener receives events synchronously on the simulation goroutine.
type Listener interface {
	OnEvent(e Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(e Event)

func (f ListenerFunc) OnEvent(e Event) { f(e) }

// Dispatcher delivers each event to a fixed list of listeners, in order.
type Dispatcher struct {
	listeners []Listener
}

// NewDispatcher copies listeners; the list cannot change afterwards.
func NewDispatcher(listeners ...Listener) *Dispatcher {
	d := &Dispatcher{listeners: make([]Listener, 0, len(listeners))}
	for _, l := range listeners {
		if l != nil {
			d.listeners = append(d.listeners, l)
		}
	}
	return d
}

// Publish delivers e to every listener. A nil dispatcher drops events.
func (d *Dispatcher) Publish(e Event) {
	if d == nil {
		return
	}
	for _, l := range d.listeners {
		l.OnEvent(e)
	}
}

// OnEvent lets a dispatcher feed another dispatcher.
func (d *Dispatcher) OnEvent(e Event) { d.Publish(e) }

// Len is the number of registered listeners.
func (d *Dispatcher) Len() int {
	if d == nil {
		return 0
	}
	return len(d.listeners)
}

// Recorder keeps every event it receives; used by tests and summaries.
type Recorder struct {
	Events []Event
}

func (r *Recorder) OnEvent(e Event) { r.Events = append(r.Events, e) }

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events {
		if e.EventType() == t {
			out = append(out, e)
		}
	}
	return out
}
