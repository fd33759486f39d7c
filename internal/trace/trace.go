// Package trace collects events observed during emulation runs: forced
// targets hit, calls crossed, shimmed routines. The CLI renders the
// collected events as its report.
package trace

import (
	"fmt"
	"time"
)

// Kind classifies a trace event.
type Kind string

const (
	TargetHit Kind = "target"
	Call      Kind = "call"
	Shim      Kind = "shim"
	RunStart  Kind = "run"
	Abandon   Kind = "abandon"
)

// Event is one observation from an emulation run.
type Event struct {
	Kind      Kind
	PC        uint64
	Name      string
	Argv      []uint64
	Detail    string
	Timestamp time.Time
}

// New creates an event stamped now.
func New(kind Kind, pc uint64, name, detail string) *Event {
	return &Event{
		Kind:      kind,
		PC:        pc,
		Name:      name,
		Detail:    detail,
		Timestamp: time.Now(),
	}
}

// WithArgv attaches call arguments.
func (e *Event) WithArgv(argv []uint64) *Event {
	e.Argv = append([]uint64(nil), argv...)
	return e
}

// String renders the event on one line.
func (e *Event) String() string {
	s := fmt.Sprintf("%08X  %-7s %s", e.PC, e.Kind, e.Name)
	if e.Detail != "" {
		s += "  " + e.Detail
	}
	return s
}

// Recorder accumulates events in order.
type Recorder struct {
	events []*Event
}

// Record appends an event.
func (r *Recorder) Record(e *Event) {
	r.events = append(r.events, e)
}

// Events returns everything recorded so far.
func (r *Recorder) Events() []*Event {
	return r.events
}

// ByKind returns recorded events of one kind, in order.
func (r *Recorder) ByKind(kind Kind) []*Event {
	var out []*Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	return len(r.events)
}
