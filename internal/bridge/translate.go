package bridge

import "strings"

// Outcome is the terminal signal an agent event may carry.
type Outcome int

const (
	Pending Outcome = iota
	Done
	Failed
)

// Lifecycle inspects a lifecycle event. Phase "end" is Done, phase "error"
// is Failed with data.message (or "agent failed"). Everything else is Pending.
func (ev AgentEvent) Lifecycle() (Outcome, error) {
	if ev.Stream != streamLifecycle {
		return Pending, nil
	}
	switch ev.Phase {
	case "end":
		return Done, nil
	case "error":
		msg := ev.Message
		if msg == "" {
			msg = "agent failed"
		}
		return Failed, rejected(msg)
	}
	return Pending, nil
}

// Accumulator folds agent events into a single answer for buffered calls.
// A snapshot replaces the buffer, a delta appends to it. Deltas are only read
// from non-assistant events; an assistant event without a string data.text
// is ignored.
type Accumulator struct {
	buf strings.Builder
}

// Apply folds one event into the buffer.
func (a *Accumulator) Apply(ev AgentEvent) {
	switch {
	case ev.Stream == streamAssistant:
		if ev.HasText {
			a.buf.Reset()
			a.buf.WriteString(ev.Text)
		}
	case ev.HasDelta:
		a.buf.WriteString(ev.Delta)
	}
}

// Text returns the buffer trimmed of surrounding whitespace.
func (a *Accumulator) Text() string {
	return strings.TrimSpace(a.buf.String())
}

// Differ turns agent events into incremental fragments for streaming calls.
// It remembers the last snapshot so that a growing snapshot yields only its
// new suffix. A snapshot that does not extend the previous one is emitted in
// full. Deltas from non-assistant events pass through verbatim.
type Differ struct {
	last string
}

// Apply returns the fragment to emit for ev, possibly empty.
func (d *Differ) Apply(ev AgentEvent) string {
	switch {
	case ev.Stream == streamAssistant:
		if !ev.HasText {
			return ""
		}
		frag := ev.Text
		if strings.HasPrefix(ev.Text, d.last) {
			frag = ev.Text[len(d.last):]
		}
		d.last = ev.Text
		return frag
	case ev.HasDelta:
		return ev.Delta
	}
	return ""
}
