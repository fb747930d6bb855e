package collision

import "sync/atomic"

// Mailbox is a thread-safe single-slot handoff for raw collision pulses. The
// device notification callback posts from the transport's goroutine; the
// control loop consumes once per tick. At most one unconsumed pulse is
// buffered: a second pulse arriving before the first is consumed is dropped,
// which is correct because the FSM ignores pulses while already Active.
type Mailbox struct {
	pending atomic.Bool
}

// Post records a pulse. Safe to call from any goroutine.
func (m *Mailbox) Post() {
	m.pending.Store(true)
}

// Consume returns true if a pulse arrived since the last call, clearing it.
func (m *Mailbox) Consume() bool {
	return m.pending.Swap(false)
}
