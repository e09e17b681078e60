// Package pdsink defines the types shared between the USB power delivery sink
// negotiation engine and the port controller (PHY) drivers: protocol events,
// the bounded event queue, the alert signal and the register snapshots.
package pdsink

import (
	"errors"
	"sync/atomic"

	"github.com/battpack/pdsink/pdmsg"
)

// EventKind identifies a protocol event produced by a port controller.
type EventKind uint8

// Events produced by draining the port controller alerts.
const (
	EventNone                   EventKind = iota
	EventAttached                         // A source partner is attached
	EventDetached                         // The source partner went away
	EventDataMessageReceived              // A data message was received
	EventControlMessageReceived           // A control message was received
	EventHardResetReceived                // The partner signalled hard reset
)

func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "None"
	case EventAttached:
		return "Attached"
	case EventDetached:
		return "Detached"
	case EventDataMessageReceived:
		return "DataMessageReceived"
	case EventControlMessageReceived:
		return "ControlMessageReceived"
	case EventHardResetReceived:
		return "HardResetReceived"
	default:
		return "INVALID"
	}
}

// Event is a single protocol event. Message is only set for
// EventDataMessageReceived and EventControlMessageReceived.
type Event struct {
	Kind    EventKind
	Message pdmsg.Message
}

// QueueSize is the capacity of an event queue.
const QueueSize = 16

// Queue is a fixed capacity FIFO of events. It is written by the port
// controller while draining alerts and read by the negotiation engine, both
// from the same goroutine, so it is not safe for concurrent use.
type Queue struct {
	buf        [QueueSize]Event
	head, size int

	// Dropped counts events discarded because the queue was full.
	Dropped uint32
}

// Push appends e to the queue. If the queue is full, e is dropped and false
// is returned.
func (q *Queue) Push(e Event) bool {
	if q.size == QueueSize {
		q.Dropped++
		return false
	}
	q.buf[(q.head+q.size)%QueueSize] = e
	q.size++
	return true
}

// Pop removes and returns the oldest event. ok is false when the queue is
// empty.
func (q *Queue) Pop() (e Event, ok bool) {
	if q.size == 0 {
		return Event{}, false
	}
	e = q.buf[q.head]
	q.head = (q.head + 1) % QueueSize
	q.size--
	return e, true
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	return q.size
}

// Flush drops all queued events.
func (q *Queue) Flush() {
	q.head, q.size = 0, 0
}

// AlertSignal carries the "alert pending" condition from an interrupt or
// edge watcher to the engine loop. Raise never blocks and performs no I/O so
// it may be called from interrupt context.
type AlertSignal struct {
	pending atomic.Bool
	wake    chan struct{}
}

// NewAlertSignal returns a ready to use signal.
func NewAlertSignal() *AlertSignal {
	return &AlertSignal{wake: make(chan struct{}, 1)}
}

// Raise marks an alert as pending and wakes the engine loop.
func (s *AlertSignal) Raise() {
	s.pending.Store(true)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Take clears the pending flag and returns its previous value.
func (s *AlertSignal) Take() bool {
	return s.pending.Swap(false)
}

// C returns a channel that receives a value after Raise is called.
func (s *AlertSignal) C() <-chan struct{} {
	return s.wake
}

// PortController is the interface between the negotiation engine and a PD
// PHY. None of the methods may be called from interrupt context and all of
// them are called from the engine goroutine only.
//
// Port controllers should try to avoid heap allocation after initialization
// stage as much as possible, since they may be running on microcontrollers with
// limited/expensive garbage collectors.
type PortController interface {

	// Init (re-)initializes the controller: unmasks the alerts of interest,
	// clears pending alerts and refreshes st. It may be called multiple times.
	Init(st *Status) error

	// Tx sends a power delivery message to the port partner. GoodCRC handling
	// and retries are done by the controller. ErrTxFailed is returned if the
	// partner did not acknowledge the message.
	Tx(pdmsg.Message) error

	// Alert drains the controller alert registers until they all read zero,
	// appends the decoded events to q and updates st.
	Alert(q *Queue, st *Status) error

	// SoftReset runs the register level soft reset sequence.
	SoftReset() error

	// HardReset pulses the controller reset line and re-initializes it.
	HardReset(st *Status) error
}

// HardResetSignaler is implemented by port controllers able to signal Hard
// Reset to the port partner. The engine calls it before HardReset when the
// reset was requested locally.
type HardResetSignaler interface {
	SendHardReset() error
}

var (
	// ErrTxFailed is returned by Tx() if all auto-retries have failed.
	ErrTxFailed = errors.New("pdsink: failed to send pd message")

	// ErrAlertStuck is returned by Alert() if the alert registers do not read
	// zero after the maximum number of drain passes.
	ErrAlertStuck = errors.New("pdsink: alert registers did not clear")
)
