// Package tcpe provides an implementation of the USB power delivery policy
// engine for sink devices. The engine negotiates a power contract with the
// source partner through a pdsink.PortController.
package tcpe

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"periph.io/x/conn/v3/physic"

	"github.com/battpack/pdsink"
	"github.com/battpack/pdsink/pdmsg"
)

var maxTimerExpiry = time.Unix(1<<63-62135596801, 999999999) // https://stackoverflow.com/a/32620397

// Default timings and retry budget, based on the PD standard timers.
const (
	DefaultSourceCapabilitiesTimeout = 500 * time.Millisecond
	DefaultSenderResponseTimeout     = 26 * time.Millisecond
	DefaultPSTransitionTimeout       = 550 * time.Millisecond
	DefaultMaxRetries                = 3
	DefaultPollInterval              = 3 * time.Millisecond
)

var (
	// ErrRetriesExhausted is the fault cause when a wait state ran out of
	// retries.
	ErrRetriesExhausted = errors.New("tcpe: retries exhausted")

	// ErrSoftResetsExhausted is the fault cause when soft resets keep failing
	// to restore the negotiation.
	ErrSoftResetsExhausted = errors.New("tcpe: soft resets exhausted")

	// ErrNoCapabilities is returned by capability evaluators if the catalog
	// holds no usable power data object.
	ErrNoCapabilities = errors.New("tcpe: no usable source capabilities")
)

// CapabilityEvaluator is an interface that wraps the method
// EvaluateCapabilities.
type CapabilityEvaluator interface {
	// EvaluateCapabilities is called every time the policy engine receives a
	// list of power capabilities from the source partner. It returns the
	// request to send back to the source. Device policy managers are expected
	// to respond quickly.
	//
	// caps must not be retained past the call.
	EvaluateCapabilities(caps *pdmsg.Capabilities) (pdmsg.Request, error)
}

// CapabilityEvaluatorFunc is an adapter to allow the use of ordinary functions
// as CapabilityEvaluator.
type CapabilityEvaluatorFunc func(*pdmsg.Capabilities) (pdmsg.Request, error)

// EvaluateCapabilities implements CapabilityEvaluator interface.
func (f CapabilityEvaluatorFunc) EvaluateCapabilities(caps *pdmsg.Capabilities) (pdmsg.Request, error) {
	return f(caps)
}

// Event is a policy engine event which is a high level event usually used by
// DPMs. It's different to port controller events.
type Event string

const (
	// EventAccepted is fired when the source accepts the request sent by the
	// policy engine.
	EventAccepted Event = "accepted"

	// EventRejected is fired when the source rejects the request sent by the
	// policy engine, or asks the sink to wait.
	EventRejected Event = "rejected"

	// EventPowerNotReady is fired on startup and reset.
	EventPowerNotReady Event = "power_not_ready"

	// EventPowerReady is fired when the policy engine has successfully
	// negotiated power with the source and source has indicated that the
	// requested power is ready for use.
	EventPowerReady Event = "power_ready"

	// EventFault is fired when the engine enters the fault state. Only Reset
	// gets the engine out of it.
	EventFault Event = "fault"
)

// EventHandler is an interface that wraps the method HandleEvent.
type EventHandler interface {
	// HandleEvent is called from the engine goroutine when an event occurs.
	HandleEvent(Event)
}

// EventHandlerFunc is an adapter to allow the use of ordinary functions as
// EventHandler.
type EventHandlerFunc func(Event)

// HandleEvent implements EventHandler interface.
func (e EventHandlerFunc) HandleEvent(ev Event) {
	e(ev)
}

// Contract is the power contract in effect.
type Contract struct {
	PDO      pdmsg.PDO
	Position uint8

	// Requested current for fixed and variable supplies.
	Current physic.ElectricCurrent

	// Requested power for batteries.
	Power physic.Power
}

// Options configures an Engine. Zero fields take their default value.
type Options struct {
	SourceCapabilitiesTimeout time.Duration
	SenderResponseTimeout     time.Duration
	PSTransitionTimeout       time.Duration

	// MaxRetries is the retry budget shared by the wait states before the
	// engine faults. It also bounds the number of consecutive soft resets.
	MaxRetries int

	// Signal is raised by the alert line watcher. When nil, the engine polls
	// the port controller every PollInterval.
	Signal       *pdsink.AlertSignal
	PollInterval time.Duration

	// Evaluator picks the power data object to request. When nil, the engine
	// requests the first advertised object.
	Evaluator CapabilityEvaluator

	Logger *zap.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine implements the USB power delivery policy engine for sink devices.
// All port controller I/O happens from the goroutine calling Run (or Step).
type Engine struct {
	pc     pdsink.PortController
	log    *zap.Logger
	now    func() time.Time
	signal *pdsink.AlertSignal
	wake   chan struct{}

	sourceCapabilitiesTimeout time.Duration
	senderResponseTimeout     time.Duration
	psTransitionTimeout       time.Duration
	maxRetries                int
	pollInterval              time.Duration

	cur      *state
	entering bool
	// On each timer start, expiry is set to the timer + now by the relevant
	// state.
	timerExpiry time.Time

	queue       pdsink.Queue
	dropped     uint32
	status      pdsink.Status
	caps        pdmsg.Capabilities
	capsStale   bool // the catalog was used up by a failed attempt
	attached    bool
	request     pdmsg.Request
	msgTpl      pdmsg.Message // Messages to be sent, use this as template
	capsRetries   int // WaitCapabilities timeouts, evaluation failures and rejections
	acceptRetries int // WaitAccept timeouts since the last Source_Capabilities
	softResets    int
	localReset  bool // the pending hard reset was requested by us
	faultErr    error
	contract    Contract
	hasContract bool

	nextTxID uint8
	lastRxID uint8

	// Control requests and published snapshots, safe for use from any
	// goroutine.
	mu      sync.Mutex
	control control
	snap    struct {
		state       State
		status      pdsink.Status
		contract    Contract
		hasContract bool
		err         error
	}

	callbacks struct {
		mu           sync.Mutex
		capEvaluator CapabilityEvaluator
		eventHandler EventHandler
	}
}

type control uint8

const (
	controlReset control = 1 << iota
	controlHardReset
	controlRenegotiate
)

// New creates a new policy engine for a given port controller. opts may be
// nil.
func New(pc pdsink.PortController, opts *Options) *Engine {
	if opts == nil {
		opts = &Options{}
	}
	m := pdmsg.Message{}
	m.Header.SetPowerRole(pdmsg.PowerRoleSink)
	m.Header.SetDataRole(pdmsg.DataRoleUFP)
	m.Header.SetRevision(pdmsg.Revision20)

	e := &Engine{
		pc:                        pc,
		log:                       opts.Logger,
		now:                       opts.Now,
		signal:                    opts.Signal,
		wake:                      make(chan struct{}, 1),
		sourceCapabilitiesTimeout: orDefault(opts.SourceCapabilitiesTimeout, DefaultSourceCapabilitiesTimeout),
		senderResponseTimeout:     orDefault(opts.SenderResponseTimeout, DefaultSenderResponseTimeout),
		psTransitionTimeout:       orDefault(opts.PSTransitionTimeout, DefaultPSTransitionTimeout),
		pollInterval:              orDefault(opts.PollInterval, DefaultPollInterval),
		maxRetries:                opts.MaxRetries,
		cur:                       stateInit,
		entering:                  true,
		timerExpiry:               maxTimerExpiry,
		msgTpl:                    m,
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.maxRetries <= 0 {
		e.maxRetries = DefaultMaxRetries
	}
	e.callbacks.capEvaluator = opts.Evaluator
	e.snap.state = StateInit
	return e
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// SetCapabilityEvaluator sets the capability evaluator to use. Passing nil
// makes the engine request the first advertised object.
func (e *Engine) SetCapabilityEvaluator(ce CapabilityEvaluator) {
	e.callbacks.mu.Lock()
	e.callbacks.capEvaluator = ce
	e.callbacks.mu.Unlock()
}

// SetEventHandler sets the event handler to send events to. Pass nil to remove
// the existing handler.
func (e *Engine) SetEventHandler(h EventHandler) {
	e.callbacks.mu.Lock()
	e.callbacks.eventHandler = h
	e.callbacks.mu.Unlock()
}

// Reset forces the engine back to the init state, clearing the contract and
// all retry counters. It is the only way out of the fault state.
// Reset may be called concurrently from multiple goroutines.
func (e *Engine) Reset() {
	e.requestControl(controlReset)
}

// HardReset asks the engine to signal hard reset to the partner and to run
// the port controller hard reset sequence. This will cause the power to be
// lost and renegotiation to happen.
// HardReset may be called concurrently from multiple goroutines.
func (e *Engine) HardReset() {
	e.requestControl(controlHardReset)
}

// Renegotiate drops the contract in effect and asks the source for its
// capabilities again. It has no effect unless a contract is in effect.
// Renegotiate may be called concurrently from multiple goroutines.
func (e *Engine) Renegotiate() {
	e.requestControl(controlRenegotiate)
}

func (e *Engine) requestControl(c control) {
	e.mu.Lock()
	e.control |= c
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// State returns the current state of the engine.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap.state
}

// Contract returns the contract in effect. ok is false unless the engine is in
// the contracted state.
func (e *Engine) Contract() (c Contract, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap.contract, e.snap.hasContract
}

// Status returns the port controller status read by the last alert drain.
func (e *Engine) Status() pdsink.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap.status
}

// Err returns the cause of the fault when the engine is in the fault state.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap.err
}

// Run starts the event loop of the policy engine and manages the state
// transitions and delivery of events. Run blocks until ctx is done. Only one
// call to Run (or Step) must be in progress at any given time.
func (e *Engine) Run(ctx context.Context) {
	t := time.NewTimer(time.Hour)
	stopTimer(t)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if e.Step() {
			continue
		}

		if d, ok := e.idleWait(); ok {
			t.Reset(d)
		}
		var alert <-chan struct{}
		if e.signal != nil {
			alert = e.signal.C()
		}
		select {
		case <-ctx.Done():
			stopTimer(t)
			return
		case <-alert:
		case <-e.wake:
		case <-t.C:
		}
		stopTimer(t)
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// idleWait returns how long Run may block before the next Step is due.
func (e *Engine) idleWait() (time.Duration, bool) {
	var d time.Duration
	timer := e.timerRunning()
	if timer {
		if d = e.timerExpiry.Sub(e.now()); d < 0 {
			d = 0
		}
	}
	if e.signal == nil && (!timer || d > e.pollInterval) {
		return e.pollInterval, true
	}
	return d, timer
}

// Step runs a single iteration of the engine: it applies pending control
// requests, enters the current state if needed, drains the port controller
// alerts and processes either the expired timer or a single queued event.
// Step returns false if there was nothing to do.
func (e *Engine) Step() bool {
	if e.applyControl() {
		return true
	}

	if e.entering {
		e.entering = false
		e.timerExpiry = maxTimerExpiry
		var next *state
		var err error
		if e.cur.Enter != nil {
			next, err = e.cur.Enter(e)
		}
		e.transition(next, err)
		return true
	}

	if e.cur == stateFault {
		// The link is considered broken, leave the bus alone.
		if e.signal != nil {
			e.signal.Take()
		}
		e.queue.Flush()
		return false
	}

	if e.signal == nil || e.signal.Take() {
		err := e.pc.Alert(&e.queue, &e.status)
		e.publishStatus()
		if d := e.queue.Dropped; d != e.dropped {
			e.log.Warn("events dropped", zap.Uint32("dropped", d-e.dropped))
			e.dropped = d
		}
		if err != nil {
			e.transition(nil, err)
			return true
		}
	}

	// Timers are checked before the next queued event.
	if !e.now().Before(e.timerExpiry) {
		e.timerExpiry = maxTimerExpiry // only run timer timeout event once
		var next *state
		var err error
		if e.cur.Process != nil {
			next, err = e.cur.Process(e, input{timeout: true})
		}
		e.transition(next, err)
		return true
	}

	ev, ok := e.queue.Pop()
	if !ok {
		return false
	}
	e.transition(e.dispatch(ev))
	return true
}

func (e *Engine) applyControl() bool {
	e.mu.Lock()
	c := e.control
	e.control = 0
	e.mu.Unlock()

	switch {
	case c&controlReset != 0:
		e.log.Info("reset requested")
		e.faultErr = nil
		e.enter(stateInit)
	case c&controlHardReset != 0:
		e.log.Info("hard reset requested")
		e.localReset = true
		e.enter(stateHardReset)
	case c&controlRenegotiate != 0:
		if e.cur != stateContracted {
			e.log.Debug("renegotiate ignored", zap.Stringer("state", e.cur.ID))
			return false
		}
		e.capsStale = true
		e.transition(stateWaitCapabilities, nil)
	default:
		return false
	}
	return true
}

// dispatch handles the events common to all states and passes the rest to the
// current state.
func (e *Engine) dispatch(ev pdsink.Event) (*state, error) {
	switch ev.Kind {
	case pdsink.EventHardResetReceived:
		e.log.Info("hard reset received")
		e.localReset = false
		return stateHardReset, nil
	case pdsink.EventAttached:
		e.attached = true
	case pdsink.EventDetached:
		e.attached = false
		e.caps.Reset()
		e.capsStale = false
		// The next partner starts its message IDs over.
		e.nextTxID = 0
		e.lastRxID = 8
		if e.cur.active() {
			return stateWaitCapabilities, nil
		}
		return nil, nil
	case pdsink.EventDataMessageReceived, pdsink.EventControlMessageReceived:
		h := ev.Message.Header
		if h.IsExtended() {
			return nil, nil
		}
		soft := !h.IsData() && h.Type() == pdmsg.TypeSoftReset
		if h.ID() == e.lastRxID && !soft {
			return nil, nil // retransmission
		}
		e.lastRxID = h.ID()
		if soft && e.cur.active() {
			return e.acceptSoftReset()
		}
	default:
		return nil, nil
	}
	if e.cur.Process == nil {
		return nil, nil
	}
	return e.cur.Process(e, input{ev: ev})
}

// acceptSoftReset answers a Soft_Reset message from the partner.
func (e *Engine) acceptSoftReset() (*state, error) {
	e.log.Info("soft reset received")
	e.nextTxID = 0
	if err := e.sendControl(pdmsg.TypeAccept); err != nil && !errors.Is(err, pdsink.ErrTxFailed) {
		return nil, err
	}
	e.lastRxID = 8
	e.resetRetries()
	e.capsStale = false
	return stateWaitCapabilities, nil
}

// enter forces the engine into s without running the exit action of the
// current state.
func (e *Engine) enter(s *state) {
	e.log.Debug("state", zap.Stringer("from", e.cur.ID), zap.Stringer("to", s.ID))
	e.cur = s
	e.entering = true
	e.publishState()
}

func (e *Engine) transition(next *state, err error) {
	if err != nil {
		e.faultErr = err
		next = stateFault
	}
	if next == nil {
		return
	}
	if e.cur.Exit != nil {
		e.cur.Exit(e)
	}
	e.enter(next)
}

func (e *Engine) tx(m pdmsg.Message) error {
	m.Header.SetID(e.nextTxID)
	e.nextTxID = (e.nextTxID + 1) % 8
	return e.pc.Tx(m)
}

func (e *Engine) sendControl(t pdmsg.Type) error {
	m := e.msgTpl
	m.Header.SetType(t)
	m.Header.SetDataObjectCount(0)
	return e.tx(m)
}

func (e *Engine) sendRequest(r pdmsg.Request) error {
	m := e.msgTpl
	m.Header.SetType(pdmsg.TypeRequest)
	m.Header.SetDataObjectCount(1)
	m.Data[0] = r.Encode()
	return e.tx(m)
}

func (e *Engine) startTimer(d time.Duration) {
	e.timerExpiry = e.now().Add(d)
}

func (e *Engine) timerRunning() bool {
	return !e.timerExpiry.Equal(maxTimerExpiry)
}

// retry consumes one retry from counter and returns next. Once the budget is
// used up it returns exhausted instead, or ErrRetriesExhausted when exhausted
// is nil.
func (e *Engine) retry(counter *int, next, exhausted *state) (*state, error) {
	*counter++
	e.log.Debug("retry", zap.Stringer("state", e.cur.ID), zap.Int("retries", *counter))
	if *counter < e.maxRetries {
		return next, nil
	}
	if exhausted == nil {
		return nil, ErrRetriesExhausted
	}
	e.log.Warn("retries exhausted", zap.Stringer("state", e.cur.ID), zap.Stringer("next", exhausted.ID))
	return exhausted, nil
}

func (e *Engine) resetRetries() {
	e.capsRetries = 0
	e.acceptRetries = 0
}

func (e *Engine) evalCaps() (pdmsg.Request, error) {
	e.callbacks.mu.Lock()
	ce := e.callbacks.capEvaluator
	e.callbacks.mu.Unlock()
	if ce == nil {
		return firstObject(&e.caps)
	}
	return ce.EvaluateCapabilities(&e.caps)
}

// firstObject requests the lowest advertised position, which is the vSafe5V
// supply whenever it decoded.
func firstObject(caps *pdmsg.Capabilities) (pdmsg.Request, error) {
	all := caps.All()
	if len(all) == 0 {
		return pdmsg.Request{}, ErrNoCapabilities
	}
	return pdmsg.RequestFor(all[0]), nil
}

func (e *Engine) setContract() {
	p, _ := e.caps.Lookup(e.request.Position)
	e.contract = Contract{
		PDO:      p,
		Position: e.request.Position,
		Current:  e.request.OperatingCurrent,
		Power:    e.request.OperatingPower,
	}
	e.hasContract = true
	e.publishContract()
}

func (e *Engine) clearContract() {
	if !e.hasContract {
		return
	}
	e.contract = Contract{}
	e.hasContract = false
	e.publishContract()
}

func (e *Engine) notifyEvent(ev Event) {
	e.callbacks.mu.Lock()
	defer e.callbacks.mu.Unlock()
	if e.callbacks.eventHandler != nil {
		e.callbacks.eventHandler.HandleEvent(ev)
	}
}

func (e *Engine) publishState() {
	e.mu.Lock()
	e.snap.state = e.cur.ID
	e.snap.err = nil
	if e.cur == stateFault {
		e.snap.err = e.faultErr
	}
	e.mu.Unlock()
}

func (e *Engine) publishStatus() {
	e.mu.Lock()
	e.snap.status = e.status
	e.mu.Unlock()
}

func (e *Engine) publishContract() {
	e.mu.Lock()
	e.snap.contract = e.contract
	e.snap.hasContract = e.hasContract
	e.mu.Unlock()
}
