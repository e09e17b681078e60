package tcpe

import (
	"errors"

	"go.uber.org/zap"

	"github.com/battpack/pdsink"
	"github.com/battpack/pdsink/pdmsg"
)

// State identifies a policy engine state.
type State uint8

// Policy engine states.
const (
	StateInit State = iota
	StateWaitCapabilities
	StateEvaluating
	StateRequesting
	StateWaitAccept
	StateWaitPSReady
	StateContracted
	StateSoftReset
	StateHardReset
	StateFault
)

var stateNames = [...]string{
	StateInit:             "init",
	StateWaitCapabilities: "wait-capabilities",
	StateEvaluating:       "evaluating",
	StateRequesting:       "requesting",
	StateWaitAccept:       "wait-accept",
	StateWaitPSReady:      "wait-ps-ready",
	StateContracted:       "contracted",
	StateSoftReset:        "soft-reset",
	StateHardReset:        "hard-reset",
	StateFault:            "fault",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "INVALID"
}

// input is what a state processes: either a timer expiry or an event.
type input struct {
	ev      pdsink.Event
	timeout bool
}

// is returns true if the input is a received message of type t. data selects
// the data or control message table.
func (in input) is(t pdmsg.Type, data bool) bool {
	if in.timeout {
		return false
	}
	k := pdsink.EventControlMessageReceived
	if data {
		k = pdsink.EventDataMessageReceived
	}
	return in.ev.Kind == k && in.ev.Message.Header.Type() == t
}

// state represents a policy engine state.
type state struct {
	ID State

	// Enter runs actions on entering the state. It may be nil in which case it
	// is ignored. If non-nil next state is returned, the policy engine loop
	// will call the state Exit followed by Enter of the next state on the
	// following step. A non-nil error moves the engine to the fault state.
	//
	// Before each call to Enter, policy engine clears the current timer.
	Enter func(*Engine) (next *state, err error)

	// Process is called every time:
	//  - an event is dequeued;
	//  - the current timer has timed out;
	// while the policy engine is in this state. Return values are treated the
	// same way as state Enter. Process may be nil if Enter returns a next
	// state unconditionally.
	Process func(e *Engine, in input) (next *state, err error)

	// Exit is called when Enter or Process function of the state returns a
	// non-nil next state. Exit may be nil.
	Exit func(*Engine)
}

// active returns true for the states taking part in a negotiation.
func (s *state) active() bool {
	switch s.ID {
	case StateInit, StateHardReset, StateFault:
		return false
	}
	return true
}

var (
	stateInit             *state
	stateWaitCapabilities *state
	stateEvaluating       *state
	stateRequesting       *state
	stateWaitAccept       *state
	stateWaitPSReady      *state
	stateContracted       *state
	stateSoftReset        *state
	stateHardReset        *state
	stateFault            *state
)

func init() {

	// Initializing is done here to avoid circular references between states
	// which are not allowed at the package level variable assignments.

	stateInit = &state{
		ID: StateInit,
		Enter: func(e *Engine) (*state, error) {
			e.nextTxID = 0
			e.lastRxID = 8 // impossible ID meaning no message received yet
			e.resetRetries()
			e.softResets = 0
			e.capsStale = false
			e.caps.Reset()
			e.queue.Flush()
			e.clearContract()
			e.notifyEvent(EventPowerNotReady)
			if err := e.pc.Init(&e.status); err != nil {
				return nil, err
			}
			e.publishStatus()
			e.attached = e.status.Port.Attached()
			return stateWaitCapabilities, nil
		},
	}

	stateWaitCapabilities = &state{
		ID: StateWaitCapabilities,
		Enter: func(e *Engine) (*state, error) {
			if !e.attached {
				return nil, nil
			}
			return nil, e.solicitCapabilities()
		},
		Process: func(e *Engine, in input) (*state, error) {
			switch {
			case in.timeout:
				e.capsStale = true
				return e.retry(&e.capsRetries, stateWaitCapabilities, nil)
			case in.ev.Kind == pdsink.EventAttached:
				if !e.timerRunning() {
					return nil, e.solicitCapabilities()
				}
			case in.is(pdmsg.TypeSourceCap, true):
				e.acceptCapabilities(in.ev.Message)
				return stateEvaluating, nil
			}
			return nil, nil
		},
	}

	stateEvaluating = &state{
		ID: StateEvaluating,
		Enter: func(e *Engine) (*state, error) {
			r, err := e.evalCaps()
			if err != nil {
				e.log.Warn("no acceptable source capability", zap.Error(err))
				e.capsStale = true
				return e.retry(&e.capsRetries, stateWaitCapabilities, nil)
			}
			e.request = r
			return stateRequesting, nil
		},
	}

	stateRequesting = &state{
		ID: StateRequesting,
		Enter: func(e *Engine) (*state, error) {
			err := e.sendRequest(e.request)
			if errors.Is(err, pdsink.ErrTxFailed) {
				e.log.Warn("request not acknowledged")
				return stateSoftReset, nil
			}
			if err != nil {
				return nil, err
			}
			e.log.Debug("request sent",
				zap.Uint8("position", e.request.Position),
				zap.Bool("mismatch", e.request.CapabilityMismatch))
			return stateWaitAccept, nil
		},
	}

	stateWaitAccept = &state{
		ID: StateWaitAccept,
		Enter: func(e *Engine) (*state, error) {
			e.startTimer(e.senderResponseTimeout)
			return nil, nil
		},
		Process: func(e *Engine, in input) (*state, error) {
			switch {
			case in.timeout:
				return e.retry(&e.acceptRetries, stateRequesting, stateSoftReset)
			case in.is(pdmsg.TypeAccept, false):
				e.notifyEvent(EventAccepted)
				return stateWaitPSReady, nil
			case in.is(pdmsg.TypeReject, false), in.is(pdmsg.TypeWait, false):
				e.notifyEvent(EventRejected)
				e.capsStale = true
				return e.retry(&e.capsRetries, stateWaitCapabilities, nil)
			}
			return nil, nil
		},
	}

	stateWaitPSReady = &state{
		ID: StateWaitPSReady,
		Enter: func(e *Engine) (*state, error) {
			e.startTimer(e.psTransitionTimeout)
			return nil, nil
		},
		Process: func(e *Engine, in input) (*state, error) {
			switch {
			case in.timeout:
				e.log.Warn("source did not signal power ready")
				return stateSoftReset, nil
			case in.is(pdmsg.TypePSReady, false):
				e.setContract()
				return stateContracted, nil
			}
			return nil, nil
		},
	}

	stateContracted = &state{
		ID: StateContracted,
		Enter: func(e *Engine) (*state, error) {
			e.resetRetries()
			e.softResets = 0
			e.log.Info("contract",
				zap.Uint8("position", e.contract.Position),
				zap.Stringer("pdo", e.contract.PDO),
				zap.Stringer("current", e.contract.Current),
				zap.Stringer("power", e.contract.Power))
			e.notifyEvent(EventPowerReady)
			return nil, nil
		},
		Process: func(e *Engine, in input) (*state, error) {
			if in.is(pdmsg.TypeSourceCap, true) {
				e.acceptCapabilities(in.ev.Message)
				return stateEvaluating, nil
			}
			return nil, nil
		},
		Exit: func(e *Engine) {
			e.clearContract()
		},
	}

	stateSoftReset = &state{
		ID: StateSoftReset,
		Enter: func(e *Engine) (*state, error) {
			e.softResets++
			if e.softResets > e.maxRetries {
				return nil, ErrSoftResetsExhausted
			}
			if err := e.pc.SoftReset(); err != nil {
				return nil, err
			}
			e.nextTxID = 0
			e.lastRxID = 8
			e.resetRetries()
			e.capsStale = false
			return stateWaitCapabilities, nil
		},
	}

	stateHardReset = &state{
		ID: StateHardReset,
		Enter: func(e *Engine) (*state, error) {
			e.clearContract()
			e.notifyEvent(EventPowerNotReady)
			local := e.localReset
			e.localReset = false
			if hs, ok := e.pc.(pdsink.HardResetSignaler); ok && local {
				if err := hs.SendHardReset(); err != nil && !errors.Is(err, pdsink.ErrTxFailed) {
					return nil, err
				}
			}
			if err := e.pc.HardReset(&e.status); err != nil {
				return nil, err
			}
			e.publishStatus()
			return stateInit, nil
		},
	}

	stateFault = &state{
		ID: StateFault,
		Enter: func(e *Engine) (*state, error) {
			e.clearContract()
			e.log.Error("fault", zap.Error(e.faultErr))
			e.notifyEvent(EventFault)
			return nil, nil
		},
	}

}

// solicitCapabilities starts the source capabilities timer, asking the source
// to send them again first if the last ones were used up.
func (e *Engine) solicitCapabilities() error {
	if e.capsStale {
		e.capsStale = false
		if err := e.sendControl(pdmsg.TypeGetSourceCap); err != nil && !errors.Is(err, pdsink.ErrTxFailed) {
			return err
		}
	}
	e.startTimer(e.sourceCapabilitiesTimeout)
	return nil
}

// acceptCapabilities replaces the catalog with the objects of a
// Source_Capabilities message.
func (e *Engine) acceptCapabilities(m pdmsg.Message) {
	if err := e.caps.Replace(m.Objects()); err != nil {
		e.log.Warn("skipped source capabilities", zap.Error(err))
	}
	r := m.Header.Revision()
	if r > pdmsg.Revision30 {
		r = pdmsg.Revision30
	}
	e.msgTpl.Header.SetRevision(r)
	// A fresh offer gets the full request budget.
	e.acceptRetries = 0
	e.log.Debug("source capabilities", zap.Int("count", e.caps.Len()))
}
