// Package tcdpm implements some useful device policy managers for common use.
package tcdpm

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"periph.io/x/conn/v3/physic"

	"github.com/battpack/pdsink/pdmsg"
	"github.com/battpack/pdsink/tcpe"
)

// Policy is the interface which simply embeds CapabilityEvaluator.
type Policy interface {
	// Validate returns an error if the policy parameters are invalid.
	Validate() error
	tcpe.CapabilityEvaluator
}

// Preference decides which supply wins among those inside the voltage window
// of a Requirement.
type Preference uint8

const (
	// PreferMaxPower picks the supply with the highest voltage × current.
	PreferMaxPower Preference = iota

	// PreferMaxCurrent picks the supply with the highest current.
	PreferMaxCurrent
)

func (p Preference) String() string {
	switch p {
	case PreferMaxPower:
		return "max_power"
	case PreferMaxCurrent:
		return "max_current"
	default:
		return fmt.Sprintf("Preference(%d)", uint8(p))
	}
}

// ParsePreference parses the value returned by Preference.String.
func ParsePreference(s string) (Preference, error) {
	switch s {
	case "max_power", "":
		return PreferMaxPower, nil
	case "max_current":
		return PreferMaxCurrent, nil
	}
	return 0, fmt.Errorf("tcdpm: unknown preference %q", s)
}

// Requirement is a sink policy accepting any supply whose voltage lies within
// [MinVoltage, MaxVoltage].
//
// Only fixed supplies are considered unless the source advertises none, in
// which case variable supplies and batteries whose whole voltage range lies
// within the window are. When nothing fits, the first advertised supply,
// which PD mandates to be vSafe5V, is requested with the capability mismatch
// flag set.
type Requirement struct {
	MinVoltage physic.ElectricPotential
	MaxVoltage physic.ElectricPotential
	Preference Preference

	// USBCommCapable is advertised to the source in every request.
	USBCommCapable bool
}

const (
	minVoltage = 3300 * physic.MilliVolt
	maxVoltage = 21 * physic.Volt
)

var (
	errBadVoltage            = errors.New("tcdpm: voltage must be >= 3.3V & <= 21V")
	errMaxVoltageLessThanMin = errors.New("tcdpm: max voltage must be >= min voltage")
	errBadPreference         = errors.New("tcdpm: unknown preference")
)

// Validate returns an error if the policy parameters are invalid.
func (r Requirement) Validate() error {
	if r.MinVoltage < minVoltage || r.MaxVoltage < minVoltage || r.MinVoltage > maxVoltage || r.MaxVoltage > maxVoltage {
		return errBadVoltage
	}
	if r.MinVoltage > r.MaxVoltage {
		return errMaxVoltageLessThanMin
	}
	if r.Preference > PreferMaxCurrent {
		return errBadPreference
	}
	return nil
}

// EvaluateCapabilities implements tcpe.CapabilityEvaluator.
func (r Requirement) EvaluateCapabilities(caps *pdmsg.Capabilities) (pdmsg.Request, error) {
	s, err := Select(caps, r)
	if err != nil {
		return pdmsg.Request{}, err
	}
	return s.Request(r.USBCommCapable), nil
}

// Selection is the outcome of Select.
type Selection struct {
	PDO pdmsg.PDO

	// Current is the requested current for fixed and variable supplies.
	Current physic.ElectricCurrent

	// Power is the requested power for batteries.
	Power physic.Power

	// Mismatch is set when no supply met the requirement and the selection is
	// the fallback one.
	Mismatch bool
}

// Position returns the position of the selected supply.
func (s Selection) Position() uint8 {
	return s.PDO.Position
}

// Request builds the request data object for the selection.
func (s Selection) Request(usbComm bool) pdmsg.Request {
	r := pdmsg.RequestFor(s.PDO)
	r.CapabilityMismatch = s.Mismatch
	r.USBCommCapable = usbComm
	return r
}

// Select picks the supply to request from caps. It is a pure function of its
// arguments. The full advertised current or power of the supply is
// requested. Ties go to the lowest position. tcpe.ErrNoCapabilities is
// returned if caps is empty.
func Select(caps *pdmsg.Capabilities, req Requirement) (Selection, error) {
	all := caps.All()
	if len(all) == 0 {
		return Selection{}, tcpe.ErrNoCapabilities
	}
	fixedOnly := caps.HasType(pdmsg.PDOTypeFixedSupply)

	var best pdmsg.PDO
	var bestScore int64
	found := false
	for _, p := range all {
		if fixedOnly != (p.Type == pdmsg.PDOTypeFixedSupply) {
			continue
		}
		lo, hi := p.VoltageRange()
		if lo < req.MinVoltage || hi > req.MaxVoltage {
			continue
		}
		s := score(p, req.Preference)
		if !found || s > bestScore {
			best, bestScore, found = p, s, true
		}
	}

	if !found {
		p, ok := caps.Lookup(1)
		if !ok {
			p = all[0]
		}
		return selection(p, true), nil
	}
	return selection(best, false), nil
}

func selection(p pdmsg.PDO, mismatch bool) Selection {
	s := Selection{PDO: p, Mismatch: mismatch}
	if p.Type == pdmsg.PDOTypeBattery {
		s.Power = p.MaxPower
	} else {
		s.Current = p.MaxCurrent
	}
	return s
}

// score ranks p under pref. Power is in µW and current in mA, worked out at
// the lowest voltage of the supply.
func score(p pdmsg.PDO, pref Preference) int64 {
	lo, _ := p.VoltageRange()
	mV := int64(lo / physic.MilliVolt)
	var mA, uW int64
	if p.Type == pdmsg.PDOTypeBattery {
		uW = int64(p.MaxPower / physic.MicroWatt)
		if mV > 0 {
			mA = uW / mV
		}
	} else {
		mA = int64(p.MaxCurrent / physic.MilliAmpere)
		uW = mV * mA
	}
	if pref == PreferMaxCurrent {
		return mA
	}
	return uW
}

// Logger is a passthrough policy that logs the received source capabilities
// and the resulting request. It's mostly used for debugging purposes.
type Logger struct {
	log  *zap.Logger
	base Policy
}

// NewLogger creates a new logger which optionally passes through the evaluate
// calls. If no base is provided, the first advertised supply is requested.
func NewLogger(log *zap.Logger, base Policy) *Logger {
	return &Logger{log: log, base: base}
}

// Validate returns nil if the policy is valid.
func (l *Logger) Validate() error {
	if l.base != nil {
		return l.base.Validate()
	}
	return nil
}

// EvaluateCapabilities logs the provided power data objects, passes them
// down to the underlying policy and returns its response.
func (l *Logger) EvaluateCapabilities(caps *pdmsg.Capabilities) (pdmsg.Request, error) {
	all := caps.All()
	l.log.Info("received source capabilities", zap.Int("count", len(all)))
	for _, p := range all {
		l.log.Info("source capability",
			zap.Uint8("position", p.Position),
			zap.Stringer("type", p.Type),
			zap.Stringer("pdo", p))
	}

	var r pdmsg.Request
	var err error
	switch {
	case l.base != nil:
		r, err = l.base.EvaluateCapabilities(caps)
	case len(all) > 0:
		r = pdmsg.RequestFor(all[0])
	default:
		err = tcpe.ErrNoCapabilities
	}
	if err != nil {
		l.log.Warn("no request", zap.Error(err))
		return r, err
	}
	l.log.Info("request",
		zap.Uint8("position", r.Position),
		zap.Bool("mismatch", r.CapabilityMismatch))
	return r, nil
}

var (
	_ Policy = Requirement{}
	_ Policy = &Logger{}
)
