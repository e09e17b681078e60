package tcpe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"periph.io/x/conn/v3/physic"

	"github.com/battpack/pdsink"
	"github.com/battpack/pdsink/pdmsg"
	"github.com/battpack/pdsink/tcpcdriver"
)

// Source capabilities used by the tests: 5V 1.5A, 9V 2A, 15V 2A.
var testCaps = []uint32{0x00019096, 0x0002d0c8, 0x0004b0c8}

type fakePC struct {
	status  pdsink.Status
	pending [][]pdsink.Event
	txErrs  []error
	sent    []pdmsg.Message

	initErr  error
	alertErr error

	inits      int
	softResets int
	hardResets int
}

func (f *fakePC) Init(st *pdsink.Status) error {
	f.inits++
	*st = f.status
	return f.initErr
}

func (f *fakePC) Tx(m pdmsg.Message) error {
	f.sent = append(f.sent, m)
	if len(f.txErrs) > 0 {
		err := f.txErrs[0]
		f.txErrs = f.txErrs[1:]
		return err
	}
	return nil
}

func (f *fakePC) Alert(q *pdsink.Queue, st *pdsink.Status) error {
	if f.alertErr != nil {
		return f.alertErr
	}
	if len(f.pending) > 0 {
		for _, ev := range f.pending[0] {
			q.Push(ev)
		}
		f.pending = f.pending[1:]
	}
	return nil
}

func (f *fakePC) SoftReset() error {
	f.softResets++
	return nil
}

func (f *fakePC) HardReset(st *pdsink.Status) error {
	f.hardResets++
	return nil
}

func (f *fakePC) push(evs ...pdsink.Event) {
	f.pending = append(f.pending, evs)
}

// lastSent returns the last message sent.
func (f *fakePC) lastSent(t *testing.T) pdmsg.Message {
	t.Helper()
	if len(f.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return f.sent[len(f.sent)-1]
}

type signalingPC struct {
	fakePC
	hardResetsSent int
}

func (s *signalingPC) SendHardReset() error {
	s.hardResetsSent++
	return nil
}

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time {
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

type recorder []Event

func (r *recorder) HandleEvent(e Event) {
	*r = append(*r, e)
}

func (r recorder) count(e Event) int {
	n := 0
	for _, v := range r {
		if v == e {
			n++
		}
	}
	return n
}

// source builds messages sent by the source partner with increasing IDs.
type source struct {
	id uint8
}

func (s *source) next() uint8 {
	id := s.id
	s.id = (s.id + 1) % 8
	return id
}

func (s *source) caps(words ...uint32) pdsink.Event {
	ev := pdsink.Event{Kind: pdsink.EventDataMessageReceived}
	ev.Message.Header.SetType(pdmsg.TypeSourceCap)
	ev.Message.Header.SetPowerRole(pdmsg.PowerRoleSource)
	ev.Message.Header.SetRevision(pdmsg.Revision30)
	ev.Message.Header.SetID(s.next())
	ev.Message.Header.SetDataObjectCount(uint8(len(words)))
	copy(ev.Message.Data[:], words)
	return ev
}

func (s *source) control(t pdmsg.Type) pdsink.Event {
	ev := pdsink.Event{Kind: pdsink.EventControlMessageReceived}
	ev.Message.Header.SetType(t)
	ev.Message.Header.SetPowerRole(pdmsg.PowerRoleSource)
	ev.Message.Header.SetRevision(pdmsg.Revision30)
	ev.Message.Header.SetID(s.next())
	return ev
}

type fixture struct {
	pc  *fakePC
	clk *clock
	rec *recorder
	src *source
	e   *Engine
}

func newFixture(t *testing.T, pc pdsink.PortController, fake *fakePC, ev CapabilityEvaluator) *fixture {
	f := &fixture{
		pc:  fake,
		clk: &clock{t: time.Unix(1000, 0)},
		rec: &recorder{},
		src: &source{},
	}
	f.e = New(pc, &Options{
		Evaluator: ev,
		Logger:    zaptest.NewLogger(t),
	})
	f.e.now = f.clk.now
	f.e.SetEventHandler(f.rec)
	return f
}

func newAttached(t *testing.T, ev CapabilityEvaluator) *fixture {
	fake := &fakePC{status: pdsink.Status{Port: pdsink.PortStatus{Status: 1}}}
	f := newFixture(t, fake, fake, ev)
	f.settle(t)
	if s := f.e.State(); s != StateWaitCapabilities {
		t.Fatalf("State() = %s, want %s", s, StateWaitCapabilities)
	}
	return f
}

// settle steps the engine until it is idle.
func (f *fixture) settle(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if !f.e.Step() {
			return
		}
	}
	t.Fatal("engine did not settle")
}

func (f *fixture) deliver(t *testing.T, evs ...pdsink.Event) {
	t.Helper()
	f.pc.push(evs...)
	f.settle(t)
}

func (f *fixture) expectState(t *testing.T, want State) {
	t.Helper()
	if got := f.e.State(); got != want {
		t.Fatalf("State() = %s, want %s", got, want)
	}
}

// milliWatts is the power of a fixed supply in mV x mA, which fits in an int64
// unlike the nano units of physic.
func milliWatts(p pdmsg.PDO) int64 {
	return int64(p.Voltage/physic.MilliVolt) * int64(p.MaxCurrent/physic.MilliAmpere)
}

// maxPower requests the fixed supply up to 12V with the highest power.
var maxPower = CapabilityEvaluatorFunc(func(caps *pdmsg.Capabilities) (pdmsg.Request, error) {
	var best pdmsg.PDO
	for _, p := range caps.All() {
		if p.Type == pdmsg.PDOTypeFixedSupply && p.Voltage <= 12*physic.Volt && milliWatts(p) > milliWatts(best) {
			best = p
		}
	}
	if best.Position == 0 {
		return pdmsg.Request{}, ErrNoCapabilities
	}
	return pdmsg.RequestFor(best), nil
})

func TestNegotiation(t *testing.T) {
	f := newAttached(t, maxPower)
	f.deliver(t, f.src.caps(testCaps...))
	f.expectState(t, StateWaitAccept)

	m := f.pc.lastSent(t)
	if m.Header.Type() != pdmsg.TypeRequest || m.Header.DataObjectCount() != 1 {
		t.Fatalf("sent %s, want Request", m.Header.TypeName())
	}
	if m.Header.PowerRole() != pdmsg.PowerRoleSink || m.Header.Revision() != pdmsg.Revision30 {
		t.Errorf("request header = %#04x", m.Header)
	}
	r, err := pdmsg.DecodeRequest(m.Data[0], pdmsg.PDOTypeFixedSupply)
	if err != nil {
		t.Fatal(err)
	}
	if r.Position != 2 || r.OperatingCurrent != 2*physic.Ampere || !r.NoUSBSuspend {
		t.Errorf("request = %+v", r)
	}
	if _, ok := f.e.Contract(); ok {
		t.Error("contract before PS_RDY")
	}

	f.deliver(t, f.src.control(pdmsg.TypeAccept))
	f.expectState(t, StateWaitPSReady)
	f.deliver(t, f.src.control(pdmsg.TypePSReady))
	f.expectState(t, StateContracted)

	c, ok := f.e.Contract()
	if !ok {
		t.Fatal("no contract")
	}
	want := Contract{
		PDO: pdmsg.PDO{
			Type:       pdmsg.PDOTypeFixedSupply,
			Position:   2,
			Voltage:    9 * physic.Volt,
			MaxCurrent: 2 * physic.Ampere,
		},
		Position: 2,
		Current:  2 * physic.Ampere,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("Contract() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(recorder{EventPowerNotReady, EventAccepted, EventPowerReady}, *f.rec); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestMaxPowerPicksNineVolts(t *testing.T) {
	var caps pdmsg.Capabilities
	if err := caps.Replace(testCaps); err != nil {
		t.Fatal(err)
	}
	r, err := maxPower(&caps)
	if err != nil {
		t.Fatal(err)
	}
	if r.Position != 2 {
		t.Errorf("Position = %d, want 2", r.Position)
	}
}

func TestWaitAcceptTimeoutsFault(t *testing.T) {
	f := newAttached(t, nil)
	f.deliver(t, f.src.caps(testCaps...))
	f.expectState(t, StateWaitAccept)

	// The last sender response timeout gives up on the request.
	for i := 1; i <= DefaultMaxRetries; i++ {
		f.clk.advance(DefaultSenderResponseTimeout + time.Millisecond)
		f.settle(t)
		if i < DefaultMaxRetries {
			f.expectState(t, StateWaitAccept)
		}
	}
	f.expectState(t, StateWaitCapabilities)
	if f.pc.softResets != 1 {
		t.Errorf("soft resets = %d, want 1", f.pc.softResets)
	}
	if n := len(f.pc.sent); n != DefaultMaxRetries {
		t.Errorf("sent %d requests, want %d", n, DefaultMaxRetries)
	}

	// The source stays silent after the soft reset.
	for i := 1; i <= DefaultMaxRetries; i++ {
		f.clk.advance(DefaultSourceCapabilitiesTimeout + time.Millisecond)
		f.settle(t)
	}
	f.expectState(t, StateFault)
	if !errors.Is(f.e.Err(), ErrRetriesExhausted) {
		t.Errorf("Err() = %v, want ErrRetriesExhausted", f.e.Err())
	}

	// Fault is terminal: nothing moves it, even late messages.
	f.pc.push(f.src.control(pdmsg.TypeAccept), f.src.control(pdmsg.TypePSReady))
	for i := 0; i < 5; i++ {
		f.clk.advance(time.Second)
		f.settle(t)
	}
	f.pc.pending = nil
	f.expectState(t, StateFault)
	if n := f.rec.count(EventFault); n != 1 {
		t.Errorf("fault fired %d times, want 1", n)
	}
	if n := f.rec.count(EventPowerReady); n != 0 {
		t.Errorf("power_ready fired %d times", n)
	}

	f.e.Reset()
	f.settle(t)
	f.expectState(t, StateWaitCapabilities)
	if f.e.Err() != nil {
		t.Errorf("Err() = %v after Reset", f.e.Err())
	}
	if f.pc.inits != 2 {
		t.Errorf("inits = %d, want 2", f.pc.inits)
	}
}

func TestSlowSourceKeepsRequestRetries(t *testing.T) {
	f := newAttached(t, nil)
	for i := 1; i < DefaultMaxRetries; i++ {
		f.clk.advance(DefaultSourceCapabilitiesTimeout + time.Millisecond)
		f.settle(t)
		f.expectState(t, StateWaitCapabilities)
	}
	f.deliver(t, f.src.caps(testCaps...))
	f.expectState(t, StateWaitAccept)

	for i := 1; i < DefaultMaxRetries; i++ {
		f.clk.advance(DefaultSenderResponseTimeout + time.Millisecond)
		f.settle(t)
		f.expectState(t, StateWaitAccept)
	}
	f.deliver(t, f.src.control(pdmsg.TypeAccept))
	f.deliver(t, f.src.control(pdmsg.TypePSReady))
	f.expectState(t, StateContracted)
	if f.pc.softResets != 0 {
		t.Errorf("soft resets = %d, want 0", f.pc.softResets)
	}
}

func TestCapabilitiesRestoreRequestRetries(t *testing.T) {
	f := newAttached(t, nil)
	f.deliver(t, f.src.caps(testCaps...))
	for i := 1; i < DefaultMaxRetries; i++ {
		f.clk.advance(DefaultSenderResponseTimeout + time.Millisecond)
		f.settle(t)
	}
	f.deliver(t, f.src.control(pdmsg.TypeReject))
	f.expectState(t, StateWaitCapabilities)

	f.deliver(t, f.src.caps(testCaps...))
	f.expectState(t, StateWaitAccept)
	if f.e.acceptRetries != 0 || f.e.capsRetries != 1 {
		t.Errorf("acceptRetries = %d, capsRetries = %d, want 0 and 1", f.e.acceptRetries, f.e.capsRetries)
	}
}

func TestRejectAsksForCapabilities(t *testing.T) {
	f := newAttached(t, nil)
	f.deliver(t, f.src.caps(testCaps...))
	f.deliver(t, f.src.control(pdmsg.TypeReject))
	f.expectState(t, StateWaitCapabilities)
	if m := f.pc.lastSent(t); m.Header.IsData() || m.Header.Type() != pdmsg.TypeGetSourceCap {
		t.Errorf("sent %s, want Get_Source_Cap", m.Header.TypeName())
	}
	if f.rec.count(EventRejected) != 1 {
		t.Error("rejected not fired")
	}

	// Two more rejections use up the retries.
	f.deliver(t, f.src.caps(testCaps...))
	f.deliver(t, f.src.control(pdmsg.TypeWait))
	f.expectState(t, StateWaitCapabilities)
	f.deliver(t, f.src.caps(testCaps...))
	f.deliver(t, f.src.control(pdmsg.TypeReject))
	f.expectState(t, StateFault)
}

func TestMessageIDs(t *testing.T) {
	f := newAttached(t, nil)
	f.deliver(t, f.src.caps(testCaps...))
	f.clk.advance(DefaultSenderResponseTimeout + time.Millisecond)
	f.settle(t)
	if len(f.pc.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(f.pc.sent))
	}
	for i, m := range f.pc.sent {
		if got := m.Header.ID(); got != uint8(i) {
			t.Errorf("message %d ID = %d", i, got)
		}
	}
}

func TestPSReadyTimeoutSoftReset(t *testing.T) {
	f := newAttached(t, nil)
	f.deliver(t, f.src.caps(testCaps...))
	f.deliver(t, f.src.control(pdmsg.TypeAccept))
	f.expectState(t, StateWaitPSReady)
	f.clk.advance(DefaultPSTransitionTimeout + time.Millisecond)
	f.settle(t)
	f.expectState(t, StateWaitCapabilities)
	if f.pc.softResets != 1 {
		t.Errorf("soft resets = %d, want 1", f.pc.softResets)
	}

	// The source restarts its message IDs after a soft reset.
	f.src.id = 0
	f.deliver(t, f.src.caps(testCaps...))
	f.expectState(t, StateWaitAccept)
}

func TestTxFailedSoftReset(t *testing.T) {
	f := newAttached(t, nil)
	f.pc.txErrs = []error{pdsink.ErrTxFailed}
	f.deliver(t, f.src.caps(testCaps...))
	f.expectState(t, StateWaitCapabilities)
	if f.pc.softResets != 1 {
		t.Errorf("soft resets = %d, want 1", f.pc.softResets)
	}
}

func TestSoftResetsExhausted(t *testing.T) {
	f := newAttached(t, nil)
	for i := 0; i <= DefaultMaxRetries; i++ {
		f.pc.txErrs = []error{pdsink.ErrTxFailed}
		f.src.id = 0
		f.deliver(t, f.src.caps(testCaps...))
	}
	f.expectState(t, StateFault)
	if !errors.Is(f.e.Err(), ErrSoftResetsExhausted) {
		t.Errorf("Err() = %v, want ErrSoftResetsExhausted", f.e.Err())
	}
	if f.pc.softResets != DefaultMaxRetries {
		t.Errorf("soft resets = %d, want %d", f.pc.softResets, DefaultMaxRetries)
	}
}

func contracted(t *testing.T) *fixture {
	f := newAttached(t, nil)
	f.deliver(t, f.src.caps(testCaps...))
	f.deliver(t, f.src.control(pdmsg.TypeAccept))
	f.deliver(t, f.src.control(pdmsg.TypePSReady))
	f.expectState(t, StateContracted)
	return f
}

func TestDetachClearsContract(t *testing.T) {
	f := contracted(t)
	f.deliver(t, pdsink.Event{Kind: pdsink.EventDetached})
	f.expectState(t, StateWaitCapabilities)
	if _, ok := f.e.Contract(); ok {
		t.Error("contract kept after detach")
	}

	// No timeout while nothing is attached.
	f.clk.advance(time.Hour)
	f.settle(t)
	f.expectState(t, StateWaitCapabilities)

	f.deliver(t, pdsink.Event{Kind: pdsink.EventAttached})
	f.deliver(t, f.src.caps(testCaps...))
	f.expectState(t, StateWaitAccept)
}

func TestReattachRestartsMessageIDs(t *testing.T) {
	f := newAttached(t, nil)
	f.deliver(t, f.src.caps(testCaps...))
	f.expectState(t, StateWaitAccept)
	f.deliver(t, pdsink.Event{Kind: pdsink.EventDetached})
	f.deliver(t, pdsink.Event{Kind: pdsink.EventAttached})

	// A new partner starts over at message ID 0.
	sent := len(f.pc.sent)
	fresh := &source{}
	f.deliver(t, fresh.caps(testCaps...))
	f.expectState(t, StateWaitAccept)
	if len(f.pc.sent) != sent+1 {
		t.Fatalf("sent %d messages, want %d", len(f.pc.sent), sent+1)
	}
	if m := f.pc.lastSent(t); m.Header.Type() != pdmsg.TypeRequest || m.Header.ID() != 0 {
		t.Errorf("sent %s ID %d, want Request ID 0", m.Header.TypeName(), m.Header.ID())
	}
}

func TestWaitCapabilitiesTimeout(t *testing.T) {
	f := newAttached(t, nil)
	sent := len(f.pc.sent)
	for i := 1; i < DefaultMaxRetries; i++ {
		f.clk.advance(DefaultSourceCapabilitiesTimeout + time.Millisecond)
		f.settle(t)
		f.expectState(t, StateWaitCapabilities)
		if len(f.pc.sent) != sent+i {
			t.Fatalf("timeout %d: Get_Source_Cap not sent", i)
		}
	}
	f.clk.advance(DefaultSourceCapabilitiesTimeout + time.Millisecond)
	f.settle(t)
	f.expectState(t, StateFault)
}

func TestAttachStartsTimer(t *testing.T) {
	fake := &fakePC{}
	f := newFixture(t, fake, fake, nil)
	f.settle(t)
	f.clk.advance(time.Hour)
	f.settle(t)
	f.expectState(t, StateWaitCapabilities)

	f.deliver(t, pdsink.Event{Kind: pdsink.EventAttached})
	f.clk.advance(DefaultSourceCapabilitiesTimeout + time.Millisecond)
	f.settle(t)
	if f.e.capsRetries != 1 {
		t.Errorf("capsRetries = %d, want 1", f.e.capsRetries)
	}
}

func TestRenegotiate(t *testing.T) {
	f := contracted(t)
	f.e.Renegotiate()
	f.settle(t)
	f.expectState(t, StateWaitCapabilities)
	if _, ok := f.e.Contract(); ok {
		t.Error("contract kept after renegotiate")
	}
	if m := f.pc.lastSent(t); m.Header.Type() != pdmsg.TypeGetSourceCap {
		t.Errorf("sent %s, want Get_Source_Cap", m.Header.TypeName())
	}

	// Ignored outside the contracted state.
	f.e.Renegotiate()
	f.settle(t)
	f.expectState(t, StateWaitCapabilities)
}

func TestNewCapabilitiesWhileContracted(t *testing.T) {
	f := contracted(t)
	f.deliver(t, f.src.caps(testCaps[:1]...))
	f.expectState(t, StateWaitAccept)
	if _, ok := f.e.Contract(); ok {
		t.Error("contract kept during renegotiation")
	}
}

func TestHardResetReceived(t *testing.T) {
	fake := &signalingPC{fakePC: fakePC{status: pdsink.Status{Port: pdsink.PortStatus{Status: 1}}}}
	f := newFixture(t, fake, &fake.fakePC, nil)
	f.settle(t)
	f.deliver(t, f.src.caps(testCaps...))
	f.deliver(t, pdsink.Event{Kind: pdsink.EventHardResetReceived})
	f.expectState(t, StateWaitCapabilities)
	if fake.hardResets != 1 || fake.inits != 2 {
		t.Errorf("hard resets = %d, inits = %d", fake.hardResets, fake.inits)
	}
	if fake.hardResetsSent != 0 {
		t.Error("hard reset echoed to the partner")
	}

	f.e.HardReset()
	f.settle(t)
	f.expectState(t, StateWaitCapabilities)
	if fake.hardResets != 2 || fake.hardResetsSent != 1 {
		t.Errorf("hard resets = %d, sent = %d", fake.hardResets, fake.hardResetsSent)
	}
}

func TestSoftResetMessage(t *testing.T) {
	f := newAttached(t, nil)
	f.deliver(t, f.src.caps(testCaps...))
	f.src.id = 0
	f.deliver(t, f.src.control(pdmsg.TypeSoftReset))
	f.expectState(t, StateWaitCapabilities)
	m := f.pc.lastSent(t)
	if m.Header.Type() != pdmsg.TypeAccept || m.Header.ID() != 0 {
		t.Errorf("sent %s ID %d, want Accept ID 0", m.Header.TypeName(), m.Header.ID())
	}
}

func TestDuplicateMessageDiscarded(t *testing.T) {
	f := contracted(t)
	sent := len(f.pc.sent)

	// Same ID as the PS_RDY that completed the contract.
	dup := f.src.caps(testCaps...)
	dup.Message.Header.SetID(2)
	f.deliver(t, dup)
	f.expectState(t, StateContracted)

	// Extended messages are not decoded.
	ext := f.src.caps(testCaps...)
	ext.Message.Header.SetExtended(true)
	f.deliver(t, ext)
	f.expectState(t, StateContracted)
	if len(f.pc.sent) != sent {
		t.Fatalf("sent %d messages, want %d", len(f.pc.sent), sent)
	}

	f.deliver(t, f.src.caps(testCaps...))
	f.expectState(t, StateWaitAccept)
}

func TestBusErrorFaults(t *testing.T) {
	f := newAttached(t, nil)
	f.pc.alertErr = &tcpcdriver.BusError{Op: "read", Addr: 0x28, Reg: 0x0b, Err: errors.New("nack")}
	f.settle(t)
	f.expectState(t, StateFault)
	if !tcpcdriver.IsBusError(f.e.Err()) {
		t.Errorf("Err() = %v, want bus error", f.e.Err())
	}
}

func TestInitErrorFaults(t *testing.T) {
	fake := &fakePC{initErr: errors.New("no device")}
	f := newFixture(t, fake, fake, nil)
	f.settle(t)
	f.expectState(t, StateFault)
}

func TestEvaluatorFallbackRetries(t *testing.T) {
	f := newAttached(t, CapabilityEvaluatorFunc(func(*pdmsg.Capabilities) (pdmsg.Request, error) {
		return pdmsg.Request{}, ErrNoCapabilities
	}))
	f.deliver(t, f.src.caps(0xc0000000))
	f.expectState(t, StateWaitCapabilities)
	if f.e.capsRetries != 1 {
		t.Errorf("capsRetries = %d, want 1", f.e.capsRetries)
	}
}

func TestRun(t *testing.T) {
	fake := &fakePC{status: pdsink.Status{Port: pdsink.PortStatus{Status: 1}}}
	src := &source{}
	fake.push(src.caps(testCaps...))
	fake.push(src.control(pdmsg.TypeAccept))
	fake.push(src.control(pdmsg.TypePSReady))
	sig := pdsink.NewAlertSignal()
	e := New(fake, &Options{Signal: sig, Logger: zap.NewNop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for e.State() != StateContracted {
		if time.Now().After(deadline) {
			t.Fatalf("State() = %s, want %s", e.State(), StateContracted)
		}
		sig.Raise()
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
	if c, ok := e.Contract(); !ok || c.Position != 1 {
		t.Errorf("Contract() = %+v, %t", c, ok)
	}
}

func TestStateString(t *testing.T) {
	if s := StateWaitPSReady.String(); s != "wait-ps-ready" {
		t.Errorf("String() = %q", s)
	}
	if s := State(42).String(); s != "INVALID" {
		t.Errorf("String() = %q", s)
	}
}
