package relay

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/standardbeagle/procrelay/internal/protocol"
	"github.com/standardbeagle/procrelay/internal/reference"
)

type sent struct {
	Kind     protocol.Kind
	TypeName string
	Ref      reference.Ref
	Payload  []byte
}

type fakeSender struct {
	mu   sync.Mutex
	out  []sent
	fail error
}

func (f *fakeSender) Send(kind protocol.Kind, typeName string, ref reference.Ref, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.out = append(f.out, sent{kind, typeName, ref, payload})
	return nil
}

func (f *fakeSender) last(t *testing.T) sent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.out)
	return f.out[len(f.out)-1]
}

type submission struct {
	Ref   reference.Ref
	Cmd   protocol.Command
	Reply func(protocol.Acknowledge)
}

type fakeAuthority struct {
	submitted []submission
}

func (f *fakeAuthority) Submit(ref reference.Ref, cmd protocol.Command, reply func(protocol.Acknowledge)) {
	f.submitted = append(f.submitted, submission{ref, cmd, reply})
}

type harness struct {
	relay     *Relay
	sender    *fakeSender
	authority *fakeAuthority
	clock     *testclock.FakeClock
	alloc     *reference.Allocator
	posted    chan func()
	fatal     []error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sender:    &fakeSender{},
		authority: &fakeAuthority{},
		clock:     testclock.NewFakeClock(time.Unix(1700000000, 0)),
		alloc:     reference.NewAllocator(),
		posted:    make(chan func(), 16),
	}
	r, err := New(Config{
		Name:      "export",
		Sender:    h.sender,
		Authority: h.authority,
		Post:      func(fn func()) { h.posted <- fn },
		OnFatal:   func(err error) { h.fatal = append(h.fatal, err) },
		Clock:     h.clock,
		Allocator: h.alloc,
		Logger:    testr.New(t),
	})
	require.NoError(t, err)
	h.relay = r
	return h
}

// runPosted executes one closure posted to the owning loop.
func (h *harness) runPosted(t *testing.T) {
	t.Helper()
	select {
	case fn := <-h.posted:
		fn()
	case <-time.After(time.Second):
		t.Fatal("nothing was posted to the loop")
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{Authority: &fakeAuthority{}, Post: func(func()) {}})
	assert.ErrorIs(t, err, ErrNilCollaborator)
	_, err = New(Config{Sender: &fakeSender{}, Post: func(func()) {}})
	assert.ErrorIs(t, err, ErrNilCollaborator)
	_, err = New(Config{Sender: &fakeSender{}, Authority: &fakeAuthority{}})
	assert.ErrorIs(t, err, ErrNilCollaborator)
}

func TestSendCommand_Ack(t *testing.T) {
	h := newHarness(t)
	h.relay.Activate()

	var outcomes []Outcome
	h.relay.SendCommand(protocol.Command{TypeName: "SetDateTime", Timeout: time.Second}, func(o Outcome) {
		outcomes = append(outcomes, o)
	})

	out := h.sender.last(t)
	assert.Equal(t, protocol.KindCommand, out.Kind)
	assert.Equal(t, "SetDateTime", out.TypeName)
	assert.True(t, h.relay.IsPending(out.Ref))

	h.relay.HandleIncoming(protocol.Envelope{
		Kind:     protocol.KindAck,
		TypeName: protocol.TypeAcknowledge,
		Ref:      out.Ref,
		Payload:  protocol.OK("done").Marshal(),
	})

	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeAck, outcomes[0].Kind)
	assert.True(t, outcomes[0].OK())
	assert.Equal(t, "done", outcomes[0].Ack.Message)
	assert.False(t, h.relay.IsPending(out.Ref))
	assert.False(t, h.alloc.IsBlocked(out.Ref), "reference released after resolution")

	// A duplicate acknowledge is spurious.
	h.relay.HandleIncoming(protocol.Envelope{Kind: protocol.KindAck, TypeName: protocol.TypeAcknowledge, Ref: out.Ref})
	assert.Len(t, outcomes, 1)
}

func TestSendCommand_TimeoutExactlyOnce(t *testing.T) {
	h := newHarness(t)
	h.relay.Activate()

	var outcomes []Outcome
	h.relay.SendCommand(protocol.Command{TypeName: "ChangePassword", Timeout: 100 * time.Millisecond}, func(o Outcome) {
		outcomes = append(outcomes, o)
	})
	ref := h.sender.last(t).Ref

	h.clock.Step(100 * time.Millisecond)
	h.runPosted(t)

	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeTimeout, outcomes[0].Kind)
	assert.Equal(t, "ChangePassword", outcomes[0].TypeName)
	assert.False(t, h.relay.IsPending(ref))

	// The acknowledge arriving after the deadline is dropped.
	h.relay.HandleIncoming(protocol.Envelope{Kind: protocol.KindAck, TypeName: protocol.TypeAcknowledge, Ref: ref})
	assert.Len(t, outcomes, 1)
}

func TestSendCommand_AckBeatsPostedTimeout(t *testing.T) {
	h := newHarness(t)
	h.relay.Activate()

	var outcomes []Outcome
	h.relay.SendCommand(protocol.Command{TypeName: "Export", Timeout: 50 * time.Millisecond}, func(o Outcome) {
		outcomes = append(outcomes, o)
	})
	ref := h.sender.last(t).Ref

	h.clock.Step(50 * time.Millisecond)
	expiry := <-h.posted

	h.relay.HandleIncoming(protocol.Envelope{Kind: protocol.KindAck, TypeName: protocol.TypeAcknowledge, Ref: ref})
	expiry()

	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeAck, outcomes[0].Kind)
}

func TestSendCommand_WhileSuspended(t *testing.T) {
	h := newHarness(t)

	var got Outcome
	h.relay.SendCommand(protocol.Command{TypeName: "Export", Timeout: time.Second}, func(o Outcome) { got = o })

	assert.Equal(t, OutcomePeerUnavailable, got.Kind)
	assert.Empty(t, h.sender.out)
	assert.Equal(t, 0, h.alloc.InUse())
}

func TestSendCommand_SendFailure(t *testing.T) {
	h := newHarness(t)
	h.relay.Activate()
	h.sender.fail = errors.New("broken pipe")

	var got Outcome
	h.relay.SendCommand(protocol.Command{TypeName: "Export", Timeout: time.Second}, func(o Outcome) { got = o })

	assert.Equal(t, OutcomePeerUnavailable, got.Kind)
	assert.Equal(t, Stats{}, h.relay.Stats())
	assert.Equal(t, 0, h.alloc.InUse())
}

func TestSendCommand_FireAndForget(t *testing.T) {
	h := newHarness(t)
	h.relay.Activate()

	called := false
	h.relay.SendCommand(protocol.Command{TypeName: "Heartbeat"}, func(Outcome) { called = true })

	assert.Equal(t, "Heartbeat", h.sender.last(t).TypeName)
	assert.False(t, called)
	assert.Equal(t, 0, h.relay.Stats().Pending)
	assert.Equal(t, 0, h.alloc.InUse())
}

func TestSendCommand_Exhaustion(t *testing.T) {
	h := newHarness(t)
	bounded := reference.NewBounded(2)
	r, err := New(Config{
		Sender:    h.sender,
		Authority: h.authority,
		Post:      func(fn func()) { h.posted <- fn },
		OnFatal:   func(err error) { h.fatal = append(h.fatal, err) },
		Clock:     h.clock,
		Allocator: bounded,
		Logger:    testr.New(t),
	})
	require.NoError(t, err)
	r.Activate()

	var kinds []OutcomeKind
	for i := 0; i < 3; i++ {
		r.SendCommand(protocol.Command{TypeName: "Export", Timeout: time.Second}, func(o Outcome) { kinds = append(kinds, o.Kind) })
	}

	require.Len(t, h.fatal, 1)
	assert.ErrorIs(t, h.fatal[0], reference.ErrExhausted)
	assert.Equal(t, []OutcomeKind{OutcomePeerUnavailable}, kinds)
}

func TestSuspend_ResolvesAllPending(t *testing.T) {
	h := newHarness(t)
	h.relay.Activate()

	var outcomes []Outcome
	for _, name := range []string{"A", "B", "C"} {
		h.relay.SendCommand(protocol.Command{TypeName: name, Timeout: time.Minute}, func(o Outcome) {
			outcomes = append(outcomes, o)
		})
	}
	require.Equal(t, 3, h.relay.Stats().Pending)

	h.relay.Suspend("peer disconnected")

	require.Len(t, outcomes, 3)
	for _, o := range outcomes {
		assert.Equal(t, OutcomePeerUnavailable, o.Kind)
	}
	assert.Equal(t, 0, h.relay.Stats().Pending)
	assert.Equal(t, 0, h.alloc.InUse())
	assert.False(t, h.relay.Active())

	// Timers were stopped; nothing is posted later.
	h.clock.Step(time.Hour)
	select {
	case <-h.posted:
		t.Fatal("cancelled request must not time out")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestForward_Symmetry(t *testing.T) {
	h := newHarness(t)
	h.relay.Activate()

	// Refs 1-6 are in use elsewhere so the forward mints 7.
	for i := 0; i < 6; i++ {
		_, err := h.alloc.Allocate()
		require.NoError(t, err)
	}
	require.NoError(t, h.relay.RegisterForwarded("ExportProgress"))

	h.relay.HandleIncoming(protocol.Envelope{
		Kind:     protocol.KindCommand,
		TypeName: "ExportProgress",
		Ref:      42,
		Payload:  []byte(`{"percent":50}`),
	})

	require.Len(t, h.authority.submitted, 1)
	sub := h.authority.submitted[0]
	assert.Equal(t, reference.Ref(7), sub.Ref)
	assert.Equal(t, "ExportProgress", sub.Cmd.TypeName)
	assert.JSONEq(t, `{"percent":50}`, string(sub.Cmd.Payload))
	assert.Equal(t, 1, h.relay.Stats().Mapped)

	sub.Reply(protocol.OK("noted"))
	h.runPosted(t)

	out := h.sender.last(t)
	assert.Equal(t, protocol.KindAck, out.Kind)
	assert.Equal(t, reference.Ref(42), out.Ref, "acknowledge carries the external reference")
	ack, err := protocol.DecodeAcknowledge(out.Payload)
	require.NoError(t, err)
	assert.Equal(t, "noted", ack.Message)

	assert.Equal(t, 0, h.relay.Stats().Mapped)
	assert.False(t, h.alloc.IsBlocked(7))
}

func TestForwardAck_InternalNotForwarded(t *testing.T) {
	h := newHarness(t)
	h.relay.Activate()

	var got Outcome
	h.relay.SubmitInternal(protocol.Command{TypeName: "ProcessStateChanged"}, func(o Outcome) { got = o })
	require.Len(t, h.authority.submitted, 1)
	ref := h.authority.submitted[0].Ref
	assert.Equal(t, 1, h.relay.Stats().Internal)

	h.relay.ForwardAck(ref, protocol.OK("seen"))

	assert.Equal(t, OutcomeAck, got.Kind)
	assert.Equal(t, "seen", got.Ack.Message)
	assert.Empty(t, h.sender.out, "internal acknowledges never reach the peer")
	assert.Equal(t, Stats{}, h.relay.Stats())
}

func TestForwardAck_Stale(t *testing.T) {
	h := newHarness(t)
	h.relay.Activate()

	h.relay.ForwardAck(99, protocol.OK(""))
	assert.Empty(t, h.sender.out)
}

func TestForward_OrphanedBySuspend(t *testing.T) {
	h := newHarness(t)
	h.relay.Activate()

	newRef := h.relay.ForwardCommand(5, protocol.Command{TypeName: "ExportFinished"})
	require.NotEqual(t, reference.Invalid, newRef)

	h.relay.Suspend("peer exited")
	assert.Equal(t, Stats{Orphaned: 1}, h.relay.Stats())
	assert.True(t, h.alloc.IsBlocked(newRef), "orphaned ref stays blocked until the authority answers")

	h.relay.Activate()
	h.relay.ForwardAck(newRef, protocol.OK(""))

	assert.Empty(t, h.sender.out, "acknowledge for a previous connection is not sent to the new peer")
	assert.Equal(t, Stats{}, h.relay.Stats())
	assert.False(t, h.alloc.IsBlocked(newRef))
}

func TestHandleIncoming_LocalHandler(t *testing.T) {
	h := newHarness(t)
	h.relay.Activate()

	type telemetry struct {
		Temp float64 `json:"temp"`
	}
	require.NoError(t, h.relay.Commands().Register("Telemetry", protocol.Bind(func(ref reference.Ref, msg telemetry) {
		assert.Equal(t, 61.5, msg.Temp)
		require.NoError(t, h.relay.Acknowledge(ref, protocol.OK("")))
	})))

	h.relay.HandleIncoming(protocol.Envelope{Kind: protocol.KindCommand, TypeName: "Telemetry", Ref: 3, Payload: []byte(`{"temp":61.5}`)})

	out := h.sender.last(t)
	assert.Equal(t, protocol.KindAck, out.Kind)
	assert.Equal(t, reference.Ref(3), out.Ref)
	assert.Empty(t, h.authority.submitted)
}

func TestHandleIncoming_UnknownCommandDropped(t *testing.T) {
	h := newHarness(t)
	h.relay.Activate()

	h.relay.HandleIncoming(protocol.Envelope{Kind: protocol.KindCommand, TypeName: "FromTheFuture", Ref: 1})

	assert.Empty(t, h.sender.out)
	assert.Empty(t, h.authority.submitted)
	assert.Empty(t, h.fatal, "unknown messages are not fatal")
}

func TestHandleIncoming_TypedAck(t *testing.T) {
	h := newHarness(t)
	h.relay.Activate()

	var got Outcome
	h.relay.SendCommand(protocol.Command{TypeName: "GetStatus", Timeout: time.Second}, func(o Outcome) { got = o })
	ref := h.sender.last(t).Ref

	h.relay.HandleIncoming(protocol.Envelope{Kind: protocol.KindAck, TypeName: "StatusReport", Ref: ref, Payload: []byte(`{"busy":true}`)})

	assert.True(t, got.OK())
	assert.Equal(t, "StatusReport", got.TypeName)
	assert.JSONEq(t, `{"busy":true}`, string(got.Payload))
}

func TestHandleIncoming_MalformedAckFails(t *testing.T) {
	h := newHarness(t)
	h.relay.Activate()

	var got []Outcome
	h.relay.SendCommand(protocol.Command{TypeName: "SetDateTime", Timeout: time.Second}, func(o Outcome) { got = append(got, o) })
	ref := h.sender.last(t).Ref

	h.relay.HandleIncoming(protocol.Envelope{Kind: protocol.KindAck, TypeName: protocol.TypeAcknowledge, Ref: ref, Payload: []byte(`{"status":`)})

	require.Len(t, got, 1)
	assert.Equal(t, OutcomeAck, got[0].Kind)
	assert.False(t, got[0].OK())
	assert.Equal(t, protocol.AckError, got[0].Ack.Kind)
	assert.False(t, h.relay.IsPending(ref))
}

func TestHandleIncoming_UnknownKindDropped(t *testing.T) {
	h := newHarness(t)
	h.relay.Activate()

	h.relay.SendCommand(protocol.Command{TypeName: "GetStatus", Timeout: time.Second}, func(Outcome) {
		t.Error("request resolved by an envelope of unknown kind")
	})
	ref := h.sender.last(t).Ref

	h.relay.HandleIncoming(protocol.Envelope{Kind: "EVT", TypeName: protocol.TypeAcknowledge, Ref: ref})
	assert.True(t, h.relay.IsPending(ref))
	assert.Empty(t, h.fatal)
}
