// Package relay translates between locally issued commands, commands
// originated by the peer process, and the central authority, keeping every
// reference in exactly one of: free, locally pending, externally mapped, or
// internally reserved.
//
// A Relay is owned by a single event loop. None of its methods are safe for
// concurrent use; asynchronous completions are marshalled back through the
// Poster supplied at construction.
package relay

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/standardbeagle/procrelay/internal/logging"
	"github.com/standardbeagle/procrelay/internal/metrics"
	"github.com/standardbeagle/procrelay/internal/pending"
	"github.com/standardbeagle/procrelay/internal/protocol"
	"github.com/standardbeagle/procrelay/internal/reference"
)

var (
	// ErrNilCollaborator is returned when a required dependency is missing.
	ErrNilCollaborator = errors.New("required collaborator is nil")
	// ErrStaleAck marks an acknowledge whose reference is not mapped, pending
	// or internal. It is logged and dropped.
	ErrStaleAck = errors.New("acknowledge for unknown reference")
)

// Sender puts envelopes on the wire toward the peer.
type Sender interface {
	Send(kind protocol.Kind, typeName string, ref reference.Ref, payload []byte) error
}

// Authority receives forwarded and internal commands. reply may be called
// from any goroutine, exactly once.
type Authority interface {
	Submit(ref reference.Ref, cmd protocol.Command, reply func(protocol.Acknowledge))
}

// Config wires a Relay.
type Config struct {
	// Name labels logs and metrics.
	Name      string
	Sender    Sender
	Authority Authority
	// Post runs fn on the owning event loop.
	Post pending.Poster
	// OnFatal reports programmer errors such as reference exhaustion.
	OnFatal func(error)

	Clock     clock.WithDelayedExecution
	Allocator *reference.Allocator
	Logger    logr.Logger
}

// Stats counts references per category.
type Stats struct {
	Pending  int
	Mapped   int
	Internal int
	Orphaned int
}

type outbound struct {
	typeName string
	onAck    AckFunc
}

// Relay is the bidirectional command/acknowledge forwarding layer.
type Relay struct {
	name      string
	log       logr.Logger
	sender    Sender
	authority Authority
	post      pending.Poster
	onFatal   func(error)

	alloc   *reference.Allocator
	tracker *pending.Tracker

	outbound map[reference.Ref]outbound
	mapped   map[reference.Ref]reference.Ref
	// orphaned holds forwarded refs whose peer went away before the
	// authority answered. They stay blocked until that answer arrives.
	orphaned map[reference.Ref]struct{}
	internal map[reference.Ref]AckFunc

	dispatcher *protocol.Dispatcher
	active     bool
}

// ackFrame is a decoded generic acknowledge together with its raw payload.
type ackFrame struct {
	ack     protocol.Acknowledge
	payload []byte
}

// New validates cfg and returns an inactive relay.
func New(cfg Config) (*Relay, error) {
	if cfg.Sender == nil {
		return nil, fmt.Errorf("%w: sender", ErrNilCollaborator)
	}
	if cfg.Authority == nil {
		return nil, fmt.Errorf("%w: authority", ErrNilCollaborator)
	}
	if cfg.Post == nil {
		return nil, fmt.Errorf("%w: poster", ErrNilCollaborator)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Allocator == nil {
		cfg.Allocator = reference.NewAllocator()
	}
	if cfg.OnFatal == nil {
		cfg.OnFatal = func(error) {}
	}

	r := &Relay{
		name:      cfg.Name,
		log:       cfg.Logger.WithName("relay"),
		sender:    cfg.Sender,
		authority: cfg.Authority,
		post:      cfg.Post,
		onFatal:   cfg.OnFatal,
		alloc:     cfg.Allocator,
		outbound:  make(map[reference.Ref]outbound),
		mapped:    make(map[reference.Ref]reference.Ref),
		orphaned:  make(map[reference.Ref]struct{}),
		internal:  make(map[reference.Ref]AckFunc),
		dispatcher: protocol.NewDispatcher(),
	}
	r.tracker = pending.NewTracker(pending.WithClock(cfg.Clock), pending.WithPoster(cfg.Post))

	// A malformed generic acknowledge still resolves its request, as a failure.
	err := r.dispatcher.Acks.Register(protocol.TypeAcknowledge, protocol.HandlerFunc(
		func(payload []byte) (any, error) {
			ack, err := protocol.DecodeAcknowledge(payload)
			if err != nil {
				metrics.RecordDropped(r.name, metrics.DropMalformed)
				r.log.Info("malformed acknowledge", "err", err)
				ack = protocol.Failed(protocol.AckError, err.Error())
			}
			return ackFrame{ack: ack, payload: payload}, nil
		},
		func(ref reference.Ref, msg any) {
			f := msg.(ackFrame)
			r.handleAck(ref, protocol.TypeAcknowledge, f.payload, f.ack)
		},
	))
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Commands is the registry for commands received from the peer. Locally
// handled types are registered here and answered with Acknowledge.
func (r *Relay) Commands() *protocol.Registry { return r.dispatcher.Commands }

// RegisterForwarded routes incoming commands of typeName to the central
// authority.
func (r *Relay) RegisterForwarded(typeName string) error {
	return r.dispatcher.Commands.Register(typeName, protocol.Raw(func(ref reference.Ref, payload []byte) {
		r.ForwardCommand(ref, protocol.Command{TypeName: typeName, Payload: payload})
	}))
}

// Active reports whether the peer is reachable.
func (r *Relay) Active() bool { return r.active }

// Activate enables traffic toward the peer.
func (r *Relay) Activate() {
	if !r.active {
		r.log.V(logging.VERBOSE).Info("relay activated")
	}
	r.active = true
}

// Suspend stops traffic toward the peer. Every locally pending request is
// resolved with OutcomePeerUnavailable and forwarded commands still waiting
// on the authority are orphaned.
func (r *Relay) Suspend(reason string) {
	wasActive := r.active
	r.active = false

	r.tracker.CancelAll(func(req pending.Request) {
		r.resolve(req.Ref, Outcome{Kind: OutcomePeerUnavailable, Ref: req.Ref, TypeName: req.TypeName})
	})

	for newRef, extRef := range r.mapped {
		delete(r.mapped, newRef)
		r.orphaned[newRef] = struct{}{}
		r.log.V(logging.DEBUG).Info("forward orphaned", "ref", newRef, "externalRef", extRef)
	}

	if wasActive {
		r.log.V(logging.VERBOSE).Info("relay suspended", "reason", reason)
	}
	metrics.SetPending(r.name, r.tracker.Len())
}

// SendCommand issues cmd to the peer. onAck receives exactly one Outcome.
// A command without a timeout is fire-and-forget: onAck then only hears
// about it when the peer is unavailable.
func (r *Relay) SendCommand(cmd protocol.Command, onAck AckFunc) {
	if onAck == nil {
		onAck = func(Outcome) {}
	}
	if !r.active {
		r.finish(onAck, Outcome{Kind: OutcomePeerUnavailable, TypeName: cmd.TypeName})
		return
	}

	ref, err := r.alloc.Allocate()
	if err != nil {
		r.onFatal(fmt.Errorf("send %s: %w", cmd.TypeName, err))
		r.finish(onAck, Outcome{Kind: OutcomePeerUnavailable, TypeName: cmd.TypeName})
		return
	}

	fireAndForget := cmd.Timeout <= pending.NoTimeout
	if !fireAndForget {
		if err := r.tracker.Track(ref, cmd.TypeName, cmd.Timeout, r.onTimeout); err != nil {
			// A blocked ref cannot already be tracked.
			r.onFatal(fmt.Errorf("track %s ref=%s: %w", cmd.TypeName, ref, err))
			r.alloc.Release(ref)
			r.finish(onAck, Outcome{Kind: OutcomePeerUnavailable, Ref: ref, TypeName: cmd.TypeName})
			return
		}
		r.outbound[ref] = outbound{typeName: cmd.TypeName, onAck: onAck}
		metrics.SetPending(r.name, r.tracker.Len())
	}

	r.log.V(logging.TRACE).Info("send command", "type", cmd.TypeName, "ref", ref, "timeout", cmd.Timeout)
	if err := r.sender.Send(protocol.KindCommand, cmd.TypeName, ref, cmd.Payload); err != nil {
		r.log.V(logging.VERBOSE).Info("send failed", "type", cmd.TypeName, "ref", ref, "err", err)
		if fireAndForget {
			r.alloc.Release(ref)
			return
		}
		r.tracker.Resolve(ref)
		r.resolve(ref, Outcome{Kind: OutcomePeerUnavailable, Ref: ref, TypeName: cmd.TypeName})
		return
	}

	if fireAndForget {
		r.alloc.Release(ref)
	}
}

// Acknowledge answers a locally handled command received from the peer.
func (r *Relay) Acknowledge(ref reference.Ref, ack protocol.Acknowledge) error {
	if !r.active {
		return fmt.Errorf("acknowledge ref=%s: peer unavailable", ref)
	}
	return r.sender.Send(protocol.KindAck, protocol.TypeAcknowledge, ref, ack.Marshal())
}

// ForwardCommand hands a peer-originated command to the central authority
// under a freshly minted reference and returns that reference.
func (r *Relay) ForwardCommand(externalRef reference.Ref, cmd protocol.Command) reference.Ref {
	newRef, err := r.alloc.Allocate()
	if err != nil {
		r.onFatal(fmt.Errorf("forward %s: %w", cmd.TypeName, err))
		return reference.Invalid
	}
	r.mapped[newRef] = externalRef
	metrics.RecordForwarded(r.name)
	r.log.V(logging.DEBUG).Info("forward command", "type", cmd.TypeName, "externalRef", externalRef, "ref", newRef)

	r.authority.Submit(newRef, cmd, func(ack protocol.Acknowledge) {
		r.post(func() { r.ForwardAck(newRef, ack) })
	})
	return newRef
}

// SubmitInternal sends a command of the relay's owner to the central
// authority. Its acknowledge is resolved locally and never forwarded.
func (r *Relay) SubmitInternal(cmd protocol.Command, onAck AckFunc) {
	if onAck == nil {
		onAck = func(Outcome) {}
	}
	ref, err := r.alloc.Allocate()
	if err != nil {
		r.onFatal(fmt.Errorf("submit %s: %w", cmd.TypeName, err))
		return
	}
	r.internal[ref] = onAck
	r.authority.Submit(ref, cmd, func(ack protocol.Acknowledge) {
		r.post(func() { r.ForwardAck(ref, ack) })
	})
}

// ForwardAck routes an acknowledge from the central authority. Internal
// references resolve locally, mapped references go back to the peer tagged
// with the external reference, anything else is stale and dropped.
func (r *Relay) ForwardAck(newRef reference.Ref, ack protocol.Acknowledge) {
	onAck, isInternal := r.internal[newRef]
	extRef, isMapped := r.mapped[newRef]
	if isInternal && isMapped {
		r.log.Error(nil, "reference both internal and mapped", "ref", newRef)
	}

	switch {
	case isInternal:
		delete(r.internal, newRef)
		r.alloc.Release(newRef)
		onAck(Outcome{Kind: OutcomeAck, Ref: newRef, TypeName: protocol.TypeAcknowledge, Ack: ack})

	case isMapped:
		delete(r.mapped, newRef)
		r.alloc.Release(newRef)
		r.log.V(logging.DEBUG).Info("forward acknowledge", "ref", newRef, "externalRef", extRef, "status", ack.Status)
		if err := r.sender.Send(protocol.KindAck, protocol.TypeAcknowledge, extRef, ack.Marshal()); err != nil {
			r.log.V(logging.VERBOSE).Info("forward acknowledge failed", "externalRef", extRef, "err", err)
		}

	default:
		if _, ok := r.orphaned[newRef]; ok {
			delete(r.orphaned, newRef)
			r.alloc.Release(newRef)
			r.log.V(logging.DEBUG).Info("dropping acknowledge for orphaned forward", "ref", newRef)
			return
		}
		metrics.RecordDropped(r.name, metrics.DropStaleAck)
		r.log.V(logging.VERBOSE).Info("dropping stale acknowledge", "ref", newRef, "err", ErrStaleAck)
	}
}

// HandleIncoming processes one envelope received from the peer.
func (r *Relay) HandleIncoming(env protocol.Envelope) {
	err := r.dispatcher.Dispatch(env)
	if err == nil {
		return
	}
	var unknownKind *protocol.ErrUnknownKind
	switch {
	case env.Kind == protocol.KindAck && errors.Is(err, protocol.ErrUnknownMessage):
		// Typed acknowledges carry their own payload and count as positive.
		r.handleAck(env.Ref, env.TypeName, env.Payload, protocol.OK(""))
	case errors.As(err, &unknownKind):
		metrics.RecordDropped(r.name, metrics.DropMalformed)
		r.log.Info("dropping envelope", "kind", env.Kind)
	default:
		reason := metrics.DropMalformed
		if errors.Is(err, protocol.ErrUnknownMessage) {
			reason = metrics.DropUnknownMessage
		}
		metrics.RecordDropped(r.name, reason)
		r.log.V(logging.DEFAULT).Info("dropping command", "type", env.TypeName, "ref", env.Ref, "err", err)
	}
}

func (r *Relay) handleAck(ref reference.Ref, typeName string, payload []byte, ack protocol.Acknowledge) {
	if !r.tracker.Resolve(ref) {
		metrics.RecordDropped(r.name, metrics.DropSpuriousAck)
		r.log.V(logging.VERBOSE).Info("spurious or late acknowledge", "type", typeName, "ref", ref)
		return
	}
	r.resolve(ref, Outcome{Kind: OutcomeAck, Ref: ref, TypeName: typeName, Ack: ack, Payload: payload})
}

func (r *Relay) onTimeout(ref reference.Ref, typeName string) {
	r.log.V(logging.VERBOSE).Info("command timed out", "type", typeName, "ref", ref)
	r.resolve(ref, Outcome{Kind: OutcomeTimeout, Ref: ref, TypeName: typeName})
}

// resolve delivers out for a ref the tracker has already let go of.
func (r *Relay) resolve(ref reference.Ref, out Outcome) {
	ob, ok := r.outbound[ref]
	if !ok {
		return
	}
	delete(r.outbound, ref)
	r.alloc.Release(ref)
	if out.TypeName == "" {
		out.TypeName = ob.typeName
	}
	metrics.SetPending(r.name, r.tracker.Len())
	r.finish(ob.onAck, out)
}

func (r *Relay) finish(onAck AckFunc, out Outcome) {
	metrics.RecordOutcome(r.name, out.Kind.String())
	onAck(out)
}

// IsPending reports whether ref is waiting for an acknowledge from the peer.
func (r *Relay) IsPending(ref reference.Ref) bool { return r.tracker.Contains(ref) }

// Stats returns reference counts by category.
func (r *Relay) Stats() Stats {
	return Stats{
		Pending:  r.tracker.Len(),
		Mapped:   len(r.mapped),
		Internal: len(r.internal),
		Orphaned: len(r.orphaned),
	}
}
