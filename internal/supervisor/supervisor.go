// Package supervisor drives one external process through its lifecycle and
// owns the command relay that talks to it.
//
// All supervisor state lives on a single event loop. Gateway events, process
// exits, timers and public calls are posted onto that loop and processed one
// at a time; events raised while processing are queued behind the current
// one.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/standardbeagle/procrelay/internal/gateway"
	"github.com/standardbeagle/procrelay/internal/logging"
	"github.com/standardbeagle/procrelay/internal/loop"
	"github.com/standardbeagle/procrelay/internal/metrics"
	"github.com/standardbeagle/procrelay/internal/process"
	"github.com/standardbeagle/procrelay/internal/protocol"
	"github.com/standardbeagle/procrelay/internal/reference"
	"github.com/standardbeagle/procrelay/internal/relay"
)

const (
	DefaultRetryBudget  = 2
	DefaultRetryBackoff = time.Second
	DefaultLoginTimeout = 30 * time.Second
	DefaultKillTimeout  = 10 * time.Second

	// NoRetries configures a budget of zero retries.
	NoRetries = -1

	// TypeProcessStateChanged is submitted to the central authority on every
	// state change.
	TypeProcessStateChanged = "ProcessStateChanged"
)

// StateChange is the payload of ProcessStateChanged.
type StateChange struct {
	Process     string `json:"process"`
	From        string `json:"from"`
	To          string `json:"to"`
	RetriesUsed int    `json:"retries_used"`
	Error       string `json:"error,omitempty"`
}

// Hooks lets the owner of a supervisor react to lifecycle changes. All hooks
// run on the event loop and must not block.
type Hooks interface {
	// RegisterHandlers registers commands the owner answers itself.
	RegisterHandlers(r *protocol.Registry) error
	// OnReadyToWork runs on every entry to Working.
	OnReadyToWork(ctx context.Context)
	// OnStop runs when the relay is suspended. forever is true when no
	// further retries will happen.
	OnStop(ctx context.Context, forever bool)
	// OnFatal runs once per session when the supervisor enters FatalError.
	OnFatal(err error)
}

// NopHooks implements Hooks with no-ops. Embed it to override a subset.
type NopHooks struct{}

func (NopHooks) RegisterHandlers(*protocol.Registry) error { return nil }
func (NopHooks) OnReadyToWork(context.Context)             {}
func (NopHooks) OnStop(context.Context, bool)              {}
func (NopHooks) OnFatal(error)                             {}

// Config wires a Supervisor.
type Config struct {
	// Name labels logs and metrics. Defaults to Process.Name.
	Name    string
	Process process.Config
	// Attach waits for a peer started elsewhere instead of launching one.
	Attach bool

	// RetryBudget is the number of restarts allowed per session. Zero means
	// DefaultRetryBudget; use NoRetries for none.
	RetryBudget  int
	RetryBackoff time.Duration
	// LoginTimeout bounds the wait for a peer after launch or disconnect.
	LoginTimeout time.Duration
	KillTimeout  time.Duration

	// Forward lists peer command types handed to the central authority.
	Forward []string

	Gateway   gateway.Gateway
	Runner    ProcessRunner
	Authority relay.Authority
	Hooks     Hooks

	Clock     clock.WithDelayedExecution
	Allocator *reference.Allocator
	Logger    logr.Logger
}

type queued struct {
	event Event
	cause error
}

// Supervisor runs the lifecycle state machine for one process.
type Supervisor struct {
	cfg    Config
	log    logr.Logger
	loop   *loop.Loop
	relay  *relay.Relay
	gw     gateway.Gateway
	runner ProcessRunner
	hooks  Hooks
	clock  clock.WithDelayedExecution

	// Owned by the event loop.
	ctx            context.Context
	state          State
	used           int
	proc           ProcessHandle
	timer          clock.Timer
	gen            uint64
	session        uint64
	queue          []queued
	dispatching    bool
	fatalReported  bool
	stoppedForever bool
	// peerLost is set while CommunicationRetry was entered from Working by a
	// disconnect and the process has not been relaunched since.
	peerLost bool
	// peerSession is the gateway session of the last connected peer.
	peerSession string

	stateMirror atomic.Int32
	usedMirror  atomic.Int32
	running     atomic.Bool

	mu          sync.Mutex
	err         error
	readyToStop chan struct{}
	readyClosed bool
}

// New validates cfg and returns a supervisor in Initial. Handler
// registration failures are returned here.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("%w: gateway", ErrNilCollaborator)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Process.Name
	}
	if cfg.Name == "" {
		cfg.Name = "process"
	}
	if cfg.Process.Name == "" {
		cfg.Process.Name = cfg.Name
	}
	switch {
	case cfg.RetryBudget == 0:
		cfg.RetryBudget = DefaultRetryBudget
	case cfg.RetryBudget < 0:
		cfg.RetryBudget = 0
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = DefaultLoginTimeout
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = DefaultKillTimeout
	}
	if cfg.Hooks == nil {
		cfg.Hooks = NopHooks{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	s := &Supervisor{
		cfg:         cfg,
		log:         cfg.Logger.WithName("supervisor").WithValues("process", cfg.Name),
		loop:        loop.New(),
		gw:          cfg.Gateway,
		runner:      cfg.Runner,
		hooks:       cfg.Hooks,
		clock:       cfg.Clock,
		ctx:         context.Background(),
		readyToStop: make(chan struct{}),
	}

	r, err := relay.New(relay.Config{
		Name:      cfg.Name,
		Sender:    cfg.Gateway,
		Authority: cfg.Authority,
		Post:      func(fn func()) { s.loop.Post(fn) },
		OnFatal:   func(err error) { s.handle(EventProgrammerError, err) },
		Clock:     cfg.Clock,
		Allocator: cfg.Allocator,
		Logger:    s.log,
	})
	if err != nil {
		return nil, err
	}
	s.relay = r

	for _, typeName := range cfg.Forward {
		if err := r.RegisterForwarded(typeName); err != nil {
			return nil, fmt.Errorf("forward %s: %w", typeName, err)
		}
	}
	if err := cfg.Hooks.RegisterHandlers(r.Commands()); err != nil {
		return nil, fmt.Errorf("register handlers: %w", err)
	}
	return s, nil
}

// Run processes events until ctx is cancelled, then kills the process and
// drops the peer.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("supervisor already running")
	}
	s.ctx = ctx

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.loop.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.pump(gctx)
		return nil
	})
	err := g.Wait()
	s.cleanup()
	return err
}

// cleanup runs after the loop has stopped, so it owns the loop state.
func (s *Supervisor) cleanup() {
	s.cancelTimer()
	s.relay.Suspend("supervisor stopped")
	if !s.stoppedForever && s.state != StateInitial {
		s.stoppedForever = true
		s.hooks.OnStop(context.Background(), true)
	}
	if err := s.gw.Disconnect(); err != nil {
		s.log.V(logging.VERBOSE).Info("disconnect failed", "err", err)
	}
	if s.proc != nil && s.runner != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.KillTimeout)
		if err := s.runner.Kill(ctx, s.proc); err != nil {
			s.log.Error(err, "kill on exit failed", "pid", s.proc.PID())
		}
		cancel()
		s.proc = nil
	}
	s.signalReady(s.session)
	s.log.V(logging.VERBOSE).Info("supervisor stopped", "state", s.state)
}

func (s *Supervisor) pump(ctx context.Context) {
	events := s.gw.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			s.gatewayEvent(ev)
		}
	}
}

func (s *Supervisor) gatewayEvent(ev gateway.Event) {
	switch ev.Kind {
	case gateway.EventConnected:
		s.log.Info("peer connected", "peer", ev.Peer, "session", ev.Session)
		s.loop.Post(func() {
			s.peerSession = ev.Session
			s.handle(EventPeerConnected, nil)
		})
	case gateway.EventDisconnected:
		s.loop.Post(func() {
			// A replacement peer may log in before the old connection's
			// disconnect is delivered.
			if ev.Session != s.peerSession {
				s.log.V(logging.VERBOSE).Info("ignoring disconnect of a previous session",
					"session", ev.Session, "current", s.peerSession)
				return
			}
			s.peerSession = ""
			s.log.Info("peer disconnected", "peer", ev.Peer, "session", ev.Session)
			s.handle(EventPeerDisconnected, nil)
		})
	case gateway.EventLoginTimeout:
		s.post(EventLoginTimeout, gateway.ErrLoginTimeout)
	case gateway.EventPeerExited:
		s.post(EventPeerExited, fmt.Errorf("peer exited with code %d", ev.ExitCode))
	case gateway.EventFatalTransportError:
		s.post(EventFatalTransportError, ev.Err)
	case gateway.EventIncomingMessage:
		env := ev.Envelope
		s.loop.Post(func() {
			if s.state != StateWorking {
				s.log.V(logging.VERBOSE).Info("dropping message outside Working", "state", s.state, "envelope", env.String())
				return
			}
			s.relay.HandleIncoming(env)
		})
	}
}

func (s *Supervisor) post(ev Event, cause error) bool {
	return s.loop.Post(func() { s.handle(ev, cause) })
}

// handle runs ev to completion, including any events raised meanwhile.
// It must run on the loop.
func (s *Supervisor) handle(ev Event, cause error) {
	s.queue = append(s.queue, queued{event: ev, cause: cause})
	if s.dispatching {
		return
	}
	s.dispatching = true
	defer func() { s.dispatching = false }()
	for len(s.queue) > 0 {
		q := s.queue[0]
		s.queue = s.queue[1:]
		s.step(q.event, q.cause)
	}
}

func (s *Supervisor) step(ev Event, cause error) {
	from := s.state
	next, action, ok := Next(from, ev)
	if !ok {
		s.log.V(logging.DEBUG).Info("event ignored", "state", from, "event", ev)
		return
	}
	if ev == EventStartOperation && from == StateInitial {
		s.setUsed(0)
	}
	// A crashing worker usually closes its socket before the exit is seen.
	// Disconnect then exit is the same crash as exit alone.
	if action == ActionRetry && ev == EventPeerExited && s.peerLost {
		action = ActionRestart
	}

	s.state = next
	s.stateMirror.Store(int32(next))
	s.log.V(logging.VERBOSE).Info("transition", "from", from, "to", next, "event", ev, "action", action)
	if from != next {
		metrics.RecordTransition(s.cfg.Name, from.String(), next.String(), int(next))
	}

	switch action {
	case ActionLaunch:
		s.launch()
	case ActionAwaitPeer:
		s.cancelTimer()
		s.connectGateway()
	case ActionRetry:
		s.retry(cause)
	case ActionActivate:
		s.cancelTimer()
		s.peerLost = false
		s.relay.Activate()
		s.hooks.OnReadyToWork(s.ctx)
	case ActionReconnect:
		s.peerLost = true
		s.relay.Suspend("peer disconnected")
		s.hooks.OnStop(s.ctx, false)
		if !s.cfg.Attach {
			s.armTimer(s.cfg.LoginTimeout, EventLoginTimeout, gateway.ErrLoginTimeout)
		}
	case ActionRestart:
		if !s.peerLost {
			s.relay.Suspend("peer exited")
			s.hooks.OnStop(s.ctx, false)
		}
		s.launch()
	case ActionShutdown:
		s.shutdown()
	case ActionEscalate:
		s.escalate(ev, cause)
	case ActionReset:
		s.reset()
	}

	if from != next {
		s.notifyStateChange(from, next)
	}
}

func (s *Supervisor) notifyStateChange(from, to State) {
	change := StateChange{Process: s.cfg.Name, From: from.String(), To: to.String(), RetriesUsed: s.used}
	if to == StateFatalError {
		if err := s.Err(); err != nil {
			change.Error = err.Error()
		}
	}
	cmd, err := protocol.NewCommand(TypeProcessStateChanged, change, 0)
	if err != nil {
		s.log.Error(err, "encode state change")
		return
	}
	s.relay.SubmitInternal(cmd, func(o relay.Outcome) {
		if !o.OK() {
			s.log.V(logging.VERBOSE).Info("state change not accepted", "to", to, "message", o.Ack.Message)
		}
	})
}

func (s *Supervisor) connectGateway() bool {
	if err := s.gw.Connect(s.ctx); err != nil {
		s.handle(EventSignalConnectFailed, fmt.Errorf("%w: %w", ErrSignalConnectFailed, err))
		return false
	}
	return true
}

func (s *Supervisor) launch() {
	s.cancelTimer()
	s.peerLost = false
	if !s.connectGateway() || s.cfg.Attach {
		return
	}
	if s.runner == nil {
		s.handle(EventNullControlPointer, fmt.Errorf("%w: process runner", ErrNilCollaborator))
		return
	}

	h, err := s.runner.Start(s.ctx, s.cfg.Process)
	if err != nil {
		s.log.Info("process start failed", "command", s.cfg.Process.Command, "err", err)
		s.handle(EventProcessStartFailed, err)
		return
	}
	s.proc = h
	s.log.Info("process started", "pid", h.PID(), "command", s.cfg.Process.Command)
	go s.watch(h)
	s.armTimer(s.cfg.LoginTimeout, EventLoginTimeout, gateway.ErrLoginTimeout)
}

func (s *Supervisor) watch(h ProcessHandle) {
	<-h.Done()
	s.loop.Post(func() {
		if s.proc != h {
			return
		}
		s.proc = nil
		s.handle(EventPeerExited, fmt.Errorf("process %d exited with code %d", h.PID(), h.ExitCode()))
	})
}

func (s *Supervisor) retry(cause error) {
	s.cancelTimer()
	if s.used >= s.cfg.RetryBudget {
		s.handle(EventRetriesExhausted, fmt.Errorf("%w after %d retries: %v", ErrRetriesExhausted, s.used, cause))
		return
	}
	s.setUsed(s.used + 1)
	metrics.RecordRestart(s.cfg.Name)
	s.log.Info("retrying", "attempt", s.used, "budget", s.cfg.RetryBudget, "reason", cause)

	gen := s.gen
	s.killProcess(func(err error) {
		if err != nil {
			s.handle(EventKillFailed, err)
			return
		}
		if s.gen == gen {
			s.armTimer(s.cfg.RetryBackoff, EventRetryTimer, nil)
		}
	})
}

func (s *Supervisor) shutdown() {
	s.cancelTimer()
	s.stopForever("stop received")
	s.disconnect()
	session := s.session
	s.killProcess(func(err error) {
		if err != nil {
			s.handle(EventKillFailed, err)
		}
		s.signalReady(session)
	})
}

func (s *Supervisor) escalate(ev Event, cause error) {
	s.cancelTimer()
	if cause == nil {
		cause = errors.New("raised without cause")
	}
	err := fmt.Errorf("%s: %w", ev, cause)

	s.stopForever(ev.String())
	s.disconnect()
	session := s.session
	s.killProcess(func(kerr error) {
		if kerr != nil {
			s.log.Error(kerr, "kill after fatal error failed")
		}
		s.signalReady(session)
	})

	if s.fatalReported {
		s.log.V(logging.DEBUG).Info("fatal error already reported", "err", err)
		return
	}
	s.fatalReported = true
	s.setErr(err)
	s.log.Error(err, "supervision failed", "class", Classify(err))
	s.hooks.OnFatal(err)
}

func (s *Supervisor) reset() {
	s.cancelTimer()
	s.session++
	s.fatalReported = false
	s.stoppedForever = false
	s.peerLost = false
	s.setErr(nil)

	s.mu.Lock()
	if s.readyClosed {
		s.readyToStop = make(chan struct{})
		s.readyClosed = false
	}
	s.mu.Unlock()
	s.log.Info("supervisor reset")
}

func (s *Supervisor) stopForever(reason string) {
	s.relay.Suspend(reason)
	if s.stoppedForever {
		return
	}
	s.stoppedForever = true
	s.hooks.OnStop(s.ctx, true)
}

func (s *Supervisor) disconnect() {
	if err := s.gw.Disconnect(); err != nil {
		s.log.V(logging.VERBOSE).Info("disconnect failed", "err", err)
	}
}

// killProcess kills the current process, if any, off the loop and reports
// the result back on the loop.
func (s *Supervisor) killProcess(then func(error)) {
	h := s.proc
	s.proc = nil
	if h == nil || s.runner == nil {
		then(nil)
		return
	}
	timeout := s.cfg.KillTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := s.runner.Kill(ctx, h)
		if err != nil && !errors.Is(err, process.ErrKillFailed) {
			err = fmt.Errorf("%w: pid %d: %w", process.ErrKillFailed, h.PID(), err)
		}
		s.loop.Post(func() { then(err) })
	}()
}

func (s *Supervisor) armTimer(d time.Duration, ev Event, cause error) {
	s.cancelTimer()
	gen := s.gen
	fire := func() {
		s.loop.Post(func() {
			if s.gen != gen {
				return
			}
			s.timer = nil
			s.handle(ev, cause)
		})
	}
	if d <= 0 {
		fire()
		return
	}
	s.timer = s.clock.AfterFunc(d, fire)
}

func (s *Supervisor) cancelTimer() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Supervisor) setUsed(n int) {
	s.used = n
	s.usedMirror.Store(int32(n))
}

func (s *Supervisor) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Supervisor) signalReady(session uint64) {
	if session != s.session {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.readyClosed {
		s.readyClosed = true
		close(s.readyToStop)
	}
}

func (s *Supervisor) submit(ev Event) error {
	if !s.post(ev, nil) {
		return ErrClosed
	}
	return nil
}

// Go starts supervision with a fresh retry budget.
func (s *Supervisor) Go() error { return s.submit(EventStartOperation) }

// Attach starts supervision of a peer launched elsewhere.
func (s *Supervisor) Attach() error { return s.submit(EventAttachOperation) }

// Stop stops supervision for good. ReadyToStop is closed once the process
// is gone.
func (s *Supervisor) Stop() error { return s.submit(EventStopReceived) }

// Reset returns a stopped or failed supervisor to Initial.
func (s *Supervisor) Reset() error { return s.submit(EventReset) }

// SendCommand issues cmd to the peer. onAck runs on the event loop with
// exactly one outcome.
func (s *Supervisor) SendCommand(cmd protocol.Command, onAck relay.AckFunc) {
	if !s.loop.Post(func() { s.relay.SendCommand(cmd, onAck) }) && onAck != nil {
		onAck(relay.Outcome{Kind: relay.OutcomePeerUnavailable, TypeName: cmd.TypeName})
	}
}

// SubmitInternal sends a command of the supervisor's owner to the central
// authority.
func (s *Supervisor) SubmitInternal(cmd protocol.Command, onAck relay.AckFunc) {
	if !s.loop.Post(func() { s.relay.SubmitInternal(cmd, onAck) }) && onAck != nil {
		onAck(relay.Outcome{Kind: relay.OutcomePeerUnavailable, TypeName: cmd.TypeName})
	}
}

// Acknowledge answers a command handled through Hooks.RegisterHandlers.
func (s *Supervisor) Acknowledge(ref reference.Ref, ack protocol.Acknowledge) {
	s.loop.Post(func() {
		if err := s.relay.Acknowledge(ref, ack); err != nil {
			s.log.V(logging.VERBOSE).Info("acknowledge failed", "ref", ref, "err", err)
		}
	})
}

// AcknowledgeForwarded delivers the central authority's answer for a
// forwarded or internal reference.
func (s *Supervisor) AcknowledgeForwarded(ref reference.Ref, ack protocol.Acknowledge) {
	s.loop.Post(func() { s.relay.ForwardAck(ref, ack) })
}

// Stats returns the relay's reference counts.
func (s *Supervisor) Stats(ctx context.Context) (relay.Stats, error) {
	var st relay.Stats
	err := s.loop.Call(ctx, func() { st = s.relay.Stats() })
	return st, err
}

// Name returns the supervised process name.
func (s *Supervisor) Name() string { return s.cfg.Name }

// State returns the current state.
func (s *Supervisor) State() State { return State(s.stateMirror.Load()) }

// RetriesUsed returns the retries consumed in this session.
func (s *Supervisor) RetriesUsed() int { return int(s.usedMirror.Load()) }

// ReadyToStop is closed once a stop or fatal error has finished tearing the
// process down. Reset replaces it.
func (s *Supervisor) ReadyToStop() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyToStop
}

// Err returns the error that moved the supervisor into FatalError.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
