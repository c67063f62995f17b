// Package authority is the in-process central authority: it receives
// commands forwarded from supervised processes and the supervisors' own
// internal commands, and answers each with exactly one acknowledge.
package authority

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/standardbeagle/procrelay/internal/logging"
	"github.com/standardbeagle/procrelay/internal/protocol"
	"github.com/standardbeagle/procrelay/internal/reference"
)

// ErrStopped is reported (as a peer-unavailable acknowledge) for commands
// submitted after the router stopped.
var ErrStopped = errors.New("authority stopped")

// HandlerFunc answers one command. It runs on the router goroutine.
type HandlerFunc func(ctx context.Context, ref reference.Ref, cmd protocol.Command) protocol.Acknowledge

type job struct {
	ref   reference.Ref
	cmd   protocol.Command
	reply func(protocol.Acknowledge)
}

// Router dispatches submitted commands to handlers by type name on its own
// goroutine, so handlers never run on a supervisor's event loop.
type Router struct {
	log logr.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	fallback HandlerFunc

	jobs    chan job
	stopped chan struct{}
	once    sync.Once
}

// NewRouter returns a router that is not yet running.
func NewRouter(logger logr.Logger) *Router {
	return &Router{
		log:      logger.WithName("authority"),
		handlers: make(map[string]HandlerFunc),
		jobs:     make(chan job, 256),
		stopped:  make(chan struct{}),
	}
}

// Handle registers h for typeName. Registering a name twice fails with
// protocol.ErrDuplicateHandler.
func (r *Router) Handle(typeName string, h HandlerFunc) error {
	if err := protocol.ValidateTypeName(typeName); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[typeName]; ok {
		return fmt.Errorf("%w: %s", protocol.ErrDuplicateHandler, typeName)
	}
	r.handlers[typeName] = h
	return nil
}

// HandleDefault sets the handler for type names with no registered handler.
// Without one such commands are answered with an error acknowledge.
func (r *Router) HandleDefault(h HandlerFunc) {
	r.mu.Lock()
	r.fallback = h
	r.mu.Unlock()
}

// Submit queues cmd. reply is called exactly once, from the router goroutine
// or, if the router has stopped, from the caller's.
func (r *Router) Submit(ref reference.Ref, cmd protocol.Command, reply func(protocol.Acknowledge)) {
	select {
	case <-r.stopped:
		reply(protocol.Failed(protocol.AckPeerUnavailable, ErrStopped.Error()))
		return
	default:
	}

	select {
	case r.jobs <- job{ref: ref, cmd: cmd, reply: reply}:
	case <-r.stopped:
		reply(protocol.Failed(protocol.AckPeerUnavailable, ErrStopped.Error()))
	}
}

// Run processes submitted commands until ctx is cancelled. Commands still
// queued at that point are answered with a peer-unavailable acknowledge.
func (r *Router) Run(ctx context.Context) error {
	for {
		select {
		case j := <-r.jobs:
			r.dispatch(ctx, j)
		case <-ctx.Done():
			r.once.Do(func() { close(r.stopped) })
			r.drain()
			return nil
		}
	}
}

func (r *Router) drain() {
	for {
		select {
		case j := <-r.jobs:
			j.reply(protocol.Failed(protocol.AckPeerUnavailable, ErrStopped.Error()))
		default:
			return
		}
	}
}

func (r *Router) dispatch(ctx context.Context, j job) {
	r.mu.RLock()
	h, ok := r.handlers[j.cmd.TypeName]
	if !ok {
		h = r.fallback
	}
	r.mu.RUnlock()

	if h == nil {
		r.log.V(logging.VERBOSE).Info("no handler", "type", j.cmd.TypeName, "ref", j.ref)
		j.reply(protocol.Failed(protocol.AckError, "no handler for "+j.cmd.TypeName))
		return
	}

	r.log.V(logging.TRACE).Info("dispatch", "type", j.cmd.TypeName, "ref", j.ref)
	j.reply(h(ctx, j.ref, j.cmd))
}
