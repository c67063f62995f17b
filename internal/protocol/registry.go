package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/standardbeagle/procrelay/internal/reference"
)

var (
	// ErrDuplicateHandler is returned when a type name is registered twice.
	// It is a programming error, never silently overwritten.
	ErrDuplicateHandler = errors.New("handler already registered")
	// ErrUnknownMessage is returned by Dispatch for unregistered type names.
	// Callers log and drop the message.
	ErrUnknownMessage = errors.New("unknown message type")
)

// Handler rebuilds a typed message from its payload and hands it to the
// callback bound at registration.
type Handler interface {
	Decode(payload []byte) (any, error)
	Invoke(ref reference.Ref, msg any)
}

type funcHandler struct {
	decode func([]byte) (any, error)
	invoke func(reference.Ref, any)
}

func (h funcHandler) Decode(payload []byte) (any, error) { return h.decode(payload) }
func (h funcHandler) Invoke(ref reference.Ref, msg any)  { h.invoke(ref, msg) }

// HandlerFunc builds a Handler from a decoder and a callback.
func HandlerFunc(decode func([]byte) (any, error), invoke func(reference.Ref, any)) Handler {
	return funcHandler{decode: decode, invoke: invoke}
}

// Bind returns a Handler that JSON-decodes payloads into T. An empty payload
// yields the zero value of T.
func Bind[T any](fn func(ref reference.Ref, msg T)) Handler {
	return funcHandler{
		decode: func(payload []byte) (any, error) {
			var v T
			if len(payload) == 0 {
				return v, nil
			}
			if err := json.Unmarshal(payload, &v); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
			}
			return v, nil
		},
		invoke: func(ref reference.Ref, msg any) {
			fn(ref, msg.(T))
		},
	}
}

// Raw returns a Handler that passes the payload through untouched. The relay
// uses it for commands it forwards without interpreting.
func Raw(fn func(ref reference.Ref, payload []byte)) Handler {
	return funcHandler{
		decode: func(payload []byte) (any, error) { return payload, nil },
		invoke: func(ref reference.Ref, msg any) { fn(ref, msg.([]byte)) },
	}
}

// Registry maps wire type names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds typeName to h. It fails if typeName is already registered.
func (r *Registry) Register(typeName string, h Handler) error {
	if err := ValidateTypeName(typeName); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("register %s: nil handler", typeName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[typeName]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, typeName)
	}
	r.handlers[typeName] = h
	return nil
}

// Has reports whether typeName is registered.
func (r *Registry) Has(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[typeName]
	return ok
}

// TypeNames returns the registered names in sorted order.
func (r *Registry) TypeNames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Dispatch decodes payload with the handler registered for typeName and
// invokes it. Unknown type names return ErrUnknownMessage.
func (r *Registry) Dispatch(typeName string, ref reference.Ref, payload []byte) error {
	r.mu.RLock()
	h, ok := r.handlers[typeName]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, typeName)
	}

	msg, err := h.Decode(payload)
	if err != nil {
		return fmt.Errorf("decode %s ref=%s: %w", typeName, ref, err)
	}
	h.Invoke(ref, msg)
	return nil
}

// Dispatcher routes envelopes to the registry for their category.
type Dispatcher struct {
	Commands *Registry
	Acks     *Registry
}

// NewDispatcher returns a dispatcher with empty registries.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		Commands: NewRegistry(),
		Acks:     NewRegistry(),
	}
}

// Dispatch routes env by kind.
func (d *Dispatcher) Dispatch(env Envelope) error {
	switch env.Kind {
	case KindCommand:
		return d.Commands.Dispatch(env.TypeName, env.Ref, env.Payload)
	case KindAck:
		return d.Acks.Dispatch(env.TypeName, env.Ref, env.Payload)
	default:
		return &ErrUnknownKind{Kind: string(env.Kind)}
	}
}
