package supervisor

import (
	"errors"

	"github.com/standardbeagle/procrelay/internal/gateway"
	"github.com/standardbeagle/procrelay/internal/process"
	"github.com/standardbeagle/procrelay/internal/protocol"
	"github.com/standardbeagle/procrelay/internal/reference"
	"github.com/standardbeagle/procrelay/internal/relay"
)

var (
	// ErrRetriesExhausted is reported when the retry budget is spent.
	ErrRetriesExhausted = errors.New("retry budget exhausted")
	// ErrNilCollaborator is a required dependency that was not provided.
	ErrNilCollaborator = relay.ErrNilCollaborator
	// ErrSignalConnectFailed is reported when the gateway cannot start
	// accepting the peer.
	ErrSignalConnectFailed = errors.New("gateway connect failed")
	// ErrClosed is returned by the public methods once Run has returned.
	ErrClosed = errors.New("supervisor stopped")
)

// ErrorClass groups errors by how the supervisor reacts to them.
type ErrorClass int

const (
	// Transient errors are retried within the retry budget.
	Transient ErrorClass = iota
	// ExhaustedRetry means the retry budget is spent.
	ExhaustedRetry
	// ProgrammerError escalates immediately and is never retried.
	ProgrammerError
	// ProtocolError is logged and dropped without affecting state.
	ProtocolError
)

func (c ErrorClass) String() string {
	switch c {
	case Transient:
		return "Transient"
	case ExhaustedRetry:
		return "ExhaustedRetry"
	case ProgrammerError:
		return "ProgrammerError"
	case ProtocolError:
		return "ProtocolError"
	default:
		return "ErrorClass(?)"
	}
}

// Classify maps err onto the error taxonomy.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return Transient
	case errors.Is(err, ErrRetriesExhausted):
		return ExhaustedRetry
	case errors.Is(err, reference.ErrExhausted),
		errors.Is(err, protocol.ErrDuplicateHandler),
		errors.Is(err, ErrNilCollaborator),
		errors.Is(err, process.ErrKillFailed),
		errors.Is(err, ErrSignalConnectFailed),
		errors.Is(err, gateway.ErrFatalTransport):
		return ProgrammerError
	case errors.Is(err, protocol.ErrUnknownMessage),
		errors.Is(err, protocol.ErrMalformedPayload),
		errors.Is(err, relay.ErrStaleAck):
		return ProtocolError
	default:
		return Transient
	}
}
