package relay

import (
	"github.com/standardbeagle/procrelay/internal/protocol"
	"github.com/standardbeagle/procrelay/internal/reference"
)

// OutcomeKind says how a request was resolved.
type OutcomeKind int

const (
	OutcomeAck OutcomeKind = iota + 1
	OutcomeTimeout
	OutcomePeerUnavailable
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAck:
		return "ack"
	case OutcomeTimeout:
		return "timeout"
	case OutcomePeerUnavailable:
		return "peer_unavailable"
	default:
		return "unknown"
	}
}

// Outcome is the single resolution of a request.
type Outcome struct {
	Kind     OutcomeKind
	Ref      reference.Ref
	TypeName string
	// Ack is set for OutcomeAck. Typed acknowledges other than the generic
	// one carry a positive Ack and their raw Payload.
	Ack     protocol.Acknowledge
	Payload []byte
}

// OK reports whether the request was acknowledged positively.
func (o Outcome) OK() bool {
	return o.Kind == OutcomeAck && o.Ack.Status
}

// AckFunc receives the outcome of a request on the relay's event loop.
type AckFunc func(Outcome)
