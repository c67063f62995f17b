package protocol

import (
	"encoding/json"
	"fmt"
)

// AckKind qualifies an acknowledge.
type AckKind string

const (
	AckOK              AckKind = "ok"
	AckError           AckKind = "error"
	AckWarning         AckKind = "warning"
	AckTimeout         AckKind = "timeout"
	AckPeerUnavailable AckKind = "peer_unavailable"
)

// Acknowledge is the generic response that resolves exactly one command.
type Acknowledge struct {
	Status  bool    `json:"status"`
	Message string  `json:"message,omitempty"`
	Kind    AckKind `json:"kind"`
}

// OK returns a successful acknowledge.
func OK(message string) Acknowledge {
	return Acknowledge{Status: true, Message: message, Kind: AckOK}
}

// Failed returns an unsuccessful acknowledge of the given kind.
func Failed(kind AckKind, message string) Acknowledge {
	return Acknowledge{Status: false, Message: message, Kind: kind}
}

// Marshal encodes the acknowledge payload.
func (a Acknowledge) Marshal() []byte {
	// Acknowledge has only string and bool fields; Marshal cannot fail.
	data, _ := json.Marshal(a)
	return data
}

// DecodeAcknowledge parses an acknowledge payload. An empty payload is a
// bare positive acknowledge.
func DecodeAcknowledge(payload []byte) (Acknowledge, error) {
	if len(payload) == 0 {
		return OK(""), nil
	}
	var ack Acknowledge
	if err := json.Unmarshal(payload, &ack); err != nil {
		return Acknowledge{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if ack.Kind == "" {
		if ack.Status {
			ack.Kind = AckOK
		} else {
			ack.Kind = AckError
		}
	}
	return ack, nil
}
