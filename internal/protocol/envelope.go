// Package protocol defines the text-based wire protocol spoken between a
// supervisor and the external process it manages.
//
// Every message is an envelope:
//
//	KIND TYPENAME REF [-- LENGTH\nBASE64PAYLOAD];;
//
// KIND is CMD for commands and ACK for acknowledges. REF is the decimal
// reference that correlates a command with its acknowledge.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/standardbeagle/procrelay/internal/reference"
)

// Kind is the envelope category.
type Kind string

// Envelope categories.
const (
	KindCommand Kind = "CMD"
	KindAck     Kind = "ACK"
)

// Reserved type names used by the login handshake and generic acknowledges.
const (
	TypeLogin       = "Login"
	TypeLoginAck    = "LoginAck"
	TypeAcknowledge = "Acknowledge"
)

// Envelope is one message on the wire.
type Envelope struct {
	Kind     Kind
	TypeName string
	Ref      reference.Ref
	Payload  []byte
}

// String is used in log output; the payload is summarised by length.
func (e Envelope) String() string {
	return fmt.Sprintf("%s %s ref=%s len=%d", e.Kind, e.TypeName, e.Ref, len(e.Payload))
}

// Validate checks that the header can be framed on the wire.
func (e Envelope) Validate() error {
	if !ValidKind(e.Kind) {
		return &ErrUnknownKind{Kind: string(e.Kind)}
	}
	return ValidateTypeName(e.TypeName)
}

// ValidKind reports whether k is a known category.
func ValidKind(k Kind) bool {
	return k == KindCommand || k == KindAck
}

// ValidateTypeName rejects names that cannot be framed on the wire.
func ValidateTypeName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTypeName)
	}
	if strings.ContainsAny(name, " \t\r\n;") {
		return fmt.Errorf("%w: %q", ErrInvalidTypeName, name)
	}
	return nil
}

// Command is a locally issued command before it is given a reference.
type Command struct {
	TypeName string
	Payload  []byte
	// Timeout is how long the sender waits for the acknowledge.
	// Zero means fire-and-forget.
	Timeout time.Duration
}

// NewCommand JSON-encodes v as the payload of a command.
func NewCommand(typeName string, v any, timeout time.Duration) (Command, error) {
	cmd := Command{TypeName: typeName, Timeout: timeout}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return Command{}, fmt.Errorf("encode %s: %w", typeName, err)
		}
		cmd.Payload = data
	}
	return cmd, nil
}

// Login is the first command a worker sends after connecting.
type Login struct {
	Peer    string `json:"peer"`
	Version string `json:"version,omitempty"`
	Session string `json:"session,omitempty"`
}

// DecodeLogin parses a Login payload.
func DecodeLogin(payload []byte) (Login, error) {
	var login Login
	if err := json.Unmarshal(payload, &login); err != nil {
		return Login{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if login.Peer == "" {
		return Login{}, fmt.Errorf("%w: login without peer name", ErrMalformedPayload)
	}
	return login, nil
}
