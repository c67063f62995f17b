package protocol

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/standardbeagle/procrelay/internal/reference"
)

// Protocol constants for resilient parsing
const (
	// Terminator marks the end of an envelope (including any payload)
	Terminator = ";;"

	// DataMarker separates the header from the payload length
	DataMarker = "--"

	// MaxFrameSize limits one envelope, terminator excluded.
	MaxFrameSize = 16 << 20
)

var (
	// ErrEmptyEnvelope is returned for a terminator with nothing before it.
	ErrEmptyEnvelope = errors.New("empty envelope")
	// ErrInvalidTypeName is returned for type names that cannot be framed.
	ErrInvalidTypeName = errors.New("invalid type name")
	// ErrMalformedPayload is returned when a payload cannot be decoded.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrFrameTooLarge is returned for an envelope longer than the parser limit.
	// The oversized frame has been skipped.
	ErrFrameTooLarge = errors.New("frame too large")
)

// ErrUnknownKind indicates an envelope with an unrecognised category.
type ErrUnknownKind struct {
	Kind string
}

func (e *ErrUnknownKind) Error() string {
	return "unknown_kind:" + e.Kind
}

// Parser reads envelopes from a stream.
//
// Format:
//
//	KIND TYPENAME REF [-- LENGTH\nBASE64DATA];;
//
// Examples:
//
//	CMD Login 1 -- 24\neyJwZWVyIjoiRXhwb3J0In0=;;
//	ACK Acknowledge 1;;
type Parser struct {
	reader   *bufio.Reader
	maxFrame int
}

// NewParser creates a new protocol parser limited to MaxFrameSize.
func NewParser(r io.Reader) *Parser {
	return &Parser{
		reader:   bufio.NewReader(r),
		maxFrame: MaxFrameSize,
	}
}

// ParseEnvelope reads and parses the next envelope.
func (p *Parser) ParseEnvelope() (Envelope, error) {
	content, err := p.ReadFrame()
	if err != nil {
		return Envelope{}, err
	}
	return ParseEnvelopeString(content)
}

// ReadFrame returns the raw text of the next envelope without its
// terminator. Errors other than ErrFrameTooLarge are stream errors; a frame
// that fails to parse leaves the stream positioned at the following envelope.
func (p *Parser) ReadFrame() (string, error) {
	return p.readUntilTerminator(Terminator)
}

// ParseEnvelopeString parses one envelope without its terminator. It is used
// directly by message-oriented transports.
func ParseEnvelopeString(content string) (Envelope, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimSuffix(content, Terminator)
	if len(content) == 0 {
		return Envelope{}, ErrEmptyEnvelope
	}

	var header, dataPart string
	if idx := strings.Index(content, " "+DataMarker+" "); idx != -1 {
		header = content[:idx]
		dataPart = content[idx+len(" "+DataMarker+" "):]
	} else if strings.HasSuffix(content, " "+DataMarker) {
		return Envelope{}, errors.New("data marker present but no data length")
	} else {
		header = content
	}

	parts := strings.Fields(header)
	if len(parts) != 3 {
		return Envelope{}, fmt.Errorf("malformed header %q: want KIND TYPENAME REF", header)
	}

	kind := Kind(strings.ToUpper(parts[0]))
	if !ValidKind(kind) {
		return Envelope{}, &ErrUnknownKind{Kind: parts[0]}
	}

	ref, err := reference.Parse(parts[2])
	if err != nil {
		return Envelope{}, fmt.Errorf("invalid reference %q: %w", parts[2], err)
	}

	env := Envelope{
		Kind:     kind,
		TypeName: parts[1],
		Ref:      ref,
	}

	if dataPart != "" {
		data, err := parseDataPart(dataPart)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to parse data: %w", err)
		}
		env.Payload = data
	}

	return env, nil
}

// parseDataPart parses "LENGTH\nBASE64DATA" format
// Data is base64 encoded so payloads never contain the terminator.
func parseDataPart(dataPart string) ([]byte, error) {
	newlineIdx := strings.Index(dataPart, "\n")
	if newlineIdx == -1 {
		return nil, errors.New("data length without data content (missing newline)")
	}

	lengthStr := strings.TrimSpace(dataPart[:newlineIdx])
	length, err := strconv.Atoi(lengthStr)
	if err != nil {
		return nil, fmt.Errorf("invalid data length %q: %w", lengthStr, err)
	}

	base64Data := dataPart[newlineIdx+1:]

	if len(base64Data) != length {
		return nil, fmt.Errorf("data length mismatch: expected %d, got %d", length, len(base64Data))
	}

	decoded, err := base64.StdEncoding.DecodeString(base64Data)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 data: %w", err)
	}

	return decoded, nil
}

// readUntilTerminator reads from the reader until the terminator is found.
// Returns the content before the terminator (terminator is consumed but not returned).
// Content beyond maxFrame is discarded up to the terminator and reported as
// ErrFrameTooLarge.
func (p *Parser) readUntilTerminator(terminator string) (string, error) {
	var buf bytes.Buffer
	termBytes := []byte(terminator)
	termLen := len(termBytes)
	limit := p.maxFrame + termLen - 1
	oversized := false

	for {
		b, err := p.reader.ReadByte()
		if err != nil {
			if err == io.EOF && (buf.Len() > 0 || oversized) {
				return "", fmt.Errorf("unexpected EOF, missing terminator %q", terminator)
			}
			return "", err
		}

		buf.WriteByte(b)

		if buf.Len() >= termLen {
			tail := buf.Bytes()[buf.Len()-termLen:]
			if bytes.Equal(tail, termBytes) {
				if oversized {
					return "", ErrFrameTooLarge
				}
				result := buf.Bytes()[:buf.Len()-termLen]
				return string(result), nil
			}
		}

		if buf.Len() > limit {
			// Keep only what can still complete a terminator.
			oversized = true
			keep := append([]byte(nil), buf.Bytes()[buf.Len()-termLen+1:]...)
			buf.Reset()
			buf.Write(keep)
		}
	}
}

// Resync skips to the next terminator to recover from a parse error.
func (p *Parser) Resync() error {
	_, err := p.readUntilTerminator(Terminator)
	return err
}

// FormatEnvelope formats an envelope for transmission.
func FormatEnvelope(env Envelope) []byte {
	var buf bytes.Buffer

	buf.WriteString(string(env.Kind))
	buf.WriteByte(' ')
	buf.WriteString(env.TypeName)
	buf.WriteByte(' ')
	buf.WriteString(env.Ref.String())

	if len(env.Payload) > 0 {
		encoded := base64.StdEncoding.EncodeToString(env.Payload)
		buf.WriteByte(' ')
		buf.WriteString(DataMarker)
		buf.WriteByte(' ')
		buf.WriteString(strconv.Itoa(len(encoded)))
		buf.WriteByte('\n')
		buf.WriteString(encoded)
	}

	buf.WriteString(Terminator)
	return buf.Bytes()
}

// Writer serialises envelopes onto a stream. It is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter creates a new protocol writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteEnvelope writes env after validating its header.
func (w *Writer) WriteEnvelope(env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	data := FormatEnvelope(env)

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(data)
	return err
}

// WriteCommand writes a command envelope.
func (w *Writer) WriteCommand(typeName string, ref reference.Ref, payload []byte) error {
	return w.WriteEnvelope(Envelope{Kind: KindCommand, TypeName: typeName, Ref: ref, Payload: payload})
}

// WriteAck writes a generic acknowledge for ref.
func (w *Writer) WriteAck(ref reference.Ref, ack Acknowledge) error {
	return w.WriteEnvelope(Envelope{Kind: KindAck, TypeName: TypeAcknowledge, Ref: ref, Payload: ack.Marshal()})
}
