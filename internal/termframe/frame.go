// Package termframe defines the JSON message envelope exchanged between the
// terminal client and the server over the session channel.
//
// Every message is an object of the form {"type": ..., "data": ...}. Text kinds
// carry a string payload; resize carries {"columns", "rows"}. Payloads that do
// not parse as JSON are surfaced as raw passthrough frames so older servers that
// stream bare bytes keep working.
package termframe

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the frame type tag.
type Kind string

const (
	KindInput  Kind = "input"
	KindOutput Kind = "output"
	KindResize Kind = "resize"
	KindClose  Kind = "close"
)

// Wire aliases that decode to KindOutput.
const (
	wireStdout = "stdout"
	wireStderr = "stderr"
)

// ErrMalformedFrame is returned for JSON that parses but cannot be interpreted
// as a frame. Callers log and skip it.
var ErrMalformedFrame = errors.New("malformed frame")

// Size is a terminal dimension in character cells.
type Size struct {
	Columns uint16 `json:"columns"`
	Rows    uint16 `json:"rows"`
}

// UnmarshalJSON accepts the short "cols" key as well as "columns".
func (s *Size) UnmarshalJSON(b []byte) error {
	var v struct {
		Columns *uint16 `json:"columns"`
		Cols    *uint16 `json:"cols"`
		Rows    uint16  `json:"rows"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch {
	case v.Columns != nil:
		s.Columns = *v.Columns
	case v.Cols != nil:
		s.Columns = *v.Cols
	}
	s.Rows = v.Rows
	return nil
}

// Frame is one decoded message.
type Frame struct {
	Kind Kind
	// Data is the text payload for input, output and close frames.
	Data string
	// Size is set for resize frames.
	Size Size
	// Stream is the original wire type for output frames ("output", "stdout"
	// or "stderr").
	Stream string
	// Raw reports that the payload was not JSON and Data holds it verbatim.
	Raw bool
}

// Input returns an input frame.
func Input(data string) Frame { return Frame{Kind: KindInput, Data: data} }

// Output returns an output frame.
func Output(data string) Frame { return Frame{Kind: KindOutput, Data: data} }

// Resize returns a resize frame.
func Resize(cols, rows uint16) Frame {
	return Frame{Kind: KindResize, Size: Size{Columns: cols, Rows: rows}}
}

// Close returns a close frame.
func Close() Frame { return Frame{Kind: KindClose} }

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode serializes f to its wire form.
func Encode(f Frame) ([]byte, error) {
	var data any
	switch f.Kind {
	case KindInput, KindOutput, KindClose:
		data = f.Data
	case KindResize:
		data = f.Size
	default:
		return nil, fmt.Errorf("encode frame: unknown kind %q", f.Kind)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode frame data: %w", err)
	}
	typ := string(f.Kind)
	if f.Kind == KindOutput && f.Stream != "" {
		typ = f.Stream
	}
	return json.Marshal(envelope{Type: typ, Data: raw})
}

// MustEncode is Encode for frames built by this package's constructors.
func MustEncode(f Frame) []byte {
	b, err := Encode(f)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses one wire message. A payload that is not a JSON object becomes
// a raw frame of kind rawKind with the payload as Data. A JSON object with an
// unknown type or an unusable data field yields ErrMalformedFrame.
func Decode(b []byte, rawKind Kind) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil || env.Type == "" {
		return Frame{Kind: rawKind, Data: string(b), Raw: true}, nil
	}

	switch env.Type {
	case string(KindInput), string(KindOutput), wireStdout, wireStderr, string(KindClose):
		var s string
		if len(env.Data) > 0 && string(env.Data) != "null" {
			if err := json.Unmarshal(env.Data, &s); err != nil {
				return Frame{}, fmt.Errorf("%w: %s data is not a string", ErrMalformedFrame, env.Type)
			}
		}
		f := Frame{Kind: Kind(env.Type), Data: s}
		switch env.Type {
		case string(KindOutput), wireStdout, wireStderr:
			f.Kind = KindOutput
			f.Stream = env.Type
		}
		return f, nil
	case string(KindResize):
		var size Size
		if err := json.Unmarshal(env.Data, &size); err != nil {
			return Frame{}, fmt.Errorf("%w: resize data: %v", ErrMalformedFrame, err)
		}
		if size.Columns == 0 || size.Rows == 0 {
			return Frame{}, fmt.Errorf("%w: resize to %dx%d", ErrMalformedFrame, size.Columns, size.Rows)
		}
		return Frame{Kind: KindResize, Size: size}, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, env.Type)
	}
}

// SessionHeader is the handshake response header carrying the server-assigned
// session id.
const SessionHeader = "X-Jumpterm-Session"
