// Package asciicast reads and writes terminal recordings in the asciicast v2
// format: newline-delimited JSON where the first line is a header object and
// every following line is a [time, code, data] event array.
package asciicast

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Version is the format version this package writes. Other versions are read
// with a warning.
const Version = 2

// Code identifies an event stream.
type Code string

const (
	CodeOutput Code = "o"
	CodeInput  Code = "i"
	CodeResize Code = "r"
)

var (
	// ErrEmpty is returned when the recording holds no header at all.
	ErrEmpty = errors.New("asciicast: empty recording")
	// ErrInvalidHeader is returned when the first line is not a JSON object.
	ErrInvalidHeader = errors.New("asciicast: invalid header")
)

// Header is the first line of a recording. Width and Height describe the
// terminal at the start of the session.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp,omitempty"`
	Command   string            `json:"command,omitempty"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// problems lists what is unusual about h. Playback only needs the events, so
// none of these stop a recording from loading.
func (h Header) problems() []string {
	var p []string
	if h.Version != Version {
		p = append(p, fmt.Sprintf("version %d, want %d", h.Version, Version))
	}
	if h.Width < 0 || h.Height < 0 {
		p = append(p, fmt.Sprintf("size %dx%d", h.Width, h.Height))
	}
	return p
}

// Event is one recorded chunk. Time is seconds since the session started.
type Event struct {
	Time float64
	Code Code
	Data string
}

// MarshalJSON encodes the event as a [time, code, data] array with the time
// rounded to microseconds.
func (e Event) MarshalJSON() ([]byte, error) {
	t := math.Round(e.Time*1e6) / 1e6
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.WriteString(strconv.FormatFloat(t, 'f', -1, 64))
	buf.WriteString(`,"`)
	buf.WriteString(string(e.Code))
	buf.WriteString(`",`)
	buf.Write(data)
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a [time, code, data] array.
func (e *Event) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return fmt.Errorf("event is not an array: %w", err)
	}
	if len(parts) != 3 {
		return fmt.Errorf("event has %d fields, want 3", len(parts))
	}
	var ev Event
	if err := json.Unmarshal(parts[0], &ev.Time); err != nil {
		return fmt.Errorf("event time: %w", err)
	}
	if ev.Time < 0 || math.IsNaN(ev.Time) {
		return fmt.Errorf("event time %v is negative", ev.Time)
	}
	var code string
	if err := json.Unmarshal(parts[1], &code); err != nil {
		return fmt.Errorf("event code: %w", err)
	}
	if code == "" {
		return errors.New("event code is empty")
	}
	ev.Code = Code(code)
	if err := json.Unmarshal(parts[2], &ev.Data); err != nil {
		return fmt.Errorf("event data: %w", err)
	}
	*e = ev
	return nil
}

// ResizeData formats a resize payload as asciinema does ("COLSxROWS").
func ResizeData(cols, rows int) string {
	return strconv.Itoa(cols) + "x" + strconv.Itoa(rows)
}
