package asciicast

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
)

// Cast is a parsed recording.
type Cast struct {
	Header Header
	Events []Event
	// Skipped counts event lines that could not be decoded.
	Skipped int
}

// Parse reads a whole recording. Blank lines are ignored and undecodable event
// lines are skipped with a warning, so a partly corrupted file still plays.
// The header only has to be a JSON object: odd or mistyped fields are logged
// and kept at their zero value. A missing header, or a first line that is not
// an object, fails the whole parse.
func Parse(r io.Reader) (*Cast, error) {
	br := bufio.NewReader(r)
	cast := &Cast{}
	lineNo := 0
	haveHeader := false

	for {
		line, readErr := br.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return nil, fmt.Errorf("read recording: %w", readErr)
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			lineNo++
			if !haveHeader {
				if err := parseHeader(line, &cast.Header); err != nil {
					return nil, err
				}
				haveHeader = true
			} else {
				var ev Event
				if err := json.Unmarshal(line, &ev); err != nil {
					cast.Skipped++
					log.Printf("[asciicast] skipping line %d: %v", lineNo, err)
				} else {
					cast.Events = append(cast.Events, ev)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
	}

	if !haveHeader {
		return nil, ErrEmpty
	}
	return cast, nil
}

func parseHeader(line []byte, h *Header) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(line, &obj); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if obj == nil {
		return fmt.Errorf("%w: null", ErrInvalidHeader)
	}
	// A type mismatch leaves that field zero and still fills the rest.
	if err := json.Unmarshal(line, h); err != nil {
		log.Printf("[asciicast] header: %v", err)
	}
	for _, p := range h.problems() {
		log.Printf("[asciicast] header: %s", p)
	}
	return nil
}

// IsEmpty reports whether err means the input held no recording at all.
func IsEmpty(err error) bool {
	return errors.Is(err, ErrEmpty)
}
