// Package replay renders recorded terminal sessions at arbitrary points in
// time and drives timed playback over them.
package replay

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/gluk-w/jumpterm/internal/asciicast"
	"github.com/gluk-w/jumpterm/internal/sanitize"
)

var (
	// ErrRecordingAbsent means the session has no recording. It is not a
	// failure.
	ErrRecordingAbsent = errors.New("no recording")
	// ErrLoadFailed wraps every error that prevents a recording from loading.
	ErrLoadFailed = errors.New("load recording")
	// ErrSessionNotFound means the server does not know the session id. It
	// is returned wrapped in ErrLoadFailed.
	ErrSessionNotFound = errors.New("session not found")
)

// NoRecordingDetail is the 404 detail the recording endpoint sends for a known
// session that has no recording. Any other 404 means the session is unknown.
const NoRecordingDetail = "No recording"

// Recording is an immutable, parsed recording ready for rendering.
type Recording struct {
	Header asciicast.Header
	Events []asciicast.Event
	// Skipped counts event lines dropped while parsing.
	Skipped int

	duration float64

	// Output events sanitized and concatenated. When output times never
	// decrease, RenderAt(t) is a prefix of full found by binary search.
	monotonic bool
	outTimes  []float64
	outEnds   []int
	full      string
}

// New builds a Recording from already decoded events.
func New(h asciicast.Header, events []asciicast.Event) *Recording {
	r := &Recording{Header: h, Events: events, monotonic: true}
	if n := len(events); n > 0 {
		r.duration = events[n-1].Time
	}

	var b strings.Builder
	last := 0.0
	for _, ev := range events {
		if ev.Code != asciicast.CodeOutput {
			continue
		}
		if ev.Time < last {
			r.monotonic = false
		}
		last = ev.Time
		b.WriteString(sanitize.Sanitize(ev.Data))
		r.outTimes = append(r.outTimes, ev.Time)
		r.outEnds = append(r.outEnds, b.Len())
	}
	r.full = b.String()
	return r
}

// Load parses a recording. An empty input yields ErrRecordingAbsent; any
// other problem yields an error wrapping ErrLoadFailed.
func Load(rd io.Reader) (*Recording, error) {
	cast, err := asciicast.Parse(rd)
	if err != nil {
		if asciicast.IsEmpty(err) {
			return nil, ErrRecordingAbsent
		}
		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	rec := New(cast.Header, cast.Events)
	rec.Skipped = cast.Skipped
	return rec, nil
}

// LoadFile loads a recording from disk. A missing file is ErrRecordingAbsent.
func LoadFile(path string) (*Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrRecordingAbsent
		}
		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	defer f.Close()
	return Load(f)
}

// HasRecording reports whether there is anything to play.
func (r *Recording) HasRecording() bool {
	return len(r.Events) > 0
}

// Duration is the time of the last event, or 0 for an empty recording.
func (r *Recording) Duration() float64 {
	return r.duration
}

// RenderAt returns the concatenation, in stored order, of every sanitized
// output payload whose time is at or before t.
func (r *Recording) RenderAt(t float64) string {
	if r.monotonic {
		k := sort.Search(len(r.outTimes), func(i int) bool { return r.outTimes[i] > t })
		if k == 0 {
			return ""
		}
		return r.full[:r.outEnds[k-1]]
	}

	var b strings.Builder
	start := 0
	for i, ts := range r.outTimes {
		end := r.outEnds[i]
		if ts <= t {
			b.WriteString(r.full[start:end])
		}
		start = end
	}
	return b.String()
}
