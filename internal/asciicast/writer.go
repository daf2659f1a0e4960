package asciicast

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/gluk-w/jumpterm/internal/sanitize"
)

// DefaultQueueSize is the number of events buffered between the recording
// callers and the append goroutine.
const DefaultQueueSize = 1024

// Writer appends events to a recording from a single goroutine. Calls to
// Output, Input and Resize never block: the event is timestamped and queued,
// and if the queue is full the event is dropped and counted. A failed append
// is logged and not retried. The file is only ever appended to.
//
// Output payloads that start with a legacy type character are written with an
// extra leading '0' so that sanitizing the recorded payload gives back the
// original bytes.
type Writer struct {
	mu     sync.Mutex
	out    io.WriteCloser
	clock  clock.PassiveClock
	start  time.Time
	last   float64
	queue  chan Event
	closed bool
	done   chan struct{}
	onDrop func()

	dropped atomic.Int64
	failed  atomic.Int64
	written atomic.Int64
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithClock sets the clock used for event timestamps.
func WithClock(c clock.PassiveClock) WriterOption {
	return func(w *Writer) { w.clock = c }
}

// WithQueueSize sets the event buffer size.
func WithQueueSize(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.queue = make(chan Event, n)
		}
	}
}

// WithDropHook registers a function called for every dropped event.
func WithDropHook(fn func()) WriterOption {
	return func(w *Writer) { w.onDrop = fn }
}

// NewWriter writes the header to out synchronously and starts the append
// goroutine. A zero header Timestamp is filled with the current time.
func NewWriter(out io.WriteCloser, h Header, opts ...WriterOption) (*Writer, error) {
	w := &Writer{
		out:   out,
		clock: clock.RealClock{},
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.queue == nil {
		w.queue = make(chan Event, DefaultQueueSize)
	}

	w.start = w.clock.Now()
	h.Version = Version
	if h.Timestamp == 0 {
		h.Timestamp = w.start.Unix()
	}
	line, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	if _, err := out.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	go w.run()
	return w, nil
}

// Create opens path for appending and returns a Writer on it. The parent
// directory is created if needed.
func Create(path string, h Header, opts ...WriterOption) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	w, err := NewWriter(f, h, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Output records terminal output.
func (w *Writer) Output(data string) {
	if sanitize.HasLegacyPrefix(data) {
		data = string(sanitize.PrefixOutput) + data
	}
	w.enqueue(CodeOutput, data)
}

// Input records keystrokes sent to the terminal.
func (w *Writer) Input(data string) {
	w.enqueue(CodeInput, data)
}

// Resize records a terminal size change.
func (w *Writer) Resize(cols, rows int) {
	w.enqueue(CodeResize, ResizeData(cols, rows))
}

// enqueue timestamps under the lock so queue order matches time order.
func (w *Writer) enqueue(code Code, data string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	t := w.clock.Since(w.start).Seconds()
	if t < w.last {
		t = w.last
	}
	w.last = t

	select {
	case w.queue <- Event{Time: t, Code: code, Data: data}:
	default:
		n := w.dropped.Add(1)
		if w.onDrop != nil {
			w.onDrop()
		}
		if n == 1 || n%100 == 0 {
			log.Printf("[recording] queue full, dropped %d events so far", n)
		}
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for ev := range w.queue {
		line, err := json.Marshal(ev)
		if err != nil {
			w.failed.Add(1)
			log.Printf("[recording] encode event: %v", err)
			continue
		}
		if _, err := w.out.Write(append(line, '\n')); err != nil {
			w.failed.Add(1)
			log.Printf("[recording] append event: %v", err)
			continue
		}
		w.written.Add(1)
	}
}

// Close flushes queued events and closes the underlying file. Events recorded
// after Close are discarded.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	<-w.done
	return w.out.Close()
}

// Stats reports how many events were written, dropped and failed.
func (w *Writer) Stats() (written, dropped, failed int64) {
	return w.written.Load(), w.dropped.Load(), w.failed.Load()
}
