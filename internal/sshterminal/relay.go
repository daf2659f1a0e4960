package sshterminal

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gluk-w/jumpterm/internal/sanitize"
	"github.com/gluk-w/jumpterm/internal/termframe"
)

// FrameConn is the client channel of a live session.
type FrameConn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, p []byte) error
}

// Recorder receives the session transcript. asciicast.Writer implements it.
type Recorder interface {
	Output(data string)
	Input(data string)
	Resize(cols, rows int)
}

// RelayHooks observe relay traffic. Nil fields are skipped.
type RelayHooks struct {
	// Frame is called once per frame, with direction "in" or "out".
	Frame func(direction string, kind termframe.Kind)
	// Rejected is called when a client message is refused.
	Rejected func(reason string)
}

func (h RelayHooks) frame(direction string, kind termframe.Kind) {
	if h.Frame != nil {
		h.Frame(direction, kind)
	}
}

func (h RelayHooks) rejected(reason string) {
	if h.Rejected != nil {
		h.Rejected(reason)
	}
}

// Relay bridges frames between conn and the PTY until one side ends.
//
// Output from the PTY has title sequences stripped, is recorded and is sent as
// output frames. Input frames go to the PTY and the recorder; resize frames are
// clamped and applied immediately. A close frame from the client, or the shell
// exiting (which sends a close frame to the client), ends the relay with a nil
// error. A failed read from conn is returned.
type Relay struct {
	Conn     FrameConn
	Terminal *TerminalSession
	Recorder Recorder
	Limiter  *RateLimiter
	Hooks    RelayHooks
	// WriteTimeout bounds each frame written to conn. Zero means 10s.
	WriteTimeout time.Duration
	// Label names the session in logs.
	Label string
}

var errShellExited = errors.New("shell exited")

// Run blocks until the relay ends. The terminal is closed on return.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.pumpOutput(ctx)
		cancel(errShellExited)
	}()

	err := r.pumpInput(ctx)
	cancel(nil)
	r.Terminal.Close()
	wg.Wait()

	if errors.Is(context.Cause(ctx), errShellExited) {
		return nil
	}
	return err
}

func (r *Relay) write(ctx context.Context, f termframe.Frame) error {
	timeout := r.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := r.Conn.Write(wctx, termframe.MustEncode(f)); err != nil {
		return err
	}
	r.Hooks.frame("out", f.Kind)
	return nil
}

// pumpOutput copies PTY output to conn. A multi-byte character split across
// reads is held back until it is complete.
func (r *Relay) pumpOutput(ctx context.Context) {
	buf := make([]byte, 32*1024)
	var carry []byte
	for {
		n, err := r.Terminal.Stdout.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			cut := completeUTF8(data)
			carry = append([]byte(nil), data[cut:]...)
			if cut > 0 {
				if !r.emit(ctx, string(data[:cut])) {
					return
				}
			}
		}
		if err != nil {
			if len(carry) > 0 {
				r.emit(ctx, string(carry))
			}
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Printf("[sshterminal] %s stdout: %v", r.Label, err)
			}
			if ctx.Err() == nil {
				if werr := r.write(ctx, termframe.Close()); werr != nil {
					log.Printf("[sshterminal] %s send close frame: %v", r.Label, werr)
				}
			}
			return
		}
	}
}

func (r *Relay) emit(ctx context.Context, chunk string) bool {
	text := sanitize.StripOSC(chunk)
	if text == "" {
		return true
	}
	if r.Recorder != nil {
		r.Recorder.Output(text)
	}
	if err := r.write(ctx, termframe.Output(text)); err != nil {
		if ctx.Err() == nil {
			log.Printf("[sshterminal] %s write output: %v", r.Label, err)
		}
		return false
	}
	return true
}

func (r *Relay) pumpInput(ctx context.Context) error {
	for {
		msg, err := r.Conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if len(msg) > MaxInputMessageSize {
			log.Printf("[sshterminal] %s dropping %d byte message", r.Label, len(msg))
			r.Hooks.rejected("too_large")
			continue
		}
		if r.Limiter != nil && !r.Limiter.Allow() {
			r.Hooks.rejected("rate_limited")
			continue
		}

		f, err := termframe.Decode(msg, termframe.KindInput)
		if err != nil {
			log.Printf("[sshterminal] %s skipping frame: %v", r.Label, err)
			r.Hooks.rejected("malformed")
			continue
		}
		r.Hooks.frame("in", f.Kind)

		switch f.Kind {
		case termframe.KindInput:
			if f.Data == "" {
				continue
			}
			if _, err := io.WriteString(r.Terminal.Stdin, f.Data); err != nil {
				log.Printf("[sshterminal] %s write stdin: %v", r.Label, err)
				return nil
			}
			if r.Recorder != nil {
				r.Recorder.Input(f.Data)
			}
		case termframe.KindResize:
			cols, rows := ClampSize(f.Size.Columns, f.Size.Rows)
			if err := r.Terminal.Resize(cols, rows); err != nil {
				log.Printf("[sshterminal] %s resize: %v", r.Label, err)
				continue
			}
			if r.Recorder != nil {
				r.Recorder.Resize(int(cols), int(rows))
			}
		case termframe.KindClose:
			return nil
		}
	}
}

// completeUTF8 returns the length of the longest prefix of b that does not end
// in the middle of a multi-byte character.
func completeUTF8(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}
