// Package transport is the client side of a live terminal session. A Transport
// owns one channel to the server, moves through the states
// connecting → connected → closing → closed (or error), delivers decoded and
// sanitized output in arrival order, forwards input and resize frames
// immediately, and keeps the server-side session alive with periodic
// heartbeats.
//
// All state changes happen on a single event-loop goroutine. A reader
// goroutine feeds inbound messages to the loop; public methods post commands.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/gluk-w/jumpterm/internal/sanitize"
	"github.com/gluk-w/jumpterm/internal/termframe"
)

const (
	defaultWriteTimeout     = 10 * time.Second
	defaultHeartbeatTimeout = 10 * time.Second
	// maxRejections is the number of consecutive not-found/forbidden
	// heartbeats after which the transport gives up.
	maxRejections = 2
)

// Config configures a Transport. Dialer is required.
type Config struct {
	Dialer Dialer
	// Heartbeater is optional; without it no heartbeats are sent.
	Heartbeater       Heartbeater
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	Clock             clock.WithTicker
}

type cmdKind int

const (
	cmdSend cmdKind = iota
	cmdForeground
	cmdClose
)

type command struct {
	kind  cmdKind
	frame termframe.Frame
	reply chan error
}

// Transport is a single live session. It is not reusable: once closed or
// failed, a new Transport is needed.
type Transport struct {
	cfg   Config
	state stateBox

	mu        sync.Mutex
	started   bool
	err       error
	sessionID string
	hbStopped bool

	ch           Channel
	readerCtx    context.Context
	readerCancel context.CancelFunc
	ticker       clock.Ticker
	rejections   int
	// hbObserver, when set, sees the rejection count after every heartbeat
	// result is applied.
	hbObserver func(rejections int)

	cmds      chan command
	incoming  chan []byte
	readErrs  chan error
	hbResults chan error
	out       chan string

	done        chan struct{}
	doneOnce    sync.Once
	release     chan struct{}
	releaseOnce sync.Once
	exited      chan struct{}
	beaconOnce  sync.Once
}

// New returns a Transport in the connecting state. Call Connect to open it.
func New(cfg Config) *Transport {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	return &Transport{
		cfg:       cfg,
		cmds:      make(chan command),
		incoming:  make(chan []byte),
		readErrs:  make(chan error, 1),
		hbResults: make(chan error),
		out:       make(chan string),
		done:      make(chan struct{}),
		release:   make(chan struct{}),
		exited:    make(chan struct{}),
	}
}

// Connect dials the server and starts the event loop. On failure the
// transport ends in the error state and the error is returned.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	t.mu.Unlock()

	ch, hs, err := t.cfg.Dialer.Dial(ctx)
	if err != nil {
		var connErr *ConnectionError
		if !errors.Is(err, ErrAuthExpired) && !errors.As(err, &connErr) {
			err = &ConnectionError{Op: "dial", Err: err}
		}
		t.finish(StateError, err, "dial failed")
		t.shutdownUnstarted()
		return err
	}

	t.mu.Lock()
	t.ch = ch
	t.sessionID = hs.SessionID
	t.mu.Unlock()

	t.setState(StateConnected, "handshake complete")
	log.Printf("[transport] connected (session %s)", hs.SessionID)

	t.readerCtx, t.readerCancel = context.WithCancel(context.Background())
	if t.heartbeating() {
		t.ticker = t.cfg.Clock.NewTicker(t.cfg.HeartbeatInterval)
	}
	go t.read()
	go t.run()
	return nil
}

// SessionID is the id the server assigned during the handshake.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// State returns the current state.
func (t *Transport) State() State { return t.state.get() }

// History returns recent state transitions, oldest first.
func (t *Transport) History() []Transition { return t.state.history() }

// Output delivers sanitized output text in arrival order. It is closed after
// the transport ends and all pending output has been received, or when Close
// is called.
func (t *Transport) Output() <-chan string { return t.out }

// Done is closed exactly once, when the transport reaches closed or error.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Err is the reason the transport ended: nil after a clean close,
// ErrAuthExpired, ErrSessionGone, or a *ConnectionError.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// SendInput forwards keystrokes. It returns ErrNotConnected outside the
// connected state.
func (t *Transport) SendInput(data string) error {
	return t.send(termframe.Input(data))
}

// Resize forwards a terminal size change immediately.
func (t *Transport) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("transport: invalid size %dx%d", cols, rows)
	}
	return t.send(termframe.Resize(cols, rows))
}

func (t *Transport) send(f termframe.Frame) error {
	if t.State() != StateConnected {
		return ErrNotConnected
	}
	reply := make(chan error, 1)
	select {
	case t.cmds <- command{kind: cmdSend, frame: f, reply: reply}:
	case <-t.done:
		return ErrNotConnected
	}
	return <-reply
}

// Foreground signals that the user is back; a heartbeat is sent right away.
func (t *Transport) Foreground() {
	if t.State() != StateConnected {
		return
	}
	select {
	case t.cmds <- command{kind: cmdForeground}:
	case <-t.done:
	}
}

// Close sends a close frame, closes the channel and fires a final heartbeat
// beacon. It always leaves the transport closed (or in error if it had
// already failed) and waits for the event loop to stop.
func (t *Transport) Close() error {
	t.mu.Lock()
	started := t.started
	t.started = true
	t.mu.Unlock()

	if !started {
		t.finish(StateClosed, nil, "closed before connect")
		t.shutdownUnstarted()
		return nil
	}

	reply := make(chan error, 1)
	select {
	case t.cmds <- command{kind: cmdClose, reply: reply}:
		<-reply
	case <-t.done:
		t.finalBeacon()
	}
	t.releaseOnce.Do(func() { close(t.release) })
	<-t.exited
	return nil
}

func (t *Transport) setState(to State, reason string) {
	if from, ok := t.state.set(to, t.cfg.Clock.Now(), reason); ok {
		log.Printf("[transport] %s -> %s: %s", from, to, reason)
	}
}

func (t *Transport) heartbeating() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.Heartbeater != nil && t.sessionID != "" && !t.hbStopped
}

// finish moves to a terminal state, records why, and tears down the channel,
// the reader and the heartbeat ticker. Only the first call has any effect.
func (t *Transport) finish(state State, err error, reason string) {
	t.doneOnce.Do(func() {
		t.mu.Lock()
		t.err = err
		ch := t.ch
		t.mu.Unlock()

		if t.ticker != nil {
			t.ticker.Stop()
		}
		if ch != nil {
			if cerr := ch.Close(); cerr != nil {
				log.Printf("[transport] close channel: %v", cerr)
			}
		}
		if t.readerCancel != nil {
			t.readerCancel()
		}
		t.setState(state, reason)
		close(t.done)
	})
}

// shutdownUnstarted closes the channels the event loop would otherwise own.
func (t *Transport) shutdownUnstarted() {
	t.releaseOnce.Do(func() { close(t.release) })
	close(t.out)
	close(t.exited)
}

// finalBeacon fires at most one beacon, and none once the server has
// rejected the session.
func (t *Transport) finalBeacon() {
	t.beaconOnce.Do(func() {
		t.mu.Lock()
		id, stopped := t.sessionID, t.hbStopped
		t.mu.Unlock()
		if t.cfg.Heartbeater == nil || id == "" || stopped {
			return
		}
		t.cfg.Heartbeater.Beacon(id)
	})
}

// read pumps inbound messages to the loop until the channel fails.
func (t *Transport) read() {
	for {
		msg, err := t.ch.Read(t.readerCtx)
		if err != nil {
			select {
			case t.readErrs <- err:
			case <-t.done:
			}
			return
		}
		select {
		case t.incoming <- msg:
		case <-t.done:
			return
		}
	}
}

func (t *Transport) run() {
	defer close(t.exited)
	defer close(t.out)

	var pending []string
	if t.heartbeating() {
		t.startHeartbeat()
	}

	for {
		var out chan<- string
		var next string
		if len(pending) > 0 {
			out = t.out
			next = pending[0]
		}

		select {
		case <-t.done:
			// Deliver what already arrived unless the consumer lets go.
			for len(pending) > 0 {
				select {
				case t.out <- pending[0]:
					pending = pending[1:]
				case <-t.release:
					return
				}
			}
			return
		default:
		}

		var tickC <-chan time.Time
		if t.ticker != nil {
			tickC = t.ticker.C()
		}

		select {
		case out <- next:
			pending = pending[1:]
		case msg := <-t.incoming:
			pending = t.handleMessage(msg, pending)
		case err := <-t.readErrs:
			t.handleReadError(err)
		case err := <-t.hbResults:
			t.handleHeartbeat(err)
		case <-tickC:
			t.startHeartbeat()
		case c := <-t.cmds:
			t.handleCommand(c)
		}
	}
}

func (t *Transport) handleMessage(msg []byte, pending []string) []string {
	f, err := termframe.Decode(msg, termframe.KindOutput)
	if err != nil {
		log.Printf("[transport] skipping frame: %v", err)
		return pending
	}

	switch f.Kind {
	case termframe.KindOutput:
		var text string
		if f.Raw {
			text = sanitize.Sanitize(f.Data)
		} else {
			text = sanitize.StripOSC(f.Data)
		}
		if text != "" {
			pending = append(pending, text)
		}
	case termframe.KindClose:
		t.finish(StateClosed, nil, "server closed session")
	default:
		log.Printf("[transport] ignoring %s frame from server", f.Kind)
	}
	return pending
}

func (t *Transport) handleReadError(err error) {
	if errors.Is(err, ErrChannelClosed) {
		t.finish(StateClosed, nil, "channel closed by server")
		return
	}
	t.finish(StateError, &ConnectionError{Op: "read", Err: err}, err.Error())
}

func (t *Transport) handleCommand(c command) {
	switch c.kind {
	case cmdSend:
		c.reply <- t.write(c.frame)
	case cmdForeground:
		if t.heartbeating() {
			t.startHeartbeat()
		}
	case cmdClose:
		if t.State() == StateConnected {
			t.setState(StateClosing, "closed by client")
			t.finalBeacon()
			if err := t.write(termframe.Close()); err != nil {
				log.Printf("[transport] send close frame: %v", err)
			}
		}
		t.finish(StateClosed, nil, "closed by client")
		c.reply <- nil
	}
}

// write sends one frame. Only the connected and closing states may write; a
// failed write ends the transport.
func (t *Transport) write(f termframe.Frame) error {
	switch t.State() {
	case StateConnected, StateClosing:
	default:
		return ErrNotConnected
	}
	b, err := termframe.Encode(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.WriteTimeout)
	defer cancel()
	if err := t.ch.Write(ctx, b); err != nil {
		connErr := &ConnectionError{Op: "write", Err: err}
		if f.Kind != termframe.KindClose {
			t.finish(StateError, connErr, err.Error())
		}
		return connErr
	}
	return nil
}

func (t *Transport) startHeartbeat() {
	id := t.SessionID()
	hb := t.cfg.Heartbeater
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultHeartbeatTimeout)
		defer cancel()
		err := hb.Heartbeat(ctx, id)
		select {
		case t.hbResults <- err:
		case <-t.done:
		}
	}()
}

func (t *Transport) handleHeartbeat(err error) {
	if t.State() != StateConnected {
		return
	}
	if t.hbObserver != nil {
		defer func() { t.hbObserver(t.rejections) }()
	}
	if !isRejection(err) {
		if err != nil {
			log.Printf("[transport] heartbeat failed: %v", err)
		}
		t.rejections = 0
		return
	}

	t.rejections++
	log.Printf("[transport] heartbeat rejected (%d/%d): %v", t.rejections, maxRejections, err)
	if t.rejections < maxRejections {
		return
	}

	t.mu.Lock()
	t.hbStopped = true
	t.mu.Unlock()
	reason := ErrSessionGone
	if errors.Is(err, ErrForbidden) {
		reason = ErrAuthExpired
	}
	t.finish(StateClosed, reason, "heartbeat rejected")
}
