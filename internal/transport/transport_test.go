package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/gluk-w/jumpterm/internal/termframe"
)

const waitFor = 2 * time.Second

// tickerClock is a FakeClock that counts tickers not yet stopped. The fake
// ticker's own Stop keeps its waiter registered, so HasWaiters cannot tell.
type tickerClock struct {
	*testingclock.FakeClock
	mu   sync.Mutex
	live int
}

func newTickerClock() *tickerClock {
	return &tickerClock{FakeClock: testingclock.NewFakeClock(time.Unix(1700000000, 0))}
}

func (c *tickerClock) NewTicker(d time.Duration) clock.Ticker {
	c.mu.Lock()
	c.live++
	c.mu.Unlock()
	return &countedTicker{Ticker: c.FakeClock.NewTicker(d), c: c}
}

func (c *tickerClock) liveTickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

type countedTicker struct {
	clock.Ticker
	c    *tickerClock
	once sync.Once
}

func (t *countedTicker) Stop() {
	t.once.Do(func() {
		t.c.mu.Lock()
		t.c.live--
		t.c.mu.Unlock()
	})
	t.Ticker.Stop()
}

type fakeChannel struct {
	mu        sync.Mutex
	written   [][]byte
	writeErr  error
	inbound   chan []byte
	readFail  chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		inbound:  make(chan []byte, 16),
		readFail: make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (c *fakeChannel) Read(ctx context.Context) ([]byte, error) {
	select {
	case m, ok := <-c.inbound:
		if !ok {
			return nil, ErrChannelClosed
		}
		return m, nil
	case err := <-c.readFail:
		return nil, err
	case <-c.closed:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeChannel) Write(_ context.Context, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), p...))
	return nil
}

func (c *fakeChannel) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeChannel) frames(t *testing.T) []termframe.Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []termframe.Frame
	for _, b := range c.written {
		f, err := termframe.Decode(b, termframe.KindInput)
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

func (c *fakeChannel) push(f termframe.Frame) {
	c.inbound <- termframe.MustEncode(f)
}

type fakeDialer struct {
	ch  *fakeChannel
	hs  Handshake
	err error
}

func (d *fakeDialer) Dial(context.Context) (Channel, Handshake, error) {
	if d.err != nil {
		return nil, Handshake{}, d.err
	}
	return d.ch, d.hs, nil
}

type fakeHeartbeater struct {
	mu      sync.Mutex
	script  []error
	def     error
	calls   int
	beacons []string
	called  chan string
}

func newFakeHeartbeater(def error, script ...error) *fakeHeartbeater {
	return &fakeHeartbeater{def: def, script: script, called: make(chan string, 32)}
}

func (h *fakeHeartbeater) Heartbeat(_ context.Context, id string) error {
	h.mu.Lock()
	h.calls++
	err := h.def
	if len(h.script) > 0 {
		err, h.script = h.script[0], h.script[1:]
	}
	h.mu.Unlock()
	h.called <- id
	return err
}

func (h *fakeHeartbeater) Beacon(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.beacons = append(h.beacons, id)
}

func (h *fakeHeartbeater) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *fakeHeartbeater) beaconCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.beacons)
}

type harness struct {
	t     *testing.T
	tr    *Transport
	ch    *fakeChannel
	hb    *fakeHeartbeater
	clock *tickerClock
	// observed receives the rejection count after each heartbeat result.
	observed chan int
}

func newHarness(t *testing.T, hb *fakeHeartbeater) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		ch:       newFakeChannel(),
		hb:       hb,
		clock:    newTickerClock(),
		observed: make(chan int, 32),
	}
	cfg := Config{
		Dialer: &fakeDialer{ch: h.ch, hs: Handshake{SessionID: "sess-1"}},
		Clock:  h.clock,
	}
	if hb != nil {
		cfg.Heartbeater = hb
	}
	h.tr = New(cfg)
	h.tr.hbObserver = func(n int) { h.observed <- n }
	return h
}

func (h *harness) connect() {
	h.t.Helper()
	require.NoError(h.t, h.tr.Connect(context.Background()))
	require.Equal(h.t, StateConnected, h.tr.State())
}

func (h *harness) nextOutput() string {
	h.t.Helper()
	select {
	case s, ok := <-h.tr.Output():
		require.True(h.t, ok, "output channel closed")
		return s
	case <-time.After(waitFor):
		h.t.Fatal("timed out waiting for output")
		return ""
	}
}

func (h *harness) waitDone() {
	h.t.Helper()
	select {
	case <-h.tr.Done():
	case <-time.After(waitFor):
		h.t.Fatalf("transport not done, state %s", h.tr.State())
	}
}

// assertNoMoreHeartbeats checks the heartbeat ticker was stopped and that a
// full interval later nothing is sent.
func (h *harness) assertNoMoreHeartbeats() {
	h.t.Helper()
	assert.Zero(h.t, h.clock.liveTickers(), "heartbeat ticker not stopped")
	calls := h.hb.callCount()
	h.clock.Step(2 * DefaultHeartbeatInterval)
	assert.Never(h.t, func() bool { return h.hb.callCount() > calls },
		100*time.Millisecond, 10*time.Millisecond, "heartbeat sent after teardown")
}

func (h *harness) waitHeartbeat() int {
	h.t.Helper()
	select {
	case <-h.hb.called:
	case <-time.After(waitFor):
		h.t.Fatal("timed out waiting for heartbeat call")
	}
	select {
	case n := <-h.observed:
		return n
	case <-time.After(waitFor):
		h.t.Fatal("heartbeat result not applied")
		return -1
	}
}

func TestOutboundRejectedBeforeConnect(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, StateConnecting, h.tr.State())
	assert.ErrorIs(t, h.tr.SendInput("ls"), ErrNotConnected)
	assert.ErrorIs(t, h.tr.Resize(80, 24), ErrNotConnected)
	h.tr.Foreground()
}

func TestOutputDeliveredInOrderAndSanitized(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	defer h.tr.Close()

	h.ch.push(termframe.Output("a"))
	h.ch.inbound <- []byte("0b")
	h.ch.inbound <- []byte(`{"type":"stdout","data":"\u001b]0;title\u0007c"}`)
	h.ch.inbound <- []byte(`{"type":"telemetry","data":"x"}`)
	h.ch.inbound <- []byte("1control")
	h.ch.push(termframe.Frame{Kind: termframe.KindOutput, Data: "d", Stream: "stderr"})
	h.ch.push(termframe.Output("0 files"))

	for _, want := range []string{"a", "b", "c", "d", "0 files"} {
		assert.Equal(t, want, h.nextOutput())
	}
}

func TestInputAndResizeWrittenInCallOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	require.NoError(t, h.tr.SendInput("l"))
	require.NoError(t, h.tr.Resize(100, 30))
	require.NoError(t, h.tr.SendInput("s"))
	assert.Error(t, h.tr.Resize(0, 30))

	frames := h.ch.frames(t)
	require.Len(t, frames, 3)
	assert.Equal(t, termframe.Input("l").Data, frames[0].Data)
	assert.Equal(t, termframe.KindResize, frames[1].Kind)
	assert.Equal(t, termframe.Size{Columns: 100, Rows: 30}, frames[1].Size)
	assert.Equal(t, "s", frames[2].Data)
	h.tr.Close()
}

func TestDialFailureEndsInError(t *testing.T) {
	tr := New(Config{Dialer: &fakeDialer{err: errors.New("connection refused")}})
	err := tr.Connect(context.Background())
	require.Error(t, err)

	var connErr *ConnectionError
	assert.True(t, errors.As(err, &connErr))
	assert.Equal(t, StateError, tr.State())
	assert.Equal(t, err, tr.Err())
	<-tr.Done()
	_, ok := <-tr.Output()
	assert.False(t, ok, "output should be closed")
	assert.ErrorIs(t, tr.SendInput("x"), ErrNotConnected)
	assert.NoError(t, tr.Close())
}

func TestDialAuthFailure(t *testing.T) {
	tr := New(Config{Dialer: &fakeDialer{err: errors.Join(ErrAuthExpired, errors.New("403"))}})
	err := tr.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.ErrorIs(t, tr.Err(), ErrAuthExpired)
	assert.Equal(t, StateError, tr.State())
}

func TestConnectTwice(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	defer h.tr.Close()
	assert.ErrorIs(t, h.tr.Connect(context.Background()), ErrAlreadyStarted)
}

func TestServerCloseFrame(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()

	h.ch.push(termframe.Output("logout\r\n"))
	h.ch.push(termframe.Close())
	h.waitDone()

	assert.Equal(t, StateClosed, h.tr.State())
	assert.NoError(t, h.tr.Err())
	assert.Equal(t, "logout\r\n", h.nextOutput())
	_, ok := <-h.tr.Output()
	assert.False(t, ok)
	assert.ErrorIs(t, h.tr.SendInput("x"), ErrNotConnected)
	assert.True(t, h.ch.isClosed())
	assert.NoError(t, h.tr.Close())
}

func TestChannelEOFIsClean(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	close(h.ch.inbound)
	h.waitDone()
	assert.Equal(t, StateClosed, h.tr.State())
	assert.NoError(t, h.tr.Err())
}

func TestReadErrorMovesToError(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.ch.readFail <- errors.New("connection reset")
	h.waitDone()

	assert.Equal(t, StateError, h.tr.State())
	var connErr *ConnectionError
	require.True(t, errors.As(h.tr.Err(), &connErr))
	assert.Equal(t, "read", connErr.Op)
	h.tr.Close()
	assert.Equal(t, StateError, h.tr.State(), "close after failure keeps the error state")
}

func TestWriteErrorMovesToError(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.ch.mu.Lock()
	h.ch.writeErr = errors.New("broken pipe")
	h.ch.mu.Unlock()

	err := h.tr.SendInput("x")
	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	h.waitDone()
	assert.Equal(t, StateError, h.tr.State())
}

func TestCloseSendsCloseFrameAndBeacon(t *testing.T) {
	hb := newFakeHeartbeater(nil)
	h := newHarness(t, hb)
	h.connect()
	h.waitHeartbeat()

	require.NoError(t, h.tr.Close())
	assert.Equal(t, StateClosed, h.tr.State())
	assert.NoError(t, h.tr.Err())
	assert.True(t, h.ch.isClosed())

	frames := h.ch.frames(t)
	require.NotEmpty(t, frames)
	assert.Equal(t, termframe.KindClose, frames[len(frames)-1].Kind)

	hist := h.tr.History()
	var path []State
	for _, tr := range hist {
		path = append(path, tr.To)
	}
	assert.Equal(t, []State{StateConnected, StateClosing, StateClosed}, path)

	assert.Equal(t, 1, hb.beaconCount())
	h.assertNoMoreHeartbeats()

	require.NoError(t, h.tr.Close())
	assert.Equal(t, 1, hb.beaconCount(), "beacon sent twice")
}

func TestCloseWithFailingWriteStillCloses(t *testing.T) {
	h := newHarness(t, nil)
	h.connect()
	h.ch.mu.Lock()
	h.ch.writeErr = errors.New("gone")
	h.ch.mu.Unlock()

	require.NoError(t, h.tr.Close())
	assert.Equal(t, StateClosed, h.tr.State())
}

func TestCloseBeforeConnect(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.tr.Close())
	assert.Equal(t, StateClosed, h.tr.State())
	assert.ErrorIs(t, h.tr.Connect(context.Background()), ErrAlreadyStarted)
}

func TestHeartbeatForbiddenTwiceCloses(t *testing.T) {
	hb := newFakeHeartbeater(ErrForbidden)
	h := newHarness(t, hb)
	h.connect()

	assert.Equal(t, 1, h.waitHeartbeat())
	h.clock.Step(DefaultHeartbeatInterval)
	assert.Equal(t, 2, h.waitHeartbeat())
	h.waitDone()

	assert.Equal(t, StateClosed, h.tr.State())
	assert.ErrorIs(t, h.tr.Err(), ErrAuthExpired)
	assert.Empty(t, h.ch.frames(t), "no frames may be sent after rejection")
	h.assertNoMoreHeartbeats()

	require.NoError(t, h.tr.Close())
	assert.Empty(t, h.ch.frames(t))
	assert.Equal(t, 0, hb.beaconCount(), "no beacon after the server rejected the session")
}

func TestHeartbeatNotFoundTwiceCloses(t *testing.T) {
	hb := newFakeHeartbeater(ErrNotFound)
	h := newHarness(t, hb)
	h.connect()
	h.waitHeartbeat()
	h.tr.Foreground()
	h.waitHeartbeat()
	h.waitDone()
	assert.ErrorIs(t, h.tr.Err(), ErrSessionGone)
}

func TestHeartbeatSuccessResetsRejections(t *testing.T) {
	transient := errors.New("503 service unavailable")
	hb := newFakeHeartbeater(nil, ErrNotFound, nil, ErrForbidden, transient, ErrForbidden)
	h := newHarness(t, hb)
	h.connect()
	defer h.tr.Close()

	assert.Equal(t, 1, h.waitHeartbeat())
	for _, want := range []int{0, 1, 0, 1} {
		h.clock.Step(DefaultHeartbeatInterval)
		assert.Equal(t, want, h.waitHeartbeat())
	}
	assert.Equal(t, StateConnected, h.tr.State())
}

func TestForegroundSendsImmediateHeartbeat(t *testing.T) {
	hb := newFakeHeartbeater(nil)
	h := newHarness(t, hb)
	h.connect()
	defer h.tr.Close()

	h.waitHeartbeat()
	h.tr.Foreground()
	h.waitHeartbeat()

	hb.mu.Lock()
	defer hb.mu.Unlock()
	assert.Equal(t, 2, hb.calls)
}

func TestBeaconAfterRemoteClose(t *testing.T) {
	hb := newFakeHeartbeater(nil)
	h := newHarness(t, hb)
	h.connect()
	h.waitHeartbeat()

	close(h.ch.inbound)
	h.waitDone()
	require.NoError(t, h.tr.Close())
	assert.Equal(t, 1, hb.beaconCount())
}

func TestNoHeartbeatWithoutSessionID(t *testing.T) {
	hb := newFakeHeartbeater(nil)
	fc := newTickerClock()
	tr := New(Config{
		Dialer:      &fakeDialer{ch: newFakeChannel()},
		Heartbeater: hb,
		Clock:       fc,
	})
	require.NoError(t, tr.Connect(context.Background()))
	assert.Zero(t, fc.liveTickers())
	tr.Foreground()
	require.NoError(t, tr.Close())
	assert.Equal(t, 0, hb.beaconCount())

	hb.mu.Lock()
	defer hb.mu.Unlock()
	assert.Equal(t, 0, hb.calls)
}

func TestStateStringAndTerminal(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "error", StateError.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, StateClosed.Terminal())
	assert.False(t, StateClosing.Terminal())
}

func TestHistoryRingKeepsNewest(t *testing.T) {
	var b stateBox
	now := time.Now()
	for i := 0; i < historySize+5; i++ {
		b.current = StateConnecting
		b.set(StateConnected, now, "")
	}
	hist := b.history()
	assert.Len(t, hist, historySize)
}
