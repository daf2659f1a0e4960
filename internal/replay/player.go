package replay

import (
	"errors"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

const (
	// DefaultTickInterval is how often playback re-renders.
	DefaultTickInterval = 50 * time.Millisecond
	// DefaultSettleDelay is how long playback waits after a seek before
	// resuming.
	DefaultSettleDelay = 100 * time.Millisecond
)

var (
	ErrInvalidSpeed = errors.New("playback speed must be positive")
	ErrPlayerClosed = errors.New("player closed")
)

// Cursor is a snapshot of playback.
type Cursor struct {
	Time     float64
	Duration float64
	Playing  bool
	Speed    float64
	// Text is the rendered buffer at Time.
	Text string
}

// View receives every rendered cursor. Render is called from the player's
// goroutine and should return quickly.
type View interface {
	Render(c Cursor)
}

// ViewFunc adapts a function to View.
type ViewFunc func(Cursor)

func (f ViewFunc) Render(c Cursor) { f(c) }

// Option configures a Player.
type Option func(*Player)

// WithClock sets the clock that drives playback.
func WithClock(c clock.WithTicker) Option {
	return func(p *Player) { p.clock = c }
}

// WithTickInterval sets the re-render interval.
func WithTickInterval(d time.Duration) Option {
	return func(p *Player) { p.tick = d }
}

// WithSettleDelay sets the post-seek resume delay.
func WithSettleDelay(d time.Duration) Option {
	return func(p *Player) { p.settle = d }
}

// Player plays a Recording through a View. All playback state lives on one
// goroutine; the exported methods post commands to it and wait for them to be
// applied, so a method returning means the View has seen the result.
//
// Virtual time is base + (now - anchor) * speed while playing. Changing speed
// rebases so the current time is preserved.
type Player struct {
	rec    *Recording
	view   View
	clock  clock.WithTicker
	tick   time.Duration
	settle time.Duration

	cmds      chan func()
	quit      chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	// Loop-owned state.
	time    float64
	playing bool
	speed   float64
	base    float64
	anchor  time.Time
	ticker  clock.Ticker
	resume  clock.Timer
}

// NewPlayer starts a paused player at time 0 and renders the first frame.
func NewPlayer(rec *Recording, view View, opts ...Option) *Player {
	p := &Player{
		rec:    rec,
		view:   view,
		clock:  clock.RealClock{},
		tick:   DefaultTickInterval,
		settle: DefaultSettleDelay,
		cmds:   make(chan func()),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		speed:  1,
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.run()
	p.do(p.render)
	return p
}

func (p *Player) run() {
	defer close(p.done)
	for {
		var tickC, resumeC <-chan time.Time
		if p.ticker != nil {
			tickC = p.ticker.C()
		}
		if p.resume != nil {
			resumeC = p.resume.C()
		}

		select {
		case fn := <-p.cmds:
			fn()
		case <-tickC:
			p.onTick()
		case <-resumeC:
			p.resume = nil
			p.play()
		case <-p.quit:
			p.stopTicker()
			p.cancelResume()
			return
		}
	}
}

// do runs fn on the loop and waits for it. It reports false once the player
// is closed.
func (p *Player) do(fn func()) bool {
	ran := make(chan struct{})
	select {
	case p.cmds <- func() { fn(); close(ran) }:
	case <-p.done:
		return false
	}
	select {
	case <-ran:
		return true
	case <-p.done:
		return false
	}
}

func (p *Player) now() float64 {
	if !p.playing {
		return p.time
	}
	return p.base + p.clock.Since(p.anchor).Seconds()*p.speed
}

func (p *Player) clamp(t float64) float64 {
	if t < 0 {
		return 0
	}
	if d := p.rec.Duration(); t > d {
		return d
	}
	return t
}

func (p *Player) cursor() Cursor {
	t := p.clamp(p.now())
	return Cursor{
		Time:     t,
		Duration: p.rec.Duration(),
		Playing:  p.playing,
		Speed:    p.speed,
		Text:     p.rec.RenderAt(t),
	}
}

func (p *Player) render() {
	p.view.Render(p.cursor())
}

func (p *Player) rebase() {
	p.base = p.time
	p.anchor = p.clock.Now()
}

func (p *Player) stopTicker() {
	if p.ticker != nil {
		p.ticker.Stop()
		p.ticker = nil
	}
}

func (p *Player) cancelResume() {
	if p.resume != nil {
		p.resume.Stop()
		p.resume = nil
	}
}

func (p *Player) play() {
	if p.playing {
		return
	}
	if p.time >= p.rec.Duration() {
		p.time = 0
	}
	p.playing = true
	p.rebase()
	p.ticker = p.clock.NewTicker(p.tick)
	p.render()
}

// halt freezes the current virtual time and stops the ticker.
func (p *Player) halt() {
	if !p.playing {
		return
	}
	p.time = p.clamp(p.now())
	p.playing = false
	p.stopTicker()
}

func (p *Player) onTick() {
	if !p.playing {
		return
	}
	t := p.now()
	if t >= p.rec.Duration() {
		p.time = p.rec.Duration()
		p.playing = false
		p.stopTicker()
	} else {
		p.time = t
	}
	p.render()
}

// Play starts or continues playback. Playing from the end starts over.
func (p *Player) Play() {
	p.do(func() {
		p.cancelResume()
		p.play()
	})
}

// Pause stops playback at the current time.
func (p *Player) Pause() {
	p.do(func() {
		p.cancelResume()
		if p.playing {
			p.halt()
			p.render()
		}
	})
}

// Toggle switches between playing and paused.
func (p *Player) Toggle() {
	p.do(func() {
		if p.playing || p.resume != nil {
			p.cancelResume()
			p.halt()
			p.render()
			return
		}
		p.play()
	})
}

// Seek jumps to t, clamped to the recording. If playback was active it pauses
// and resumes after the settle delay, unless t is the end.
func (p *Player) Seek(t float64) {
	p.do(func() {
		wasPlaying := p.playing || p.resume != nil
		p.halt()
		p.cancelResume()
		p.time = p.clamp(t)
		p.render()
		if wasPlaying && p.time < p.rec.Duration() {
			p.resume = p.clock.NewTimer(p.settle)
		}
	})
}

// Restart seeks to the beginning and plays.
func (p *Player) Restart() {
	p.do(func() {
		p.cancelResume()
		p.halt()
		p.time = 0
		p.play()
	})
}

// SetSpeed changes the playback rate without moving the current time.
func (p *Player) SetSpeed(speed float64) error {
	if speed <= 0 {
		return ErrInvalidSpeed
	}
	if !p.do(func() {
		if p.playing {
			p.time = p.clamp(p.now())
			p.rebase()
		}
		p.speed = speed
		p.render()
	}) {
		return ErrPlayerClosed
	}
	return nil
}

// Advance sets the virtual time directly and returns the rendered buffer.
func (p *Player) Advance(t float64) string {
	var text string
	p.do(func() {
		p.time = p.clamp(t)
		if p.playing {
			p.rebase()
		}
		c := p.cursor()
		text = c.Text
		p.view.Render(c)
	})
	return text
}

// Cursor returns the current playback state.
func (p *Player) Cursor() Cursor {
	var c Cursor
	if !p.do(func() { c = p.cursor() }) {
		return Cursor{Time: p.time, Duration: p.rec.Duration(), Speed: p.speed}
	}
	return c
}

// Done is closed when the player has stopped.
func (p *Player) Done() <-chan struct{} {
	return p.done
}

// Close stops playback and releases timers. It is safe to call more than once.
func (p *Player) Close() {
	p.closeOnce.Do(func() { close(p.quit) })
	<-p.done
}
