package sshterminal

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/gluk-w/jumpterm/internal/logutil"
)

// Dial limiting defaults. Two independent mechanisms protect a target:
//   - Sliding-window rate limit: max dial attempts per minute per target.
//   - Consecutive failure block: after N failures in a row the target is
//     blocked for BlockDuration.
const (
	DefaultMaxDialsPerMinute = 10
	DefaultMaxConsecFailures = 5
	DefaultDialBlockDuration = 5 * time.Minute
	dialWindow               = time.Minute
)

// ErrDialLimited is returned by Allow, and by SessionManager.Start, when a
// target may not be dialed right now.
var ErrDialLimited = errors.New("dial limited")

// DialLimitConfig holds the thresholds of a DialLimiter.
type DialLimitConfig struct {
	MaxDialsPerMinute int
	MaxConsecFailures int
	BlockDuration     time.Duration
}

// DefaultDialLimitConfig returns the default thresholds.
func DefaultDialLimitConfig() DialLimitConfig {
	return DialLimitConfig{
		MaxDialsPerMinute: DefaultMaxDialsPerMinute,
		MaxConsecFailures: DefaultMaxConsecFailures,
		BlockDuration:     DefaultDialBlockDuration,
	}
}

type dialState struct {
	attempts       []time.Time
	consecFailures int
	blockedUntil   time.Time
}

// DialLimiter limits SSH dial attempts per target key.
type DialLimiter struct {
	mu     sync.Mutex
	config DialLimitConfig
	clock  clock.PassiveClock
	state  map[string]*dialState
}

// NewDialLimiter returns a limiter with config. A nil clock means the real
// clock.
func NewDialLimiter(config DialLimitConfig, c clock.PassiveClock) *DialLimiter {
	if c == nil {
		c = clock.RealClock{}
	}
	return &DialLimiter{
		config: config,
		clock:  c,
		state:  make(map[string]*dialState),
	}
}

// Allow records a dial attempt for key, or returns an error wrapping
// ErrDialLimited if the target is blocked or over its per-minute budget.
func (dl *DialLimiter) Allow(key string) error {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	now := dl.clock.Now()
	s := dl.getOrCreate(key)

	if now.Before(s.blockedUntil) {
		remaining := s.blockedUntil.Sub(now).Truncate(time.Second)
		return fmt.Errorf("%w: %s blocked for %s after %d consecutive failures",
			ErrDialLimited, logutil.SanitizeForLog(key), remaining, s.consecFailures)
	}

	cutoff := now.Add(-dialWindow)
	pruned := s.attempts[:0]
	for _, t := range s.attempts {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	s.attempts = pruned

	if len(s.attempts) >= dl.config.MaxDialsPerMinute {
		log.Printf("[session-mgr] dial limit: %s exceeded %d attempts/min",
			logutil.SanitizeForLog(key), dl.config.MaxDialsPerMinute)
		return fmt.Errorf("%w: %s had %d dial attempts in the last minute (max %d)",
			ErrDialLimited, logutil.SanitizeForLog(key), len(s.attempts), dl.config.MaxDialsPerMinute)
	}

	s.attempts = append(s.attempts, now)
	return nil
}

// RecordSuccess clears the failure count and any block for key.
func (dl *DialLimiter) RecordSuccess(key string) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	s := dl.getOrCreate(key)
	s.consecFailures = 0
	s.blockedUntil = time.Time{}
}

// RecordFailure counts a failed dial and blocks key once the threshold is hit.
func (dl *DialLimiter) RecordFailure(key string) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	s := dl.getOrCreate(key)
	s.consecFailures++
	if s.consecFailures >= dl.config.MaxConsecFailures {
		s.blockedUntil = dl.clock.Now().Add(dl.config.BlockDuration)
		log.Printf("[session-mgr] dial limit: blocking %s until %s (%d consecutive failures)",
			logutil.SanitizeForLog(key), s.blockedUntil.Format(time.RFC3339), s.consecFailures)
	}
}

// Reset forgets all state for key.
func (dl *DialLimiter) Reset(key string) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	delete(dl.state, key)
}

// Must be called with dl.mu held.
func (dl *DialLimiter) getOrCreate(key string) *dialState {
	s, ok := dl.state[key]
	if !ok {
		s = &dialState{}
		dl.state[key] = s
	}
	return s
}
