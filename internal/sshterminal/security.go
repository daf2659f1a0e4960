package sshterminal

import (
	"fmt"
	"strings"
	"sync"

	"k8s.io/utils/clock"
)

// AllowedShells may be started on a target. Anything else is rejected.
var AllowedShells = []string{
	"/bin/bash",
	"/bin/sh",
	"/bin/zsh",
}

// ValidateShell checks shell against AllowedShells. Empty means DefaultShell.
func ValidateShell(shell string) error {
	if shell == "" {
		return nil
	}
	for _, allowed := range AllowedShells {
		if shell == allowed {
			return nil
		}
	}
	return fmt.Errorf("shell %q is not allowed; permitted shells: %s", shell, strings.Join(AllowedShells, ", "))
}

const (
	// MaxInputMessageSize is the largest client message accepted.
	MaxInputMessageSize = 64 * 1024

	MaxTermCols = 500
	MaxTermRows = 200

	// MessageRateLimit is messages per second allowed from one client.
	MessageRateLimit = 100
	// MessageRateBurst is the burst allowance on top of the rate.
	MessageRateBurst = 200
)

// ClampSize bounds a requested terminal size to MaxTermCols x MaxTermRows.
func ClampSize(cols, rows uint16) (uint16, uint16) {
	if cols > MaxTermCols {
		cols = MaxTermCols
	}
	if rows > MaxTermRows {
		rows = MaxTermRows
	}
	return cols, rows
}

// RateLimiter is a token bucket for client messages.
type RateLimiter struct {
	mu         sync.Mutex
	clock      clock.PassiveClock
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill int64   // unix nanos
}

// NewRateLimiter returns a full bucket of burst tokens refilled at rate per
// second. A nil clock means the real clock.
func NewRateLimiter(rate float64, burst int, c clock.PassiveClock) *RateLimiter {
	if c == nil {
		c = clock.RealClock{}
	}
	return &RateLimiter{
		clock:      c,
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: c.Now().UnixNano(),
	}
}

// Allow consumes a token and reports whether one was available.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now().UnixNano()
	elapsed := float64(now-rl.lastRefill) / 1e9
	rl.lastRefill = now

	rl.tokens += elapsed * rl.refillRate
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}
