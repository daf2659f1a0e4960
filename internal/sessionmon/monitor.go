// Package sessionmon runs the scheduled upkeep of terminal sessions: closing
// sessions whose client stopped sending heartbeats, removing recordings past
// their retention period, expiring API tokens and purging old audit entries.
package sessionmon

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"k8s.io/utils/clock"

	"github.com/gluk-w/jumpterm/internal/audit"
	"github.com/gluk-w/jumpterm/internal/database"
	"github.com/gluk-w/jumpterm/internal/metrics"
	"github.com/gluk-w/jumpterm/internal/sshterminal"
)

// LiveSessions closes the relay of a live session.
type LiveSessions interface {
	Close(id string) error
}

// TokenCleaner drops expired tokens.
type TokenCleaner interface {
	Cleanup() int
}

// AuditPurger drops audit entries past their retention.
type AuditPurger interface {
	Purge() (int64, error)
}

// Config controls the monitor. Zero durations fall back to the defaults.
type Config struct {
	SessionTimeout time.Duration
	SweepInterval  time.Duration
	Retention      time.Duration
}

const (
	DefaultSessionTimeout = 5 * time.Minute
	DefaultSweepInterval  = time.Minute
	DefaultRetention      = 30 * 24 * time.Hour
)

// Monitor schedules the upkeep jobs on a cron.
type Monitor struct {
	cfg      Config
	sessions LiveSessions
	tokens   TokenCleaner
	audit    AuditPurger
	metrics  *metrics.Metrics
	clock    clock.PassiveClock

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithTokens adds a job expiring tokens every ten minutes.
func WithTokens(t TokenCleaner) Option { return func(m *Monitor) { m.tokens = t } }

// WithAuditPurge adds a daily job purging old audit entries.
func WithAuditPurge(a AuditPurger) Option { return func(m *Monitor) { m.audit = a } }

// WithMetrics counts stale sessions and purged recordings.
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Monitor) { m.metrics = mt } }

// WithClock sets the clock used to compute cutoffs.
func WithClock(c clock.PassiveClock) Option { return func(m *Monitor) { m.clock = c } }

func New(sessions LiveSessions, cfg Config, opts ...Option) *Monitor {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	m := &Monitor{cfg: cfg, sessions: sessions, clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start schedules the jobs and runs one stale sweep right away.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	c := cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	jobs := []struct {
		spec string
		fn   func()
	}{
		{"@every " + m.cfg.SweepInterval.String(), func() { m.SweepStale() }},
		{"@daily", func() { m.PurgeRecordings() }},
	}
	if m.tokens != nil {
		jobs = append(jobs, struct {
			spec string
			fn   func()
		}{"@every 10m", func() { m.tokens.Cleanup() }})
	}
	if m.audit != nil {
		jobs = append(jobs, struct {
			spec string
			fn   func()
		}{"@daily", func() { m.audit.Purge() }})
	}
	for _, j := range jobs {
		if _, err := c.AddFunc(j.spec, j.fn); err != nil {
			return fmt.Errorf("schedule %q: %w", j.spec, err)
		}
	}

	m.SweepStale()
	c.Start()
	m.cron = c
	m.running = true
	log.Printf("[session-mon] started (sweep every %s, timeout %s, retention %s)",
		m.cfg.SweepInterval, m.cfg.SessionTimeout, m.cfg.Retention)
	return nil
}

// Stop unschedules the jobs and waits for a running one to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	<-m.cron.Stop().Done()
	m.running = false
	log.Printf("[session-mon] stopped")
}

// SweepStale closes live sessions whose last heartbeat is older than the
// session timeout, in the database and on the relay. It returns the number of
// sessions closed.
func (m *Monitor) SweepStale() int {
	cutoff := m.clock.Now().Add(-m.cfg.SessionTimeout)
	stale, err := database.StaleSessions(cutoff)
	if err != nil {
		log.Printf("[session-mon] list stale sessions: %v", err)
		return 0
	}

	closed := 0
	for _, s := range stale {
		if err := database.CloseSession(s.ID, database.SessionClosed, "heartbeat timeout"); err != nil {
			log.Printf("[session-mon] close session %s: %v", s.ID, err)
			continue
		}
		if m.sessions != nil {
			if err := m.sessions.Close(s.ID); err != nil && !errors.Is(err, sshterminal.ErrSessionNotFound) {
				log.Printf("[session-mon] stop relay for %s: %v", s.ID, err)
			}
		}
		if m.metrics != nil {
			m.metrics.SessionsEnded.WithLabelValues("stale").Inc()
		}
		audit.LogSessionStale(s.ID, s.TargetID, s.LastHeartbeat.Format(time.RFC3339))
		closed++
		log.Printf("[session-mon] closed stale session %s (last heartbeat %s)", s.ID, s.LastHeartbeat.Format(time.RFC3339))
	}
	return closed
}

// PurgeRecordings deletes recordings of sessions that ended before the
// retention period and clears their path. It returns the number removed.
func (m *Monitor) PurgeRecordings() int {
	cutoff := m.clock.Now().Add(-m.cfg.Retention)
	expired, err := database.ExpiredRecordings(cutoff)
	if err != nil {
		log.Printf("[session-mon] list expired recordings: %v", err)
		return 0
	}

	purged := 0
	for _, s := range expired {
		if err := os.Remove(s.RecordingPath); err != nil && !os.IsNotExist(err) {
			log.Printf("[session-mon] remove recording %s: %v", s.RecordingPath, err)
			continue
		}
		if err := database.ClearRecordingPath(s.ID); err != nil {
			log.Printf("[session-mon] clear recording path for %s: %v", s.ID, err)
			continue
		}
		if m.metrics != nil {
			m.metrics.RecordingsPurged.Inc()
		}
		purged++
	}
	if purged > 0 {
		log.Printf("[session-mon] purged %d recordings older than %s", purged, m.cfg.Retention)
	}
	return purged
}

// Status describes the monitor for diagnostics.
func (m *Monitor) Status() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := map[string]interface{}{
		"running":         m.running,
		"sweep_interval":  m.cfg.SweepInterval.String(),
		"session_timeout": m.cfg.SessionTimeout.String(),
		"retention":       m.cfg.Retention.String(),
	}
	if m.running {
		var next time.Time
		for _, e := range m.cron.Entries() {
			if next.IsZero() || e.Next.Before(next) {
				next = e.Next
			}
		}
		status["next_run"] = next
	}
	return status
}
