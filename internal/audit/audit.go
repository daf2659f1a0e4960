// Package audit records security-relevant events of the jump host to the
// database: logins, terminals opened and refused, sessions ended and target
// changes. Every record is also written to the standard logger.
package audit

import (
	"log"
	"sync"
	"time"

	"gorm.io/gorm"
	"k8s.io/utils/clock"

	"github.com/gluk-w/jumpterm/internal/database"
	"github.com/gluk-w/jumpterm/internal/logutil"
)

// Event types.
const (
	EventLoginSucceeded   = "login_succeeded"
	EventLoginFailed      = "login_failed"
	EventSessionStart     = "terminal_session_start"
	EventSessionEnd       = "terminal_session_end"
	EventSessionClosed    = "terminal_session_closed"
	EventSessionStale     = "terminal_session_stale"
	EventConnectionFailed = "connection_failed"
	EventIPRestricted     = "ip_restricted"
	EventDialLimited      = "dial_limited"
	EventHostKeyMismatch  = "host_key_mismatch"
	EventHostKeyPinned    = "host_key_pinned"
	EventHostKeyReset     = "host_key_reset"
	EventTargetSaved      = "target_saved"
	EventTargetAssigned   = "target_assigned"
)

// DefaultRetentionDays is how long entries are kept when no retention is set.
const DefaultRetentionDays = 90

// Entry holds the fields of one audit record.
type Entry struct {
	EventType  string
	Username   string
	TargetID   uint
	TargetName string
	SessionID  string
	SourceIP   string
	Details    string
	DurationMs int64
}

// Auditor writes and queries audit records.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	clock         clock.PassiveClock
}

// NewAuditor returns an Auditor on db. Zero retentionDays means
// DefaultRetentionDays.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{db: db, retentionDays: retentionDays, clock: clock.RealClock{}}
}

// SetClock replaces the clock, for tests.
func (a *Auditor) SetClock(c clock.PassiveClock) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clock = c
}

func (a *Auditor) now() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.clock.Now()
}

// Log stores e and writes it to the standard logger.
func (a *Auditor) Log(e Entry) error {
	record := database.AuditLog{
		EventType:  e.EventType,
		Username:   e.Username,
		TargetID:   e.TargetID,
		TargetName: e.TargetName,
		SessionID:  e.SessionID,
		SourceIP:   e.SourceIP,
		Details:    e.Details,
		DurationMs: e.DurationMs,
		CreatedAt:  a.now(),
	}
	if err := a.db.Create(&record).Error; err != nil {
		log.Printf("[audit] failed to write audit log: %v", err)
		return err
	}

	log.Printf("[audit] %s user=%s target=%s session=%s ip=%s details=%s",
		e.EventType,
		logutil.SanitizeForLog(e.Username),
		logutil.SanitizeForLog(e.TargetName),
		e.SessionID,
		logutil.SanitizeForLog(e.SourceIP),
		logutil.SanitizeForLog(e.Details),
	)
	return nil
}

// QueryOptions filter Query. Zero fields match everything.
type QueryOptions struct {
	TargetID  uint
	SessionID string
	EventType string
	Username  string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult is one page of entries, newest first.
type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query returns the entries matching opts. Limit defaults to 50 and is
// capped at 1000.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.AuditLog{})
	if opts.TargetID > 0 {
		tx = tx.Where("target_id = ?", opts.TargetID)
	}
	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Username != "" {
		tx = tx.Where("username = ?", opts.Username)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	entries := []database.AuditLog{}
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return &QueryResult{Entries: entries, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// Purge deletes entries older than the retention period and returns how many
// were removed.
func (a *Auditor) Purge() (int64, error) {
	cutoff := a.now().AddDate(0, 0, -a.retentionDays)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	if result.Error != nil {
		log.Printf("[audit] purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[audit] purged %d entries older than %d days", result.RowsAffected, a.retentionDays)
	}
	return result.RowsAffected, nil
}

// RetentionDays is the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}
