package database

import "time"

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type User struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null;size:64" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	Role         string    `gorm:"not null;default:user" json:"role"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Target is an SSH host users can open sessions on.
type Target struct {
	ID                 uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name               string    `gorm:"uniqueIndex;not null;size:128" json:"name"`
	Host               string    `gorm:"not null" json:"host"`
	Port               int       `gorm:"not null;default:22" json:"port"`
	Username           string    `gorm:"not null" json:"username"`
	PasswordEnc        string    `json:"-"` // Fernet-encrypted
	PrivateKeyPath     string    `json:"-"`
	Shell              string    `gorm:"default:''" json:"shell,omitempty"`
	// AllowedIPs restricts which client addresses may open a terminal,
	// as comma-separated IPs and CIDRs. Empty allows all.
	AllowedIPs         string    `gorm:"default:''" json:"allowed_ips,omitempty"`
	// HostKeyFingerprint pins the target's SSH host key. It is recorded on
	// first connect when empty.
	HostKeyFingerprint string    `gorm:"default:''" json:"host_key_fingerprint,omitempty"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type UserTarget struct {
	UserID   uint `gorm:"primaryKey" json:"user_id"`
	TargetID uint `gorm:"primaryKey" json:"target_id"`
}

// Session states.
const (
	SessionPending = "pending"
	SessionActive  = "active"
	SessionClosed  = "closed"
	SessionError   = "error"
)

// TerminalSession is one interactive shell opened through the server.
type TerminalSession struct {
	ID            string     `gorm:"primaryKey;size:36" json:"id"`
	UserID        uint       `gorm:"not null;index" json:"user_id"`
	TargetID      uint       `gorm:"not null;index" json:"target_id"`
	State         string     `gorm:"not null;default:pending;index" json:"state"`
	ClientIP      string     `json:"client_ip"`
	RecordingPath string     `json:"-"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
}

// Live reports whether the session has not ended.
func (s *TerminalSession) Live() bool {
	return s.State == SessionPending || s.State == SessionActive
}

// AuditLog is one security-relevant event: a login, a terminal opened or
// refused, a session ended, a target changed.
type AuditLog struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType  string    `gorm:"index;not null;size:64" json:"event_type"`
	Username   string    `gorm:"index;size:64" json:"username,omitempty"`
	TargetID   uint      `gorm:"index" json:"target_id,omitempty"`
	TargetName string    `gorm:"size:128" json:"target_name,omitempty"`
	SessionID  string    `gorm:"index;size:36" json:"session_id,omitempty"`
	SourceIP   string    `gorm:"size:64" json:"source_ip,omitempty"`
	Details    string    `json:"details,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}
