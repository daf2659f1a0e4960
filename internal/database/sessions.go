package database

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotLive is returned when a heartbeat or state change targets a
// session that has already ended or does not exist.
var ErrSessionNotLive = errors.New("session is not live")

var liveStates = []string{SessionPending, SessionActive}

// CreateSession records a pending session with a fresh id.
func CreateSession(userID, targetID uint, clientIP string) (*TerminalSession, error) {
	now := time.Now()
	s := &TerminalSession{
		ID:            uuid.New().String(),
		UserID:        userID,
		TargetID:      targetID,
		State:         SessionPending,
		ClientIP:      clientIP,
		StartedAt:     now,
		LastHeartbeat: now,
	}
	if err := DB.Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

func GetSession(id string) (*TerminalSession, error) {
	var s TerminalSession
	if err := DB.Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// MarkSessionActive moves a pending session to active once its shell runs.
func MarkSessionActive(id, recordingPath string) error {
	res := DB.Model(&TerminalSession{}).
		Where("id = ? AND state = ?", id, SessionPending).
		Updates(map[string]interface{}{"state": SessionActive, "recording_path": recordingPath})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotLive
	}
	return nil
}

// CloseSession ends a live session with state (closed or error). On a session
// that already ended it only fills a missing end time.
func CloseSession(id, state, errMsg string) error {
	now := time.Now()
	res := DB.Model(&TerminalSession{}).
		Where("id = ? AND state IN ?", id, liveStates).
		Updates(map[string]interface{}{"state": state, "error": errMsg, "ended_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return DB.Model(&TerminalSession{}).
		Where("id = ? AND ended_at IS NULL", id).
		Update("ended_at", now).Error
}

// TouchHeartbeat records a heartbeat for a live session.
func TouchHeartbeat(id string, at time.Time) error {
	res := DB.Model(&TerminalSession{}).
		Where("id = ? AND state IN ?", id, liveStates).
		Update("last_heartbeat", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrSessionNotLive
	}
	return nil
}

// ListSessions returns the newest sessions first. userID 0 lists every user.
func ListSessions(userID uint, limit int) ([]TerminalSession, error) {
	q := DB.Order("started_at desc")
	if userID != 0 {
		q = q.Where("user_id = ?", userID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var sessions []TerminalSession
	if err := q.Find(&sessions).Error; err != nil {
		return nil, err
	}
	return sessions, nil
}

func CountLiveSessions() (int64, error) {
	var count int64
	err := DB.Model(&TerminalSession{}).Where("state IN ?", liveStates).Count(&count).Error
	return count, err
}

// StaleSessions returns live sessions whose last heartbeat is before cutoff.
func StaleSessions(cutoff time.Time) ([]TerminalSession, error) {
	var sessions []TerminalSession
	err := DB.Where("state IN ? AND last_heartbeat < ?", liveStates, cutoff).Find(&sessions).Error
	return sessions, err
}

// ExpiredRecordings returns ended sessions with a recording that ended before
// cutoff.
func ExpiredRecordings(cutoff time.Time) ([]TerminalSession, error) {
	var sessions []TerminalSession
	err := DB.Where("recording_path <> '' AND ended_at IS NOT NULL AND ended_at < ?", cutoff).Find(&sessions).Error
	return sessions, err
}

func ClearRecordingPath(id string) error {
	return DB.Model(&TerminalSession{}).Where("id = ?", id).Update("recording_path", "").Error
}

// CloseOrphanedSessions fails sessions left live by a previous process; their
// shells died with it.
func CloseOrphanedSessions() (int64, error) {
	res := DB.Model(&TerminalSession{}).
		Where("state IN ?", liveStates).
		Updates(map[string]interface{}{"state": SessionError, "error": "server restarted", "ended_at": time.Now()})
	return res.RowsAffected, res.Error
}
