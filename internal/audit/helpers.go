package audit

import "fmt"

// LogLogin records a login attempt.
func LogLogin(username, sourceIP string, ok bool) {
	event := EventLoginSucceeded
	if !ok {
		event = EventLoginFailed
	}
	Record(Entry{EventType: event, Username: username, SourceIP: sourceIP})
}

// LogSessionStart records a terminal opened on a target.
func LogSessionStart(sessionID, username string, targetID uint, targetName, sourceIP string) {
	Record(Entry{
		EventType:  EventSessionStart,
		Username:   username,
		TargetID:   targetID,
		TargetName: targetName,
		SessionID:  sessionID,
		SourceIP:   sourceIP,
	})
}

// LogSessionEnd records the end of a terminal with its final state.
func LogSessionEnd(sessionID, username string, targetID uint, targetName, state string, durationMs int64) {
	Record(Entry{
		EventType:  EventSessionEnd,
		Username:   username,
		TargetID:   targetID,
		TargetName: targetName,
		SessionID:  sessionID,
		Details:    "state=" + state,
		DurationMs: durationMs,
	})
}

// LogSessionClosed records a session closed by a user other than the relay.
func LogSessionClosed(sessionID, username string, targetID uint) {
	Record(Entry{EventType: EventSessionClosed, Username: username, TargetID: targetID, SessionID: sessionID})
}

// LogSessionStale records a session closed for missing heartbeats.
func LogSessionStale(sessionID string, targetID uint, lastHeartbeat string) {
	Record(Entry{
		EventType: EventSessionStale,
		TargetID:  targetID,
		SessionID: sessionID,
		Details:   "last_heartbeat=" + lastHeartbeat,
	})
}

// LogConnectionRefused records a terminal that could not be opened. event is
// one of EventConnectionFailed, EventIPRestricted, EventDialLimited or
// EventHostKeyMismatch.
func LogConnectionRefused(event, username string, targetID uint, targetName, sourceIP, reason string) {
	Record(Entry{
		EventType:  event,
		Username:   username,
		TargetID:   targetID,
		TargetName: targetName,
		SourceIP:   sourceIP,
		Details:    reason,
	})
}

// LogTargetSaved records a target created or updated by an admin.
func LogTargetSaved(admin string, targetID uint, targetName string) {
	Record(Entry{EventType: EventTargetSaved, Username: admin, TargetID: targetID, TargetName: targetName})
}

// LogTargetAssigned records a grant of a target to a user.
func LogTargetAssigned(admin string, targetID uint, assignee uint) {
	Record(Entry{
		EventType: EventTargetAssigned,
		Username:  admin,
		TargetID:  targetID,
		Details:   fmt.Sprintf("user_id=%d", assignee),
	})
}

// LogHostKey records a host key pinned on first connect, or a pin changed by
// an admin. event is EventHostKeyPinned or EventHostKeyReset.
func LogHostKey(event, username string, targetID uint, targetName, fingerprint string) {
	Record(Entry{
		EventType:  event,
		Username:   username,
		TargetID:   targetID,
		TargetName: targetName,
		Details:    "fingerprint=" + fingerprint,
	})
}
