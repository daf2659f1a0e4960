package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/jumpterm/internal/asciicast"
)

var (
	// ErrSessionNotFound is returned for an id the manager does not track.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAlreadyAttached is returned when a second client attaches to a
	// live session.
	ErrAlreadyAttached = errors.New("session already has a client")
)

// ManagedSession is one live shell on a target.
type ManagedSession struct {
	ID        string
	UserID    uint
	TargetID  uint
	CreatedAt time.Time
	// RecordingPath is empty when recording is disabled.
	RecordingPath string

	Terminal *TerminalSession
	Recorder *asciicast.Writer

	client    *ssh.Client
	mu        sync.Mutex
	attached  bool
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

// Attach claims the session for a client.
func (ms *ManagedSession) Attach() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.closed {
		return ErrSessionNotFound
	}
	if ms.attached {
		return ErrAlreadyAttached
	}
	ms.attached = true
	return nil
}

// Closed reports whether Close has been called.
func (ms *ManagedSession) Closed() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.closed
}

// Done is closed once the session has been torn down.
func (ms *ManagedSession) Done() <-chan struct{} { return ms.done }

// Close ends the shell, flushes the recording and drops the SSH connection.
func (ms *ManagedSession) Close() {
	ms.closeOnce.Do(func() {
		ms.mu.Lock()
		ms.closed = true
		ms.mu.Unlock()

		ms.Terminal.Close()
		if ms.Recorder != nil {
			if err := ms.Recorder.Close(); err != nil {
				log.Printf("[session-mgr] session %s close recording: %v", ms.ID, err)
			}
			written, dropped, failed := ms.Recorder.Stats()
			log.Printf("[session-mgr] session %s recording: %d events written, %d dropped, %d failed",
				ms.ID, written, dropped, failed)
		}
		if ms.client != nil {
			ms.client.Close()
		}
		close(ms.done)
	})
}

// Relay attaches conn and bridges it to the shell until either side ends, then
// closes the session.
func (ms *ManagedSession) Relay(ctx context.Context, conn FrameConn, limiter *RateLimiter, hooks RelayHooks) error {
	if err := ms.Attach(); err != nil {
		return err
	}
	defer ms.Close()

	r := &Relay{
		Conn:     conn,
		Terminal: ms.Terminal,
		Limiter:  limiter,
		Hooks:    hooks,
		Label:    "session " + ms.ID,
	}
	if ms.Recorder != nil {
		r.Recorder = ms.Recorder
	}
	return r.Run(ctx)
}

// StartOptions describe a new session.
type StartOptions struct {
	ID       string
	UserID   uint
	TargetID uint
	Target   Target
	Cols     uint16
	Rows     uint16
}

// SessionManager tracks live sessions by id.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*ManagedSession

	// RecordingDir holds one .cast file per session. Empty disables
	// recording.
	RecordingDir string
	// RecorderOptions are applied to every recording writer.
	RecorderOptions []asciicast.WriterOption
	// Dial opens the SSH connection. Defaults to Dial.
	Dial func(ctx context.Context, t Target) (*ssh.Client, error)
	// DialLimiter, when set, limits dial attempts per target address.
	DialLimiter *DialLimiter
}

// NewSessionManager returns an empty manager that records into dir.
func NewSessionManager(dir string) *SessionManager {
	return &SessionManager{
		sessions:     make(map[string]*ManagedSession),
		RecordingDir: dir,
		Dial:         Dial,
	}
}

// RecordingPath is where the recording for id is written.
func (sm *SessionManager) RecordingPath(id string) string {
	if sm.RecordingDir == "" {
		return ""
	}
	return filepath.Join(sm.RecordingDir, id+".cast")
}

// Start dials the target, opens a shell and, when enabled, starts recording.
func (sm *SessionManager) Start(ctx context.Context, opts StartOptions) (*ManagedSession, error) {
	if opts.ID == "" {
		return nil, errors.New("session id is required")
	}
	sm.mu.RLock()
	_, exists := sm.sessions[opts.ID]
	sm.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("session %s already started", opts.ID)
	}

	dial := sm.Dial
	if dial == nil {
		dial = Dial
	}
	key := opts.Target.Addr()
	if sm.DialLimiter != nil {
		if err := sm.DialLimiter.Allow(key); err != nil {
			return nil, err
		}
	}
	client, err := dial(ctx, opts.Target)
	if sm.DialLimiter != nil {
		if err != nil {
			sm.DialLimiter.RecordFailure(key)
		} else {
			sm.DialLimiter.RecordSuccess(key)
		}
	}
	if err != nil {
		return nil, err
	}

	term, err := OpenShell(client, opts.Target.Shell, opts.Cols, opts.Rows)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open shell: %w", err)
	}

	ms := &ManagedSession{
		ID:        opts.ID,
		UserID:    opts.UserID,
		TargetID:  opts.TargetID,
		CreatedAt: time.Now(),
		Terminal:  term,
		client:    client,
		done:      make(chan struct{}),
	}

	if path := sm.RecordingPath(opts.ID); path != "" {
		cols, rows := opts.Cols, opts.Rows
		if cols == 0 || rows == 0 {
			cols, rows = defaultCols, defaultRows
		}
		cols, rows = ClampSize(cols, rows)
		shell := opts.Target.Shell
		if shell == "" {
			shell = DefaultShell
		}
		h := asciicast.Header{
			Version:   asciicast.Version,
			Width:     int(cols),
			Height:    int(rows),
			Timestamp: ms.CreatedAt.Unix(),
			Title:     opts.Target.Name,
			Env:       map[string]string{"TERM": "xterm-256color", "SHELL": shell},
		}
		w, err := asciicast.Create(path, h, sm.RecorderOptions...)
		if err != nil {
			// The session still runs, unrecorded.
			log.Printf("[session-mgr] session %s: recording disabled: %v", opts.ID, err)
		} else {
			ms.Recorder = w
			ms.RecordingPath = path
		}
	}

	sm.mu.Lock()
	sm.sessions[ms.ID] = ms
	sm.mu.Unlock()

	go func() {
		<-ms.done
		sm.Remove(ms.ID)
	}()

	log.Printf("[session-mgr] started session %s on target %d (user %d, %s)",
		ms.ID, ms.TargetID, ms.UserID, opts.Target.Addr())
	return ms, nil
}

// Get returns the session with id, or nil.
func (sm *SessionManager) Get(id string) *ManagedSession {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[id]
}

// List returns live sessions ordered by creation time.
func (sm *SessionManager) List() []*ManagedSession {
	sm.mu.RLock()
	result := make([]*ManagedSession, 0, len(sm.sessions))
	for _, ms := range sm.sessions {
		result = append(result, ms)
	}
	sm.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

// Close ends the session with id.
func (sm *SessionManager) Close(id string) error {
	ms := sm.Get(id)
	if ms == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	ms.Close()
	sm.Remove(id)
	log.Printf("[session-mgr] closed session %s", id)
	return nil
}

// Remove forgets the session without closing it.
func (sm *SessionManager) Remove(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, id)
}

// CloseAll ends every live session.
func (sm *SessionManager) CloseAll() {
	for _, ms := range sm.List() {
		ms.Close()
		sm.Remove(ms.ID)
	}
}

// ActiveCount is the number of sessions not yet closed.
func (sm *SessionManager) ActiveCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	n := 0
	for _, ms := range sm.sessions {
		if !ms.Closed() {
			n++
		}
	}
	return n
}
