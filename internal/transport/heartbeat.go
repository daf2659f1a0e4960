package transport

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultHeartbeatInterval is the liveness signal period.
const DefaultHeartbeatInterval = 60 * time.Second

// Heartbeater tells the server a session is still in use. Heartbeat returns
// ErrNotFound or ErrForbidden when the server rejects the session. Beacon
// sends one last signal without waiting for the result.
type Heartbeater interface {
	Heartbeat(ctx context.Context, sessionID string) error
	Beacon(sessionID string)
}

// HTTPHeartbeater posts to the session heartbeat endpoint.
type HTTPHeartbeater struct {
	BaseURL string
	Token   string
	Client  *http.Client
	// BeaconTimeout bounds the fire-and-forget request. Zero means 5s.
	BeaconTimeout time.Duration

	inflight sync.WaitGroup
}

func (h *HTTPHeartbeater) url(sessionID string) string {
	return strings.TrimRight(h.BaseURL, "/") + "/api/v1/sessions/" + url.PathEscape(sessionID) + "/heartbeat"
}

func (h *HTTPHeartbeater) Heartbeat(ctx context.Context, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url(sessionID), nil)
	if err != nil {
		return fmt.Errorf("build heartbeat request: %w", err)
	}
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send heartbeat: %w", err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("heartbeat: %w", ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("heartbeat: %w", ErrForbidden)
	default:
		return fmt.Errorf("heartbeat: server returned %s", resp.Status)
	}
}

func (h *HTTPHeartbeater) Beacon(sessionID string) {
	timeout := h.BeaconTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := h.Heartbeat(ctx, sessionID); err != nil {
			log.Printf("[transport] final heartbeat for %s: %v", sessionID, err)
		}
	}()
}

// WaitBeacons blocks until every beacon sent so far has finished or d has
// passed. It reports whether all of them finished. A process about to exit
// calls it so the last heartbeat is not cut off.
func (h *HTTPHeartbeater) WaitBeacons(d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
