package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPHeartbeaterStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusOK, nil},
		{http.StatusNoContent, nil},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusUnauthorized, ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("method = %s, want POST", r.Method)
				}
				if r.URL.Path != "/api/v1/sessions/abc/heartbeat" {
					t.Errorf("path = %s", r.URL.Path)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer tok" {
					t.Errorf("Authorization = %q", got)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			hb := &HTTPHeartbeater{BaseURL: srv.URL + "/", Token: "tok"}
			err := hb.Heartbeat(context.Background(), "abc")
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Heartbeat: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("Heartbeat error = %v, want %v", err, tt.want)
			}
			if !isRejection(err) {
				t.Fatalf("%v should count as a rejection", err)
			}
		})
	}
}

func TestHTTPHeartbeaterServerErrorIsNotRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := (&HTTPHeartbeater{BaseURL: srv.URL}).Heartbeat(context.Background(), "abc")
	if err == nil {
		t.Fatal("expected error for 502")
	}
	if isRejection(err) {
		t.Fatalf("502 must not count as a rejection: %v", err)
	}
}

func TestHTTPHeartbeaterBeacon(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.URL.Path
	}))
	defer srv.Close()

	(&HTTPHeartbeater{BaseURL: srv.URL}).Beacon("s1")
	select {
	case p := <-got:
		if p != "/api/v1/sessions/s1/heartbeat" {
			t.Fatalf("beacon path = %s", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("beacon was not sent")
	}
}

func TestHTTPHeartbeaterWaitBeacons(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		hits.Add(1)
	}))
	defer srv.Close()

	hb := &HTTPHeartbeater{BaseURL: srv.URL}
	if !hb.WaitBeacons(10 * time.Millisecond) {
		t.Fatal("WaitBeacons with nothing in flight should return true")
	}

	hb.Beacon("s1")
	if hb.WaitBeacons(50 * time.Millisecond) {
		t.Fatal("WaitBeacons returned true while the beacon was blocked")
	}
	close(release)
	if !hb.WaitBeacons(2 * time.Second) {
		t.Fatal("beacon did not finish")
	}
	if hits.Load() != 1 {
		t.Fatalf("server saw %d beacons, want 1", hits.Load())
	}
}
