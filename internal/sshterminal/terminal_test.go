package sshterminal

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"
)

// readUntil reads from r until the accumulated output contains target.
func readUntil(t *testing.T, r io.Reader, target string, timeout time.Duration) string {
	t.Helper()
	type result struct {
		data string
		err  error
	}
	var accumulated string
	deadline := time.After(timeout)
	chunks := make(chan result, 1)
	buf := make([]byte, 4096)
	for {
		go func() {
			n, err := r.Read(buf)
			chunks <- result{string(buf[:n]), err}
		}()
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %q, got: %q", target, accumulated)
		case res := <-chunks:
			accumulated += res.data
			if strings.Contains(accumulated, target) {
				return accumulated
			}
			if res.err != nil {
				t.Fatalf("read error waiting for %q: %v, accumulated: %q", target, res.err, accumulated)
			}
		}
	}
}

func TestValidateShell(t *testing.T) {
	for _, shell := range []string{"", "/bin/bash", "/bin/sh", "/bin/zsh"} {
		if err := ValidateShell(shell); err != nil {
			t.Errorf("ValidateShell(%q) = %v, want nil", shell, err)
		}
	}
	for _, shell := range []string{"bash", "/usr/bin/python3", "/bin/bash; rm -rf /", "/bin/sh -c id"} {
		if err := ValidateShell(shell); err == nil {
			t.Errorf("ValidateShell(%q) = nil, want error", shell)
		}
	}
}

func TestClampSize(t *testing.T) {
	tests := []struct {
		cols, rows         uint16
		wantCols, wantRows uint16
	}{
		{80, 24, 80, 24},
		{900, 24, MaxTermCols, 24},
		{80, 1000, 80, MaxTermRows},
		{MaxTermCols, MaxTermRows, MaxTermCols, MaxTermRows},
	}
	for _, tt := range tests {
		c, r := ClampSize(tt.cols, tt.rows)
		if c != tt.wantCols || r != tt.wantRows {
			t.Errorf("ClampSize(%d, %d) = %d, %d, want %d, %d", tt.cols, tt.rows, c, r, tt.wantCols, tt.wantRows)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	fc := testingclock.NewFakeClock(time.Unix(0, 0))
	rl := NewRateLimiter(10, 3, fc)

	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("message %d within burst was refused", i)
		}
	}
	if rl.Allow() {
		t.Fatal("message beyond burst was allowed")
	}

	fc.Step(100 * time.Millisecond)
	if !rl.Allow() {
		t.Fatal("token was not refilled after 100ms at 10/s")
	}
	if rl.Allow() {
		t.Fatal("only one token should have been refilled")
	}

	fc.Step(time.Hour)
	for i := 0; i < 3; i++ {
		if !rl.Allow() {
			t.Fatalf("refill should cap at burst, refused message %d", i)
		}
	}
	if rl.Allow() {
		t.Fatal("refill exceeded burst")
	}
}

func TestCompleteUTF8(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want int
	}{
		{"ascii", []byte("abc"), 3},
		{"empty", nil, 0},
		{"complete two byte", []byte("aé"), 3},
		{"split two byte", []byte("aé")[:2], 1},
		{"split three byte", []byte("x日")[:3], 1},
		{"complete four byte", []byte("😀"), 4},
		{"split four byte", []byte("😀")[:3], 0},
		{"stray continuation bytes", []byte{0x80, 0x80, 0x80, 0x80}, 4},
	}
	for _, tt := range tests {
		if got := completeUTF8(tt.in); got != tt.want {
			t.Errorf("%s: completeUTF8(%q) = %d, want %d", tt.name, tt.in, got, tt.want)
		}
	}
}

func TestTargetAddr(t *testing.T) {
	if got := (Target{Host: "db.internal"}).Addr(); got != "db.internal:22" {
		t.Errorf("Addr() = %s", got)
	}
	if got := (Target{Host: "::1", Port: 2222}).Addr(); got != "[::1]:2222" {
		t.Errorf("Addr() = %s", got)
	}
}

func TestDialRejectsMissingCredentials(t *testing.T) {
	_, err := Dial(context.Background(), Target{Host: "127.0.0.1", User: "ops"})
	if err == nil || !strings.Contains(err.Error(), "no credentials") {
		t.Fatalf("Dial error = %v, want missing credentials", err)
	}
}

func TestDialWrongPassword(t *testing.T) {
	target := testSSHServer(t)
	target.Password = "wrong"
	_, err := Dial(context.Background(), target)
	if err == nil || !strings.Contains(err.Error(), "ssh handshake") {
		t.Fatalf("Dial error = %v, want handshake failure", err)
	}
}

func TestOpenShellWithPTY(t *testing.T) {
	target := testSSHServer(t)
	client, err := Dial(context.Background(), target)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	term, err := OpenShell(client, "", 0, 0)
	if err != nil {
		t.Fatalf("OpenShell: %v", err)
	}
	defer term.Close()

	readUntil(t, term.Stdout, "PTY:true", 5*time.Second)

	if _, err := term.Stdin.Write([]byte("hello")); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	readUntil(t, term.Stdout, "echo:hello", 5*time.Second)

	if err := term.Resize(120, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	readUntil(t, term.Stdout, "resize:120x40", 5*time.Second)
}

func TestOpenShellRejectsShell(t *testing.T) {
	target := testSSHServer(t)
	client, err := Dial(context.Background(), target)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if _, err := OpenShell(client, "/usr/bin/python3", 80, 24); err == nil || !strings.Contains(err.Error(), "validate shell") {
		t.Fatalf("OpenShell error = %v, want shell validation failure", err)
	}
}
