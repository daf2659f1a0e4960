// Package sshterminal runs the server side of a live terminal session. It
// dials the target over SSH, starts a shell on a PTY and relays frames between
// the client channel and the PTY, feeding output and input to a recorder.
package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

// DefaultShell is started when a target names no shell.
const DefaultShell = "/bin/bash"

const (
	defaultCols = 80
	defaultRows = 24
	// connectTimeout bounds the TCP dial and SSH handshake.
	connectTimeout = 30 * time.Second
)

// Target holds the connection parameters of an SSH host. Exactly one of
// Password or PrivateKey is normally set; both are tried when present.
type Target struct {
	Name       string
	Host       string
	Port       int
	User       string
	Password   string
	PrivateKey []byte
	Shell      string

	// HostKeyFingerprint pins the host key. Empty accepts any key.
	HostKeyFingerprint string
	// OnHostKey is called with the fingerprint of an accepted host key.
	OnHostKey          func(fingerprint string)
}

// Addr returns host:port, defaulting the port to 22.
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

func (t Target) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(t.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(t.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if t.Password != "" {
		methods = append(methods, ssh.Password(t.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("target has no credentials")
	}
	return methods, nil
}

// Dial opens an SSH client connection to the target.
func Dial(ctx context.Context, t Target) (*ssh.Client, error) {
	auth, err := t.authMethods()
	if err != nil {
		return nil, err
	}
	var mismatch *HostKeyMismatchError
	cfg := &ssh.ClientConfig{
		User:            t.User,
		Auth:            auth,
		HostKeyCallback: t.hostKeyCallback(&mismatch),
		Timeout:         connectTimeout,
	}

	addr := t.Addr()
	dialer := net.Dialer{Timeout: connectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		if mismatch != nil {
			return nil, mismatch
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// TerminalSession wraps an SSH session with a PTY.
type TerminalSession struct {
	Stdin   io.WriteCloser
	Stdout  io.Reader
	Session *ssh.Session
}

// Resize changes the PTY dimensions.
func (ts *TerminalSession) Resize(cols, rows uint16) error {
	return ts.Session.WindowChange(int(rows), int(cols))
}

// Close terminates the SSH session.
func (ts *TerminalSession) Close() error {
	return ts.Session.Close()
}

// OpenShell requests an xterm-256color PTY of the given size and starts the
// shell on it. Zero dimensions fall back to 80x24.
func OpenShell(client *ssh.Client, shell string, cols, rows uint16) (*TerminalSession, error) {
	if err := ValidateShell(shell); err != nil {
		return nil, fmt.Errorf("validate shell: %w", err)
	}
	if shell == "" {
		shell = DefaultShell
	}
	if cols == 0 || rows == 0 {
		cols, rows = defaultCols, defaultRows
	}
	cols, rows = ClampSize(cols, rows)

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Start(shell); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell %q: %w", shell, err)
	}

	return &TerminalSession{Stdin: stdin, Stdout: stdout, Session: session}, nil
}
