package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"github.com/gluk-w/jumpterm/internal/transport"
)

var connectCmd = &cobra.Command{
	Use:   "connect <target-id>",
	Short: "Open an interactive shell on a target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Token == "" {
			return errNoToken
		}
		return runConnect(cmd.Context(), args[0], os.Stdin, os.Stdout)
	},
}

// beaconWait bounds how long jt lingers after a session for the final
// heartbeat to reach the server.
const beaconWait = time.Second

func runConnect(ctx context.Context, targetID string, stdin *os.File, stdout *os.File) error {
	hb := &transport.HTTPHeartbeater{BaseURL: cfg.Server, Token: cfg.Token}
	tr := transport.New(transport.Config{
		Dialer: &transport.WebSocketDialer{
			BaseURL:  cfg.Server,
			TargetID: targetID,
			Token:    cfg.Token,
		},
		Heartbeater:       hb,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	if err := tr.Connect(ctx); err != nil {
		return describeTransportErr(err)
	}
	// Close sends the final beacon; wait for it after.
	defer hb.WaitBeacons(beaconWait)
	defer tr.Close()

	fd := stdin.Fd()
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(fd, state)
	}
	resize := func() {
		if cols, rows, err := term.GetSize(stdout.Fd()); err == nil {
			tr.Resize(uint16(cols), uint16(rows))
		}
	}
	resize()

	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGWINCH, syscall.SIGCONT)
	defer signal.Stop(sigs)
	go func() {
		for sig := range sigs {
			switch sig {
			case syscall.SIGWINCH:
				resize()
			case syscall.SIGCONT:
				// Back from a suspend: check the session is still there.
				tr.Foreground()
				resize()
			}
		}
	}()

	go pumpStdin(stdin, tr)

	for s := range tr.Output() {
		io.WriteString(stdout, s)
	}

	if err := tr.Err(); err != nil {
		return describeTransportErr(err)
	}
	fmt.Fprint(stdout, "\r\n[session ended]\r\n")
	return nil
}

func pumpStdin(stdin io.Reader, tr *transport.Transport) {
	buf := make([]byte, 4096)
	for {
		n, err := stdin.Read(buf)
		if n > 0 {
			if serr := tr.SendInput(string(buf[:n])); serr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func describeTransportErr(err error) error {
	var connErr *transport.ConnectionError
	switch {
	case errors.Is(err, transport.ErrAuthExpired):
		return fmt.Errorf("token rejected, run `jt login` again: %w", err)
	case errors.Is(err, transport.ErrSessionGone):
		return fmt.Errorf("session was closed by the server: %w", err)
	case errors.As(err, &connErr):
		return fmt.Errorf("connection to %s lost: %w", cfg.Server, err)
	}
	return err
}
