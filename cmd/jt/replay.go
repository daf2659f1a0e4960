package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"github.com/gluk-w/jumpterm/internal/replay"
)

var (
	replayDump  bool
	replayAt    float64
	replaySpeed float64
)

var replayCmd = &cobra.Command{
	Use:   "replay <file|session-id>",
	Short: "Play back a recorded session",
	Long: "Play back a recording from a local .cast file or, when the argument is not a file,\n" +
		"download it from the server by session id.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := loadRecording(cmd.Context(), args[0])
		if errors.Is(err, replay.ErrRecordingAbsent) {
			fmt.Fprintf(cmd.ErrOrStderr(), "no recording for %s\n", args[0])
			return nil
		}
		if errors.Is(err, replay.ErrSessionNotFound) {
			return fmt.Errorf("%s is neither a file nor a known session id", args[0])
		}
		if err != nil {
			return err
		}
		if rec.Skipped > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "skipped %d malformed lines\n", rec.Skipped)
		}

		if replayDump || !term.IsTerminal(os.Stdin.Fd()) {
			return dumpRecording(cmd.OutOrStdout(), rec, replayAt)
		}
		return runPlayer(rec, os.Stdin, os.Stdout)
	},
}

func init() {
	replayCmd.Flags().BoolVar(&replayDump, "dump", false, "print the screen buffer and exit")
	replayCmd.Flags().Float64Var(&replayAt, "at", -1, "with --dump, the time in seconds to render (default: the end)")
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 1, "initial playback speed")
}

func loadRecording(ctx context.Context, arg string) (*replay.Recording, error) {
	if _, err := os.Stat(arg); err == nil {
		return replay.LoadFile(arg)
	}
	if cfg.Token == "" {
		return nil, errNoToken
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	f := &replay.Fetcher{BaseURL: cfg.Server, Token: cfg.Token}
	return f.Fetch(ctx, arg)
}

// dumpRecording writes the buffer at time at, or at the end when at < 0.
func dumpRecording(w io.Writer, rec *replay.Recording, at float64) error {
	if at < 0 {
		at = rec.Duration()
	}
	_, err := io.WriteString(w, rec.RenderAt(at))
	return err
}

func runPlayer(rec *replay.Recording, stdin, stdout *os.File) error {
	fd := stdin.Fd()
	state, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(fd, state)

	view := &screenView{out: stdout, size: func() (int, int) {
		cols, rows, err := term.GetSize(stdout.Fd())
		if err != nil {
			return 0, 0
		}
		return cols, rows
	}}
	p := replay.NewPlayer(rec, view)
	defer p.Close()
	if replaySpeed != 1 {
		if err := p.SetSpeed(replaySpeed); err != nil {
			return err
		}
	}
	p.Play()

	keys := make(chan []byte)
	go func() {
		defer close(keys)
		buf := make([]byte, 64)
		for {
			n, err := stdin.Read(buf)
			if n > 0 {
				keys <- append([]byte(nil), buf[:n]...)
			}
			if err != nil {
				return
			}
		}
	}()

	defer io.WriteString(stdout, "\r\n")
	for b := range keys {
		for _, a := range parseKeys(b) {
			if apply(p, a) {
				return nil
			}
		}
	}
	return nil
}
