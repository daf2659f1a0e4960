package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/gluk-w/jumpterm/internal/replay"
)

var (
	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62"))
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250")).
			Background(lipgloss.Color("62"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

const (
	clearScreen = "\x1b[H\x1b[2J"
	helpText    = "space play/pause  ←/→ seek  +/- speed  r restart  q quit"
)

// formatClock renders seconds as m:ss, or h:mm:ss from an hour up.
func formatClock(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second)).Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// statusLine is the one-line playback bar. width 0 leaves it unpadded.
func statusLine(c replay.Cursor, width int) string {
	icon := "❚❚"
	if c.Playing {
		icon = "▶"
	}
	left := fmt.Sprintf(" %s %s / %s  %gx ", icon, formatClock(c.Time), formatClock(c.Duration), c.Speed)
	line := statusStyle.Render(left) + helpStyle.Render(" "+helpText+" ")
	if width <= 0 {
		return line
	}
	return lipgloss.NewStyle().Background(lipgloss.Color("62")).Width(width).MaxHeight(1).Render(line)
}

// screenView draws playback on a terminal: the rendered buffer in the main
// area and the status line pinned to the bottom row. Playing forward only
// writes the new suffix; anything else redraws.
type screenView struct {
	out  io.Writer
	size func() (cols, rows int)

	drawn bool
	last  string
}

func (v *screenView) Render(c replay.Cursor) {
	var b strings.Builder
	if v.drawn && strings.HasPrefix(c.Text, v.last) {
		b.WriteString(c.Text[len(v.last):])
	} else {
		b.WriteString(clearScreen)
		b.WriteString(c.Text)
	}
	v.last = c.Text
	v.drawn = true

	cols, rows := 0, 0
	if v.size != nil {
		cols, rows = v.size()
	}
	if rows > 0 {
		// Save cursor, draw on the last row, restore.
		fmt.Fprintf(&b, "\x1b7\x1b[%d;1H\x1b[2K%s\x1b8", rows, statusLine(c, cols))
	}
	io.WriteString(v.out, b.String())
}

func printSessions(w io.Writer, rows []sessionRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no sessions"))
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("SESSION", "TARGET", "STATE", "STARTED", "DURATION", "RECORDED").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, s := range rows {
		dur := "-"
		if s.EndedAt != nil {
			dur = s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
		}
		rec := "no"
		if s.HasRecording {
			rec = "yes"
		}
		t.Row(s.ID, fmt.Sprint(s.TargetID), s.State, s.StartedAt.Local().Format("2006-01-02 15:04"), dur, rec)
	}
	fmt.Fprintln(w, t.Render())
}

func printAudit(w io.Writer, rows []auditRow, total int64) {
	if len(rows) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no audit entries"))
		return
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("TIME", "EVENT", "USER", "TARGET", "SESSION", "DETAILS").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, e := range rows {
		details := e.Details
		if e.SourceIP != "" {
			details = strings.TrimSpace(e.SourceIP + " " + details)
		}
		t.Row(e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.EventType,
			orDash(e.Username), orDash(e.TargetName), orDash(e.SessionID), orDash(details))
	}
	fmt.Fprintln(w, t.Render())
	if int64(len(rows)) < total {
		fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("%d of %d entries", len(rows), total)))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
