package main

import (
	"github.com/gluk-w/jumpterm/internal/replay"
)

type action int

const (
	actToggle action = iota + 1
	actBack
	actForward
	actFaster
	actSlower
	actRestart
	actQuit
)

// seekStep is how far the arrow keys move playback, in seconds.
const seekStep = 5.0

var speeds = []float64{0.25, 0.5, 1, 2, 4, 8, 16}

// parseKeys maps raw terminal input to playback actions. Unknown bytes are
// ignored.
func parseKeys(b []byte) []action {
	var acts []action
	for i := 0; i < len(b); i++ {
		switch b[i] {
		case ' ':
			acts = append(acts, actToggle)
		case '+', '=':
			acts = append(acts, actFaster)
		case '-', '_':
			acts = append(acts, actSlower)
		case 'r':
			acts = append(acts, actRestart)
		case 'q', 0x03:
			acts = append(acts, actQuit)
		case 'h':
			acts = append(acts, actBack)
		case 'l':
			acts = append(acts, actForward)
		case 0x1b:
			if i+2 < len(b) && b[i+1] == '[' {
				switch b[i+2] {
				case 'D':
					acts = append(acts, actBack)
				case 'C':
					acts = append(acts, actForward)
				}
				i += 2
			}
		}
	}
	return acts
}

func nextSpeed(cur float64, faster bool) float64 {
	if faster {
		for _, s := range speeds {
			if s > cur {
				return s
			}
		}
		return speeds[len(speeds)-1]
	}
	for i := len(speeds) - 1; i >= 0; i-- {
		if speeds[i] < cur {
			return speeds[i]
		}
	}
	return speeds[0]
}

// apply runs one action on the player and reports whether to quit.
func apply(p *replay.Player, a action) bool {
	switch a {
	case actToggle:
		p.Toggle()
	case actBack:
		p.Seek(p.Cursor().Time - seekStep)
	case actForward:
		p.Seek(p.Cursor().Time + seekStep)
	case actFaster:
		p.SetSpeed(nextSpeed(p.Cursor().Speed, true))
	case actSlower:
		p.SetSpeed(nextSpeed(p.Cursor().Speed, false))
	case actRestart:
		p.Restart()
	case actQuit:
		return true
	}
	return false
}
