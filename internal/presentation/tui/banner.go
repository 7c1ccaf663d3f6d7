package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

// PrintBanner writes the trailhead banner to w.
func PrintBanner(w io.Writer) {
	p := termenv.ColorProfile()
	// Forest greens fading into trail-marker orange
	lines := []struct {
		text, color string
	}{
		{" _            _ _ _                    _ ", "#34d399"},
		{"| |_ _ __ __ _(_) | |__   ___  __ _  __| |", "#10b981"},
		{"| __| '__/ _` | | | '_ \\ / _ \\/ _` |/ _` |", "#84cc16"},
		{"| |_| | | (_| | | | | | |  __/ (_| | (_| |", "#eab308"},
		{" \\__|_|  \\__,_|_|_|_| |_|\\___|\\__,_|\\__,_|", "#f97316"},
	}

	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, termenv.String(l.text).Foreground(p.Color(l.color)))
	}
	fmt.Fprintln(w)
}

// StatusColor colours a request status for terminal output.
func StatusColor(status string) string {
	p := termenv.ColorProfile()
	color := "#a1a1aa"
	switch status {
	case "in_progress":
		color = "#38bdf8"
	case "completed", "complete":
		color = "#22c55e"
	case "failed":
		color = "#ef4444"
	case "partial", "degraded":
		color = "#eab308"
	}
	return termenv.String(status).Foreground(p.Color(color)).String()
}
