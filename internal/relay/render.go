package relay

import (
	"fmt"
	"strings"
	"time"
)

// Status glyphs for the progress header.
const (
	glyphRunning = ":hourglass_flowing_sand:"
	glyphOK      = ":check:"
	glyphError   = ":cross_mark:"
)

// breakFences inserts a zero-width space into any run of three or more
// backticks so tool output can never terminate the enclosing spoiler block.
func breakFences(s string) string {
	var b strings.Builder
	run := 0
	for _, r := range s {
		if r == '`' {
			run++
			if run == 3 {
				b.WriteRune('​')
				run = 1
			}
		} else {
			run = 0
		}
		b.WriteRune(r)
	}
	return b.String()
}

// shortModel trims a model identifier to its recognizable tail.
func shortModel(model string) string {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	return model
}

// formatElapsed renders a duration as a compact prefix like 1m23s.
func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}

// render produces the full progress message for one run.
func (s *runState) render(overlay string) string {
	glyph := glyphRunning
	switch s.status {
	case statusOK:
		glyph = glyphOK
	case statusError:
		glyph = glyphError
	}

	var header strings.Builder
	header.WriteString(glyph)
	header.WriteString(" **")
	header.WriteString(s.label)
	header.WriteString("**")
	if s.model != "" {
		fmt.Fprintf(&header, " (%s)", shortModel(s.model))
	}
	fmt.Fprintf(&header, " · %d calls", s.calls)
	switch overlay {
	case "nudged":
		header.WriteString(" · :warning: idle")
	case "frozen":
		header.WriteString(" · :ice: frozen")
	}
	if s.origin != "" {
		fmt.Fprintf(&header, " · from %s", s.origin)
	}

	if len(s.lines) == 0 {
		return header.String()
	}

	var b strings.Builder
	b.WriteString(header.String())
	b.WriteString("\n```spoiler Progress\n")
	for _, line := range s.lines {
		b.WriteString(breakFences(line))
		b.WriteByte('\n')
	}
	b.WriteString("```")
	return b.String()
}

// staleRender is what a recovered mirror entry is edited to after a restart.
func staleRender(label string) string {
	return fmt.Sprintf(":warning: **%s** — progress tracking lost to a restart; this message is stale.", label)
}
