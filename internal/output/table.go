// Package output renders collection reports for terminals and CI logs.
package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/models"
)

// ANSI color codes for status output (used when Colored=true).
const (
	ansiReset   = "\033[0m"
	ansiBoldRed = "\033[1;31m"
	ansiGreen   = "\033[0;32m"
	ansiYellow  = "\033[0;33m"
)

// TableOptions controls which columns RenderReport renders and how status is coloured.
type TableOptions struct {
	// Colored wraps status labels with ANSI codes. Default false (CI-safe).
	Colored bool

	// IncludeTiming adds a DURATION column.
	IncludeTiming bool

	// ErrorWidth caps the ERROR column. Defaults to 60.
	ErrorWidth int
}

// ColorStatus wraps a status string with ANSI codes when colored is true.
// When colored is false the string is returned unchanged (CI-safe default).
func ColorStatus(st models.SourceStatus, colored bool) string {
	s := string(st)
	if code := statusCode(st); colored && code != "" {
		return code + s + ansiReset
	}
	return s
}

func statusCode(st models.SourceStatus) string {
	switch st {
	case models.SourceStatusOK:
		return ansiGreen
	case models.SourceStatusFailed:
		return ansiBoldRed
	case models.SourceStatusSkipped:
		return ansiYellow
	}
	return ""
}

// ShortenMessage truncates msg to at most max runes, appending "..." when truncated.
// max is treated as at least 4 to guarantee space for the ellipsis.
func ShortenMessage(msg string, max int) string {
	if max < 4 {
		max = 4
	}
	runes := []rune(msg)
	if len(runes) <= max {
		return msg
	}
	return string(runes[:max-3]) + "..."
}

// statusCell returns the status padded to width characters.
// When colored, ANSI codes wrap only the text; trailing padding spaces are plain
// so subsequent columns stay aligned.
func statusCell(st models.SourceStatus, width int, colored bool) string {
	spaces := width - len(st)
	if spaces < 0 {
		spaces = 0
	}
	return ColorStatus(st, colored) + strings.Repeat(" ", spaces)
}

// truncateField shortens s to at most max runes for name columns.
// A single-char ellipsis replaces the last rune when truncation occurs.
func truncateField(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

// cursorCell renders "before -> after", or just the value when unchanged.
func cursorCell(r models.SourceReport) string {
	if r.CursorAfter == r.CursorBefore {
		return fmt.Sprintf("%d", r.CursorBefore)
	}
	return fmt.Sprintf("%d -> %d", r.CursorBefore, r.CursorAfter)
}

// RenderReport writes a summary line followed by one row per source to w.
//
// Column order:
//
//	SOURCE  STATUS  HOSTS  RESULTS  CURSOR  [DURATION]  ERROR
func RenderReport(w io.Writer, report *models.CollectionReport, opts TableOptions) {
	if opts.ErrorWidth <= 0 {
		opts.ErrorWidth = 60
	}
	s := report.Summary
	fmt.Fprintf(w, "Run: %s  Sources: %d  OK: %d  Failed: %d  Hosts: %d  Results: %d\n",
		report.RunID, s.Sources, s.Succeeded, s.Failed, s.HostsEmitted, s.ResultsEmitted)

	if len(report.Sources) == 0 {
		fmt.Fprintln(w, "No sources collected.")
		return
	}

	const (
		wSource   = 20
		wStatus   = 8
		wHosts    = 7
		wResults  = 8
		wCursor   = 24
		wDuration = 10
	)

	var hb strings.Builder
	hb.WriteString(fmt.Sprintf("%-*s", wSource, "SOURCE"))
	hb.WriteString(fmt.Sprintf("  %-*s", wStatus, "STATUS"))
	hb.WriteString(fmt.Sprintf("  %*s", wHosts, "HOSTS"))
	hb.WriteString(fmt.Sprintf("  %*s", wResults, "RESULTS"))
	hb.WriteString(fmt.Sprintf("  %-*s", wCursor, "CURSOR"))
	if opts.IncludeTiming {
		hb.WriteString(fmt.Sprintf("  %*s", wDuration, "DURATION"))
	}
	hb.WriteString("  ERROR")
	header := hb.String()

	fmt.Fprintln(w)
	fmt.Fprintln(w, header)
	fmt.Fprintln(w, strings.Repeat("-", len(header)))

	for _, r := range report.Sources {
		var rb strings.Builder
		rb.WriteString(fmt.Sprintf("%-*s", wSource, truncateField(r.Source, wSource)))
		rb.WriteString("  " + statusCell(r.Status, wStatus, opts.Colored))
		rb.WriteString(fmt.Sprintf("  %*d", wHosts, r.HostsEmitted))
		rb.WriteString(fmt.Sprintf("  %*d", wResults, r.ResultsEmitted))
		rb.WriteString(fmt.Sprintf("  %-*s", wCursor, cursorCell(r)))
		if opts.IncludeTiming {
			rb.WriteString(fmt.Sprintf("  %*s", wDuration, fmt.Sprintf("%dms", r.DurationMs)))
		}
		errText := "-"
		if r.Error != "" {
			errText = ShortenMessage(string(r.ErrorKind)+": "+r.Error, opts.ErrorWidth)
		}
		rb.WriteString("  " + errText)
		fmt.Fprintln(w, strings.TrimRight(rb.String(), " "))
	}
}
