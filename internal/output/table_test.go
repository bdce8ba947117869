package output_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/models"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/output"
)

// ── helpers ───────────────────────────────────────────────────────────────────

func renderToString(report *models.CollectionReport, opts output.TableOptions) string {
	var buf bytes.Buffer
	output.RenderReport(&buf, report, opts)
	return buf.String()
}

func makeReport(sources ...models.SourceReport) *models.CollectionReport {
	r := &models.CollectionReport{RunID: "run-1", Sources: sources}
	r.Summarize()
	return r
}

func okSource(overrides ...func(*models.SourceReport)) models.SourceReport {
	r := models.SourceReport{
		Source:         "prod",
		Status:         models.SourceStatusOK,
		HostsEmitted:   2,
		ResultsEmitted: 3,
		CursorBefore:   100,
		CursorAfter:    103,
		DurationMs:     420,
	}
	for _, fn := range overrides {
		fn(&r)
	}
	return r
}

// ── summary line ──────────────────────────────────────────────────────────────

func TestRenderReport_SummaryLine(t *testing.T) {
	out := renderToString(makeReport(okSource(), okSource(func(r *models.SourceReport) {
		r.Source = "lab"
		r.Status = models.SourceStatusFailed
		r.ResultsEmitted = 0
	})), output.TableOptions{})

	first := strings.SplitN(out, "\n", 2)[0]
	for _, want := range []string{"Run: run-1", "Sources: 2", "OK: 1", "Failed: 1", "Hosts: 4", "Results: 3"} {
		if !strings.Contains(first, want) {
			t.Errorf("summary line missing %q\ngot: %s", want, first)
		}
	}
}

func TestRenderReport_NoSources(t *testing.T) {
	out := renderToString(makeReport(), output.TableOptions{})
	if !strings.Contains(out, "No sources collected.") {
		t.Errorf("expected empty-report message\ngot:\n%s", out)
	}
	if strings.Contains(out, "SOURCE") {
		t.Errorf("header must not be printed for an empty report\ngot:\n%s", out)
	}
}

// ── rows ──────────────────────────────────────────────────────────────────────

func TestRenderReport_CursorAdvance(t *testing.T) {
	out := renderToString(makeReport(okSource()), output.TableOptions{})
	if !strings.Contains(out, "100 -> 103") {
		t.Errorf("expected cursor movement\ngot:\n%s", out)
	}
}

func TestRenderReport_CursorUnchanged(t *testing.T) {
	out := renderToString(makeReport(okSource(func(r *models.SourceReport) {
		r.CursorAfter = r.CursorBefore
		r.ResultsEmitted = 0
	})), output.TableOptions{})
	if strings.Contains(out, "->") {
		t.Errorf("unchanged cursor must render as a single value\ngot:\n%s", out)
	}
}

func TestRenderReport_FailedRowShowsKindAndError(t *testing.T) {
	out := renderToString(makeReport(okSource(func(r *models.SourceReport) {
		r.Status = models.SourceStatusFailed
		r.CursorAfter = r.CursorBefore
		r.ErrorKind = models.ErrorKindAuthentication
		r.Error = "invalid username or password"
	})), output.TableOptions{})
	if !strings.Contains(out, "authentication: invalid username or password") {
		t.Errorf("expected error column\ngot:\n%s", out)
	}
	if !strings.Contains(out, "FAILED") {
		t.Errorf("expected FAILED status\ngot:\n%s", out)
	}
}

func TestRenderReport_LongErrorShortened(t *testing.T) {
	out := renderToString(makeReport(okSource(func(r *models.SourceReport) {
		r.Status = models.SourceStatusFailed
		r.ErrorKind = models.ErrorKindAPICall
		r.Error = strings.Repeat("x", 200)
	})), output.TableOptions{ErrorWidth: 30})
	if strings.Contains(out, strings.Repeat("x", 40)) {
		t.Errorf("error column not shortened\ngot:\n%s", out)
	}
	if !strings.Contains(out, "...") {
		t.Errorf("expected ellipsis\ngot:\n%s", out)
	}
}

func TestRenderReport_TimingColumn(t *testing.T) {
	with := renderToString(makeReport(okSource()), output.TableOptions{IncludeTiming: true})
	without := renderToString(makeReport(okSource()), output.TableOptions{})
	if !strings.Contains(with, "DURATION") || !strings.Contains(with, "420ms") {
		t.Errorf("expected DURATION column\ngot:\n%s", with)
	}
	if strings.Contains(without, "DURATION") {
		t.Errorf("DURATION must not appear by default\ngot:\n%s", without)
	}
}

func TestRenderReport_LongSourceNameTruncated(t *testing.T) {
	out := renderToString(makeReport(okSource(func(r *models.SourceReport) {
		r.Source = "a-very-long-source-name-for-the-lab"
	})), output.TableOptions{})
	if strings.Contains(out, "a-very-long-source-name-for-the-lab") {
		t.Errorf("source name not truncated\ngot:\n%s", out)
	}
	if !strings.Contains(out, "…") {
		t.Errorf("expected ellipsis in source column\ngot:\n%s", out)
	}
}

// ── color ─────────────────────────────────────────────────────────────────────

func TestColorStatus(t *testing.T) {
	if got := output.ColorStatus(models.SourceStatusFailed, false); got != "FAILED" {
		t.Errorf("uncolored: got %q", got)
	}
	got := output.ColorStatus(models.SourceStatusFailed, true)
	if !strings.HasPrefix(got, "\033[") || !strings.Contains(got, "FAILED") {
		t.Errorf("colored: got %q", got)
	}
}

func TestRenderReport_ColoredKeepsAlignment(t *testing.T) {
	plain := renderToString(makeReport(okSource()), output.TableOptions{})
	colored := renderToString(makeReport(okSource()), output.TableOptions{Colored: true})
	stripped := strings.NewReplacer("\033[0;32m", "", "\033[0m", "").Replace(colored)
	if stripped != plain {
		t.Errorf("colored output differs beyond ANSI codes\nplain:\n%s\ncolored:\n%s", plain, stripped)
	}
}

func TestShortenMessage(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"abcdef", 2, "a..."},
	}
	for _, tt := range tests {
		if got := output.ShortenMessage(tt.in, tt.max); got != tt.want {
			t.Errorf("ShortenMessage(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
