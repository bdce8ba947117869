package models

import "time"

// SourceStatus is the outcome of one source's collection pass.
type SourceStatus string

const (
	SourceStatusOK      SourceStatus = "OK"
	SourceStatusFailed  SourceStatus = "FAILED"
	SourceStatusSkipped SourceStatus = "SKIPPED"
)

// ErrorKind classifies a source failure for reporting.
type ErrorKind string

const (
	ErrorKindConnectivity   ErrorKind = "connectivity"
	ErrorKindAuthentication ErrorKind = "authentication"
	ErrorKindAuthorization  ErrorKind = "authorization"
	ErrorKindAPICall        ErrorKind = "api_call"
	ErrorKindCheckpoint     ErrorKind = "checkpoint"
	ErrorKindSink           ErrorKind = "sink"
	ErrorKindOther          ErrorKind = "other"
)

// SourceReport records what one collection pass did for one source.
type SourceReport struct {
	Source string       `json:"source"`
	Status SourceStatus `json:"status"`

	HostsEmitted   int `json:"hosts_emitted"`
	ResultsEmitted int `json:"results_emitted"`

	// CursorBefore is the last_result_id the pass started from (0 when the
	// checkpoint was missing or unreadable).
	CursorBefore int64 `json:"cursor_before"`
	// CursorAfter is the persisted last_result_id after the pass. It equals
	// CursorBefore whenever the pass failed or found nothing new.
	CursorAfter int64 `json:"cursor_after"`
	// MaxResultID is the server's highest result ID, when it was fetched.
	MaxResultID int64 `json:"max_result_id"`

	// CheckpointRecovered is true when the checkpoint was missing or
	// unreadable and the pass started from zero.
	CheckpointRecovered bool `json:"checkpoint_recovered,omitempty"`

	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
}

// CursorAdvance is how far the persisted cursor moved during the pass.
func (r SourceReport) CursorAdvance() int64 {
	return r.CursorAfter - r.CursorBefore
}

// CollectionSummary aggregates counts across all sources of a run.
type CollectionSummary struct {
	Sources        int `json:"sources"`
	Succeeded      int `json:"succeeded"`
	Failed         int `json:"failed"`
	HostsEmitted   int `json:"hosts_emitted"`
	ResultsEmitted int `json:"results_emitted"`
}

// CollectionReport is the output of one `sfc collect` invocation.
type CollectionReport struct {
	RunID      string            `json:"run_id"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Summary    CollectionSummary `json:"summary"`
	Sources    []SourceReport    `json:"sources"`
}

// Summarize recomputes Summary from Sources.
func (r *CollectionReport) Summarize() {
	s := CollectionSummary{Sources: len(r.Sources)}
	for _, src := range r.Sources {
		switch src.Status {
		case SourceStatusOK:
			s.Succeeded++
		case SourceStatusFailed:
			s.Failed++
		}
		s.HostsEmitted += src.HostsEmitted
		s.ResultsEmitted += src.ResultsEmitted
	}
	r.Summary = s
}
