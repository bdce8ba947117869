// Package engine runs checkpointed collection passes over the configured
// Sandfly sources.
package engine

import (
	"context"
	"errors"

	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/config"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/models"
)

// ErrUnknownSource is returned when CollectOptions.Only names a source that
// is not configured.
var ErrUnknownSource = errors.New("unknown source")

// ReportFormat controls the CLI output format.
type ReportFormat string

const (
	ReportFormatJSON  ReportFormat = "json"
	ReportFormatTable ReportFormat = "table"
)

// CollectOptions configures a single collection run.
// It is the sole input to Engine.RunCollection.
type CollectOptions struct {
	// Sources are processed sequentially in the given order.
	Sources []config.SourceConfig

	// Only restricts the run to the named sources. Empty means all.
	Only []string
}

// Engine is the central orchestration interface. One RunCollection call is
// one scheduler tick: every selected source is collected once and the run
// returns.
//
// A failed source never stops the others. The returned error joins every
// per-source failure and is nil only when all sources succeeded; the report
// is returned either way.
type Engine interface {
	RunCollection(ctx context.Context, opts CollectOptions) (*models.CollectionReport, error)
}
