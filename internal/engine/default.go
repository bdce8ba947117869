package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/checkpoint"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/config"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/metrics"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/models"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/sandfly"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/sink"
)

const tracerName = "github.com/pankaj-dahiya-devops/sandfly-collector/internal/engine"

// DefaultEngine is the production implementation of Engine.
// It coordinates session setup, checkpoint bookkeeping and event emission.
// It never talks HTTP itself; it delegates to the Connector.
type DefaultEngine struct {
	connector Connector
	store     checkpoint.Store
	sink      sink.Sink
	metrics   metrics.Publisher
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures a DefaultEngine.
type Option func(*DefaultEngine)

// WithMetrics publishes a report for every source run. The default is
// metrics.Nop.
func WithMetrics(p metrics.Publisher) Option {
	return func(e *DefaultEngine) { e.metrics = p }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *DefaultEngine) { e.logger = l }
}

// WithTracer sets the tracer used for per-source spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *DefaultEngine) { e.tracer = t }
}

// WithClock replaces time.Now for event timestamps and report timing.
func WithClock(now func() time.Time) Option {
	return func(e *DefaultEngine) { e.now = now }
}

// NewDefaultEngine constructs a DefaultEngine wired to the supplied
// connector, checkpoint store and sink.
func NewDefaultEngine(connector Connector, store checkpoint.Store, out sink.Sink, opts ...Option) *DefaultEngine {
	e := &DefaultEngine{
		connector: connector,
		store:     store,
		sink:      out,
		metrics:   metrics.Nop{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if e.metrics == nil {
		e.metrics = metrics.Nop{}
	}
	return e
}

// RunCollection implements Engine.
func (e *DefaultEngine) RunCollection(ctx context.Context, opts CollectOptions) (*models.CollectionReport, error) {
	sources, err := selectSources(opts)
	if err != nil {
		return nil, err
	}

	report := &models.CollectionReport{
		RunID:     uuid.NewString(),
		StartedAt: e.now().UTC(),
		Sources:   make([]models.SourceReport, 0, len(sources)),
	}
	e.logger.Info("collection started", "run_id", report.RunID, "sources", len(sources))

	var errs []error
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			report.Sources = append(report.Sources, models.SourceReport{
				Source:    src.Name,
				Status:    models.SourceStatusSkipped,
				ErrorKind: models.ErrorKindOther,
				Error:     err.Error(),
			})
			errs = append(errs, fmt.Errorf("source %s: %w", src.Name, err))
			continue
		}

		r, err := e.CollectSource(ctx, src)
		report.Sources = append(report.Sources, r)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", src.Name, err))
		}
		if perr := e.metrics.PublishSource(context.WithoutCancel(ctx), r); perr != nil {
			e.logger.Warn("publish metrics failed", "source", src.Name, "error", perr)
		}
	}

	report.FinishedAt = e.now().UTC()
	report.Summarize()
	e.logger.Info("collection finished",
		"run_id", report.RunID,
		"succeeded", report.Summary.Succeeded,
		"failed", report.Summary.Failed,
		"hosts_emitted", report.Summary.HostsEmitted,
		"results_emitted", report.Summary.ResultsEmitted,
	)
	return report, errors.Join(errs...)
}

// CollectSource runs one checkpointed pass for src:
//
//  1. load the checkpoint; a missing or unreadable one starts from 0
//  2. log in and emit every /hosts record as sandfly:host
//  3. read the server's max result ID
//  4. fetch and emit each result in (last, max] ascending as sandfly:result
//  5. flush the sink, then persist last_result_id = max
//
// Any failure before step 5 completes leaves the checkpoint untouched, so
// the next run re-emits the whole range. The returned report is populated
// on both paths.
func (e *DefaultEngine) CollectSource(ctx context.Context, src config.SourceConfig) (models.SourceReport, error) {
	ctx, span := e.tracer.Start(ctx, "engine.CollectSource",
		trace.WithAttributes(attribute.String("sandfly.source", src.Name)))
	defer span.End()

	start := e.now()
	r := models.SourceReport{Source: src.Name, StartedAt: start.UTC()}
	log := e.logger.With("source", src.Name)
	log.Info("source collection started", "url", src.URL)

	err := e.collect(ctx, src, &r, log)
	r.DurationMs = e.now().Sub(start).Milliseconds()
	span.SetAttributes(
		attribute.Int("sandfly.hosts_emitted", r.HostsEmitted),
		attribute.Int("sandfly.results_emitted", r.ResultsEmitted),
		attribute.Int64("sandfly.cursor_before", r.CursorBefore),
		attribute.Int64("sandfly.cursor_after", r.CursorAfter),
	)

	if err != nil {
		r.Status = models.SourceStatusFailed
		r.ErrorKind = Classify(err)
		r.Error = err.Error()
		r.CursorAfter = r.CursorBefore
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("source collection failed", "error", err, "error_kind", r.ErrorKind,
			"hosts_emitted", r.HostsEmitted, "results_emitted", r.ResultsEmitted)
		return r, err
	}

	r.Status = models.SourceStatusOK
	log.Info("source collection finished",
		"hosts_emitted", r.HostsEmitted,
		"results_emitted", r.ResultsEmitted,
		"cursor_before", r.CursorBefore,
		"cursor_after", r.CursorAfter,
		"duration_ms", r.DurationMs,
	)
	return r, nil
}

func (e *DefaultEngine) collect(ctx context.Context, src config.SourceConfig, r *models.SourceReport, log *slog.Logger) error {
	last := e.loadCursor(ctx, src.Name, r, log)
	r.CursorBefore = last
	r.CursorAfter = last

	client, err := e.connector.Connect(ctx, src)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	// Hosts are a full snapshot every run and are not checkpointed.
	hosts, err := client.Hosts(ctx)
	if err != nil {
		return fmt.Errorf("fetch hosts: %w", err)
	}
	for _, h := range hosts.Data {
		if err := e.emit(ctx, src.Name, sink.CategoryHost, h); err != nil {
			return e.abort(ctx, log, err)
		}
		r.HostsEmitted++
	}

	maxID, err := client.MaxResultID(ctx)
	if err != nil {
		return e.abort(ctx, log, fmt.Errorf("fetch max result id: %w", err))
	}
	r.MaxResultID = maxID

	if maxID <= last {
		if err := e.flush(ctx); err != nil {
			return err
		}
		log.Info("no new results", "last_result_id", last, "max_result_id", maxID)
		return nil
	}

	log.Debug("fetching results", "from", last+1, "to", maxID)
	for id := last + 1; id <= maxID; id++ {
		res, err := client.Result(ctx, id)
		if err != nil {
			return e.abort(ctx, log, fmt.Errorf("fetch result %d: %w", id, err))
		}
		if err := e.emit(ctx, src.Name, sink.CategoryResult, res); err != nil {
			return e.abort(ctx, log, err)
		}
		r.ResultsEmitted++
	}

	if err := e.flush(ctx); err != nil {
		return err
	}
	if err := e.store.Save(ctx, src.Name, checkpoint.Checkpoint{LastResultID: maxID}); err != nil {
		return &stageError{kind: models.ErrorKindCheckpoint, err: fmt.Errorf("save checkpoint: %w", err)}
	}
	r.CursorAfter = maxID
	log.Info("checkpoint advanced", "from", last, "to", maxID)
	return nil
}

// loadCursor returns the persisted cursor, or 0 when the checkpoint is
// missing or unreadable.
func (e *DefaultEngine) loadCursor(ctx context.Context, source string, r *models.SourceReport, log *slog.Logger) int64 {
	cp, err := e.store.Load(ctx, source)
	switch {
	case err == nil:
		log.Debug("checkpoint loaded", "last_result_id", cp.LastResultID)
		return cp.LastResultID
	case errors.Is(err, checkpoint.ErrNotFound):
		log.Warn("no checkpoint found; starting from result 0")
	default:
		log.Warn("checkpoint unreadable; starting from result 0", "error", err)
	}
	r.CheckpointRecovered = true
	return 0
}

func (e *DefaultEngine) emit(ctx context.Context, source string, cat sink.Category, data json.RawMessage) error {
	err := e.sink.Emit(ctx, sink.Event{
		Source:   source,
		Category: cat,
		Time:     e.now().UTC(),
		Data:     data,
	})
	if err != nil {
		return &stageError{kind: models.ErrorKindSink, err: fmt.Errorf("emit %s: %w", cat, err)}
	}
	return nil
}

func (e *DefaultEngine) flush(ctx context.Context) error {
	if err := e.sink.Flush(ctx); err != nil {
		return &stageError{kind: models.ErrorKindSink, err: fmt.Errorf("flush sink: %w", err)}
	}
	return nil
}

// abort delivers whatever was already emitted before returning err. The
// checkpoint is not written, so those events are re-emitted next run.
func (e *DefaultEngine) abort(ctx context.Context, log *slog.Logger, err error) error {
	if ferr := e.sink.Flush(context.WithoutCancel(ctx)); ferr != nil {
		log.Warn("flush after failure", "error", ferr)
	}
	return err
}

// stageError tags a failure with the pipeline stage it came from when the
// underlying error does not identify it.
type stageError struct {
	kind models.ErrorKind
	err  error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// Classify maps a collection error to the report's ErrorKind.
func Classify(err error) models.ErrorKind {
	var (
		stage   *stageError
		connErr *sandfly.ConnectivityError
		authErr *sandfly.AuthenticationError
		permErr *sandfly.AuthorizationError
		apiErr  *sandfly.APICallError
	)
	switch {
	case errors.As(err, &stage):
		return stage.kind
	case errors.As(err, &authErr):
		return models.ErrorKindAuthentication
	case errors.As(err, &permErr):
		return models.ErrorKindAuthorization
	case errors.As(err, &apiErr):
		return models.ErrorKindAPICall
	case errors.As(err, &connErr):
		return models.ErrorKindConnectivity
	}
	return models.ErrorKindOther
}

// selectSources applies CollectOptions.Only, preserving configured order.
func selectSources(opts CollectOptions) ([]config.SourceConfig, error) {
	if len(opts.Only) == 0 {
		return opts.Sources, nil
	}
	configured := make(map[string]bool, len(opts.Sources))
	for _, s := range opts.Sources {
		configured[s.Name] = true
	}
	want := make(map[string]bool, len(opts.Only))
	for _, name := range opts.Only {
		if !configured[name] {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
		}
		want[name] = true
	}
	var out []config.SourceConfig
	for _, s := range opts.Sources {
		if want[s.Name] {
			out = append(out, s)
		}
	}
	return out, nil
}
