package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/config"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/sandfly"
)

// SandflyAPI is the subset of *sandfly.Client the collector drives.
type SandflyAPI interface {
	Hosts(ctx context.Context) (*sandfly.Envelope, error)
	MaxResultID(ctx context.Context) (int64, error)
	Result(ctx context.Context, id int64) (json.RawMessage, error)
}

// Connector opens an authenticated session to one source. The role gate has
// passed when Connect returns without error.
type Connector interface {
	Connect(ctx context.Context, src config.SourceConfig) (SandflyAPI, error)
}

// SandflyConnector is the production Connector. Options are appended after
// the per-source logger and probe path, so they win.
type SandflyConnector struct {
	Logger  *slog.Logger
	Options []sandfly.Option
}

// Connect implements Connector.
func (c SandflyConnector) Connect(ctx context.Context, src config.SourceConfig) (SandflyAPI, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	opts := []sandfly.Option{
		sandfly.WithLogger(logger.With("source", src.Name)),
		sandfly.WithProbePath(src.ProbePath),
	}
	opts = append(opts, c.Options...)

	client, err := sandfly.Connect(ctx, src.Credentials(), opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}
