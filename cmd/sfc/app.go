package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/viper"
	k8sclient "k8s.io/client-go/kubernetes"

	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/checkpoint"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/config"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/logging"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/metrics"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/providers/aws/common"
	kube "github.com/pankaj-dahiya-devops/sandfly-collector/internal/providers/kubernetes"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/sandfly"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/sink"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/telemetry"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/version"
)

// providers are the external dependencies a command may reach. Tests swap
// them for fakes.
type providers struct {
	aws  common.AWSClientProvider
	kube kube.KubeClientProvider

	// sandfly options are appended to every source session.
	sandfly []sandfly.Option
}

func defaultProviders() providers {
	return providers{
		aws:  common.NewDefaultAWSClientProvider(),
		kube: kube.NewDefaultKubeClientProvider(),
	}
}

// app holds per-invocation state shared by the subcommands. AWS and
// Kubernetes clients are resolved lazily, at most once per invocation.
type app struct {
	v         *viper.Viper
	providers providers

	awsLoaded  bool
	awsProfile *common.ProfileConfig
	awsErr     error

	kubeLoaded bool
	kubeClient k8sclient.Interface
	kubeInfo   kube.ClusterInfo
	kubeErr    error
}

func (a *app) configPath() string {
	return a.v.GetString("config")
}

func (a *app) newLogger(w io.Writer) (*slog.Logger, error) {
	return logging.New(w, a.v.GetString("log-level"), a.v.GetString("log-format"))
}

// loadConfig loads and validates the config file. All validation problems
// are reported together.
func (a *app) loadConfig() (*config.Config, error) {
	path := a.configPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid config %s:\n%w", path, errors.Join(errs...))
	}
	return cfg, nil
}

// needsAWS reports whether any configured component talks to AWS.
func needsAWS(cfg *config.Config) bool {
	return cfg.Checkpoint.Backend == config.BackendS3 ||
		cfg.Sink.Type == config.SinkCloudWatch ||
		cfg.Metrics.CloudWatchNamespace != ""
}

func (a *app) loadAWS(ctx context.Context, cfg *config.Config) (*common.ProfileConfig, error) {
	if !a.awsLoaded {
		a.awsLoaded = true
		a.awsProfile, a.awsErr = a.providers.aws.LoadProfile(ctx, cfg.AWS.Profile, cfg.AWS.Region)
	}
	return a.awsProfile, a.awsErr
}

func (a *app) loadKube(cfg *config.Config) (k8sclient.Interface, kube.ClusterInfo, error) {
	if !a.kubeLoaded {
		a.kubeLoaded = true
		a.kubeClient, a.kubeInfo, a.kubeErr = a.providers.kube.ClientsetForContext(cfg.Checkpoint.KubeContext)
	}
	return a.kubeClient, a.kubeInfo, a.kubeErr
}

func (a *app) buildStore(ctx context.Context, cfg *config.Config) (checkpoint.Store, error) {
	c := cfg.Checkpoint
	switch c.Backend {
	case config.BackendS3:
		p, err := a.loadAWS(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("s3 checkpoint backend: %w", err)
		}
		return checkpoint.NewS3Store(p.Clients.S3, c.Bucket, c.Prefix), nil
	case config.BackendConfigMap:
		client, _, err := a.loadKube(cfg)
		if err != nil {
			return nil, fmt.Errorf("configmap checkpoint backend: %w", err)
		}
		return checkpoint.NewConfigMapStore(client, c.Namespace, c.Name), nil
	default:
		return checkpoint.NewFileStore(c.Dir), nil
	}
}

// buildSink opens the configured event sink. The stdout sink writes to
// stdout and is not closed with the sink.
func (a *app) buildSink(ctx context.Context, cfg *config.Config, stdout io.Writer) (sink.Sink, error) {
	s := cfg.Sink
	switch s.Type {
	case config.SinkFile:
		f, err := sink.OpenFile(s.Path)
		if err != nil {
			return nil, err
		}
		return f, nil
	case config.SinkCloudWatch:
		p, err := a.loadAWS(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("cloudwatch sink: %w", err)
		}
		cw, err := sink.NewCloudWatchLogs(ctx, p.Clients.CloudWatchLogs, s.LogGroup, s.LogStream)
		if err != nil {
			return nil, err
		}
		return cw, nil
	default:
		return sink.NewJSONLines(stdout), nil
	}
}

func (a *app) buildMetrics(ctx context.Context, cfg *config.Config) (metrics.Publisher, error) {
	ns := cfg.Metrics.CloudWatchNamespace
	if ns == "" {
		return metrics.Nop{}, nil
	}
	p, err := a.loadAWS(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("cloudwatch metrics: %w", err)
	}
	return metrics.NewCloudWatch(p.Clients.CloudWatch, ns), nil
}

func (a *app) initTelemetry(ctx context.Context, cfg *config.Config) (telemetry.ShutdownFunc, error) {
	return telemetry.Init(ctx, version.AppName, version.Version, cfg.Telemetry.OTLPEndpoint)
}
