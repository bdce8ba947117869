// Package config loads the collector's YAML configuration: the Sandfly
// sources to poll, where checkpoints and events go, and optional AWS,
// telemetry and PagerDuty settings.
package config

import (
	"time"

	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/notifier"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/sandfly"
)

// CurrentVersion is the only supported config schema version.
const CurrentVersion = 1

// Checkpoint backends.
const (
	BackendFile      = "file"
	BackendS3        = "s3"
	BackendConfigMap = "configmap"
)

// Sink types.
const (
	SinkStdout     = "stdout"
	SinkFile       = "file"
	SinkCloudWatch = "cloudwatch"
)

// Defaults applied by Load.
const (
	DefaultCheckpointDir    = ".sfc/checkpoints"
	DefaultConfigMapName    = "sfc-checkpoints"
	DefaultCheckpointPrefix = "sfc/checkpoints"
	DefaultLogStream        = "sfc"
	DefaultTimeoutSeconds   = 60
)

// Config is the top-level collector configuration. Secrets are normally
// supplied through ${ENV} references rather than written into the file.
type Config struct {
	Version    int              `yaml:"version"    json:"version"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" json:"checkpoint"`
	AWS        AWSConfig        `yaml:"aws"        json:"aws"`
	Sink       SinkConfig       `yaml:"sink"       json:"sink"`
	Metrics    MetricsConfig    `yaml:"metrics"    json:"metrics"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"  json:"telemetry"`
	Sources    []SourceConfig   `yaml:"sources"    json:"sources"`
	Notifier   NotifierConfig   `yaml:"notifier"   json:"notifier"`
}

// CheckpointConfig selects where per-source cursors are stored.
type CheckpointConfig struct {
	// Backend is "file", "s3" or "configmap".
	Backend string `yaml:"backend" json:"backend"`

	// Dir is the checkpoint directory for the file backend.
	Dir string `yaml:"dir" json:"dir"`

	// Bucket and Prefix locate checkpoint objects for the s3 backend.
	Bucket string `yaml:"bucket" json:"bucket"`
	Prefix string `yaml:"prefix" json:"prefix"`

	// Namespace, Name and KubeContext locate the ConfigMap for the
	// configmap backend. An empty KubeContext uses the current context, or
	// the in-cluster config when no kubeconfig is present.
	Namespace   string `yaml:"namespace"    json:"namespace"`
	Name        string `yaml:"name"         json:"name"`
	KubeContext string `yaml:"kube_context" json:"kube_context"`
}

// AWSConfig holds the AWS profile and region used by the s3 backend, the
// cloudwatch sink and run metrics.
type AWSConfig struct {
	Profile string `yaml:"profile" json:"profile"`
	Region  string `yaml:"region"  json:"region"`
}

// SinkConfig selects where collected events are written.
type SinkConfig struct {
	// Type is "stdout", "file" or "cloudwatch".
	Type string `yaml:"type" json:"type"`

	// Path is the JSON-lines file for the file sink.
	Path string `yaml:"path" json:"path"`

	// LogGroup and LogStream are used by the cloudwatch sink.
	LogGroup  string `yaml:"log_group"  json:"log_group"`
	LogStream string `yaml:"log_stream" json:"log_stream"`
}

// MetricsConfig enables CloudWatch run metrics when Namespace is set.
type MetricsConfig struct {
	CloudWatchNamespace string `yaml:"cloudwatch_namespace" json:"cloudwatch_namespace"`
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
}

// ProxyConfig is an optional forward proxy for one source.
type ProxyConfig struct {
	URL  string `yaml:"url"  json:"url"`
	User string `yaml:"user" json:"user"`
	Pass string `yaml:"pass" json:"-"`
}

// SourceConfig describes one Sandfly server.
type SourceConfig struct {
	Name     string `yaml:"name"     json:"name"`
	URL      string `yaml:"url"      json:"url"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`

	// VerifyTLS defaults to true when omitted.
	VerifyTLS *bool `yaml:"verify_tls" json:"verify_tls"`

	// TimeoutSeconds bounds each HTTP request; 0 means the default of 60.
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`

	// RequestsPerSecond throttles requests to this server; 0 disables it.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`

	// ProbePath is the reachability check used by doctor.
	ProbePath string `yaml:"probe_path" json:"probe_path"`

	Proxy *ProxyConfig `yaml:"proxy" json:"proxy,omitempty"`
}

// NotifierConfig groups alert notifier settings.
type NotifierConfig struct {
	PagerDuty notifier.PagerDutySettings `yaml:"pagerduty" json:"pagerduty"`
}

// TLSVerify reports the effective TLS verification setting.
func (s SourceConfig) TLSVerify() bool {
	return s.VerifyTLS == nil || *s.VerifyTLS
}

// Timeout returns the effective per-request timeout.
func (s SourceConfig) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Credentials converts the source into Sandfly client credentials.
func (s SourceConfig) Credentials() sandfly.Credentials {
	c := sandfly.Credentials{
		URL:               s.URL,
		Username:          s.Username,
		Password:          s.Password,
		VerifyTLS:         s.TLSVerify(),
		Timeout:           s.Timeout(),
		RequestsPerSecond: s.RequestsPerSecond,
	}
	if s.Proxy != nil && s.Proxy.URL != "" {
		c.Proxy = &sandfly.ProxyConfig{URL: s.Proxy.URL, User: s.Proxy.User, Pass: s.Proxy.Pass}
	}
	return c
}

// Source returns the source with the given name.
func (c *Config) Source(name string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceConfig{}, false
}
