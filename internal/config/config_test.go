package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/config"
)

const fullConfig = `
version: 1
checkpoint:
  backend: s3
  bucket: sec-state
aws:
  profile: security
  region: eu-west-1
sink:
  type: cloudwatch
  log_group: /sandfly/events
metrics:
  cloudwatch_namespace: Sandfly/Collector
sources:
  - name: prod
    url: https://sandfly.example.com
    username: splunk
    password: ${SANDFLY_PASSWORD}
    verify_tls: false
    timeout_seconds: 15
    requests_per_second: 4
    proxy:
      url: http://proxy:3128
      user: svc
      pass: ${PROXY_PASS}
  - name: lab
    url: http://10.0.0.5
    username: lab
    password: "lab-${SUFFIX}-pw"
notifier:
  pagerduty:
    routing_key: ${PD_ROUTING_KEY}
    summary: "Sandfly Alert: $name$ on $result.hostname$"
`

func env(vals map[string]string) config.LookupFunc {
	return func(k string) (string, bool) {
		v, ok := vals[k]
		return v, ok
	}
}

func TestParse_FullConfig(t *testing.T) {
	cfg, err := config.Parse([]byte(fullConfig), env(map[string]string{
		"SANDFLY_PASSWORD": "p@ss: #word",
		"PROXY_PASS":       "proxy-pw",
		"PD_ROUTING_KEY":   "R0UT1NG",
		"SUFFIX":           "x",
	}))
	require.NoError(t, err)

	assert.Equal(t, config.BackendS3, cfg.Checkpoint.Backend)
	assert.Equal(t, "sec-state", cfg.Checkpoint.Bucket)
	assert.Equal(t, config.DefaultCheckpointPrefix, cfg.Checkpoint.Prefix)
	assert.Equal(t, "security", cfg.AWS.Profile)
	assert.Equal(t, config.DefaultLogStream, cfg.Sink.LogStream)
	assert.Equal(t, "Sandfly/Collector", cfg.Metrics.CloudWatchNamespace)

	require.Len(t, cfg.Sources, 2)
	prod := cfg.Sources[0]
	assert.Equal(t, "p@ss: #word", prod.Password, "expanded secrets keep yaml-significant characters")
	assert.False(t, prod.TLSVerify())
	assert.Equal(t, 15*time.Second, prod.Timeout())

	creds := prod.Credentials()
	assert.Equal(t, "https://sandfly.example.com", creds.URL)
	assert.False(t, creds.VerifyTLS)
	assert.Equal(t, 4.0, creds.RequestsPerSecond)
	require.NotNil(t, creds.Proxy)
	assert.Equal(t, "proxy-pw", creds.Proxy.Pass)

	lab, ok := cfg.Source("lab")
	require.True(t, ok)
	assert.Equal(t, "lab-x-pw", lab.Password)
	assert.True(t, lab.TLSVerify())
	assert.Equal(t, 60*time.Second, lab.Timeout())
	assert.Equal(t, "/v4/version", lab.ProbePath)
	assert.Nil(t, lab.Credentials().Proxy)

	pd := cfg.Notifier.PagerDuty
	assert.Equal(t, "R0UT1NG", pd.RoutingKey)
	assert.Equal(t, "Sandfly Alert: $name$ on $result.hostname$", pd.Summary, "bare $var$ tokens are not env references")
	assert.Equal(t, "error", pd.Severity)
	assert.Equal(t, "trigger", pd.EventAction)

	assert.Empty(t, config.Validate(cfg))
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := config.Parse([]byte(`
version: 1
sources:
  - name: prod
    url: https://sandfly.example.com
    username: u
    password: p
`), env(nil))
	require.NoError(t, err)

	assert.Equal(t, config.BackendFile, cfg.Checkpoint.Backend)
	assert.Equal(t, config.DefaultCheckpointDir, cfg.Checkpoint.Dir)
	assert.Equal(t, config.SinkStdout, cfg.Sink.Type)
	assert.Equal(t, config.DefaultTimeoutSeconds, cfg.Sources[0].TimeoutSeconds)
	require.NotNil(t, cfg.Sources[0].VerifyTLS)
	assert.True(t, *cfg.Sources[0].VerifyTLS)
}

func TestParse_UnsetEnvExpandsEmpty(t *testing.T) {
	cfg, err := config.Parse([]byte(`
version: 1
sources:
  - name: prod
    url: https://sandfly.example.com
    username: u
    password: ${MISSING}
`), env(nil))
	require.NoError(t, err)
	assert.Empty(t, cfg.Sources[0].Password)

	errs := config.Validate(cfg)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "sources.prod.password: required")
}

func TestParse_RejectsVersion(t *testing.T) {
	_, err := config.Parse([]byte("version: 2\n"), env(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config version 2")

	_, err = config.Parse([]byte(""), env(nil))
	assert.Error(t, err)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := config.Parse([]byte("version: [1"), env(nil))
	assert.Error(t, err)
}

func TestLoad_FromFile(t *testing.T) {
	t.Setenv("SFC_TEST_PASSWORD", "from-env")
	path := filepath.Join(t.TempDir(), "sfc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 1
sources:
  - name: prod
    url: https://sandfly.example.com
    username: u
    password: ${SFC_TEST_PASSWORD}
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Sources[0].Password)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

// ── Validate ──────────────────────────────────────────────────────────────────

func TestValidate_NoSources(t *testing.T) {
	cfg := &config.Config{
		Version:    1,
		Checkpoint: config.CheckpointConfig{Backend: config.BackendFile, Dir: "x"},
		Sink:       config.SinkConfig{Type: config.SinkStdout},
	}
	errs := config.Validate(cfg)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], config.ErrNoSources)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := &config.Config{
		Version:    3,
		Checkpoint: config.CheckpointConfig{Backend: config.BackendConfigMap},
		Sink:       config.SinkConfig{Type: config.SinkFile},
		Sources: []config.SourceConfig{
			{Name: "a", URL: "ftp://sandfly", Username: "u", Password: "p"},
			{Name: "a", URL: "https://sandfly", Username: "", Password: "p", TimeoutSeconds: -1},
			{URL: "https://sandfly", Username: "u", Password: "p", ProbePath: "version",
				Proxy: &config.ProxyConfig{URL: "::bad"}},
		},
	}

	var msgs []string
	for _, e := range config.Validate(cfg) {
		msgs = append(msgs, e.Error())
	}
	joined := strings.Join(msgs, "\n")

	for _, want := range []string{
		"version: unsupported value 3",
		`sources.a.url: "ftp://sandfly" must be an http or https URL`,
		"sources.a: duplicate source name",
		"sources.a.username: required",
		"sources.a.timeout_seconds: must not be negative",
		"sources[2].name: required",
		`sources[2].probe_path: "version" must start with /`,
		"sources[2].proxy.url",
		"checkpoint.namespace: required for configmap backend",
		"checkpoint.name: required for configmap backend",
		"sink.path: required for file sink",
	} {
		assert.Contains(t, joined, want)
	}
}

func TestValidate_UnknownEnums(t *testing.T) {
	cfg := &config.Config{
		Version:    1,
		Checkpoint: config.CheckpointConfig{Backend: "redis"},
		Sink:       config.SinkConfig{Type: "kafka"},
		Sources:    []config.SourceConfig{{Name: "a", URL: "https://s", Username: "u", Password: "p"}},
	}
	errs := config.Validate(cfg)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0].Error(), "checkpoint.backend")
	assert.Contains(t, errs[1].Error(), "sink.type")
}

func TestValidate_Nil(t *testing.T) {
	assert.Len(t, config.Validate(nil), 1)
}
