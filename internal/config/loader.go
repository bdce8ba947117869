package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/sandfly"
)

// ErrNoSources is returned when the configuration names no Sandfly source.
var ErrNoSources = errors.New("no sources configured")

// envRef matches ${NAME}. Bare $NAME is left alone so PagerDuty templates
// such as "$result.hostname$" survive loading.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LookupFunc resolves an environment variable.
type LookupFunc func(string) (string, bool)

// Load reads path, expands ${ENV} references using the process environment,
// applies defaults and returns the configuration. It does not run Validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML config bytes. ${ENV} references are expanded inside
// scalar values only, so an expanded secret can never change the document
// structure. Unset variables expand to the empty string.
func Parse(data []byte, lookup LookupFunc) (*Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	expandNode(&root, lookup)

	var cfg Config
	if root.Kind != 0 {
		if err := root.Decode(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported config version %d; must be %d", cfg.Version, CurrentVersion)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func expandNode(n *yaml.Node, lookup LookupFunc) {
	if n.Kind == yaml.ScalarNode {
		n.Value = envRef.ReplaceAllStringFunc(n.Value, func(ref string) string {
			name := envRef.FindStringSubmatch(ref)[1]
			v, _ := lookup(name)
			return v
		})
		return
	}
	for _, c := range n.Content {
		expandNode(c, lookup)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Checkpoint.Backend == "" {
		cfg.Checkpoint.Backend = BackendFile
	}
	switch cfg.Checkpoint.Backend {
	case BackendFile:
		if cfg.Checkpoint.Dir == "" {
			cfg.Checkpoint.Dir = DefaultCheckpointDir
		}
	case BackendS3:
		if cfg.Checkpoint.Prefix == "" {
			cfg.Checkpoint.Prefix = DefaultCheckpointPrefix
		}
	case BackendConfigMap:
		if cfg.Checkpoint.Name == "" {
			cfg.Checkpoint.Name = DefaultConfigMapName
		}
	}

	if cfg.Sink.Type == "" {
		cfg.Sink.Type = SinkStdout
	}
	if cfg.Sink.Type == SinkCloudWatch && cfg.Sink.LogStream == "" {
		cfg.Sink.LogStream = DefaultLogStream
	}

	for i := range cfg.Sources {
		s := &cfg.Sources[i]
		if s.TimeoutSeconds == 0 {
			s.TimeoutSeconds = DefaultTimeoutSeconds
		}
		if s.ProbePath == "" {
			s.ProbePath = sandfly.DefaultProbePath
		}
		if s.VerifyTLS == nil {
			verify := true
			s.VerifyTLS = &verify
		}
	}

	cfg.Notifier.PagerDuty = cfg.Notifier.PagerDuty.WithDefaults()
}
