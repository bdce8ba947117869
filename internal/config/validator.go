package config

import (
	"fmt"
	"net/url"
	"strings"
)

var validBackends = map[string]struct{}{
	BackendFile:      {},
	BackendS3:        {},
	BackendConfigMap: {},
}

var validSinks = map[string]struct{}{
	SinkStdout:     {},
	SinkFile:       {},
	SinkCloudWatch: {},
}

// Validate checks cfg for semantic correctness and returns every problem
// found. An empty slice means the config is usable.
//
// Checks performed:
//   - version must be 1
//   - at least one source (ErrNoSources otherwise), names unique and non-empty
//   - each source has url, username and password; url is http or https
//   - timeout_seconds and requests_per_second are not negative
//   - proxy url, when set, parses with a scheme and host
//   - checkpoint backend and sink type are known and carry their required fields
func Validate(cfg *Config) []error {
	if cfg == nil {
		return []error{fmt.Errorf("config is nil")}
	}

	var errs []error

	if cfg.Version != CurrentVersion {
		errs = append(errs, fmt.Errorf("version: unsupported value %d; must be %d", cfg.Version, CurrentVersion))
	}

	if len(cfg.Sources) == 0 {
		errs = append(errs, ErrNoSources)
	}
	seen := make(map[string]struct{}, len(cfg.Sources))
	for i, s := range cfg.Sources {
		field := fmt.Sprintf("sources[%d]", i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", field))
		} else {
			field = fmt.Sprintf("sources.%s", s.Name)
			if _, dup := seen[s.Name]; dup {
				errs = append(errs, fmt.Errorf("%s: duplicate source name", field))
			}
			seen[s.Name] = struct{}{}
		}
		errs = append(errs, ValidateSource(field, s)...)
	}

	errs = append(errs, validateCheckpoint(cfg.Checkpoint)...)
	errs = append(errs, validateSink(cfg.Sink)...)
	return errs
}

// ValidateSource checks one source's connection settings. field prefixes
// every error message.
func ValidateSource(field string, s SourceConfig) []error {
	var errs []error
	if strings.TrimSpace(s.URL) == "" {
		errs = append(errs, fmt.Errorf("%s.url: required", field))
	} else if u, err := url.Parse(s.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("%s.url: %q must be an http or https URL", field, s.URL))
	}
	if strings.TrimSpace(s.Username) == "" {
		errs = append(errs, fmt.Errorf("%s.username: required", field))
	}
	if s.Password == "" {
		errs = append(errs, fmt.Errorf("%s.password: required", field))
	}
	if s.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("%s.timeout_seconds: must not be negative", field))
	}
	if s.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("%s.requests_per_second: must not be negative", field))
	}
	if s.ProbePath != "" && !strings.HasPrefix(s.ProbePath, "/") {
		errs = append(errs, fmt.Errorf("%s.probe_path: %q must start with /", field, s.ProbePath))
	}
	if s.Proxy != nil && s.Proxy.URL != "" {
		if u, err := url.Parse(s.Proxy.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s.proxy.url: %q is not a valid URL", field, s.Proxy.URL))
		}
	}
	return errs
}

func validateCheckpoint(c CheckpointConfig) []error {
	if _, ok := validBackends[c.Backend]; !ok {
		return []error{fmt.Errorf("checkpoint.backend: invalid value %q; valid values: file, s3, configmap", c.Backend)}
	}
	var errs []error
	switch c.Backend {
	case BackendFile:
		if c.Dir == "" {
			errs = append(errs, fmt.Errorf("checkpoint.dir: required for file backend"))
		}
	case BackendS3:
		if c.Bucket == "" {
			errs = append(errs, fmt.Errorf("checkpoint.bucket: required for s3 backend"))
		}
	case BackendConfigMap:
		if c.Namespace == "" {
			errs = append(errs, fmt.Errorf("checkpoint.namespace: required for configmap backend"))
		}
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("checkpoint.name: required for configmap backend"))
		}
	}
	return errs
}

func validateSink(s SinkConfig) []error {
	if _, ok := validSinks[s.Type]; !ok {
		return []error{fmt.Errorf("sink.type: invalid value %q; valid values: stdout, file, cloudwatch", s.Type)}
	}
	var errs []error
	switch s.Type {
	case SinkFile:
		if s.Path == "" {
			errs = append(errs, fmt.Errorf("sink.path: required for file sink"))
		}
	case SinkCloudWatch:
		if s.LogGroup == "" {
			errs = append(errs, fmt.Errorf("sink.log_group: required for cloudwatch sink"))
		}
		if s.LogStream == "" {
			errs = append(errs, fmt.Errorf("sink.log_stream: required for cloudwatch sink"))
		}
	}
	return errs
}
