package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/checkpoint"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/config"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/engine"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/models"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/sandfly"
)

const (
	statusSuccess = "success"
	statusError   = "error"

	sourceOKMessage = "Successfully validated Sandfly API connectivity and permissions"
)

// SourceCheck is the setup validation result for one Sandfly source:
// credentials, role gate, API reachability and the stored cursor.
type SourceCheck struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Status  string `json:"status"`
	Message string `json:"message"`

	LoginOK       bool     `json:"login_ok"`
	Username      string   `json:"username,omitempty"`
	Roles         []string `json:"roles,omitempty"`
	RolesOK       bool     `json:"roles_ok"`
	APIReachable  bool     `json:"api_reachable"`
	ServerVersion string   `json:"server_version,omitempty"`

	ErrorKind models.ErrorKind `json:"error_kind,omitempty"`

	// LastResultID is nil when no checkpoint exists or the store is
	// unavailable; CheckpointError explains the latter.
	LastResultID    *int64 `json:"last_result_id,omitempty"`
	CheckpointError string `json:"checkpoint_error,omitempty"`
}

// AWSCheck reports whether the AWS credential chain resolves.
type AWSCheck struct {
	Profile     string `json:"profile,omitempty"`
	Region      string `json:"region,omitempty"`
	Credentials bool   `json:"credentials_ok"`
	AccountID   string `json:"account_id,omitempty"`
	CallerARN   string `json:"caller_arn,omitempty"`
	Error       string `json:"error,omitempty"`
}

// KubernetesCheck reports whether a Kubernetes client could be built.
type KubernetesCheck struct {
	KubeconfigOK bool   `json:"kubeconfig_ok"`
	Context      string `json:"context,omitempty"`
	InCluster    bool   `json:"in_cluster"`
	Error        string `json:"error,omitempty"`
}

// DoctorResult is the structured output of sfc doctor. It can be serialised
// to JSON via --format=json or rendered as a human-readable table (default).
type DoctorResult struct {
	Config struct {
		Path   string   `json:"path"`
		Loaded bool     `json:"loaded"`
		Errors []string `json:"errors,omitempty"`
	} `json:"config"`

	Sources []SourceCheck `json:"sources"`

	Checkpoint struct {
		Backend string `json:"backend,omitempty"`
		OK      bool   `json:"ok"`
		Detail  string `json:"detail,omitempty"`
		Error   string `json:"error,omitempty"`
	} `json:"checkpoint"`

	// AWS is populated only when a component uses AWS.
	AWS *AWSCheck `json:"aws,omitempty"`

	// Kubernetes is populated only for the configmap checkpoint backend.
	Kubernetes *KubernetesCheck `json:"kubernetes,omitempty"`

	OverallHealthy bool `json:"overall_healthy"`
}

func newDoctorCmd(a *app) *cobra.Command {
	var (
		format string
		only   []string
	)
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Validate credentials, permissions and checkpoint storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger, err := a.newLogger(io.Discard)
			if err != nil {
				return err
			}
			result, err := runDoctor(ctx, a, logger, cmd.OutOrStdout(), format, only)
			if err != nil {
				// Rendering failure; let main report it.
				return err
			}
			if !result.OverallHealthy {
				// Exit directly so no error text reaches main.go's
				// fmt.Fprintln(os.Stderr, err) path.
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "table", `Output format: "table" or "json"`)
	cmd.Flags().StringSliceVar(&only, "source", nil, "Check only the named source(s) (default: all)")
	return cmd
}

// runDoctor collects all diagnostic results, renders them to w in the
// requested format, and returns the result.
// The returned error covers only rendering failures. Callers must inspect
// result.OverallHealthy to decide whether the setup is usable.
func runDoctor(ctx context.Context, a *app, logger *slog.Logger, w io.Writer, format string, only []string) (DoctorResult, error) {
	result := collectDoctorResult(ctx, a, logger, only)

	switch format {
	case "json":
		if err := json.NewEncoder(w).Encode(result); err != nil {
			return result, fmt.Errorf("encode doctor result: %w", err)
		}
	default:
		renderDoctorTable(result, w)
	}
	return result, nil
}

// collectDoctorResult runs every check and populates a DoctorResult. It
// performs no rendering.
func collectDoctorResult(ctx context.Context, a *app, logger *slog.Logger, only []string) DoctorResult {
	var result DoctorResult
	result.Config.Path = a.configPath()

	// Config: load → validate → source selection.
	cfg, err := config.Load(result.Config.Path)
	if err != nil {
		result.Config.Errors = []string{err.Error()}
		return result
	}
	for _, e := range config.Validate(cfg) {
		result.Config.Errors = append(result.Config.Errors, e.Error())
	}
	sources := cfg.Sources
	if len(only) > 0 {
		sources = nil
		for _, name := range only {
			src, ok := cfg.Source(name)
			if !ok {
				result.Config.Errors = append(result.Config.Errors, fmt.Sprintf("%s: %q", engine.ErrUnknownSource, name))
				continue
			}
			sources = append(sources, src)
		}
	}
	result.Config.Loaded = len(result.Config.Errors) == 0

	// AWS: credentials → STS identity, only when something needs it.
	if needsAWS(cfg) {
		result.AWS = &AWSCheck{Profile: cfg.AWS.Profile}
		p, err := a.loadAWS(ctx, cfg)
		if err != nil {
			result.AWS.Error = err.Error()
		} else {
			result.AWS.Credentials = true
			result.AWS.Region = p.Region
			result.AWS.AccountID = p.AccountID
			result.AWS.CallerARN = p.CallerARN
		}
	}

	// Kubernetes: kubeconfig or in-cluster config for the configmap backend.
	if cfg.Checkpoint.Backend == config.BackendConfigMap {
		result.Kubernetes = &KubernetesCheck{}
		_, info, err := a.loadKube(cfg)
		if err != nil {
			result.Kubernetes.Error = err.Error()
		} else {
			result.Kubernetes.KubeconfigOK = true
			result.Kubernetes.Context = info.ContextName
			result.Kubernetes.InCluster = info.InCluster
		}
	}

	// Checkpoint backend: construct → health check.
	result.Checkpoint.Backend = cfg.Checkpoint.Backend
	store, storeErr := a.buildStore(ctx, cfg)
	if storeErr != nil {
		result.Checkpoint.Error = storeErr.Error()
	} else if hc, ok := store.(checkpoint.HealthChecker); ok {
		detail, err := hc.Check(ctx)
		if err != nil {
			result.Checkpoint.Error = err.Error()
		} else {
			result.Checkpoint.OK = true
			result.Checkpoint.Detail = detail
		}
	} else {
		result.Checkpoint.OK = true
	}

	// Sources: fields → login → role gate → API probe → stored cursor.
	for _, src := range sources {
		check := checkSource(ctx, src, logger, a.providers.sandfly)
		if store != nil {
			cp, err := store.Load(ctx, src.Name)
			switch {
			case err == nil:
				id := cp.LastResultID
				check.LastResultID = &id
			case !errors.Is(err, checkpoint.ErrNotFound):
				check.CheckpointError = err.Error()
			}
		}
		result.Sources = append(result.Sources, check)
	}

	result.OverallHealthy = result.Config.Loaded && result.Checkpoint.OK &&
		(result.AWS == nil || result.AWS.Credentials) &&
		(result.Kubernetes == nil || result.Kubernetes.KubeconfigOK)
	for _, s := range result.Sources {
		if s.Status != statusSuccess {
			result.OverallHealthy = false
		}
	}
	return result
}

// checkSource validates one source the way setup does: the account must
// log in, pass the role gate and reach the probe endpoint.
func checkSource(ctx context.Context, src config.SourceConfig, logger *slog.Logger, extra []sandfly.Option) SourceCheck {
	check := SourceCheck{Name: src.Name, URL: src.URL, Status: statusError}

	if errs := config.ValidateSource("sources."+src.Name, src); len(errs) > 0 {
		check.Message = errors.Join(errs...).Error()
		check.ErrorKind = models.ErrorKindOther
		return check
	}

	opts := []sandfly.Option{
		sandfly.WithLogger(logger.With("source", src.Name)),
		sandfly.WithProbePath(src.ProbePath),
	}
	client, err := sandfly.NewClient(src.Credentials(), append(opts, extra...)...)
	if err != nil {
		check.Message = err.Error()
		check.ErrorKind = engine.Classify(err)
		return check
	}

	err = client.Login(ctx)
	id := client.Identity()
	check.Username = id.Username
	check.Roles = id.Roles

	var denied *sandfly.AuthorizationError
	switch {
	case err == nil:
		check.LoginOK = true
		check.RolesOK = true
	case errors.As(err, &denied):
		check.LoginOK = true
		check.Message = err.Error()
		check.ErrorKind = models.ErrorKindAuthorization
		return check
	default:
		check.Message = err.Error()
		check.ErrorKind = engine.Classify(err)
		return check
	}

	body, err := client.Version(ctx)
	if err != nil {
		check.Message = fmt.Sprintf("Sandfly API validation failed (%s): %v", probePath(src), err)
		check.ErrorKind = engine.Classify(err)
		return check
	}
	check.APIReachable = true
	check.ServerVersion = serverVersion(body)
	check.Status = statusSuccess
	check.Message = sourceOKMessage
	return check
}

func probePath(src config.SourceConfig) string {
	if src.ProbePath != "" {
		return src.ProbePath
	}
	return sandfly.DefaultProbePath
}

// serverVersion extracts "version" from the probe body, falling back to the
// raw body.
func serverVersion(body []byte) string {
	var v struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &v); err == nil && v.Version != "" {
		return v.Version
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 40 {
		s = s[:40] + "..."
	}
	return s
}

// renderDoctorTable writes the human-readable diagnostic output from result to w.
func renderDoctorTable(result DoctorResult, w io.Writer) {
	fmt.Fprintln(w, "Sandfly Collector Diagnostics")

	fmt.Fprintf(w, "\nConfig (%s):\n", result.Config.Path)
	if result.Config.Loaded {
		doctorPrint(w, "Loaded", "OK", "")
	} else {
		for _, e := range result.Config.Errors {
			doctorPrint(w, "Loaded", "FAIL", e)
		}
	}

	for _, s := range result.Sources {
		fmt.Fprintf(w, "\nSource %s (%s):\n", s.Name, s.URL)
		switch {
		case !s.LoginOK:
			doctorPrint(w, "Login", "FAIL", s.Message)
			doctorPrint(w, "Role Gate", "FAIL", "skipped")
			doctorPrint(w, "API Reachable", "FAIL", "skipped")
		case !s.RolesOK:
			doctorPrint(w, "Login", "OK", "user "+s.Username)
			doctorPrint(w, "Role Gate", "FAIL", s.Message)
			doctorPrint(w, "API Reachable", "FAIL", "skipped")
		default:
			doctorPrint(w, "Login", "OK", "user "+s.Username)
			doctorPrint(w, "Role Gate", "OK", strings.Join(s.Roles, ", "))
			if s.APIReachable {
				doctorPrint(w, "API Reachable", "OK", "version "+s.ServerVersion)
			} else {
				doctorPrint(w, "API Reachable", "FAIL", s.Message)
			}
		}
		switch {
		case s.CheckpointError != "":
			doctorPrint(w, "Checkpoint", "UNREADABLE", s.CheckpointError)
		case s.LastResultID != nil:
			doctorPrint(w, "Checkpoint", "last_result_id "+strconv.FormatInt(*s.LastResultID, 10), "")
		default:
			doctorPrint(w, "Checkpoint", "None", "backfill from result 1")
		}
	}

	if result.Checkpoint.Backend != "" {
		fmt.Fprintf(w, "\nCheckpoint Store (%s):\n", result.Checkpoint.Backend)
		if result.Checkpoint.OK {
			doctorPrint(w, "Backend", "OK", result.Checkpoint.Detail)
		} else {
			doctorPrint(w, "Backend", "FAIL", result.Checkpoint.Error)
		}
	}

	if result.AWS != nil {
		if result.AWS.Profile != "" {
			fmt.Fprintf(w, "\nAWS (profile: %s):\n", result.AWS.Profile)
		} else {
			fmt.Fprintln(w, "\nAWS:")
		}
		if result.AWS.Credentials {
			doctorPrint(w, "Credentials", "OK", "")
			doctorPrint(w, "STS Identity", "OK", "Account: "+result.AWS.AccountID)
		} else {
			doctorPrint(w, "Credentials", "FAIL", result.AWS.Error)
			doctorPrint(w, "STS Identity", "FAIL", "skipped")
		}
	}

	if result.Kubernetes != nil {
		fmt.Fprintln(w, "\nKubernetes:")
		if result.Kubernetes.KubeconfigOK {
			doctorPrint(w, "Kubeconfig", "OK", "")
			doctorPrint(w, "Current Context", "OK", result.Kubernetes.Context)
		} else {
			doctorPrint(w, "Kubeconfig", "FAIL", result.Kubernetes.Error)
			doctorPrint(w, "Current Context", "FAIL", "skipped")
		}
	}
}

// doctorPrint writes a single diagnostic check line to w.
// When detail is non-empty it is appended in parentheses.
func doctorPrint(w io.Writer, label, status, detail string) {
	if detail != "" {
		fmt.Fprintf(w, "  %s: %s (%s)\n", label, status, detail)
	} else {
		fmt.Fprintf(w, "  %s: %s\n", label, status)
	}
}
