// Package notifier sends Sandfly alerts to incident management services.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/version"
)

// DefaultEventsURL is the PagerDuty Events API v2 enqueue endpoint.
const DefaultEventsURL = "https://events.pagerduty.com/v2/enqueue"

const pagerDutyTimeout = 30 * time.Second

// ErrNoRoutingKey is returned when no PagerDuty routing key is configured.
var ErrNoRoutingKey = errors.New("No PagerDuty routing key configured") //nolint:staticcheck // message is user-facing

// PagerDutySettings configures an Events v2 trigger. Summary, DedupKey and
// Component may contain $var$ tokens.
type PagerDutySettings struct {
	RoutingKey  string `yaml:"routing_key"  json:"-"`
	Severity    string `yaml:"severity"     json:"severity"`
	Summary     string `yaml:"summary"      json:"summary"`
	Source      string `yaml:"source"       json:"source"`
	Component   string `yaml:"component"    json:"component"`
	Group       string `yaml:"group"        json:"group"`
	Class       string `yaml:"class"        json:"class"`
	DedupKey    string `yaml:"dedup_key"    json:"dedup_key"`
	EventAction string `yaml:"event_action" json:"event_action"`
	// EventsURL overrides DefaultEventsURL.
	EventsURL string `yaml:"events_url" json:"events_url"`
}

// WithDefaults fills unset fields with the stock values.
func (s PagerDutySettings) WithDefaults() PagerDutySettings {
	if s.Severity == "" {
		s.Severity = "error"
	}
	if s.Summary == "" {
		s.Summary = "Sandfly Alert"
	}
	if s.Source == "" {
		s.Source = "Sandfly Collector"
	}
	if s.Group == "" {
		s.Group = "endpoint-security"
	}
	if s.Class == "" {
		s.Class = "sandfly-alert"
	}
	if s.EventAction == "" {
		s.EventAction = "trigger"
	}
	if s.EventsURL == "" {
		s.EventsURL = DefaultEventsURL
	}
	return s
}

// Merge overlays non-empty per-alert configuration values, keyed by their
// config names, on top of s.
func (s PagerDutySettings) Merge(overrides map[string]string) PagerDutySettings {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(overrides[key]); v != "" {
			*dst = v
		}
	}
	set(&s.RoutingKey, "routing_key")
	set(&s.Severity, "severity")
	set(&s.Summary, "summary")
	set(&s.Source, "source")
	set(&s.Component, "component")
	set(&s.Group, "group")
	set(&s.Class, "class")
	set(&s.DedupKey, "dedup_key")
	set(&s.EventAction, "event_action")
	return s
}

// PagerDutyClient posts alert events to PagerDuty.
type PagerDutyClient struct {
	Settings   PagerDutySettings
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewPagerDutyClient returns a client with a 30 second timeout.
func NewPagerDutyClient(settings PagerDutySettings, logger *slog.Logger) *PagerDutyClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &PagerDutyClient{
		Settings:   settings.WithDefaults(),
		HTTPClient: &http.Client{Timeout: pagerDutyTimeout},
		Logger:     logger,
	}
}

// PagerDutyEvent is an Events API v2 request body.
type PagerDutyEvent struct {
	RoutingKey  string           `json:"routing_key"`
	EventAction string           `json:"event_action"`
	DedupKey    string           `json:"dedup_key,omitempty"`
	Payload     PagerDutyPayload `json:"payload"`
}

// PagerDutyPayload is the payload section of a PagerDutyEvent.
type PagerDutyPayload struct {
	Summary       string        `json:"summary"`
	Severity      string        `json:"severity"`
	Source        string        `json:"source"`
	Component     string        `json:"component,omitempty"`
	Group         string        `json:"group"`
	Class         string        `json:"class"`
	CustomDetails CustomDetails `json:"custom_details"`
}

// CustomDetails carries the originating alert context.
type CustomDetails struct {
	SearchName  string         `json:"search_name"`
	TriggerTime string         `json:"trigger_time"`
	ResultsLink string         `json:"results_link"`
	Result      map[string]any `json:"result"`
}

// BuildEvent merges the alert's configuration over the client settings,
// expands templates and returns the Events v2 body.
func (c *PagerDutyClient) BuildEvent(p *AlertPayload) (PagerDutyEvent, error) {
	s := c.Settings.Merge(p.Configuration).WithDefaults()
	if s.RoutingKey == "" {
		return PagerDutyEvent{}, ErrNoRoutingKey
	}
	result := p.Result
	if result == nil {
		result = map[string]any{}
	}
	return PagerDutyEvent{
		RoutingKey:  s.RoutingKey,
		EventAction: s.EventAction,
		DedupKey:    Substitute(s.DedupKey, p),
		Payload: PagerDutyPayload{
			Summary:   Substitute(s.Summary, p),
			Severity:  s.Severity,
			Source:    s.Source,
			Component: Substitute(s.Component, p),
			Group:     s.Group,
			Class:     s.Class,
			CustomDetails: CustomDetails{
				SearchName:  p.SearchName,
				TriggerTime: p.triggerTime(),
				ResultsLink: p.ResultsLink,
				Result:      result,
			},
		},
	}, nil
}

// Send triggers a PagerDuty event for the alert and returns the status
// message "PagerDuty event created: <dedup_key>".
func (c *PagerDutyClient) Send(ctx context.Context, p *AlertPayload) (string, error) {
	ev, err := c.BuildEvent(p)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal pagerduty event: %w", err)
	}

	url := c.Settings.Merge(p.Configuration).WithDefaults().EventsURL
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build pagerduty request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: pagerDutyTimeout}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("PagerDuty request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("PagerDuty returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out struct {
		DedupKey string `json:"dedup_key"`
	}
	_ = json.Unmarshal(respBody, &out)
	if out.DedupKey == "" {
		out.DedupKey = "unknown"
	}
	c.Logger.Info("pagerduty event sent", "dedup_key", out.DedupKey, "event_action", ev.EventAction)
	return "PagerDuty event created: " + out.DedupKey, nil
}
