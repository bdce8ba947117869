package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// AlertPayload is a triggered-alert document as written by the alerting
// side: the search that fired, a representative result row, and optional
// per-alert notifier configuration.
type AlertPayload struct {
	SearchName    string            `json:"search_name"`
	TriggerTime   json.RawMessage   `json:"trigger_time,omitempty"`
	App           string            `json:"app"`
	Owner         string            `json:"owner"`
	ResultsLink   string            `json:"results_link"`
	Result        map[string]any    `json:"result"`
	Configuration map[string]string `json:"configuration"`
}

// ParseAlertPayload decodes an alert document. Numbers inside result keep
// their original text.
func ParseAlertPayload(data []byte) (*AlertPayload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw struct {
		AlertPayload
		Configuration map[string]any `json:"configuration"`
	}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode alert payload: %w", err)
	}
	p := raw.AlertPayload
	if len(raw.Configuration) > 0 {
		p.Configuration = make(map[string]string, len(raw.Configuration))
		for k, v := range raw.Configuration {
			p.Configuration[k] = stringify(v)
		}
	}
	return &p, nil
}

// triggerTime renders trigger_time, which arrives as either a string or an
// epoch number.
func (p *AlertPayload) triggerTime() string {
	if len(p.TriggerTime) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(p.TriggerTime, &s); err == nil {
		return s
	}
	return string(p.TriggerTime)
}

var varRef = regexp.MustCompile(`\$([^$]+)\$`)

// Substitute replaces $name$ tokens in tmpl with alert values. Recognised
// names are name, search_name, trigger_time, app (default "sandfly"), owner,
// results_link and result.<field>. Unknown tokens are left untouched.
func Substitute(tmpl string, p *AlertPayload) string {
	if tmpl == "" || p == nil {
		return tmpl
	}
	app := p.App
	if app == "" {
		app = "sandfly"
	}
	vars := map[string]string{
		"name":         p.SearchName,
		"search_name":  p.SearchName,
		"trigger_time": p.triggerTime(),
		"app":          app,
		"owner":        p.Owner,
		"results_link": p.ResultsLink,
	}
	for k, v := range p.Result {
		vars["result."+k] = stringify(v)
	}

	return varRef.ReplaceAllStringFunc(tmpl, func(tok string) string {
		if v, ok := vars[tok[1:len(tok)-1]]; ok {
			return v
		}
		return tok
	})
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
