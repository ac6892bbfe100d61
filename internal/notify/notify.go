package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/devblac/intent-indexer/internal/config"
)

// AnomalyPayload is the data passed to notifiers for a rejected transition.
type AnomalyPayload struct {
	OrderID     string
	Chain       string
	ChainID     uint64
	Event       string
	From        string
	To          string
	Reason      string
	TxHash      string
	BlockNumber uint64
	ObservedAt  time.Time
}

// Sender delivers one anomaly to an external channel.
type Sender interface {
	Send(ctx context.Context, payload AnomalyPayload) error
}

const defaultTemplate = "ANOMALY {{.Chain}} order {{short_addr .OrderID}}: {{.Event}} {{.From}} -> {{.To}} ({{.Reason}}) tx {{short_addr .TxHash}}"

type httpSender struct {
	url     string
	method  string
	render  *template.Template
	client  *http.Client
	headers map[string]string
}

// NewWebhookSender builds a generic HTTP notifier.
func NewWebhookSender(url, method, tmpl string, headers map[string]string) (Sender, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	if method == "" {
		method = http.MethodPost
	}
	t, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	return &httpSender{
		url:     url,
		method:  strings.ToUpper(method),
		render:  t,
		client:  defaultClient(),
		headers: headers,
	}, nil
}

// NewSlackSender builds a Slack-compatible webhook notifier.
func NewSlackSender(url, tmpl string) (Sender, error) {
	return NewWebhookSender(url, http.MethodPost, tmpl, map[string]string{
		"Content-Type": "application/json",
	})
}

// NewTeamsSender builds a Teams-compatible webhook notifier.
func NewTeamsSender(url, tmpl string) (Sender, error) {
	// Teams accepts simple {text: "..."} payloads.
	return NewWebhookSender(url, http.MethodPost, tmpl, map[string]string{
		"Content-Type": "application/json",
	})
}

// FromConfig builds one sender per configured notifier, keyed by id.
func FromConfig(notifiers []config.Notifier) (map[string]Sender, error) {
	out := make(map[string]Sender, len(notifiers))
	for _, n := range notifiers {
		var (
			s   Sender
			err error
		)
		switch strings.ToLower(n.Type) {
		case "slack":
			s, err = NewSlackSender(n.WebhookURL, n.Template)
		case "teams":
			s, err = NewTeamsSender(n.WebhookURL, n.Template)
		case "webhook":
			s, err = NewWebhookSender(n.URL, n.Method, n.Template, map[string]string{
				"Content-Type": "application/json",
			})
		default:
			err = fmt.Errorf("unsupported notifier type: %s", n.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("notifier %s: %w", n.ID, err)
		}
		out[n.ID] = s
	}
	return out, nil
}

func (s *httpSender) Send(ctx context.Context, payload AnomalyPayload) error {
	bodyStr, err := executeTemplate(s.render, payload)
	if err != nil {
		return err
	}
	reqBody, err := json.Marshal(map[string]string{
		"text": bodyStr,
	})
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, s.method, s.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notifier http status %d", resp.StatusCode)
	}
	return nil
}

func parseTemplate(tmpl string) (*template.Template, error) {
	if tmpl == "" {
		tmpl = defaultTemplate
	}
	funcs := template.FuncMap{
		"pretty_json": func(v any) string {
			out, _ := json.MarshalIndent(v, "", "  ")
			return string(out)
		},
		"short_addr": func(addr string) string {
			if len(addr) <= 10 {
				return addr
			}
			return addr[:6] + "..." + addr[len(addr)-4:]
		},
	}
	t, err := template.New("msg").Funcs(funcs).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return t, nil
}

func executeTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

func defaultClient() *http.Client {
	return &http.Client{
		Timeout: 8 * time.Second,
	}
}
