package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loykin/orkestr/internal/history"
)

// Sink sends events to OpenSearch via HTTP.
// It constructs URL as: baseURL + "/" + index + "/_doc" and POSTs JSON body.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

// document flattens the event so dashboards can filter on top-level fields.
type document struct {
	Instance    string         `json:"instance"`
	OccurredAt  time.Time      `json:"@timestamp"`
	EventType   string         `json:"event_type"`
	Severity    string         `json:"severity"`
	Description string         `json:"description"`
	ModuleID    string         `json:"module_id,omitempty"`
	ProcessID   string         `json:"process_id,omitempty"`
	Resolved    bool           `json:"resolved"`
	SystemState map[string]any `json:"system_state,omitempty"`
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.index)
	b, err := json.Marshal(document{
		Instance:    e.Instance,
		OccurredAt:  e.OccurredAt,
		EventType:   e.Record.EventType,
		Severity:    string(e.Record.Severity),
		Description: e.Record.Description,
		ModuleID:    e.Record.ModuleID,
		ProcessID:   e.Record.ProcessID,
		Resolved:    e.Record.Resolved,
		SystemState: e.Record.SystemState,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
