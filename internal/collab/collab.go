// Package collab wraps evidence providers (search, enrichment, CRM lookups).
// The scheduler treats every provider the same way regardless of backend.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"dealgate/internal/config"
	"dealgate/internal/domain"
)

type Query struct {
	Deal      domain.Deal `json:"deal"`
	Questions []string    `json:"questions,omitempty"`
}

type Provider interface {
	Name() string
	Query(ctx context.Context, q Query) ([]domain.Evidence, error)
}

// Static serves a fixed evidence list, e.g. documents attached to a deal.
type Static struct {
	ID       string
	Evidence []domain.Evidence
}

func (s Static) Name() string { return s.ID }

func (s Static) Query(ctx context.Context, _ Query) ([]domain.Evidence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]domain.Evidence(nil), s.Evidence...), nil
}

// HTTPProvider posts the query as JSON and reads {"evidence":[...]}.
type HTTPProvider struct {
	ID         string
	URL        string
	HTTPClient *http.Client
}

func (h HTTPProvider) Name() string { return h.ID }

func (h HTTPProvider) Query(ctx context.Context, q Query) ([]domain.Evidence, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	client := h.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: status=%d body=%s", h.ID, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%s: invalid JSON response", h.ID)
	}
	var out []domain.Evidence
	for _, r := range gjson.GetBytes(data, "evidence").Array() {
		out = append(out, domain.Evidence{
			ID:          r.Get("id").String(),
			Title:       r.Get("title").String(),
			Snippet:     r.Get("snippet").String(),
			Source:      r.Get("source").String(),
			URL:         r.Get("url").String(),
			RetrievedAt: r.Get("retrieved_at").String(),
		})
	}
	return out, nil
}

// FromConfig builds providers from collaborator config entries.
func FromConfig(list []config.Collaborator, timeout time.Duration) ([]Provider, error) {
	out := make([]Provider, 0, len(list))
	for _, c := range list {
		switch c.Kind {
		case "http":
			out = append(out, HTTPProvider{ID: c.Name, URL: c.URL, HTTPClient: &http.Client{Timeout: timeout}})
		case "static":
			out = append(out, Static{ID: c.Name, Evidence: c.Evidence})
		default:
			return nil, fmt.Errorf("collaborator %s: unknown kind %q", c.Name, c.Kind)
		}
	}
	return out, nil
}
