package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"dealgate/internal/config"
	"dealgate/internal/domain"
	"dealgate/internal/events"
	"dealgate/internal/observability"
	"dealgate/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// Dispatcher posts appended events to the configured webhooks. Each hook
// keeps its own cursor into the log; a failed delivery stops that hook's
// batch and is retried on the next pass.
type Dispatcher struct {
	Repo     repo.Repo
	Hooks    []config.WebhookConfig
	Metrics  *observability.Registry
	Logger   *log.Logger
	Interval time.Duration

	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

func NewDispatcher(r repo.Repo, hooks []config.WebhookConfig, metrics *observability.Registry) *Dispatcher {
	return &Dispatcher{
		Repo:    r,
		Hooks:   hooks,
		Metrics: metrics,
		client:  &http.Client{Timeout: defaultWebhookTimeout},
		cursors: make(map[int]int64),
	}
}

func (d *Dispatcher) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.Default()
}

// Run delivers until ctx is done. Appends published on hub wake the loop
// early; the ticker covers events written by other processes.
func (d *Dispatcher) Run(ctx context.Context, hub *events.Hub) {
	if len(d.Hooks) == 0 {
		return
	}
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	var wake <-chan domain.Event
	if hub != nil {
		ch, cancel := hub.Subscribe(64)
		defer cancel()
		wake = ch
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

// DispatchAll runs one delivery pass over every enabled hook.
func (d *Dispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.Hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	evs, err := d.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.logger().Printf("webhook: fetch events failed: %v", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evs {
		if !filter.match(string(evt.Type)) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.Metrics.Inc(observability.MetricWebhookFailures, map[string]string{"url": hook.URL})
			d.logger().Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor starts a hook at the end of the log, so only events appended
// after the dispatcher came up are delivered.
func (d *Dispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.Repo.LatestEventID(ctx)
	if err != nil {
		d.logger().Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	DealID  string          `json:"deal_id"`
	RunID   string          `json:"run_id"`
	TS      string          `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

func (d *Dispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := evt.Payload
	if len(payload) == 0 || !json.Valid(payload) {
		payload = json.RawMessage("{}")
	}
	data, err := json.Marshal(webhookEvent{
		ID:      evt.ID,
		Type:    string(evt.Type),
		DealID:  evt.DealID,
		RunID:   evt.RunID,
		TS:      evt.TS,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	client := d.client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dealgate-Event", string(evt.Type))
	req.Header.Set("X-Dealgate-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Dealgate-Run", evt.RunID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Dealgate-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(names []string) eventFilter {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		key := strings.TrimSpace(name)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(name string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[name]
	return ok
}
