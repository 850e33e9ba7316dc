package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"interlock/internal/config"
	"interlock/internal/domain"
	"interlock/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher polls the change feed per owner and posts new rows to
// the webhooks declared in that owner's config. Cursors are per (owner, url)
// and start at the feed head so a fresh hook never replays history.
type webhookDispatcher struct {
	engine  engine.Engine
	client  *http.Client
	mu      sync.Mutex
	cursors map[string]int64
}

func startWebhookDispatcher(e engine.Engine, interval time.Duration) {
	if interval < 0 {
		return
	}
	if interval == 0 {
		interval = defaultWebhookInterval
	}
	d := &webhookDispatcher{
		engine:  e,
		client:  &http.Client{Timeout: defaultWebhookTimeout},
		cursors: make(map[string]int64),
	}
	go d.run(interval)
}

func (d *webhookDispatcher) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	ctx := context.Background()
	owners, err := d.engine.Repo.ListOwners(ctx)
	if err != nil {
		d.engine.Log.Error("webhook: list owners failed", "error", err)
		return
	}
	for _, o := range owners {
		cfg, err := d.engine.OwnerConfig(ctx, o.ID)
		if err != nil {
			d.engine.Log.Error("webhook: load config failed", "owner_id", o.ID, "error", err)
			continue
		}
		for _, hook := range cfg.Webhooks {
			if hook.Enabled != nil && !*hook.Enabled {
				continue
			}
			if strings.TrimSpace(hook.URL) == "" {
				continue
			}
			d.dispatch(ctx, o.ID, hook)
		}
	}
}

func (d *webhookDispatcher) dispatch(ctx context.Context, ownerID string, hook config.WebhookConfig) {
	key := ownerID + "|" + hook.URL
	cursor, ok := d.cursorFor(key, ownerID)
	if !ok {
		return
	}
	changes, err := d.engine.Repo.ChangesAfter(ctx, ownerID, cursor, defaultWebhookBatch)
	if err != nil {
		d.engine.Log.Error("webhook: fetch changes failed", "owner_id", ownerID, "error", err)
		return
	}
	for _, c := range changes {
		if err := d.post(ctx, hook, c); err != nil {
			// Delivery stops at the failed row; the cursor holds so the
			// next tick retries from here.
			d.engine.Log.Warn("webhook: delivery failed", "url", hook.URL, "change_id", c.ID, "error", err)
			return
		}
		d.setCursor(key, c.ID)
	}
}

func (d *webhookDispatcher) cursorFor(key, ownerID string) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[key]; ok {
		return cur, true
	}
	cur, err := d.engine.Repo.LatestChangeID(context.Background(), ownerID)
	if err != nil {
		d.engine.Log.Error("webhook: init cursor failed", "owner_id", ownerID, "error", err)
		return 0, false
	}
	d.cursors[key] = cur
	return cur, true
}

func (d *webhookDispatcher) setCursor(key string, value int64) {
	d.mu.Lock()
	d.cursors[key] = value
	d.mu.Unlock()
}

type webhookDelivery struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	OwnerID    string          `json:"owner_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	Version    int64           `json:"version"`
	ChangeType string          `json:"change_type"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, c domain.Change) error {
	payload := json.RawMessage("{}")
	if c.Payload != "" && json.Valid([]byte(c.Payload)) {
		payload = json.RawMessage(c.Payload)
	}
	data, err := json.Marshal(webhookDelivery{
		ID:         c.ID,
		TS:         c.TS,
		OwnerID:    c.OwnerID,
		EntityKind: c.EntityKind,
		EntityID:   c.EntityID,
		Version:    c.Version,
		ChangeType: c.ChangeType,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Interlock-Change", c.ChangeType)
	req.Header.Set("X-Interlock-Delivery", fmt.Sprintf("%d", c.ID))
	req.Header.Set("X-Interlock-Owner", c.OwnerID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Interlock-Secret", hook.Secret)
	}
	res, err := d.client.Do(req)
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
