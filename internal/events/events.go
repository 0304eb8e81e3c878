// Package events carries domain events out of the orchestrator. Delivery is
// best-effort and outside the ledger's consistency boundary: a dropped or
// failed emission never rolls back a transaction.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/finmill/paycore/internal/domain"
)

type Sink interface {
	Emit(ctx context.Context, ev domain.Event)
}

// Channel buffers events for an in-process consumer. Emit never blocks;
// when the buffer is full the event is dropped.
type Channel struct {
	ch  chan domain.Event
	log *zap.Logger
}

func NewChannel(size int, log *zap.Logger) *Channel {
	return &Channel{ch: make(chan domain.Event, size), log: log}
}

func (c *Channel) Emit(_ context.Context, ev domain.Event) {
	select {
	case c.ch <- ev:
	default:
		c.log.Warn("event buffer full, dropping event",
			zap.String("event", ev.Name),
			zap.String("transaction_id", ev.Transaction.ID))
	}
}

// C exposes the consumer side of the buffer.
func (c *Channel) C() <-chan domain.Event {
	return c.ch
}

// Webhook forwards each event to a subscriber URL as JSON. Failures are
// logged and swallowed.
type Webhook struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

func NewWebhook(url string, log *zap.Logger) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		log:    log,
	}
}

func (w *Webhook) Emit(ctx context.Context, ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		w.log.Error("event marshal failed", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		w.log.Error("event request build failed", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.log.Warn("event delivery failed", zap.String("event", ev.Name), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.log.Warn("event subscriber returned error",
			zap.String("event", ev.Name),
			zap.Int("status", resp.StatusCode))
	}
}

// Fanout delivers each event to every sink in order.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, ev domain.Event) {
	for _, s := range f {
		s.Emit(ctx, ev)
	}
}
