// Package webhooks delivers trade state changes to external HTTP endpoints.
//
// Each delivery is a JSON POST signed with HMAC-SHA256 over the body when the
// target has a secret. Deliveries are queued and sent by a small worker pool so
// the escrow actors never wait on a slow endpoint.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/lnescrow/internal/escrow"
	"github.com/mbd888/lnescrow/internal/idgen"
	"github.com/mbd888/lnescrow/internal/metrics"
	"github.com/mbd888/lnescrow/internal/retry"
)

// Request headers set on every delivery.
const (
	HeaderEvent     = "X-Escrow-Event"
	HeaderTimestamp = "X-Escrow-Timestamp"
	HeaderSignature = "X-Escrow-Signature"
)

const (
	queueSize   = 256
	workers     = 4
	maxAttempts = 4
	baseDelay   = 500 * time.Millisecond
)

// Event is the delivered payload.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
}

// EventData describes the trade that changed.
type EventData struct {
	Role    string            `json:"role"`
	TradeID string            `json:"trade_id"`
	State   escrow.TradeState `json:"state"`
}

// Target is one endpoint to deliver to.
type Target struct {
	URL    string
	Secret string
}

// Dispatcher queues trade events and posts them to every target.
type Dispatcher struct {
	targets []Target
	client  *http.Client
	logger  *slog.Logger
	queue   chan *Event
	now     func() time.Time
	delay   time.Duration

	once sync.Once
	wg   sync.WaitGroup
}

var _ escrow.Observer = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher for targets. Call Run to start delivery.
func NewDispatcher(targets []Target, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		targets: targets,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With("component", "webhooks"),
		queue:   make(chan *Event, queueSize),
		now:     time.Now,
		delay:   baseDelay,
	}
}

// TradeChanged queues an event. It never blocks; a full queue drops the event.
func (d *Dispatcher) TradeChanged(role, tradeID string, state escrow.TradeState) {
	ev := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      "trade." + string(state),
		Timestamp: d.now().UTC(),
		Data:      EventData{Role: role, TradeID: tradeID, State: state},
	}
	select {
	case d.queue <- ev:
	default:
		metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
		d.logger.Warn("webhook queue full, dropping event", "trade_id", tradeID, "state", state)
	}
}

// Run delivers queued events until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	d.once.Do(func() {
		for i := 0; i < workers; i++ {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				for {
					select {
					case <-ctx.Done():
						return
					case ev := <-d.queue:
						d.deliver(ctx, ev)
					}
				}
			}()
		}
	})
	<-ctx.Done()
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, ev *Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("marshal webhook event", "error", err)
		return
	}
	for _, t := range d.targets {
		err := retry.Do(ctx, maxAttempts, d.delay, func() error {
			return d.send(ctx, t, ev, payload)
		})
		if err != nil {
			metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
			d.logger.Warn("webhook delivery failed",
				"url", t.URL, "event", ev.Type, "trade_id", ev.Data.TradeID, "error", err)
			continue
		}
		metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
	}
}

// send posts payload once. Client errors are not retried.
func (d *Dispatcher) send(ctx context.Context, t Target, ev *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, ev.Type)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.Timestamp.Unix(), 10))
	if t.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, t.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches payload under secret.
func Verify(payload []byte, secret, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(h.Sum(nil), want)
}
