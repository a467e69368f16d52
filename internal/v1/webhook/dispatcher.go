// Package webhook carries domain events out to the customer's endpoint and
// media-server callbacks back in. Outbound delivery is at-least-once:
// replicas race for a per-event lease, the winner retries with backoff, and
// receivers are expected to deduplicate.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ovmeet/backend/internal/v1/apperr"
	"github.com/ovmeet/backend/internal/v1/lock"
	"github.com/ovmeet/backend/internal/v1/logging"
	"github.com/ovmeet/backend/internal/v1/metrics"
	"github.com/ovmeet/backend/internal/v1/types"
)

// LockPrefix scopes the cross-replica delivery lease. Every replica sees
// every bus event; only the lease holder posts it.
const LockPrefix = "webhook:"

// Defaults applied when Options fields are zero.
const (
	DefaultMaxAttempts = 5
	DefaultBaseBackoff = time.Second
	DefaultMaxBackoff  = 30 * time.Second
	DefaultTimeout     = 10 * time.Second
	DefaultLaneDepth   = 64
)

// laneIdleAfter is how long a delivery lane may sit empty before its worker
// retires.
const laneIdleAfter = 10 * time.Minute

// ConfigSource yields the current webhook destination. Reads go through the
// persistence layer so configuration changes take effect without restarts.
type ConfigSource interface {
	Get(ctx context.Context) (*types.GlobalConfig, error)
}

// Options tune delivery behavior.
type Options struct {
	// MaxAttempts bounds posts per event, first try included.
	MaxAttempts int
	// BaseBackoff is the delay before the second attempt; it doubles per
	// attempt up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Timeout bounds one HTTP attempt.
	Timeout time.Duration
	// LaneDepth is the per-lane queue size; a full lane drops new events.
	LaneDepth int
}

// Dispatcher fans domain events out to the configured endpoint. Events are
// partitioned into FIFO lanes by primary id so a recording's
// started/updated/ended sequence is never reordered by the retries of an
// earlier event; lanes of different entities deliver concurrently.
type Dispatcher struct {
	cfg    ConfigSource
	locks  *lock.Service
	client *http.Client
	opts   Options

	mu     sync.Mutex
	lanes  map[string]chan types.Event
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher wires the dispatcher. Register Dispatch on the bus to start
// receiving events.
func NewDispatcher(cfg ConfigSource, locks *lock.Service, opts Options) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = DefaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.LaneDepth <= 0 {
		opts.LaneDepth = DefaultLaneDepth
	}
	return &Dispatcher{
		cfg:    cfg,
		locks:  locks,
		client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
		lanes:  make(map[string]chan types.Event),
	}
}

// Dispatch enqueues one event for delivery. It runs in the bus publisher's
// goroutine and never blocks it: a full lane drops the event and counts the
// drop.
func (d *Dispatcher) Dispatch(ev types.Event) {
	if !outboundEvent(ev.Type) {
		return
	}
	key := primaryID(ev)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	ch, ok := d.lanes[key]
	if !ok {
		ch = make(chan types.Event, d.opts.LaneDepth)
		d.lanes[key] = ch
		d.wg.Add(1)
		go d.drain(key, ch)
	}

	select {
	case ch <- ev:
		metrics.WebhookQueueDepth.Inc()
	default:
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(ev.Type), "dropped").Inc()
		logging.Warn(context.Background(), "Webhook lane full, dropping event",
			zap.String("event_id", ev.ID),
			zap.String("event_type", string(ev.Type)),
			zap.String("primary_id", key))
	}
}

// Close stops accepting events and waits for the queued ones to finish
// delivering.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, ch := range d.lanes {
		close(ch)
	}
	d.mu.Unlock()
	d.wg.Wait()
	d.client.CloseIdleConnections()
}

// drain delivers one lane in order. An empty lane retires after a while; a
// later event for the same primary id recreates it.
func (d *Dispatcher) drain(key string, ch chan types.Event) {
	defer d.wg.Done()
	idle := time.NewTimer(laneIdleAfter)
	defer idle.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			metrics.WebhookQueueDepth.Dec()
			d.deliver(context.Background(), ev)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(laneIdleAfter)
		case <-idle.C:
			// Enqueues happen under d.mu, so an empty channel here cannot
			// gain an event between the check and the delete.
			d.mu.Lock()
			if d.closed || len(ch) > 0 {
				d.mu.Unlock()
				idle.Reset(laneIdleAfter)
				continue
			}
			delete(d.lanes, key)
			d.mu.Unlock()
			return
		}
	}
}

// deliver posts one event under the cross-replica lease.
func (d *Dispatcher) deliver(ctx context.Context, ev types.Event) {
	ctx = logging.WithRoom(ctx, ev.RoomID)

	cfg, err := d.cfg.Get(ctx)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(ev.Type), "error").Inc()
		logging.Warn(ctx, "Skipping webhook, configuration unavailable", zap.Error(err))
		return
	}
	if !cfg.Webhooks.Enabled || cfg.Webhooks.URL == "" {
		return
	}

	lease, err := d.locks.Acquire(ctx, LockPrefix+eventKey(ev), d.lockTTL())
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(ev.Type), "error").Inc()
		logging.Warn(ctx, "Skipping webhook, lease unavailable", zap.Error(err))
		return
	}
	if lease == nil {
		// Another replica won this event.
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(ev.Type), "duplicate").Inc()
		logging.Debug(ctx, "Webhook already being delivered elsewhere", zap.String("event_id", ev.ID))
		return
	}
	defer func() {
		if err := d.locks.Release(ctx, lease); err != nil {
			logging.Warn(ctx, "Failed to release webhook lease", zap.Error(err))
		}
	}()

	start := time.Now()
	err = d.post(ctx, cfg.Webhooks, ev)
	metrics.WebhookDeliveryDuration.WithLabelValues(string(ev.Type)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(ev.Type), "failed").Inc()
		logging.Warn(ctx, "Webhook delivery gave up",
			zap.String("event_id", ev.ID),
			zap.String("event_type", string(ev.Type)),
			zap.Error(err))
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(string(ev.Type), "delivered").Inc()
	logging.Debug(ctx, "Webhook delivered",
		zap.String("event_id", ev.ID),
		zap.String("event_type", string(ev.Type)))
}

// payload is the wire shape receivers consume.
type payload struct {
	CreationDate int64           `json:"creationDate"`
	Event        types.EventType `json:"event"`
	Data         map[string]any  `json:"data"`
}

// post runs the retry loop for one event.
func (d *Dispatcher) post(ctx context.Context, target types.WebhooksConfig, ev types.Event) error {
	body, err := json.Marshal(payload{CreationDate: ev.CreatedAt, Event: ev.Type, Data: ev.Data})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < d.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffDelay(attempt-1, d.opts.BaseBackoff, d.opts.MaxBackoff)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = d.send(ctx, target, body)
		if lastErr == nil {
			return nil
		}
		logging.Debug(ctx, "Webhook attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", d.opts.MaxAttempts),
			zap.Error(lastErr))
	}
	return fmt.Errorf("%d attempts exhausted: %w", d.opts.MaxAttempts, lastErr)
}

// send performs one signed POST.
func (d *Dispatcher) send(ctx context.Context, target types.WebhooksConfig, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if target.Secret != "" {
		req.Header.Set("Authorization", signPayload(target.Secret, body))
	}

	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %s", res.Status)
	}
	return nil
}

// SendTest posts a synthetic event to url, once, without the retry loop.
// The configuration API uses it to vet an endpoint before saving it.
func (d *Dispatcher) SendTest(ctx context.Context, rawURL string) error {
	if err := ValidateURL(rawURL); err != nil {
		return err
	}
	cfg, err := d.cfg.Get(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload{
		CreationDate: time.Now().UnixMilli(),
		Event:        "testEvent",
		Data:         map[string]any{"message": "webhook endpoint verification"},
	})
	if err != nil {
		return err
	}
	target := types.WebhooksConfig{URL: rawURL, Secret: cfg.Webhooks.Secret}
	if err := d.send(ctx, target, body); err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "WEBHOOK_TEST_FAILED",
			"webhook endpoint did not accept the test event")
	}
	return nil
}

// ValidateURL rejects destinations the dispatcher could not post to.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperr.Validation("INVALID_WEBHOOK_URL", "webhook url must be an absolute http(s) url")
	}
	return nil
}

// signPayload authenticates the exact bytes sent: hex HMAC-SHA256 of the
// body under the shared secret, carried in the Authorization header.
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// eventKey names one emitted event. Every replica receives the same bus
// event and derives the same key, which is what makes the lease a dedupe.
func eventKey(ev types.Event) string {
	sum := sha256.Sum256([]byte(string(ev.Type) + "|" + primaryID(ev) + "|" + strconv.FormatInt(ev.CreatedAt, 10)))
	return hex.EncodeToString(sum[:8])
}

// primaryID is the entity an event is about, and therefore its ordering
// domain: the recording for recording events, the room otherwise.
func primaryID(ev types.Event) string {
	if id, ok := ev.Data["recordingId"].(string); ok && id != "" {
		return id
	}
	if ev.RoomID != "" {
		return ev.RoomID
	}
	return "global"
}

func outboundEvent(t types.EventType) bool {
	switch t {
	case types.EventMeetingStarted, types.EventMeetingEnded,
		types.EventRecordingStarted, types.EventRecordingUpdated, types.EventRecordingEnded:
		return true
	}
	return false
}

// lockTTL covers the worst-case retry schedule with slack so a losing
// replica cannot begin a duplicate delivery while the winner is mid-retry.
func (d *Dispatcher) lockTTL() time.Duration {
	total := d.opts.Timeout * time.Duration(d.opts.MaxAttempts)
	delay := d.opts.BaseBackoff
	for i := 1; i < d.opts.MaxAttempts; i++ {
		if delay > d.opts.MaxBackoff {
			delay = d.opts.MaxBackoff
		}
		total += delay
		delay *= 2
	}
	return total + 30*time.Second
}

// backoffDelay is base*2^attempt capped at max, jittered by ±25% so retries
// from different replicas and lanes do not synchronize.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if delay > max {
		delay = max
	}
	jitter := (rand.Float64()*2 - 1) * 0.25 * float64(delay)
	delay += time.Duration(jitter)
	if delay <= 0 {
		delay = base
	}
	return delay
}
