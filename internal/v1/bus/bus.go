// Package bus is the domain event bus. Room and recording services publish
// lifecycle events here; the webhook dispatcher subscribes. Events fan out to
// local subscribers synchronously and, when the coordination store is
// available, to every other replica over a single Redis channel.
package bus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ovmeet/backend/internal/v1/logging"
	"github.com/ovmeet/backend/internal/v1/store"
	"github.com/ovmeet/backend/internal/v1/types"
)

// Channel is the Redis channel carrying cross-replica domain events.
const Channel = "ov_meet:events"

// Handler consumes one domain event.
type Handler func(types.Event)

// envelope wraps an event with the publishing replica's id so each replica
// can drop the echo of its own publishes.
type envelope struct {
	Origin string      `json:"origin"`
	Event  types.Event `json:"event"`
}

// Service fans events out to local handlers and across replicas.
type Service struct {
	store    *store.Service // nil = local-only mode
	originID string

	mu       sync.RWMutex
	handlers []Handler

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewService builds the bus. A nil store keeps the bus in local-only mode,
// which single-replica deployments and tests use.
func NewService(st *store.Service) *Service {
	return &Service{
		store:    st,
		originID: uuid.NewString(),
	}
}

// Start begins consuming cross-replica events. No-op in local-only mode.
func (s *Service) Start(ctx context.Context) {
	if s.store == nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.store.Subscribe(ctx, Channel, &s.wg, s.handleMessage)
}

// Close stops the subscription loop and waits for it to drain.
func (s *Service) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// SubscribeAll registers a handler for every event type. Handlers run in the
// publisher's goroutine for local events, so they must be fast and hand heavy
// work to their own workers.
func (s *Service) SubscribeAll(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Publish stamps the event (id, creation time) and delivers it to local
// subscribers, then broadcasts to the other replicas. A failed broadcast is
// logged and swallowed: the local delivery already happened and each replica
// dedupes webhook sends, so dropping the fan-out degrades only cross-replica
// visibility.
func (s *Service) Publish(ctx context.Context, ev types.Event) types.Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().UnixMilli()
	}

	s.dispatch(ev)

	if s.store != nil {
		data, err := json.Marshal(envelope{Origin: s.originID, Event: ev})
		if err != nil {
			logging.Error(ctx, "failed to marshal event envelope", zap.String("event_id", ev.ID), zap.Error(err))
			return ev
		}
		if err := s.store.Publish(ctx, Channel, data); err != nil {
			logging.Warn(ctx, "failed to broadcast event to other replicas",
				zap.String("event_id", ev.ID),
				zap.String("event_type", string(ev.Type)),
				zap.Error(err))
		}
	}

	return ev
}

// handleMessage feeds one cross-replica message to the local subscribers,
// dropping our own echo.
func (s *Service) handleMessage(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logging.Error(context.Background(), "failed to unmarshal event envelope", zap.Error(err))
		return
	}
	if env.Origin == s.originID {
		return
	}
	s.dispatch(env.Event)
}

func (s *Service) dispatch(ev types.Event) {
	s.mu.RLock()
	handlers := make([]Handler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
