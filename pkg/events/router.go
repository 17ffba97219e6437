package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ruche-ai/ruche/pkg/metrics"
	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/store"
)

// WebhookSink receives emitted events for webhook delivery. Implemented by
// the webhook dispatcher; implementations must not block.
type WebhookSink interface {
	Dispatch(ctx context.Context, e *models.Event)
}

// fanoutQueueSize bounds the async fan-out queue. Emitters never block: when
// the queue is full the live/webhook copy is dropped (the audit copy is not).
const fanoutQueueSize = 1024

// Router is the single funnel for fabric events. Emit is cheap and
// non-blocking for the caller; the router buffers each turn's events in
// order, flushes them durably to the audit log before the turn reaches a
// terminal state, and fans copies out to the live stream, metrics and the
// webhook dispatcher asynchronously.
type Router struct {
	audit     store.AuditStore
	publisher *Publisher
	webhooks  WebhookSink
	metrics   *metrics.Metrics

	maxPayloadBytes int
	ratePerSec      int

	mu      sync.Mutex
	buffers map[string][]*models.Event // turn id -> ordered events
	windows map[string]*rateWindow     // tenant id -> emit window

	fanout chan *models.Event
	done   chan struct{}

	now func() time.Time
}

type rateWindow struct {
	start time.Time
	count int
}

// RouterOptions configures a Router. Publisher, Webhooks and Metrics are
// optional; Audit is required.
type RouterOptions struct {
	Audit            store.AuditStore
	Publisher        *Publisher
	Webhooks         WebhookSink
	Metrics          *metrics.Metrics
	MaxPayloadBytes  int
	TenantRatePerSec int
}

// NewRouter creates a Router. Call Start before emitting.
func NewRouter(opts RouterOptions) *Router {
	return &Router{
		audit:           opts.Audit,
		publisher:       opts.Publisher,
		webhooks:        opts.Webhooks,
		metrics:         opts.Metrics,
		maxPayloadBytes: opts.MaxPayloadBytes,
		ratePerSec:      opts.TenantRatePerSec,
		buffers:         make(map[string][]*models.Event),
		windows:         make(map[string]*rateWindow),
		fanout:          make(chan *models.Event, fanoutQueueSize),
		done:            make(chan struct{}),
		now:             time.Now,
	}
}

// Start launches the async fan-out loop.
func (r *Router) Start(ctx context.Context) {
	go r.fanoutLoop(ctx)
}

// Stop waits for the fan-out loop to drain.
func (r *Router) Stop() {
	close(r.fanout)
	<-r.done
}

// Emit routes one event. Events carrying a logical turn id are buffered in
// emit order until FlushTurn; others are written to the audit log directly.
// Malformed types and over-cap tenants are dropped, never surfaced to the
// emitting pipeline.
func (r *Router) Emit(ctx context.Context, e *models.Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now().UTC()
	}

	if _, _, ok := models.SplitEventType(e.Type); !ok {
		slog.Warn("Dropping event with malformed type", "type", e.Type, "tenant_id", e.TenantID)
		r.metrics.ObserveDrop(e.TenantID, "invalid_type")
		return
	}

	// Enforcement events bypass the tenant cap so the notice about the cap
	// itself always lands.
	if e.Category() != models.CategoryEnforcement && !r.allow(e.TenantID) {
		r.metrics.ObserveDrop(e.TenantID, "rate_capped")
		return
	}

	r.truncatePayload(e)
	r.metrics.ObserveEvent(e.Type)

	if e.LogicalTurnID != "" {
		r.mu.Lock()
		r.buffers[e.LogicalTurnID] = append(r.buffers[e.LogicalTurnID], e)
		r.mu.Unlock()
	} else if r.audit != nil {
		if err := r.audit.Append(ctx, []*models.Event{e}); err != nil {
			slog.Error("Failed to append event to audit log", "type", e.Type, "error", err)
		}
	}

	select {
	case r.fanout <- e:
	default:
		r.metrics.ObserveDrop(e.TenantID, "backpressure")
	}
}

// FlushTurn durably appends the turn's buffered events to the audit log, in
// emit order. The scheduler calls this before moving the turn to a terminal
// state; the buffer is retained on error so a retry can flush again.
func (r *Router) FlushTurn(ctx context.Context, turnID string) error {
	r.mu.Lock()
	buffered := r.buffers[turnID]
	r.mu.Unlock()
	if len(buffered) == 0 {
		return nil
	}
	if r.audit != nil {
		if err := r.audit.Append(ctx, buffered); err != nil {
			return err
		}
	}
	r.mu.Lock()
	delete(r.buffers, turnID)
	r.mu.Unlock()
	return nil
}

// DiscardTurn drops a turn's buffer without persisting, for turns that were
// requeued and will be replayed from scratch.
func (r *Router) DiscardTurn(turnID string) {
	r.mu.Lock()
	delete(r.buffers, turnID)
	r.mu.Unlock()
}

func (r *Router) fanoutLoop(ctx context.Context) {
	defer close(r.done)
	for e := range r.fanout {
		r.deliver(ctx, e)
	}
}

func (r *Router) deliver(ctx context.Context, e *models.Event) {
	if r.webhooks != nil {
		r.webhooks.Dispatch(ctx, e)
	}
	if r.publisher == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		slog.Warn("Failed to marshal event for live stream", "type", e.Type, "error", err)
		return
	}
	if e.SessionKey != "" {
		if err := r.publisher.PublishBoth(ctx, SessionChannel(e.SessionKey), payload); err != nil {
			slog.Warn("Failed to publish live event", "type", e.Type, "error", err)
		}
		return
	}
	if err := r.publisher.Publish(ctx, GlobalChannel, payload, false); err != nil {
		slog.Warn("Failed to publish live event", "type", e.Type, "error", err)
	}
}

// allow implements the per-tenant emit cap over one-second windows.
func (r *Router) allow(tenantID string) bool {
	if r.ratePerSec <= 0 || tenantID == "" {
		return true
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	w := r.windows[tenantID]
	if w == nil || now.Sub(w.start) >= time.Second {
		r.windows[tenantID] = &rateWindow{start: now, count: 1}
		return true
	}
	if w.count >= r.ratePerSec {
		return false
	}
	w.count++
	return true
}

// truncatePayload replaces oversized payloads with a marker so no sink ever
// carries more than the configured cap.
func (r *Router) truncatePayload(e *models.Event) {
	if r.maxPayloadBytes <= 0 || e.Payload == nil {
		return
	}
	encoded, err := json.Marshal(e.Payload)
	if err != nil || len(encoded) <= r.maxPayloadBytes {
		return
	}
	e.Payload = map[string]any{
		"payload_truncated": true,
		"original_bytes":    len(encoded),
	}
}
