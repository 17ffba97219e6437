package webhooks

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ruche-ai/ruche/pkg/config"
	"github.com/ruche-ai/ruche/pkg/events"
	"github.com/ruche-ai/ruche/pkg/metrics"
	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/store"
)

// claimBatch is how many due deliveries one poll claims.
const claimBatch = 20

// DeliveryPool sends claimed deliveries with signed requests and maintains
// the durable retry schedule. Multiple pods run pools concurrently; the
// claim discipline in the store keeps them from double-sending.
type DeliveryPool struct {
	cfg        *config.WebhookConfig
	subs       store.SubscriptionStore
	deliveries store.DeliveryStore
	router     *events.Router
	metrics    *metrics.Metrics
	client     *http.Client
	podID      string
	logger     *slog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

// PoolOptions wires a DeliveryPool. Router and Metrics are optional; Client
// defaults to a plain http.Client.
type PoolOptions struct {
	Config     *config.WebhookConfig
	Subs       store.SubscriptionStore
	Deliveries store.DeliveryStore
	Router     *events.Router
	Metrics    *metrics.Metrics
	Client     *http.Client
	PodID      string
	Logger     *slog.Logger
}

// NewDeliveryPool creates a DeliveryPool.
func NewDeliveryPool(opts PoolOptions) *DeliveryPool {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliveryPool{
		cfg:        opts.Config,
		subs:       opts.Subs,
		deliveries: opts.Deliveries,
		router:     opts.Router,
		metrics:    opts.Metrics,
		client:     client,
		podID:      opts.PodID,
		logger:     logger,
		stop:       make(chan struct{}),
		now:        time.Now,
	}
}

// Start launches the delivery workers.
func (p *DeliveryPool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.DeliveryWorkers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx)
	}
	p.logger.Info("Webhook delivery pool started", slog.Int("workers", p.cfg.DeliveryWorkers))
}

// Stop signals the workers and waits for in-flight deliveries to settle.
func (p *DeliveryPool) Stop() {
	close(p.stop)
	p.wg.Wait()
}

func (p *DeliveryPool) workerLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}

		claimed, err := p.deliveries.ClaimDue(ctx, p.podID, p.now().UTC(), claimBatch)
		if err != nil {
			p.logger.Error("Failed to claim webhook deliveries", slog.String("error", err.Error()))
			continue
		}
		for _, d := range claimed {
			p.Deliver(ctx, d)
		}
	}
}

// Deliver sends one claimed delivery and records the outcome.
func (p *DeliveryPool) Deliver(ctx context.Context, d *models.WebhookDelivery) {
	sub, err := p.subs.Get(ctx, d.SubscriptionID)
	if err != nil {
		p.failDelivery(ctx, d, nil, "subscription missing", 0, 0)
		return
	}
	if sub.Status != models.SubscriptionActive {
		p.failDelivery(ctx, d, nil, "subscription not active", 0, 0)
		return
	}

	statusCode, elapsed, sendErr := p.send(ctx, sub, d)
	elapsedMs := int(elapsed.Milliseconds())

	switch {
	case sendErr == nil && statusCode >= 200 && statusCode < 300:
		if err := p.deliveries.MarkDelivered(ctx, d.ID, statusCode, elapsedMs); err != nil {
			p.logger.Error("Failed to record delivery", slog.String("delivery_id", d.ID), slog.String("error", err.Error()))
		}
		if err := p.subs.RecordSuccess(ctx, sub.ID, p.now().UTC()); err != nil {
			p.logger.Warn("Failed to record subscription success", slog.String("subscription_id", sub.ID), slog.String("error", err.Error()))
		}
		p.observe("delivered", elapsed)

	case retryable(statusCode, sendErr):
		reason := reasonFor(statusCode, sendErr)
		maxRetries := sub.MaxRetries
		if maxRetries <= 0 {
			maxRetries = p.cfg.MaxRetries
		}
		if d.AttemptCount >= maxRetries {
			if err := p.deliveries.MarkExhausted(ctx, d.ID, reason); err != nil {
				p.logger.Error("Failed to mark delivery exhausted", slog.String("delivery_id", d.ID), slog.String("error", err.Error()))
			}
			p.observe("exhausted", elapsed)
			p.recordFailure(ctx, sub)
			return
		}
		next := p.now().UTC().Add(p.backoffFor(d.AttemptCount + 1))
		if err := p.deliveries.ScheduleRetry(ctx, d.ID, next, reason, statusCode, elapsedMs); err != nil {
			p.logger.Error("Failed to schedule retry", slog.String("delivery_id", d.ID), slog.String("error", err.Error()))
		}
		p.observe("retried", elapsed)
		p.recordFailure(ctx, sub)

	default:
		p.failDelivery(ctx, d, sub, reasonFor(statusCode, sendErr), statusCode, elapsedMs)
	}
}

func (p *DeliveryPool) send(ctx context.Context, sub *models.WebhookSubscription, d *models.WebhookDelivery) (int, time.Duration, error) {
	timeoutMs := sub.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = p.cfg.DefaultTimeoutMs
	}
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	ts := p.now().UTC()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TimestampHeader, timestampValue(ts))
	req.Header.Set(SignatureHeader, Sign(sub.Secret, ts, d.Payload))
	req.Header.Set(EventTypeHeader, d.EventType)
	req.Header.Set(DeliveryHeader, d.ID)

	start := p.now()
	resp, err := p.client.Do(req)
	elapsed := p.now().Sub(start)
	if err != nil {
		return 0, elapsed, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, elapsed, nil
}

func (p *DeliveryPool) failDelivery(ctx context.Context, d *models.WebhookDelivery, sub *models.WebhookSubscription, reason string, statusCode, elapsedMs int) {
	if err := p.deliveries.MarkFailed(ctx, d.ID, reason, statusCode, elapsedMs); err != nil {
		p.logger.Error("Failed to mark delivery failed", slog.String("delivery_id", d.ID), slog.String("error", err.Error()))
	}
	p.observe("failed", 0)
	if sub != nil {
		p.recordFailure(ctx, sub)
	}
}

// recordFailure bumps the subscription's consecutive-failure streak and
// auto-disables it at the threshold.
func (p *DeliveryPool) recordFailure(ctx context.Context, sub *models.WebhookSubscription) {
	count, err := p.subs.RecordFailure(ctx, sub.ID, p.now().UTC())
	if err != nil {
		p.logger.Warn("Failed to record subscription failure", slog.String("subscription_id", sub.ID), slog.String("error", err.Error()))
		return
	}
	if p.cfg.FailureThreshold <= 0 || count < p.cfg.FailureThreshold {
		return
	}
	if err := p.subs.UpdateStatus(ctx, sub.ID, models.SubscriptionDisabled); err != nil {
		p.logger.Error("Failed to disable subscription", slog.String("subscription_id", sub.ID), slog.String("error", err.Error()))
		return
	}
	p.logger.Warn("Subscription auto-disabled after consecutive failures",
		slog.String("subscription_id", sub.ID), slog.Int("failures", count))
	if p.router != nil {
		p.router.Emit(ctx, &models.Event{
			Type:     events.EventEnforcementWebhookOff,
			TenantID: sub.TenantID,
			Payload: map[string]any{
				"subscription_id": sub.ID,
				"failures":        count,
			},
		})
	}
}

// backoffFor computes the delay before retry n (1-based): the exponential
// schedule without jitter, capped at MaxBackoff.
func (p *DeliveryPool) backoffFor(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.InitialBackoff
	bo.Multiplier = p.cfg.BackoffFactor
	bo.MaxInterval = p.cfg.MaxBackoff
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	delay := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}

func (p *DeliveryPool) observe(outcome string, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.WebhookDelivery.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		p.metrics.WebhookLatency.Observe(elapsed.Seconds())
	}
}

// retryable classifies an outcome: network errors, timeouts, 408, 429 and
// any 5xx retry; other 4xx are permanent.
func retryable(statusCode int, err error) bool {
	if err != nil {
		return true
	}
	if statusCode == http.StatusRequestTimeout || statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500
}

func reasonFor(statusCode int, err error) string {
	if err != nil {
		return err.Error()
	}
	return http.StatusText(statusCode)
}

func timestampValue(ts time.Time) string {
	return strconv.FormatInt(ts.Unix(), 10)
}
