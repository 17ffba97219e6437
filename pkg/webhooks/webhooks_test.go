package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruche-ai/ruche/pkg/config"
	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/store/inmem"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestSignVerify_RoundTrip(t *testing.T) {
	body := []byte(`{"event_type":"turn.completed"}`)
	ts := time.Now()
	sig := Sign(testSecret, ts, body)
	assert.Regexp(t, `^v1=[0-9a-f]{64}$`, sig)

	err := Verify(testSecret, sig, timestampValue(ts), body, time.Now(), 300*time.Second)
	assert.NoError(t, err)
}

func TestVerify_Rejections(t *testing.T) {
	body := []byte(`{"a":1}`)
	ts := time.Now()
	sig := Sign(testSecret, ts, body)

	t.Run("tampered body", func(t *testing.T) {
		err := Verify(testSecret, sig, timestampValue(ts), []byte(`{"a":2}`), time.Now(), 300*time.Second)
		assert.ErrorIs(t, err, ErrSignatureMismatch)
	})
	t.Run("wrong secret", func(t *testing.T) {
		err := Verify("another-secret-another-secret-00", sig, timestampValue(ts), body, time.Now(), 300*time.Second)
		assert.ErrorIs(t, err, ErrSignatureMismatch)
	})
	t.Run("stale timestamp", func(t *testing.T) {
		old := ts.Add(-10 * time.Minute)
		err := Verify(testSecret, Sign(testSecret, old, body), timestampValue(old), body, time.Now(), 300*time.Second)
		assert.ErrorIs(t, err, ErrTimestampSkew)
	})
	t.Run("malformed header", func(t *testing.T) {
		err := Verify(testSecret, "v2=deadbeef", timestampValue(ts), body, time.Now(), 300*time.Second)
		assert.ErrorIs(t, err, ErrMalformedHeader)
	})
}

func seedSubscription(t *testing.T, subs *inmem.SubscriptionStore, url string, patterns []string, agents []string) *models.WebhookSubscription {
	t.Helper()
	sub := &models.WebhookSubscription{
		ID:            uuid.NewString(),
		TenantID:      "acme",
		URL:           url,
		Secret:        testSecret,
		EventPatterns: patterns,
		AgentIDs:      agents,
		Status:        models.SubscriptionActive,
		MaxRetries:    5,
	}
	require.NoError(t, subs.Create(context.Background(), sub))
	return sub
}

func testEvent() *models.Event {
	return &models.Event{
		ID:            uuid.NewString(),
		Type:          "turn.completed",
		LogicalTurnID: "turn-1",
		SessionKey:    "sess:acme:bot:u1:whatsapp",
		Timestamp:     time.Now().UTC(),
		TenantID:      "acme",
		AgentID:       "bot",
		Payload:       map[string]any{"message_count": 2},
	}
}

func TestDispatcher_EnqueuesMatchingSubscriptions(t *testing.T) {
	subs := inmem.NewSubscriptionStore()
	deliveries := inmem.NewDeliveryStore()
	matching := seedSubscription(t, subs, "https://hooks.example/a", []string{"turn.*"}, nil)
	seedSubscription(t, subs, "https://hooks.example/b", []string{"tool.*"}, nil)
	seedSubscription(t, subs, "https://hooks.example/c", []string{"*"}, []string{"other-agent"})

	d := NewDispatcher(subs, deliveries, nil)
	d.Dispatch(context.Background(), testEvent())

	claimed, err := deliveries.ClaimDue(context.Background(), "pod", time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, matching.ID, claimed[0].SubscriptionID)
	assert.Equal(t, "turn.completed", claimed[0].EventType)

	var payload models.WebhookPayload
	require.NoError(t, json.Unmarshal(claimed[0].Payload, &payload))
	assert.Equal(t, matching.ID, payload.WebhookID)
	assert.Equal(t, models.WebhookPayloadSchemaVersion, payload.SchemaVersion)
	assert.Equal(t, "turn-1", payload.LogicalTurnID)
}

func newPool(subs *inmem.SubscriptionStore, deliveries *inmem.DeliveryStore) *DeliveryPool {
	return NewDeliveryPool(PoolOptions{
		Config:     config.DefaultWebhookConfig(),
		Subs:       subs,
		Deliveries: deliveries,
		PodID:      "pod-test",
	})
}

func dispatchOne(t *testing.T, subs *inmem.SubscriptionStore, deliveries *inmem.DeliveryStore) *models.WebhookDelivery {
	t.Helper()
	NewDispatcher(subs, deliveries, nil).Dispatch(context.Background(), testEvent())
	claimed, err := deliveries.ClaimDue(context.Background(), "pod-test", time.Now(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

func TestDeliver_SignedSuccess(t *testing.T) {
	var gotSig, gotTS string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotTS = r.Header.Get(TimestampHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	subs := inmem.NewSubscriptionStore()
	deliveries := inmem.NewDeliveryStore()
	sub := seedSubscription(t, subs, server.URL, []string{"turn.*"}, nil)
	claimed := dispatchOne(t, subs, deliveries)

	pool := newPool(subs, deliveries)
	pool.Deliver(context.Background(), claimed)

	stored, err := deliveries.Get(context.Background(), claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, stored.Status)

	// The receiver can verify the request with the shared secret.
	assert.NoError(t, Verify(testSecret, gotSig, gotTS, gotBody, time.Now(), 300*time.Second))

	refreshed, err := subs.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, refreshed.ConsecutiveFailures)
	assert.NotNil(t, refreshed.LastSuccessAt)
}

func TestDeliver_ServerErrorSchedulesRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	subs := inmem.NewSubscriptionStore()
	deliveries := inmem.NewDeliveryStore()
	seedSubscription(t, subs, server.URL, []string{"turn.*"}, nil)
	claimed := dispatchOne(t, subs, deliveries)

	pool := newPool(subs, deliveries)
	before := time.Now()
	pool.Deliver(context.Background(), claimed)

	stored, err := deliveries.Get(context.Background(), claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)
	require.NotNil(t, stored.NextRetryAt)
	// First retry follows the initial backoff.
	assert.WithinDuration(t, before.Add(10*time.Second), *stored.NextRetryAt, 2*time.Second)
}

func TestDeliver_ClientErrorIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	subs := inmem.NewSubscriptionStore()
	deliveries := inmem.NewDeliveryStore()
	seedSubscription(t, subs, server.URL, []string{"turn.*"}, nil)
	claimed := dispatchOne(t, subs, deliveries)

	pool := newPool(subs, deliveries)
	pool.Deliver(context.Background(), claimed)

	stored, err := deliveries.Get(context.Background(), claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, stored.Status)
}

func TestDeliver_ExhaustsAfterMaxRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	subs := inmem.NewSubscriptionStore()
	deliveries := inmem.NewDeliveryStore()
	sub := seedSubscription(t, subs, server.URL, []string{"turn.*"}, nil)
	claimed := dispatchOne(t, subs, deliveries)
	claimed.AttemptCount = 5

	pool := newPool(subs, deliveries)
	pool.Deliver(context.Background(), claimed)

	stored, err := deliveries.Get(context.Background(), claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryExhausted, stored.Status)

	refreshed, err := subs.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, refreshed.ConsecutiveFailures)
}

func TestDeliver_AutoDisablesAtFailureThreshold(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	subs := inmem.NewSubscriptionStore()
	deliveries := inmem.NewDeliveryStore()
	sub := seedSubscription(t, subs, server.URL, []string{"turn.*"}, nil)
	for i := 0; i < 9; i++ {
		_, err := subs.RecordFailure(context.Background(), sub.ID, time.Now())
		require.NoError(t, err)
	}
	claimed := dispatchOne(t, subs, deliveries)

	pool := newPool(subs, deliveries)
	pool.Deliver(context.Background(), claimed)

	refreshed, err := subs.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionDisabled, refreshed.Status)
	assert.Equal(t, 10, refreshed.ConsecutiveFailures)
}

func TestBackoffSchedule(t *testing.T) {
	pool := newPool(inmem.NewSubscriptionStore(), inmem.NewDeliveryStore())
	assert.Equal(t, 10*time.Second, pool.backoffFor(1))
	assert.Equal(t, 20*time.Second, pool.backoffFor(2))
	assert.Equal(t, 40*time.Second, pool.backoffFor(3))
	// The schedule caps at MaxBackoff.
	assert.Equal(t, 3600*time.Second, pool.backoffFor(12))
}

func TestChallenge_EchoActivates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body challengeBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_ = json.NewEncoder(w).Encode(map[string]string{"challenge": body.Challenge})
	}))
	defer server.Close()

	sub := &models.WebhookSubscription{ID: uuid.NewString(), URL: server.URL, Secret: testSecret}
	c := NewHTTPChallenger(config.DefaultWebhookConfig(), nil)
	assert.NoError(t, c.Challenge(context.Background(), sub))
}

func TestChallenge_WrongEchoFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"challenge":"not-the-nonce"}`))
	}))
	defer server.Close()

	sub := &models.WebhookSubscription{ID: uuid.NewString(), URL: server.URL, Secret: testSecret}
	c := NewHTTPChallenger(config.DefaultWebhookConfig(), nil)
	assert.Error(t, c.Challenge(context.Background(), sub))
}
