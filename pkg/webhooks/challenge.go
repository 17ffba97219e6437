package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ruche-ai/ruche/pkg/config"
	"github.com/ruche-ai/ruche/pkg/models"
)

// challengeResponseLimit caps how much of the endpoint's answer is read.
const challengeResponseLimit = 4096

// challengeBody is the signed payload POSTed during subscription
// verification. The endpoint must echo the challenge value back.
type challengeBody struct {
	Type          string `json:"type"`
	WebhookID     string `json:"webhook_id"`
	Challenge     string `json:"challenge"`
	SchemaVersion string `json:"schema_version"`
}

// HTTPChallenger verifies endpoint ownership: it POSTs a signed nonce and
// requires the endpoint to echo it back within the configured timeout.
type HTTPChallenger struct {
	cfg    *config.WebhookConfig
	client *http.Client
	now    func() time.Time
}

// NewHTTPChallenger creates an HTTPChallenger. client may be nil.
func NewHTTPChallenger(cfg *config.WebhookConfig, client *http.Client) *HTTPChallenger {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPChallenger{cfg: cfg, client: client, now: time.Now}
}

// Challenge implements the subscription service's challenger.
func (c *HTTPChallenger) Challenge(ctx context.Context, sub *models.WebhookSubscription) error {
	nonce := uuid.NewString()
	body, err := json.Marshal(challengeBody{
		Type:          "subscription.challenge",
		WebhookID:     sub.ID,
		Challenge:     nonce,
		SchemaVersion: models.WebhookPayloadSchemaVersion,
	})
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.ChallengeTimeout)
	defer cancel()

	ts := c.now().UTC()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TimestampHeader, timestampValue(ts))
	req.Header.Set(SignatureHeader, Sign(sub.Secret, ts, body))
	req.Header.Set(EventTypeHeader, "subscription.challenge")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("challenge request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("challenge rejected with status %d", resp.StatusCode)
	}
	answer, err := io.ReadAll(io.LimitReader(resp.Body, challengeResponseLimit))
	if err != nil {
		return fmt.Errorf("failed to read challenge response: %w", err)
	}
	// Accept a raw echo or any JSON body embedding the nonce.
	if !strings.Contains(string(answer), nonce) {
		return fmt.Errorf("challenge response did not echo the nonce")
	}
	return nil
}
