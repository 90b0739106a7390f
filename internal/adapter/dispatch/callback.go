package dispatch

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
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/observatory-hq/observatory/internal/domain"
)

// Notifier posts terminal-status notifications to a job's callback_url.
// Bodies are signed with HMAC-SHA256 over a per-tier derived secret so
// receivers can authenticate the origin.
type Notifier struct {
	secret []byte
	hc     *http.Client
}

// NewNotifier constructs a Notifier; returns nil when no secret is
// configured, which disables delivery.
func NewNotifier(secret string) *Notifier {
	if secret == "" {
		return nil
	}
	return &Notifier{
		secret: []byte(secret),
		hc:     &http.Client{Timeout: 10 * time.Second},
	}
}

type callbackBody struct {
	ID         string           `json:"id"`
	Status     domain.JobStatus `json:"status"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// Deliver posts the notification with a short retry schedule. Failures are
// logged and dropped; they never re-open the job.
func (n *Notifier) Deliver(job domain.Job, tier domain.Tier) {
	body, err := json.Marshal(callbackBody{ID: job.ID, Status: job.Status, FinishedAt: job.FinishedAt})
	if err != nil {
		return
	}
	sig := n.sign(body, tier)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 2 * time.Second
	expo.MaxElapsedTime = 30 * time.Second

	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.Options.CallbackURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Observatory-Signature", sig)
		resp, err := n.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("callback status %d", resp.StatusCode))
		}
		return fmt.Errorf("callback status %d", resp.StatusCode)
	}
	if err := backoff.Retry(op, expo); err != nil {
		slog.Warn("callback delivery abandoned",
			slog.String("job_id", job.ID),
			slog.Any("error", err))
	}
}

// sign derives a per-tier key from the shared secret so a receiver serving
// multiple tiers can partition verification.
func (n *Notifier) sign(body []byte, tier domain.Tier) string {
	keyMac := hmac.New(sha256.New, n.secret)
	keyMac.Write([]byte(tier))
	mac := hmac.New(sha256.New, keyMac.Sum(nil))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
