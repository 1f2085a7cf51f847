// Package callback posts out-of-band HTTP notifications about a job's
// status to the URL the caller supplied at submission time. Callback
// delivery never affects job state: every failure is logged and
// swallowed.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/ghosthands/core/internal/platform/logger"
)

// Status is the callback payload's top-level status field.
type Status string

const (
	StatusRunning    Status = "running"
	StatusNeedsHuman Status = "needs_human"
	StatusResumed    Status = "resumed"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// retryDelays are the delays between the initial attempt and each of
// the three retries.
var retryDelays = []time.Duration{1 * time.Second, 3 * time.Second, 10 * time.Second}

const attemptTimeout = 10 * time.Second

// CostSummary is the cost block every completed/failed payload carries,
// always present even when the job spent nothing.
type CostSummary struct {
	TotalCostUSD float64 `json:"total_cost_usd"`
	ActionCount  int     `json:"action_count"`
	TotalTokens  int64   `json:"total_tokens"`
}

// Interaction describes a pending human-in-the-loop request.
type Interaction struct {
	Type           string `json:"type"`
	ScreenshotURL  string `json:"screenshot_url,omitempty"`
	PageURL        string `json:"page_url,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// Payload is the JSON body posted to the job's callback URL.
type Payload struct {
	JobID         uuid.UUID    `json:"job_id"`
	Status        Status       `json:"status"`
	Cost          *CostSummary `json:"cost,omitempty"`
	ExecutionMode string       `json:"execution_mode,omitempty"`
	ManualSummary string       `json:"manual_summary,omitempty"`
	ScreenshotURL string       `json:"screenshot_url,omitempty"`
	ErrorCode     string       `json:"error_code,omitempty"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	Interaction   *Interaction `json:"interaction,omitempty"`
}

// Notifier posts Payloads to each job's callback URL with bounded
// retry and a circuit breaker per destination host, so one unreachable
// customer endpoint doesn't spend the worker's whole retry budget on
// every concurrent job hitting it.
type Notifier struct {
	log     *logger.Logger
	client  *http.Client
	mu      sync.Mutex
	circuits map[string]*gobreaker.CircuitBreaker
}

func NewNotifier(log *logger.Logger) *Notifier {
	return &Notifier{
		log:      log.With("service", "CallbackNotifier"),
		client:   &http.Client{Timeout: attemptTimeout},
		circuits: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (n *Notifier) circuitFor(host string) *gobreaker.CircuitBreaker {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cb, ok := n.circuits[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	n.circuits[host] = cb
	return cb
}

// Notify posts payload to callbackURL, retrying up to three times with
// increasing delays. Any terminal failure — including a tripped
// circuit breaker — is logged and swallowed; the return value exists
// only for tests.
func (n *Notifier) Notify(ctx context.Context, callbackURL string, payload Payload) error {
	if callbackURL == "" {
		return nil
	}
	host := hostOf(callbackURL)
	cb := n.circuitFor(host)

	body, err := json.Marshal(payload)
	if err != nil {
		n.log.Error("marshal callback payload failed", "job_id", payload.JobID, "error", err)
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelays[attempt-1]):
			}
		}

		_, err := cb.Execute(func() (interface{}, error) {
			return nil, n.attempt(ctx, callbackURL, body)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		n.log.Warn("callback attempt failed", "job_id", payload.JobID, "attempt", attempt+1, "error", err)
	}

	n.log.Error("callback delivery exhausted retries", "job_id", payload.JobID, "url", callbackURL, "error", lastErr)
	return lastErr
}

func (n *Notifier) attempt(ctx context.Context, callbackURL string, body []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}
