// Package mediator performs the outbound HTTP webhook call for one message
// and classifies the result. Targets are shielded by per-host circuit
// breakers; responses may steer acknowledgement and retry timing.
package mediator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
	"go.flowcatalyst.tech/dispatch/internal/dispatchjob"
	"go.flowcatalyst.tech/dispatch/internal/router/model"
)

// Mediator delivers one message and reports the outcome.
type Mediator interface {
	Mediate(ctx context.Context, ptr *model.MessagePointer) model.MediationResult
}

// JobSource resolves the payload for a job id. The broker envelope names
// the target and credentials only; the body is built from the stored job.
type JobSource interface {
	FindByID(ctx context.Context, id string) (*dispatchjob.DispatchJob, error)
}

// Options tunes the HTTP mediator.
type Options struct {
	// DefaultTimeout bounds a mediation call when the job specifies none.
	DefaultTimeout time.Duration
	// MaxResponseBytes bounds how much of a response body is read.
	MaxResponseBytes int64
}

func DefaultOptions() Options {
	return Options{
		DefaultTimeout:   30 * time.Second,
		MaxResponseBytes: 64 * 1024,
	}
}

// HTTPMediator implements Mediator over net/http.
type HTTPMediator struct {
	client *http.Client
	jobs   JobSource
	signer *dispatchjob.WebhookSigner
	opts   Options

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
}

func NewHTTPMediator(jobs JobSource, signer *dispatchjob.WebhookSigner, opts Options) *HTTPMediator {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = 64 * 1024
	}
	return &HTTPMediator{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		jobs:     jobs,
		signer:   signer,
		opts:     opts,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// webhookEnvelope is the body sent when the job is not data-only.
type webhookEnvelope struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Code      string          `json:"code"`
	Subject   string          `json:"subject"`
	EventID   string          `json:"eventId"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Mediate builds, signs, and posts the webhook, then classifies the result.
func (m *HTTPMediator) Mediate(ctx context.Context, ptr *model.MessagePointer) model.MediationResult {
	start := time.Now()
	result := m.mediate(ctx, ptr)
	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

func (m *HTTPMediator) mediate(ctx context.Context, ptr *model.MessagePointer) model.MediationResult {
	job, err := m.jobs.FindByID(ctx, ptr.Envelope.ID)
	if errors.Is(err, dispatchjob.ErrNotFound) {
		// The job row is gone; the message can never be delivered.
		return model.MediationResult{Outcome: model.OutcomeErrorConfig, Err: err}
	}
	if err != nil {
		return model.MediationResult{Outcome: model.OutcomeErrorConnection, Err: err}
	}

	body, contentType, err := buildBody(job)
	if err != nil {
		return model.MediationResult{Outcome: model.OutcomeErrorConfig, Err: err}
	}

	timeout := m.opts.DefaultTimeout
	if job.TimeoutSeconds > 0 {
		timeout = time.Duration(job.TimeoutSeconds) * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, ptr.Envelope.MediationTarget, bytes.NewReader(body))
	if err != nil {
		return model.MediationResult{Outcome: model.OutcomeErrorConfig, Err: fmt.Errorf("invalid mediation target: %w", err)}
	}

	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+ptr.Envelope.AuthToken)
	req.Header.Set(dispatchjob.HeaderID, ptr.Envelope.ID)
	for k, v := range job.Headers {
		req.Header.Set(k, v)
	}
	if m.signer != nil {
		sig, ts := m.signer.Sign(body, time.Now())
		req.Header.Set(dispatchjob.HeaderSignature, sig)
		req.Header.Set(dispatchjob.HeaderTimestamp, ts)
	}

	breaker := m.breakerFor(req.URL)
	resp, err := breaker.Execute(func() (any, error) {
		return m.client.Do(req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			slog.Warn("Circuit breaker open", "target", req.URL.Host, "jobId", ptr.Envelope.ID)
		}
		metrics.MediatorRequests.WithLabelValues("error").Inc()
		return model.MediationResult{Outcome: model.OutcomeErrorConnection, Err: err}
	}

	return m.classify(resp.(*http.Response), ptr)
}

func buildBody(job *dispatchjob.DispatchJob) (body []byte, contentType string, err error) {
	contentType = job.PayloadContentType
	if contentType == "" {
		contentType = "application/json"
	}

	if job.DataOnly {
		return []byte(job.Payload), contentType, nil
	}

	data := json.RawMessage(job.Payload)
	if !json.Valid(data) {
		// Non-JSON payloads are carried as a JSON string.
		quoted, qerr := json.Marshal(job.Payload)
		if qerr != nil {
			return nil, "", fmt.Errorf("failed to encode payload: %w", qerr)
		}
		data = quoted
	}

	body, err = json.Marshal(webhookEnvelope{
		ID:        job.ID,
		Kind:      job.Kind,
		Code:      job.Code,
		Subject:   job.Subject,
		EventID:   job.EventID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode webhook envelope: %w", err)
	}
	return body, "application/json", nil
}

func (m *HTTPMediator) classify(resp *http.Response, ptr *model.MessagePointer) model.MediationResult {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, m.opts.MaxResponseBytes))

	statusClass := fmt.Sprintf("%dxx", resp.StatusCode/100)
	metrics.MediatorRequests.WithLabelValues(statusClass).Inc()

	parsed := model.ParseMediationResponse(body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if parsed != nil && parsed.Ack != nil && !*parsed.Ack {
			// The target took the call but refused the message.
			return model.MediationResult{
				Outcome:      model.OutcomeErrorProcess,
				StatusCode:   resp.StatusCode,
				DelaySeconds: requestedDelay(parsed),
			}
		}
		return model.MediationResult{Outcome: model.OutcomeSuccess, StatusCode: resp.StatusCode}

	case resp.StatusCode == http.StatusTooManyRequests:
		// Back-pressure, not poison: retry after the advertised delay.
		delay := retryAfterSeconds(resp)
		if d := requestedDelay(parsed); d > 0 {
			delay = d
		}
		return model.MediationResult{
			Outcome:      model.OutcomeErrorProcess,
			StatusCode:   resp.StatusCode,
			DelaySeconds: delay,
		}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return model.MediationResult{Outcome: model.OutcomeErrorConfig, StatusCode: resp.StatusCode}

	default:
		return model.MediationResult{
			Outcome:      model.OutcomeErrorProcess,
			StatusCode:   resp.StatusCode,
			DelaySeconds: requestedDelay(parsed),
		}
	}
}

func requestedDelay(parsed *model.MediationResponse) int {
	if parsed != nil && parsed.DelaySeconds != nil && *parsed.DelaySeconds > 0 {
		return *parsed.DelaySeconds
	}
	return 0
}

func retryAfterSeconds(resp *http.Response) int {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func (m *HTTPMediator) breakerFor(u *url.URL) *gobreaker.CircuitBreaker {
	host := u.Host

	m.breakersMu.Lock()
	defer m.breakersMu.Unlock()

	if cb, ok := m.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state change", "host", name, "from", from.String(), "to", to.String())
			metrics.MediatorCircuitState.WithLabelValues(name).Set(float64(to))
		},
	})
	m.breakers[host] = cb
	return cb
}
