// Package workerclient implements the worker client (spec §4.B):
// per-worker HTTP operations with caller-supplied deadlines and response
// classification into a closed outcome variant.
package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dispatchkit/promptdispatch/internal/adapter/observability"
	intobs "github.com/dispatchkit/promptdispatch/internal/observability"
	"github.com/dispatchkit/promptdispatch/internal/domain"
)

// Timeouts bundles the independent per-operation timeouts of §4.H.
type Timeouts struct {
	Health          time.Duration
	Search          time.Duration
	WarmupTab       time.Duration
	RestartBrowser  time.Duration
	RefreshSession  time.Duration
}

// Client is a concurrency-safe HTTP client over the worker protocol. One
// Client serves every configured worker; per-worker circuit breakers guard
// against hammering a consistently failing worker with search attempts
// (health probes always bypass the breaker, matching spec §4.C's
// requirement that health "must never throw above the call").
type Client struct {
	http     *http.Client
	timeouts Timeouts
	breakers map[int]*observability.CircuitBreaker
}

// New builds a worker client with the given timeouts. breakerMaxFailures
// and breakerCooldown configure the per-worker circuit breaker guarding
// Search calls.
func New(timeouts Timeouts, endpoints []domain.WorkerEndpoint, breakerMaxFailures int, breakerCooldown time.Duration) *Client {
	breakers := make(map[int]*observability.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep.Index] = observability.NewCircuitBreaker(
			fmt.Sprintf("worker-%d", ep.Index), breakerMaxFailures, breakerCooldown)
	}
	return &Client{
		http:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeouts: timeouts,
		breakers: breakers,
	}
}

type healthResponse struct {
	OK      bool   `json:"ok"`
	Busy    bool   `json:"busy"`
	Ready   *bool  `json:"ready"`
	Browser string `json:"browser"`
	Version string `json:"version"`
	Error   string `json:"error"`
}

// Health probes a worker's /health endpoint. It never returns an error to
// the caller above the call: failures are folded into WorkerHealth.OK=false.
func (c *Client) Health(ctx context.Context, w domain.WorkerEndpoint) domain.WorkerHealth {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Health)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.BaseURL+"/health", nil)
	if err != nil {
		return domain.WorkerHealth{OK: false, Error: err.Error()}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return domain.WorkerHealth{OK: false, Error: err.Error()}
	}
	defer resp.Body.Close()

	var hr healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return domain.WorkerHealth{OK: false, Error: fmt.Sprintf("decode health: %s", err)}
	}
	healthy := 0.0
	if hr.OK && !hr.Busy && (hr.Ready == nil || *hr.Ready) {
		healthy = 1.0
	}
	observability.WorkerHealthy.WithLabelValues(fmt.Sprintf("%d", w.Index)).Set(healthy)

	return domain.WorkerHealth{
		OK: hr.OK, Busy: hr.Busy, Ready: hr.Ready,
		Browser: hr.Browser, Version: hr.Version, Error: hr.Error,
	}
}

type searchRequestBody struct {
	Prompt string `json:"prompt"`
}

type searchSuccessBody struct {
	OK     bool `json:"ok"`
	Result struct {
		JSON    string `json:"json"`
		RawText string `json:"raw_text"`
	} `json:"result"`
}

type searchErrorBody struct {
	Error            string `json:"error"`
	RawText          string `json:"raw_text"`
	RetryOtherWorker bool   `json:"retry_other_worker"`
}

// Search issues a one-shot, JSON-encoded search request to worker w,
// classifying the response per spec §4.B. The request itself runs inside
// the per-worker circuit breaker: once a worker has failed enough times
// the breaker trips open and Search short-circuits to OutcomeTransient
// without touching the network, until the breaker's cooldown elapses.
func (c *Client) Search(ctx context.Context, w domain.WorkerEndpoint, prompt string) domain.Outcome {
	lg := intobs.LoggerFromContext(ctx)
	cb := c.breakers[w.Index]

	var outcome domain.Outcome
	ran := false
	doSearch := func() error {
		ran = true
		ctx, cancel := context.WithTimeout(ctx, c.timeouts.Search)
		defer cancel()

		body, _ := json.Marshal(searchRequestBody{Prompt: prompt})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.BaseURL+"/search", bytes.NewReader(body))
		if err != nil {
			outcome = domain.Outcome{Kind: domain.OutcomeTransient, Err: err}
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			outcome = domain.Outcome{Kind: domain.OutcomeTransient, Err: err}
			return err
		}
		defer resp.Body.Close()

		raw, _ := io.ReadAll(resp.Body)
		outcome = classifySearchResponse(resp.StatusCode, raw)
		if outcome.Kind == domain.OutcomeTransient {
			return outcome.Err
		}
		return nil
	}

	var callErr error
	if cb != nil {
		callErr = cb.Call(doSearch)
	} else {
		callErr = doSearch()
	}

	if !ran {
		// The breaker rejected the call before doSearch ran: report transient
		// without ever reaching the worker.
		outcome = domain.Outcome{Kind: domain.OutcomeTransient, Err: callErr}
		lg.Warn("worker search skipped: circuit breaker open", "worker", w.Index, "error", callErr)
		return outcome
	}
	if callErr != nil {
		lg.Warn("worker search attempt failed", "worker", w.Index, "error", callErr)
	}
	return outcome
}

func classifySearchResponse(status int, raw []byte) domain.Outcome {
	if status >= 200 && status < 300 {
		var sb searchSuccessBody
		if err := json.Unmarshal(raw, &sb); err == nil && sb.OK {
			return domain.Outcome{
				Kind: domain.OutcomeSuccess,
				Result: domain.Result{JSON: sb.Result.JSON, RawText: sb.Result.RawText},
			}
		}
	}

	var eb searchErrorBody
	_ = json.Unmarshal(raw, &eb)

	text := strings.ToLower(string(raw))

	switch {
	case status == 422 && eb.Error == "empty_result":
		return domain.Outcome{Kind: domain.OutcomeEmpty, Result: domain.Result{RawText: eb.RawText}}
	case status == 503 && eb.RetryOtherWorker:
		reason := eb.Error
		if reason == "" {
			reason = "blocked"
		}
		return domain.Outcome{Kind: domain.OutcomeBlocked, Reason: reason}
	case status == 423 || strings.Contains(text, "locked") || strings.Contains(text, "busy"):
		return domain.Outcome{Kind: domain.OutcomeBusy}
	default:
		return domain.Outcome{Kind: domain.OutcomeTransient, Err: fmt.Errorf("worker status %d", status)}
	}
}

// BreakerOpen reports whether the given worker's circuit breaker is
// currently open (tripped after repeated Search failures). Exposed so the
// health aggregator can surface breaker state per worker (spec §4.G).
func (c *Client) BreakerOpen(index int) bool {
	cb := c.breakers[index]
	if cb == nil {
		return false
	}
	return cb.IsOpen()
}

// WarmupSearchTab calls the worker's tab-warmup endpoint. Best-effort; the
// dispatcher does not currently invoke it directly but it is part of the
// worker protocol surface (§6) exposed for operational tooling.
func (c *Client) WarmupSearchTab(ctx context.Context, w domain.WorkerEndpoint) error {
	return c.postNoBody(ctx, w.BaseURL+"/tabs/search", c.timeouts.WarmupTab)
}

// RestartBrowser calls the worker's browser-restart endpoint.
func (c *Client) RestartBrowser(ctx context.Context, w domain.WorkerEndpoint) error {
	return c.postNoBody(ctx, w.BaseURL+"/browser/restart", c.timeouts.RestartBrowser)
}

// RefreshSession calls the worker's session-refresh endpoint.
func (c *Client) RefreshSession(ctx context.Context, w domain.WorkerEndpoint) error {
	return c.postNoBody(ctx, w.BaseURL+"/session/refresh", c.timeouts.RefreshSession)
}

func (c *Client) postNoBody(ctx context.Context, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrInternal, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrUpstreamExhausted, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: worker status %d", domain.ErrUpstreamExhausted, resp.StatusCode)
	}
	return nil
}
