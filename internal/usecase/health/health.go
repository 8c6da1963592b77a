// Package health implements the health aggregator (spec §4.G): probes the
// persistence adapter and every worker in parallel and reports aggregate
// status.
package health

import (
	"sync"
	"time"

	"github.com/dispatchkit/promptdispatch/internal/domain"
)

// Pinger is the persistence adapter's liveness probe.
type Pinger interface {
	Ping(ctx domain.Context) (time.Duration, error)
}

// Status values for the redis and workers sub-reports.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// RedisReport is the persistence sub-status.
type RedisReport struct {
	Status        string `json:"status"`
	RoundTripMs   int64  `json:"roundTripMs,omitempty"`
	Error         string `json:"error,omitempty"`
}

// WorkerDetail reports one worker's health.
type WorkerDetail struct {
	Index       int    `json:"index"`
	OK          bool   `json:"ok"`
	Busy        bool   `json:"busy"`
	Error       string `json:"error,omitempty"`
	CircuitOpen bool   `json:"circuitOpen,omitempty"`
}

// breakerChecker is implemented by worker clients that expose per-worker
// circuit breaker state; checked via an optional type assertion since
// domain.WorkerClient itself doesn't require it.
type breakerChecker interface {
	BreakerOpen(index int) bool
}

// WorkersReport is the aggregated worker sub-status.
type WorkersReport struct {
	Total   int            `json:"total"`
	Healthy int            `json:"healthy"`
	Busy    int            `json:"busy"`
	Status  string         `json:"status"`
	Details []WorkerDetail `json:"details"`
}

// Report is the full aggregate health response.
type Report struct {
	App     string        `json:"app"`
	Redis   RedisReport   `json:"redis"`
	Workers WorkersReport `json:"workers"`
}

// Aggregator probes persistence and all configured workers in parallel.
type Aggregator struct {
	store     Pinger
	client    domain.WorkerClient
	endpoints []domain.WorkerEndpoint
}

// New builds a health Aggregator.
func New(store Pinger, client domain.WorkerClient, endpoints []domain.WorkerEndpoint) *Aggregator {
	return &Aggregator{store: store, client: client, endpoints: endpoints}
}

// Check runs the aggregate probe.
func (a *Aggregator) Check(ctx domain.Context) Report {
	var wg sync.WaitGroup
	var redisReport RedisReport

	wg.Add(1)
	go func() {
		defer wg.Done()
		rtt, err := a.store.Ping(ctx)
		if err != nil {
			redisReport = RedisReport{Status: StatusFail, Error: err.Error()}
			return
		}
		redisReport = RedisReport{Status: StatusOK, RoundTripMs: rtt.Milliseconds()}
	}()

	breakers, _ := a.client.(breakerChecker)

	details := make([]WorkerDetail, len(a.endpoints))
	for i, ep := range a.endpoints {
		wg.Add(1)
		go func(i int, ep domain.WorkerEndpoint) {
			defer wg.Done()
			h := a.client.Health(ctx, ep)
			d := WorkerDetail{Index: ep.Index, OK: h.OK, Busy: h.Busy, Error: h.Error}
			if breakers != nil {
				d.CircuitOpen = breakers.BreakerOpen(ep.Index)
			}
			details[i] = d
		}(i, ep)
	}
	wg.Wait()

	healthy, busy := 0, 0
	for _, d := range details {
		if d.OK && !d.Busy {
			healthy++
		}
		if d.Busy {
			busy++
		}
	}
	status := StatusFail
	switch {
	case len(details) > 0 && healthy == len(details):
		status = StatusOK
	case healthy > 0:
		status = StatusDegraded
	}

	return Report{
		App:   StatusOK,
		Redis: redisReport,
		Workers: WorkersReport{
			Total: len(details), Healthy: healthy, Busy: busy,
			Status: status, Details: details,
		},
	}
}
