// Package httpserver contains HTTP handlers and middleware.
//
// It provides REST API endpoints for the prompt dispatch service: job
// admission, job/batch status, and health. The package follows clean
// architecture principles and keeps HTTP concerns separate from the
// usecase layer.
package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/dispatchkit/promptdispatch/internal/config"
	"github.com/dispatchkit/promptdispatch/internal/domain"
	"github.com/dispatchkit/promptdispatch/internal/usecase/admission"
	"github.com/dispatchkit/promptdispatch/internal/usecase/batch"
	"github.com/dispatchkit/promptdispatch/internal/usecase/health"
	"github.com/dispatchkit/promptdispatch/internal/usecase/queue"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Admission *admission.Admission
	Queue     *queue.Queue
	Batches   *batch.Coordinator
	Health    *health.Aggregator
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, adm *admission.Admission, q *queue.Queue, b *batch.Coordinator, h *health.Aggregator) *Server {
	return &Server{Cfg: cfg, Admission: adm, Queue: q, Batches: b, Health: h}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type promptRequest struct {
	Prompt string `json:"prompt" validate:"required,max=10000"`
}

type promptItem struct {
	Prompt string `json:"prompt" validate:"required,max=10000"`
}

type bulkPromptRequest struct {
	Prompts []promptItem `json:"prompts" validate:"required,min=1,max=100,dive"`
}

func parseWorkerHint(r *http.Request) (int, error) {
	v := r.URL.Query().Get("worker")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: worker query parameter must be a positive integer", errBadRequest)
	}
	return n, nil
}

func validationDetails(err error) map[string]string {
	out := map[string]string{}
	if ve, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range ve {
			out[fe.Field()] = fe.Tag()
		}
	}
	return out
}

// PromptHandler implements POST /prompts: admit one prompt (spec §4.F, §6).
func (s *Server) PromptHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		workerHint, err := parseWorkerHint(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req promptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json body", errBadRequest), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, err), validationDetails(err))
			return
		}

		jobID, err := s.Admission.EnqueueSingle(r.Context(), req.Prompt, workerHint, 0, r.Header.Get("Idempotency-Key"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, r, http.StatusAccepted, start, map[string]string{"jobId": jobID})
	}
}

// BulkPromptHandler implements POST /prompts/bulk: admit 1..100 prompts as a
// batch (spec §4.E, §4.F, §6).
func (s *Server) BulkPromptHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		workerHint, err := parseWorkerHint(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, 4<<20)
		var req bulkPromptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json body", errBadRequest), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %s", domain.ErrInvalidArgument, err), validationDetails(err))
			return
		}

		prompts := make([]string, len(req.Prompts))
		for i, p := range req.Prompts {
			prompts[i] = p.Prompt
		}

		batchID, jobIDs, err := s.Admission.EnqueueBulk(r.Context(), prompts, workerHint, 0, r.Header.Get("Idempotency-Key"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, r, http.StatusAccepted, start, map[string]any{
			"batchId": batchID, "jobIds": jobIDs, "count": len(jobIDs),
		})
	}
}

type jobResponse struct {
	JobID       string           `json:"jobId"`
	Status      domain.JobStatus `json:"status"`
	Progress    *domain.Progress `json:"progress,omitempty"`
	Result      *domain.Result   `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	BatchID     string           `json:"batchId,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

func toJobResponse(j domain.Job) jobResponse {
	return jobResponse{
		JobID: j.ID, Status: j.Status, Progress: j.Progress, Result: j.Result,
		Error: j.FailureReason, BatchID: j.BatchID,
		CreatedAt: j.CreatedAt, CompletedAt: j.FinishedAt,
	}
}

// JobHandler implements GET /jobs/{id} (spec §4.D, §6).
func (s *Server) JobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: job id missing", errBadRequest), nil)
			return
		}
		job, err := s.Queue.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeData(w, r, http.StatusOK, start, toJobResponse(job))
	}
}

func decodePageToken(token string) (int, error) {
	if token == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid pageToken", errBadRequest)
	}
	offset, err := strconv.Atoi(string(raw))
	if err != nil || offset < 0 {
		return 0, fmt.Errorf("%w: invalid pageToken", errBadRequest)
	}
	return offset, nil
}

func encodePageToken(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

// JobsListHandler implements GET /jobs: paginated job listing (spec §6).
func (s *Server) JobsListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		q := r.URL.Query()

		statusFilter := q.Get("status")
		if vr := ValidateStatus(statusFilter); !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid status filter", domain.ErrInvalidArgument), vr.Errors)
			return
		}

		limit, vr := ValidateLimit(q.Get("limit"))
		if !vr.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid limit", domain.ErrInvalidArgument), vr.Errors)
			return
		}

		offset, err := decodePageToken(q.Get("pageToken"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		items, total, nextOffset, err := s.Queue.List(r.Context(), domain.JobStatus(statusFilter), limit, offset)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		out := make([]jobResponse, len(items))
		for i, j := range items {
			out[i] = toJobResponse(j)
		}

		pagination := map[string]any{"totalItems": total, "itemsPerPage": limit}
		if nextOffset > 0 && nextOffset < total {
			pagination["nextPageToken"] = encodePageToken(nextOffset)
		}

		writeData(w, r, http.StatusOK, start, map[string]any{
			"items": out, "pagination": pagination,
		})
	}
}

// BatchHandler implements GET /batches/{id} (spec §4.E, §6).
func (s *Server) BatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: batch id missing", errBadRequest), nil)
			return
		}
		status, err := s.Batches.GetBatchStatus(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		jobs := make([]jobResponse, len(status.Jobs))
		for i, j := range status.Jobs {
			jobs[i] = toJobResponse(j)
		}
		writeData(w, r, http.StatusOK, start, map[string]any{
			"batchId": status.BatchID, "total": status.Total,
			"completed": status.Completed, "processing": status.Processing,
			"pending": status.Pending, "failed": status.Failed,
			"jobs": jobs,
		})
	}
}

// HealthHandler implements GET /health (spec §4.G, §6). It always returns
// 200: the aggregate status is reported in the body, never via status code.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		report := s.Health.Check(r.Context())
		writeData(w, r, http.StatusOK, start, report)
	}
}
