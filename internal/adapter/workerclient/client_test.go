package workerclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dispatchkit/promptdispatch/internal/domain"
)

func testTimeouts() Timeouts {
	return Timeouts{
		Health: time.Second, Search: time.Second,
		WarmupTab: time.Second, RestartBrowser: time.Second, RefreshSession: time.Second,
	}
}

func TestClient_Health_Free(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(healthResponse{OK: true, Busy: false})
	}))
	defer srv.Close()

	ep := domain.WorkerEndpoint{Index: 1, BaseURL: srv.URL}
	c := New(testTimeouts(), []domain.WorkerEndpoint{ep}, 3, time.Second)

	h := c.Health(t.Context(), ep)
	if !h.IsFree() {
		t.Fatalf("expected worker to be free, got %+v", h)
	}
}

func TestClient_Health_Unreachable(t *testing.T) {
	ep := domain.WorkerEndpoint{Index: 1, BaseURL: "http://127.0.0.1:1"}
	c := New(testTimeouts(), []domain.WorkerEndpoint{ep}, 3, time.Second)

	h := c.Health(t.Context(), ep)
	if h.OK {
		t.Fatalf("expected OK=false for unreachable worker, got %+v", h)
	}
}

func TestClient_Search_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(searchSuccessBody{OK: true, Result: struct {
			JSON    string `json:"json"`
			RawText string `json:"raw_text"`
		}{JSON: `{"ok":true}`}})
	}))
	defer srv.Close()

	ep := domain.WorkerEndpoint{Index: 1, BaseURL: srv.URL}
	c := New(testTimeouts(), []domain.WorkerEndpoint{ep}, 3, time.Second)

	outcome := c.Search(t.Context(), ep, "prompt")
	if outcome.Kind != domain.OutcomeSuccess || outcome.Result.JSON != `{"ok":true}` {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestClassifySearchResponse(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   domain.OutcomeKind
	}{
		{"success", 200, `{"ok":true,"result":{"json":"{}"}}`, domain.OutcomeSuccess},
		{"empty", 422, `{"error":"empty_result","raw_text":"no results"}`, domain.OutcomeEmpty},
		{"blocked", 503, `{"error":"captcha","retry_other_worker":true}`, domain.OutcomeBlocked},
		{"busy-423", 423, `{}`, domain.OutcomeBusy},
		{"busy-text", 500, `worker is busy right now`, domain.OutcomeBusy},
		{"transient", 500, `{"error":"boom"}`, domain.OutcomeTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifySearchResponse(tc.status, []byte(tc.body))
			if got.Kind != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got.Kind)
			}
		})
	}
}
