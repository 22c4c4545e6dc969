package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"callbridge/internal/audit"
	"callbridge/internal/auth"
	"callbridge/internal/calls"
	"callbridge/internal/clock"
	"callbridge/internal/config"
	"callbridge/internal/dialer"
	"callbridge/internal/notify"
	"callbridge/internal/poller"
	"callbridge/internal/reconcile"
	"callbridge/internal/reporting"
	"callbridge/internal/telephony"

	"github.com/gin-gonic/gin"
)

type fixture struct {
	router  *gin.Engine
	carrier *telephony.SandboxCarrier
	audit   *audit.MemoryRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := clock.NewManual(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	store := calls.NewStore()
	hub := notify.NewHub(nil)
	carrier := telephony.NewSandboxCarrier(telephony.SandboxOptions{NewID: func() string { return "CA123" }})
	rec := reconcile.New(store, hub, reconcile.Options{Clock: clk, RemovalGrace: 30 * time.Second})
	sched := poller.New(carrier, rec, poller.Options{Clock: clk, Policy: poller.DefaultPolicy()})
	rec.UsePoller(sched)

	auditRepo := audit.NewMemoryRepo()
	reportRepo := reporting.NewMemoryRepo()
	hub.Subscribe("reporting", reportRepo.Record)

	svc, err := dialer.NewService(dialer.Options{
		Carrier:    carrier,
		Store:      store,
		Reconciler: rec,
		Poller:     sched,
		Audit:      audit.NewService(auditRepo),
		Clock:      clk,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "s", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour, OperatorAPIKey: "key"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	h := Handlers{Auth: m, Calls: svc, Reports: reporting.NewService(reportRepo), Now: clk.Now}
	r := gin.New()
	r.POST("/v1/auth/login", h.Login)
	v1 := r.Group("/v1", func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), "op-1", "agent"))
		c.Next()
	})
	v1.POST("/calls", h.RequestCall)
	v1.GET("/calls", h.ListActiveCalls)
	v1.GET("/calls/summary", h.CallsSummary)
	v1.GET("/calls/:conversation_id", h.GetCall)
	v1.POST("/calls/:conversation_id/end", h.EndCall)

	return &fixture{router: r, carrier: carrier, audit: auditRepo}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestCallLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/calls", gin.H{"conversation_id": "room-1", "destination": "+15551234567"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", w.Code, w.Body.String())
	}
	var rec calls.CallRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.CarrierCallID != "CA123" || rec.State != calls.StateRequested {
		t.Fatalf("unexpected record %+v", rec)
	}

	w = f.do(t, http.MethodPost, "/v1/calls", gin.H{"conversation_id": "room-1", "destination": "+15551234567"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/v1/calls/room-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var st struct {
		State   calls.State `json:"state"`
		Polling bool        `json:"polling"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil || st.State != calls.StateRequested || !st.Polling {
		t.Fatalf("unexpected status %s %v", w.Body.String(), err)
	}

	w = f.do(t, http.MethodPost, "/v1/calls/room-1/end", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil || rec.State != calls.StateEnded {
		t.Fatalf("expected ended record, got %s", w.Body.String())
	}

	// Ending again is safe while the record is still readable.
	if w = f.do(t, http.MethodPost, "/v1/calls/room-1/end", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeated end, got %d", w.Code)
	}

	evs := f.audit.ByConversation("room-1")
	if len(evs) < 2 || evs[0].ActorUserID != "op-1" {
		t.Fatalf("expected operator-attributed audit entries, got %+v", evs)
	}

	w = f.do(t, http.MethodGet, "/v1/calls/summary", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var sum reporting.CallsSummary
	if err := json.Unmarshal(w.Body.Bytes(), &sum); err != nil || sum.TotalCalls != 1 || sum.OperatorEnded != 1 {
		t.Fatalf("unexpected summary %s", w.Body.String())
	}
}

func TestRequestCallErrorMapping(t *testing.T) {
	f := newFixture(t)

	if w := f.do(t, http.MethodPost, "/v1/calls", gin.H{"destination": "+15551234567"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing conversation, got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/v1/calls", gin.H{"conversation_id": "room-1", "destination": "12"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad destination, got %d", w.Code)
	}
	f.carrier.FailPlacements(telephony.ErrCarrierUnavailable)
	if w := f.do(t, http.MethodPost, "/v1/calls", gin.H{"conversation_id": "room-1", "destination": "+15551234567"}); w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/v1/calls/room-1", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/v1/calls/room-1/end", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on end, got %d", w.Code)
	}
}

func TestListActiveCalls(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/calls", gin.H{"conversation_id": "room-1", "destination": "+15551234567"})

	w := f.do(t, http.MethodGet, "/v1/calls", nil)
	var out struct {
		Calls []calls.CallRecord `json:"calls"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil || len(out.Calls) != 1 {
		t.Fatalf("expected one active call, got %s", w.Body.String())
	}
}

func TestSummaryRejectsBadRange(t *testing.T) {
	f := newFixture(t)
	if w := f.do(t, http.MethodGet, "/v1/calls/summary?from=yesterday", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/v1/calls/summary?from=2026-01-02T00:00:00Z&to=2026-01-01T00:00:00Z", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted range, got %d", w.Code)
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t)

	if w := f.do(t, http.MethodPost, "/v1/auth/login", gin.H{"api_key": "nope", "operator_id": "op-1"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/v1/auth/login", gin.H{"api_key": "key"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	w := f.do(t, http.MethodPost, "/v1/auth/login", gin.H{"api_key": "key", "operator_id": "op-1"})
	var pair auth.TokenPair
	if w.Code != http.StatusOK || json.Unmarshal(w.Body.Bytes(), &pair) != nil || pair.AccessToken == "" {
		t.Fatalf("expected token pair, got %d %s", w.Code, w.Body.String())
	}
}
