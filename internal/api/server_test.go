package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voxbridge/voxbridge/internal/api/middleware"
	"github.com/voxbridge/voxbridge/internal/bridge"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/database"
	"github.com/voxbridge/voxbridge/internal/database/models"
)

type stubPlacer struct {
	sid    string
	err    error
	gotTo  string
	gotURL string
}

func (p *stubPlacer) PlaceCall(to, callbackURL string) (string, error) {
	p.gotTo = to
	p.gotURL = callbackURL
	return p.sid, p.err
}

type stubTokens struct {
	token       string
	issueErr    error
	validateErr error
}

func (t *stubTokens) Issue() (string, error)      { return t.token, t.issueErr }
func (t *stubTokens) Validate(token string) error { return t.validateErr }

type stubRecords struct {
	records []*models.CallRecord
}

func (r *stubRecords) Create(ctx context.Context, rec *models.CallRecord) error {
	r.records = append(r.records, rec)
	return nil
}

func (r *stubRecords) GetByID(ctx context.Context, id int64) (*models.CallRecord, error) {
	for _, rec := range r.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, database.ErrNotFound
}

func (r *stubRecords) List(ctx context.Context, limit, offset int) ([]*models.CallRecord, error) {
	if offset >= len(r.records) {
		return nil, nil
	}
	end := offset + limit
	if end > len(r.records) {
		end = len(r.records)
	}
	return r.records[offset:end], nil
}

func (r *stubRecords) Count(ctx context.Context) (int64, error) {
	return int64(len(r.records)), nil
}

type serverFixture struct {
	server  *Server
	placer  *stubPlacer
	tokens  *stubTokens
	records *stubRecords
}

func newTestServer(t *testing.T, cfgMut func(*config.Config)) *serverFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		PublicURL: "https://bridge.example.com",
	}
	if cfgMut != nil {
		cfgMut(cfg)
	}

	registry := bridge.NewRegistry(logger)
	br := bridge.New(bridge.Config{}, registry, nil, logger)

	f := &serverFixture{
		placer:  &stubPlacer{sid: "CA123"},
		tokens:  &stubTokens{token: "tok123"},
		records: &stubRecords{},
	}

	twiml := func(publicURL, token string) (string, error) {
		return "<Response>" + token + "</Response>", nil
	}

	f.server = NewServer(context.Background(), cfg, br, registry, f.records, f.placer, f.tokens, twiml, logger)
	t.Cleanup(f.server.Close)
	return f
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return env
}

func TestHealth(t *testing.T) {
	f := newTestServer(t, nil)

	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	env := decodeEnvelope(t, w)
	data := env.Data.(map[string]any)
	if data["status"] != "ok" {
		t.Errorf("status field = %v, want ok", data["status"])
	}
	if data["active_sessions"] != float64(0) {
		t.Errorf("active_sessions = %v, want 0", data["active_sessions"])
	}
}

func TestSessionsEmpty(t *testing.T) {
	f := newTestServer(t, nil)

	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestTriggerCall(t *testing.T) {
	f := newTestServer(t, nil)

	body := strings.NewReader(`{"to":"+15551234567"}`)
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/calls", body))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	if f.placer.gotTo != "+15551234567" {
		t.Errorf("placed call to %q", f.placer.gotTo)
	}
	if f.placer.gotURL != "https://bridge.example.com/twiml" {
		t.Errorf("callback url = %q", f.placer.gotURL)
	}

	env := decodeEnvelope(t, w)
	data := env.Data.(map[string]any)
	if data["call_sid"] != "CA123" {
		t.Errorf("call_sid = %v, want CA123", data["call_sid"])
	}
}

func TestTriggerCallValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"missing to", `{}`},
		{"not e164", `{"to":"5551234567"}`},
		{"unknown field", `{"to":"+15551234567","from":"+15550000000"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestServer(t, nil)
			w := httptest.NewRecorder()
			f.server.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/calls", strings.NewReader(tt.body)))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestTriggerCallPlacerFailure(t *testing.T) {
	f := newTestServer(t, nil)
	f.placer.err = errors.New("provider down")

	body := strings.NewReader(`{"to":"+15551234567"}`)
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/calls", body))

	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestTriggerCallUnconfigured(t *testing.T) {
	f := newTestServer(t, nil)
	f.server.dialer = nil

	body := strings.NewReader(`{"to":"+15551234567"}`)
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/calls", body))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestTwiML(t *testing.T) {
	f := newTestServer(t, nil)

	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/twiml", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("content-type = %q, want text/xml", ct)
	}
	if !strings.Contains(w.Body.String(), "tok123") {
		t.Errorf("markup %q does not carry the issued token", w.Body.String())
	}
}

func TestTwiMLIssueFailure(t *testing.T) {
	f := newTestServer(t, nil)
	f.tokens.issueErr = errors.New("no secret")

	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/twiml", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestStreamRejectsBadToken(t *testing.T) {
	f := newTestServer(t, nil)

	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing token: status = %d, want 401", w.Code)
	}

	f.tokens.validateErr = errors.New("bad signature")
	w = httptest.NewRecorder()
	f.server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream?token=x", nil))
	if w.Code != http.StatusForbidden {
		t.Errorf("invalid token: status = %d, want 403", w.Code)
	}
}

func TestStreamRateLimited(t *testing.T) {
	f := newTestServer(t, nil)
	f.tokens.validateErr = errors.New("bad signature")

	// Hammer the stream endpoint from one IP. The stricter stream limiter
	// must start returning 429 before token validation is even consulted.
	burst := middleware.StreamRateLimitConfig().Burst
	limited := false
	for i := 0; i < burst*3; i++ {
		w := httptest.NewRecorder()
		f.server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream?token=x", nil))
		if w.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
		if w.Code != http.StatusForbidden {
			t.Fatalf("request %d: status = %d, want 403 or 429", i, w.Code)
		}
	}
	if !limited {
		t.Errorf("no 429 after %d rapid stream requests", burst*3)
	}
}

func TestListRecords(t *testing.T) {
	f := newTestServer(t, nil)
	now := time.Now()
	f.records.records = []*models.CallRecord{
		{ID: 1, SessionID: "a", StartedAt: now, Disposition: models.DispositionCompleted},
		{ID: 2, SessionID: "b", StartedAt: now, Disposition: models.DispositionCompleted},
	}

	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/calls/records", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	env := decodeEnvelope(t, w)
	data := env.Data.(map[string]any)
	if data["total"] != float64(2) {
		t.Errorf("total = %v, want 2", data["total"])
	}
	items := data["items"].([]any)
	if len(items) != 2 {
		t.Errorf("items = %d, want 2", len(items))
	}
}

func TestListRecordsBadPagination(t *testing.T) {
	f := newTestServer(t, nil)

	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/calls/records?limit=-1", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGetRecord(t *testing.T) {
	f := newTestServer(t, nil)
	f.records.records = []*models.CallRecord{
		{ID: 7, SessionID: "a", Disposition: models.DispositionCompleted},
	}

	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/calls/records/7", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	f.server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/calls/records/8", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("missing record: status = %d, want 404", w.Code)
	}

	w = httptest.NewRecorder()
	f.server.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/calls/records/abc", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("non-numeric id: status = %d, want 400", w.Code)
	}
}
