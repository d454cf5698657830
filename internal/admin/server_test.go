package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"callbell/internal/calendar"
	"callbell/internal/dedup"
	"callbell/internal/reminder"
	"callbell/internal/storage"
	"callbell/internal/voice"
	logx "callbell/pkg/logx"
)

type stubProvider struct{}

func (stubProvider) FetchUpcoming(ctx context.Context, credential string, window time.Duration) ([]calendar.Event, error) {
	return nil, nil
}

type stubGateway struct{}

func (stubGateway) PlaceCall(ctx context.Context, to string, r voice.Reminder) voice.Outcome {
	return voice.OutcomePlaced
}
func (stubGateway) TestConnectivity(ctx context.Context) error { return nil }

type stubHealth struct {
	storeErr error
	voiceErr error
}

func (h stubHealth) PingStore(ctx context.Context) error { return h.storeErr }
func (h stubHealth) PingVoice(ctx context.Context) error { return h.voiceErr }

func testServer(t *testing.T, token string, hc Health) (*Server, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	rem := reminder.New(reminder.Config{Enabled: true, PreCallDelay: -1, UserDelay: -1}, st, dedup.New(0, 0), stubProvider{}, stubGateway{}, logx.Nop())
	srv := New(Config{Enabled: true, Token: token}, st, rem, hc, logx.Nop())
	return srv, st
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := testServer(t, "", stubHealth{})

	rec := httptest.NewRecorder()
	srv.routes("").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		OK       bool `json:"ok"`
		Database struct {
			OK bool `json:"ok"`
		} `json:"database"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || !resp.Database.OK {
		t.Fatalf("unexpected health %+v", resp)
	}
}

func TestHealthEndpointDegraded(t *testing.T) {
	srv, _ := testServer(t, "", stubHealth{voiceErr: errors.New("auth failed")})

	rec := httptest.NewRecorder()
	srv.routes("").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "auth failed") {
		t.Fatalf("body %q missing voice error", rec.Body.String())
	}
}

func TestTokenAuth(t *testing.T) {
	srv, _ := testServer(t, "s3cret", stubHealth{})
	h := srv.routes("s3cret")

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", rec.Code)
	}

	// Liveness stays open for process supervisors.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", rec.Code)
	}
}

func TestTickEndpoint(t *testing.T) {
	srv, _ := testServer(t, "", stubHealth{})
	h := srv.routes("")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tick", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET tick = %d, want 405", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tick", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST tick = %d, want 200", rec.Code)
	}
	var sum reminder.Summary
	if err := json.NewDecoder(rec.Body).Decode(&sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if sum.RunID == "" || sum.EarlyExit == "" {
		t.Fatalf("summary %+v, want run id and early exit on empty store", sum)
	}
}

func TestUserRoundTrip(t *testing.T) {
	srv, _ := testServer(t, "", stubHealth{})
	h := srv.routes("")

	body := `{"id":"u1","name":"Sam","phone":"+14155552671","credential":"tok"}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/users", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("POST user = %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/users", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET users = %d", rec.Code)
	}
	out := rec.Body.String()
	if !strings.Contains(out, `"u1"`) || !strings.Contains(out, "+14155552671") {
		t.Fatalf("listing missing user: %s", out)
	}
	if strings.Contains(out, "tok") {
		t.Fatalf("listing leaks credential: %s", out)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/users/u1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET user = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"eligible":true`) {
		t.Fatalf("detail missing eligibility: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/users/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET missing user = %d, want 404", rec.Code)
	}
}

func TestUserValidation(t *testing.T) {
	srv, _ := testServer(t, "", stubHealth{})
	h := srv.routes("")

	for _, body := range []string{`{}`, `{"id":"  "}`, `{"id":"u1","bogus":true}`, `not json`} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/users", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestUserPhoneValidation(t *testing.T) {
	srv, st := testServer(t, "", stubHealth{})
	h := srv.routes("")

	// A malformed number stored here would be dialed on every eligible
	// tick, failing with a permanent outcome each time.
	for _, phone := range []string{"banana", "4155552671", "+1 415 555 2671", "+1-415", "+1234567"} {
		body := fmt.Sprintf(`{"id":"u1","phone":%q,"credential":"tok"}`, phone)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/users", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("phone %q: status = %d, want 400", phone, rec.Code)
		}
	}
	if _, ok, _ := st.GetUser(context.Background(), "u1"); ok {
		t.Fatal("rejected user was stored anyway")
	}

	// Valid E.164 and phone-less (not yet eligible) users pass.
	for _, body := range []string{
		`{"id":"u1","phone":"+14155552671","credential":"tok"}`,
		`{"id":"u2","name":"Pending","credential":"tok"}`,
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/users", strings.NewReader(body)))
		if rec.Code != http.StatusOK {
			t.Fatalf("body %q: status = %d: %s", body, rec.Code, rec.Body.String())
		}
	}
}

func TestUserHistoryNotCrowdedOut(t *testing.T) {
	srv, st := testServer(t, "", stubHealth{})
	h := srv.routes("")
	ctx := context.Background()

	if err := st.UpsertUser(ctx, storage.User{ID: "sparse", Phone: "+14155550001", Credential: "tok"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	base := time.Now().UTC().Truncate(time.Second)
	if err := st.AppendCallLog(ctx, storage.CallLogEntry{
		UserID: "sparse", EventID: "ev0", EventName: "the one call",
		Called: true, CallTime: base, CreatedAt: base,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	for i := 0; i < 30; i++ {
		if err := st.AppendCallLog(ctx, storage.CallLogEntry{
			UserID: "busy", EventID: fmt.Sprintf("ev%d", i+1),
			CreatedAt: base.Add(time.Duration(i+1) * time.Second),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/users/sparse?limit=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "the one call") {
		t.Fatalf("old row missing from user history: %s", rec.Body.String())
	}
}

func TestForceCallEndpoint(t *testing.T) {
	srv, st := testServer(t, "", stubHealth{})
	h := srv.routes("")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/force-call", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET force-call = %d, want 405", rec.Code)
	}

	// No eligible user yet.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/force-call", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("force-call on empty store = %d, want 404", rec.Code)
	}

	if err := st.UpsertUser(context.Background(), storage.User{ID: "u1", Name: "Sam", Phone: "+14155552671", Credential: "tok"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/force-call", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("force-call = %d: %s", rec.Code, rec.Body.String())
	}
	var res reminder.ForceCallResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.UserID != "u1" || !res.Called || res.Outcome != "placed" {
		t.Fatalf("result = %+v", res)
	}
	// A test call leaves no log rows.
	if logs, _ := st.RecentCallLogs(context.Background(), 10); len(logs) != 0 {
		t.Fatalf("force call wrote log rows: %+v", logs)
	}
}

func TestStartRefusesInsecureBind(t *testing.T) {
	srv, _ := testServer(t, "", stubHealth{})
	srv.mu.Lock()
	srv.cfg.Addr = "0.0.0.0:0"
	srv.mu.Unlock()

	srv.Start(context.Background())
	if addr := srv.Addr(); addr != "" {
		srv.Stop(context.Background())
		t.Fatalf("server bound to %s despite missing token", addr)
	}
}

func TestStartStop(t *testing.T) {
	srv, _ := testServer(t, "", stubHealth{})
	srv.mu.Lock()
	srv.cfg.Addr = "127.0.0.1:0"
	srv.mu.Unlock()

	srv.Start(context.Background())
	addr := srv.Addr()
	if addr == "" {
		t.Fatal("server did not bind")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Stop(ctx)
	if srv.Addr() != "" {
		t.Fatal("server still bound after Stop")
	}
}
