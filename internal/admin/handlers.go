package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"callbell/internal/reminder"
	"callbell/internal/storage"
	logx "callbell/pkg/logx"
)

// phoneE164 is the full E.164 shape: plus sign, 8 to 15 digits.
var phoneE164 = regexp.MustCompile(`^\+\d{8,15}$`)

// handleHealth probes the store and the voice provider on demand. Both
// checks run even when the first fails so the response shows each
// dependency's state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := contextWithTimeout(r, 10*time.Second)
	defer cancel()

	type check struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}
	resp := struct {
		OK       bool  `json:"ok"`
		Database check `json:"database"`
		Voice    check `json:"voice"`
	}{OK: true}

	if err := s.hc.PingStore(ctx); err != nil {
		resp.Database = check{Error: err.Error()}
		resp.OK = false
	} else {
		resp.Database = check{OK: true}
	}
	if err := s.hc.PingVoice(ctx); err != nil {
		resp.Voice = check{Error: err.Error()}
		resp.OK = false
	} else {
		resp.Voice = check{OK: true}
	}

	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reminders_enabled": s.rem.Enabled(),
		"dedup_entries":     s.rem.DedupLen(),
		"last_run":          s.rem.LastSummary(),
	})
}

// handleTick runs one reminder pass synchronously and returns its summary.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := contextWithTimeout(r, 5*time.Minute)
	defer cancel()

	sum := s.rem.TriggerOnce(ctx)
	writeJSON(w, http.StatusOK, sum)
}

// handleForceCall places one test call to the first eligible user,
// bypassing the calendar and both dedup guards.
func (s *Server) handleForceCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := contextWithTimeout(r, time.Minute)
	defer cancel()

	res, err := s.rem.ForceCall(ctx)
	if errors.Is(err, reminder.ErrNoEligibleUser) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("force call failed", logx.Err(err))
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listUsers(w, r)
	case http.MethodPost, http.MethodPut:
		s.putUser(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, 10*time.Second)
	defer cancel()

	users, err := s.store.ListEligibleUsers(ctx)
	if err != nil {
		s.log.Error("listing users failed", logx.Err(err))
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	// Credentials stay server-side.
	type userView struct {
		ID    string `json:"id"`
		Name  string `json:"name,omitempty"`
		Phone string `json:"phone"`
	}
	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, userView{ID: u.ID, Name: u.Name, Phone: u.Phone})
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out, "count": len(out)})
}

func (s *Server) putUser(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, 10*time.Second)
	defer cancel()

	var u storage.User
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&u); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(u.ID) == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	// A malformed number would otherwise reach the voice provider on
	// every tick the user has an eligible event. Empty stays allowed:
	// such users are simply not call-eligible yet.
	if u.Phone != "" && !phoneE164.MatchString(u.Phone) {
		http.Error(w, "phone must be E.164 (+ followed by 8-15 digits)", http.StatusBadRequest)
		return
	}
	if err := s.store.UpsertUser(ctx, u); err != nil {
		s.log.Error("upserting user failed", logx.String("user_id", u.ID), logx.Err(err))
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	s.log.Info("user upserted", logx.String("user_id", u.ID), logx.Bool("eligible", u.Eligible()))
	writeJSON(w, http.StatusOK, map[string]any{"id": u.ID, "eligible": u.Eligible()})
}

// handleUserByID serves GET /v1/users/{id} and the user's recent call rows.
func (s *Server) handleUserByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	ctx, cancel := contextWithTimeout(r, 10*time.Second)
	defer cancel()

	u, ok, err := s.store.GetUser(ctx, id)
	if err != nil {
		s.log.Error("loading user failed", logx.String("user_id", id), logx.Err(err))
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	logs, err := s.store.UserCallLogs(ctx, id, limit)
	if err != nil {
		logs = nil
	}
	if logs == nil {
		logs = []storage.CallLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       u.ID,
		"name":     u.Name,
		"phone":    u.Phone,
		"eligible": u.Eligible(),
		"calls":    logs,
	})
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
