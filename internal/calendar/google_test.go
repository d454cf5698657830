package calendar

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	logx "callbell/pkg/logx"
)

func TestGoogleFetchUpcoming(t *testing.T) {
	start := time.Now().Add(3 * time.Minute).Format(time.RFC3339)
	var gotAuth, gotOrder, gotMax, gotSingle string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/calendars/primary/events" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		q := r.URL.Query()
		gotOrder = q.Get("orderBy")
		gotMax = q.Get("maxResults")
		gotSingle = q.Get("singleEvents")
		if q.Get("timeMin") == "" || q.Get("timeMax") == "" {
			t.Error("missing timeMin/timeMax")
		}
		fmt.Fprintf(w, `{"items":[
			{"id":"ev1","summary":"Standup","start":{"dateTime":%q},"end":{"dateTime":%q}},
			{"id":"ev2","summary":"Holiday","start":{"date":"2031-01-01"},"end":{"date":"2031-01-02"}}
		]}`, start, start)
	}))
	defer srv.Close()

	g := NewGoogle(Config{BaseURL: srv.URL}, logx.Nop())
	events, err := g.FetchUpcoming(context.Background(), "tok-123", 5*time.Minute)
	if err != nil {
		t.Fatalf("FetchUpcoming: %v", err)
	}

	if gotAuth != "Bearer tok-123" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotOrder != "startTime" || gotSingle != "true" || gotMax != "10" {
		t.Fatalf("query params = orderBy:%q singleEvents:%q maxResults:%q", gotOrder, gotSingle, gotMax)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].ID != "ev1" || events[0].Summary != "Standup" || events[0].AllDay {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if !events[1].AllDay {
		t.Fatalf("date-only event should be all-day: %+v", events[1])
	}
	wantMidnight := time.Date(2031, 1, 1, 0, 0, 0, 0, time.Local)
	if !events[1].Start.Equal(wantMidnight) {
		t.Fatalf("all-day start = %v, want local midnight %v", events[1].Start, wantMidnight)
	}
}

func TestGoogleFetchUpcomingAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":401}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	g := NewGoogle(Config{BaseURL: srv.URL}, logx.Nop())
	if _, err := g.FetchUpcoming(context.Background(), "expired", 5*time.Minute); err == nil {
		t.Fatal("expected error for 401 response")
	}
}

func TestGoogleSkipsUnparseableStarts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[{"id":"bad","summary":"x","start":{},"end":{}}]}`)
	}))
	defer srv.Close()

	g := NewGoogle(Config{BaseURL: srv.URL}, logx.Nop())
	events, err := g.FetchUpcoming(context.Background(), "tok", 5*time.Minute)
	if err != nil {
		t.Fatalf("FetchUpcoming: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected event without start to be skipped, got %+v", events)
	}
}
