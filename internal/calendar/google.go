package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	logx "callbell/pkg/logx"
)

const defaultGoogleBaseURL = "https://www.googleapis.com/calendar/v3"

// Google fetches events from the Google Calendar events list endpoint
// using the user's bearer token. Token acquisition and refresh are the
// surrounding application's job.
type Google struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
}

func NewGoogle(cfg Config, log logx.Logger) *Google {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultGoogleBaseURL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Google{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

type googleEventList struct {
	Items []googleEvent `json:"items"`
}

type googleEvent struct {
	ID      string     `json:"id"`
	Summary string     `json:"summary"`
	Start   googleTime `json:"start"`
	End     googleTime `json:"end"`
}

type googleTime struct {
	DateTime string `json:"dateTime"`
	Date     string `json:"date"`
}

func (g *Google) FetchUpcoming(ctx context.Context, credential string, window time.Duration) ([]Event, error) {
	now := time.Now()

	q := url.Values{}
	q.Set("timeMin", now.Format(time.RFC3339))
	q.Set("timeMax", now.Add(window).Format(time.RFC3339))
	q.Set("singleEvents", "true")
	q.Set("orderBy", "startTime")
	q.Set("maxResults", strconv.Itoa(g.cfg.MaxResults))

	u := strings.TrimSuffix(g.cfg.BaseURL, "/") + "/calendars/primary/events?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calendar fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("calendar fetch: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var list googleEventList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("calendar decode: %w", err)
	}

	events := make([]Event, 0, len(list.Items))
	for _, it := range list.Items {
		if it.ID == "" {
			continue
		}
		start, allDay, err := it.Start.parse()
		if err != nil {
			g.log.Warn("skipping event with unparseable start", logx.String("event_id", it.ID), logx.Err(err))
			continue
		}
		end, _, _ := it.End.parse()
		events = append(events, Event{
			ID:      it.ID,
			Summary: it.Summary,
			Start:   start,
			End:     end,
			AllDay:  allDay,
		})
	}
	return events, nil
}

// parse handles both dateTime (timed events) and date (all-day events).
// Date-only values become local midnight, matching how the reminder
// window treats all-day events.
func (t googleTime) parse() (time.Time, bool, error) {
	if t.DateTime != "" {
		ts, err := time.Parse(time.RFC3339, t.DateTime)
		return ts, false, err
	}
	if t.Date != "" {
		ts, err := time.ParseInLocation("2006-01-02", t.Date, time.Local)
		return ts, true, err
	}
	return time.Time{}, false, fmt.Errorf("empty start")
}
