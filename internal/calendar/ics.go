package calendar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	logx "callbell/pkg/logx"
)

// ICS fetches a private ICS feed (the user credential is the feed URL)
// and expands recurrences inside the poll window. This covers users
// whose calendars are not reachable via the Google API.
type ICS struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
}

func NewICS(cfg Config, log logx.Logger) *ICS {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ICS{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

func (p *ICS) FetchUpcoming(ctx context.Context, credential string, window time.Duration) ([]Event, error) {
	feedURL := strings.TrimSpace(credential)
	if feedURL == "" {
		return nil, errors.New("ics: empty feed url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ics fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ics fetch: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	events, err := p.expand(body, now, now.Add(window))
	if err != nil {
		return nil, err
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Start.Before(events[j].Start) })
	if len(events) > p.cfg.MaxResults {
		events = events[:p.cfg.MaxResults]
	}
	return events, nil
}

// expand parses the feed and returns concrete occurrences whose start
// falls in [rangeStart, rangeEnd]. Recurring events are expanded via
// their RRULE; with a minutes-wide window there is no need for the full
// override (RECURRENCE-ID) machinery.
func (p *ICS) expand(body []byte, rangeStart, rangeEnd time.Time) ([]Event, error) {
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ics parse: %w", err)
	}

	var out []Event
	for _, ve := range cal.Events() {
		ev, err := p.parseVEvent(ve)
		if err != nil {
			p.log.Warn("skipping unparseable vevent", logx.Err(err))
			continue
		}

		if ev.rawRRule == "" {
			if !ev.start.Before(rangeStart) && !ev.start.After(rangeEnd) {
				out = append(out, Event{
					ID:      ev.uid,
					Summary: ev.summary,
					Start:   ev.start,
					End:     ev.end,
					AllDay:  ev.allDay,
				})
			}
			continue
		}

		r, err := rrule.StrToRRule(ev.rawRRule)
		if err != nil {
			p.log.Warn("skipping vevent with bad rrule", logx.String("uid", ev.uid), logx.Err(err))
			continue
		}
		r.DTStart(ev.start)

		var set rrule.Set
		set.RRule(r)
		for _, ex := range ev.exDates {
			set.ExDate(ex.In(ev.start.Location()))
		}

		dur := ev.end.Sub(ev.start)
		for _, occStart := range set.Between(rangeStart.In(ev.start.Location()), rangeEnd.In(ev.start.Location()), true) {
			occ := Event{
				// Stable per-instance ID so the dedup layers key each
				// occurrence separately.
				ID:      ev.uid + "/" + occStart.UTC().Format(time.RFC3339),
				Summary: ev.summary,
				Start:   occStart,
				End:     occStart.Add(dur),
				AllDay:  ev.allDay,
			}
			if ev.allDay {
				day := time.Date(occStart.Year(), occStart.Month(), occStart.Day(), 0, 0, 0, 0, occStart.Location())
				occ.Start = day
				occ.End = day.Add(24 * time.Hour)
			}
			out = append(out, occ)
		}
	}
	return out, nil
}

type parsedVEvent struct {
	uid      string
	summary  string
	start    time.Time
	end      time.Time
	allDay   bool
	rawRRule string
	exDates  []time.Time
}

func (p *ICS) parseVEvent(ve *ical.VEvent) (parsedVEvent, error) {
	var out parsedVEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.uid = uidProp.Value

	if prop := ve.GetProperty(ical.ComponentPropertySummary); prop != nil {
		out.summary = prop.Value
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return out, fmt.Errorf("uid %s: %w", out.uid, err)
	}
	end, _ := ve.GetEndAt()
	out.start = start
	out.end = end

	// All-day: VALUE=DATE or a date-only DTSTART value.
	if dtStart := ve.GetProperty(ical.ComponentPropertyDtStart); dtStart != nil {
		if params := dtStart.ICalParameters; params != nil {
			if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
				out.allDay = true
			}
		}
		if !strings.Contains(dtStart.Value, "T") {
			out.allDay = true
		}
	}
	if out.allDay {
		out.start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.Local)
		out.end = out.start.Add(24 * time.Hour)
	}

	if prop := ve.GetProperty(ical.ComponentPropertyRrule); prop != nil {
		out.rawRRule = prop.Value
	}

	for _, prop := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(prop.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part); err == nil {
				out.exDates = append(out.exDates, t)
			}
		}
	}

	return out, nil
}

// parseICSTime parses basic ICS date / date-time forms used by EXDATE.
func parseICSTime(v string) (time.Time, error) {
	switch {
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, time.Local)
	default:
		return time.ParseInLocation("20060102", v, time.Local)
	}
}
