package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"callbell/internal/storage"
	"callbell/internal/voice"
	logx "callbell/pkg/logx"
)

// tick is one full scheduling pass: load eligible users, then per user
// fetch upcoming events and drive calls. Users and events are processed
// strictly sequentially; the pacing delays bound the outbound call rate.
//
// Failures at the per-event or per-user granularity are recorded in the
// summary and never abort the rest of the tick.
func (s *Service) tick(ctx context.Context) Summary {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	sum := Summary{RunID: uuid.NewString(), StartedAt: s.now()}
	log := s.log.With(logx.String("run_id", sum.RunID))
	log.Debug("reminder check started")

	defer func() {
		sum.TookMS = time.Since(sum.StartedAt).Milliseconds()
		s.lastMu.Lock()
		cp := sum
		s.last = &cp
		s.lastMu.Unlock()
		log.Info("reminder check completed",
			logx.Int("users", sum.Users),
			logx.Int("events", sum.EventsSeen),
			logx.Int("eligible", sum.Eligible),
			logx.Int("calls", sum.CallsPlaced),
			logx.Int("failures", sum.Failures),
			logx.Int64("took_ms", sum.TookMS))
	}()

	users, err := s.store.ListEligibleUsers(ctx)
	if err != nil {
		sum.Failures++
		sum.Errors = append(sum.Errors, fmt.Sprintf("list users: %v", err))
		log.Error("loading eligible users failed", logx.Err(err))
		return sum
	}
	sum.Users = len(users)
	if len(users) == 0 {
		sum.EarlyExit = "no eligible users"
		log.Debug("no eligible users")
		return sum
	}

	for i, u := range users {
		if ctx.Err() != nil {
			sum.Errors = append(sum.Errors, "tick interrupted: "+ctx.Err().Error())
			break
		}
		s.processUser(ctx, cfg, log, u, &sum)
		if i < len(users)-1 {
			sleepCtx(ctx, cfg.UserDelay)
		}
	}
	return sum
}

func (s *Service) processUser(ctx context.Context, cfg Config, log logx.Logger, u storage.User, sum *Summary) {
	ulog := log.With(logx.String("user_id", u.ID))

	events, err := s.cal.FetchUpcoming(ctx, u.Credential, cfg.Lookahead)
	if err != nil {
		// Per-user and recoverable: the next tick re-fetches an
		// overlapping window.
		sum.Failures++
		sum.Errors = append(sum.Errors, fmt.Sprintf("user %s: calendar: %v", u.ID, err))
		ulog.Warn("calendar fetch failed, skipping user this cycle", logx.Err(err))
		return
	}
	ulog.Debug("fetched upcoming events", logx.Int("count", len(events)))

	for _, ev := range events {
		sum.EventsSeen++

		minutesUntil := ev.Start.Sub(s.now()).Minutes()
		if minutesUntil < 0 || minutesUntil > cfg.Lookahead.Minutes() {
			ulog.Debug("event outside eligibility window",
				logx.String("event_id", ev.ID),
				logx.Float64("minutes_until", minutesUntil))
			continue
		}
		sum.Eligible++

		if !s.cache.ShouldAttempt(u.Phone, ev.ID) {
			sum.SuppressedCache++
			ulog.Debug("suppressed by dedup cache", logx.String("event_id", ev.ID))
			continue
		}

		called, err := s.store.HasCalledLog(ctx, u.ID, ev.ID)
		if err != nil {
			// Fail open toward "skip this event this cycle", never
			// toward silently marking it handled.
			sum.Failures++
			sum.Errors = append(sum.Errors, fmt.Sprintf("user %s event %s: call log: %v", u.ID, ev.ID, err))
			ulog.Error("call log lookup failed", logx.String("event_id", ev.ID), logx.Err(err))
			continue
		}
		if called {
			sum.SuppressedLog++
			ulog.Debug("reminder already sent", logx.String("event_id", ev.ID))
			continue
		}

		ulog.Info("sending reminder call",
			logx.String("event_id", ev.ID),
			logx.String("event", ev.Summary),
			logx.Float64("minutes_until", minutesUntil))

		// Pacing: avoid bursting the provider and racing duplicate
		// near-simultaneous events.
		sleepCtx(ctx, cfg.PreCallDelay)

		userName := u.Name
		if userName == "" {
			userName = "there"
		}
		out := s.gw.PlaceCall(ctx, u.Phone, voice.Reminder{
			EventName: ev.Summary,
			EventTime: ev.Start,
			UserName:  userName,
		})

		entry := storage.CallLogEntry{
			UserID:     u.ID,
			EventID:    ev.ID,
			EventName:  ev.Summary,
			EventStart: ev.Start,
			Called:     out.Called(),
			CreatedAt:  s.now(),
		}
		if out.Called() {
			entry.CallTime = s.now()
		}
		// Persist unconditionally, even on failure, so repeated
		// transient failures stay visible in the durable log. A
		// called=false row does not suppress later attempts.
		if err := s.store.AppendCallLog(ctx, entry); err != nil {
			sum.Failures++
			sum.Errors = append(sum.Errors, fmt.Sprintf("user %s event %s: append log: %v", u.ID, ev.ID, err))
			ulog.Error("appending call log failed", logx.String("event_id", ev.ID), logx.Err(err))
		}

		switch {
		case out == voice.OutcomePlaced:
			sum.CallsPlaced++
		case out == voice.OutcomeAlreadyActive:
			ulog.Info("call already active, treated as sent", logx.String("event_id", ev.ID))
		case out.Permanent():
			sum.Failures++
			sum.Errors = append(sum.Errors, fmt.Sprintf("user %s event %s: call %s", u.ID, ev.ID, out))
			ulog.Error("reminder call failed permanently",
				logx.String("event_id", ev.ID), logx.String("outcome", out.String()))
		default:
			sum.Failures++
			sum.Errors = append(sum.Errors, fmt.Sprintf("user %s event %s: call %s", u.ID, ev.ID, out))
			ulog.Warn("reminder call failed",
				logx.String("event_id", ev.ID), logx.String("outcome", out.String()))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
