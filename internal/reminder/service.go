// Package reminder implements the scheduling loop: once a minute (plus
// one immediate pass at start) it walks every eligible user's upcoming
// events and drives reminder calls through the voice gateway, guarded
// by the dedup cache and the durable call log.
package reminder

import (
	"context"
	"errors"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"callbell/internal/calendar"
	"callbell/internal/dedup"
	"callbell/internal/storage"
	"callbell/internal/voice"
	logx "callbell/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	store storage.Store
	cache *dedup.Cache
	cal   calendar.Provider
	gw    voice.Gateway

	parser    cron.Parser
	c         *cron.Cron
	runCtx    context.Context
	runCancel context.CancelFunc
	tickWG    sync.WaitGroup

	// last completed tick, for /v1/status
	lastMu sync.Mutex
	last   *Summary

	now func() time.Time // test hook
}

func New(cfg Config, store storage.Store, cache *dedup.Cache, cal calendar.Provider, gw voice.Gateway, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		store:  store,
		cache:  cache,
		cal:    cal,
		gw:     gw,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:    time.Now,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps the config at runtime. A spec/timezone change restarts the
// cron trigger; pacing and window changes take effect on the next tick.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	restart := s.c != nil &&
		(s.cfg.Spec != cfg.Spec || strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone) || s.cfg.Enabled != cfg.Enabled)
	s.cfg = cfg

	if restart {
		s.stopCronLocked()
		if cfg.Enabled && s.runCtx != nil {
			s.startCronLocked()
		}
	}
}

// Start installs the recurring tick and fires one immediate tick so the
// first check is not delayed a full interval.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.runCtx != nil {
		s.mu.Unlock()
		return
	}
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	if s.cfg.Enabled {
		s.startCronLocked()
	}
	en := s.cfg.Enabled
	runCtx := s.runCtx
	s.mu.Unlock()

	if !en {
		s.log.Info("reminder loop disabled")
		return
	}

	s.tickWG.Add(1)
	go func() {
		defer s.tickWG.Done()
		defer s.recoverTick()
		s.runTick(runCtx)
	}()
}

// Stop halts the cron trigger and waits for any in-flight tick. Ticks
// are never cancelled mid-flight; they are self-limiting (pacing delays
// times users/events).
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.runCtx == nil {
		s.mu.Unlock()
		return
	}
	s.stopCronLocked()
	cancel := s.runCancel
	s.runCtx = nil
	s.runCancel = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.tickWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// give up waiting; the tick keeps draining in background
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("reminder loop stopped")
}

func (s *Service) startCronLocked() {
	loc := time.UTC
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid timezone, using UTC", logx.String("tz", tz), logx.Err(err))
		}
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	runCtx := s.runCtx
	_, err := c.AddFunc(s.cfg.Spec, func() {
		s.tickWG.Add(1)
		defer s.tickWG.Done()
		defer s.recoverTick()
		s.runTick(runCtx)
	})
	if err != nil {
		s.log.Error("invalid reminder cron spec", logx.String("spec", s.cfg.Spec), logx.Err(err))
		return
	}
	c.Start()
	s.c = c
	s.log.Info("reminder loop started", logx.String("spec", s.cfg.Spec), logx.String("tz", loc.String()))
}

func (s *Service) stopCronLocked() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
}

func (s *Service) recoverTick() {
	if r := recover(); r != nil {
		s.log.Error("panic in reminder tick", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
	}
}

// TriggerOnce runs exactly one tick synchronously. It is safe to call
// while a timer-driven tick is running: the dedup cache is the only
// shared in-memory state and is lock-protected, and the call log is the
// authoritative cross-tick idempotence guard.
func (s *Service) TriggerOnce(ctx context.Context) Summary {
	s.log.Info("manual reminder check triggered")
	return s.tick(ctx)
}

// ErrNoEligibleUser is returned by ForceCall when no user has both a
// phone number and a calendar credential.
var ErrNoEligibleUser = errors.New("no eligible users")

// ForceCallResult reports one calendar-bypassing test call.
type ForceCallResult struct {
	UserID  string `json:"user_id"`
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone"`
	Outcome string `json:"outcome"`
	Called  bool   `json:"called"`
}

// ForceCall places one test call to the first eligible user without
// consulting the calendar, the dedup cache, or the call log. It is the
// operator's end-to-end telephony check; no log row is written.
func (s *Service) ForceCall(ctx context.Context) (*ForceCallResult, error) {
	users, err := s.store.ListEligibleUsers(ctx)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrNoEligibleUser
	}
	u := users[0]
	name := u.Name
	if name == "" {
		name = "there"
	}

	s.log.Info("force call triggered", logx.String("user_id", u.ID))
	out := s.gw.PlaceCall(ctx, u.Phone, voice.Reminder{
		EventName: "Test Event (Forced Call)",
		EventTime: s.now(),
		UserName:  name,
	})
	return &ForceCallResult{
		UserID:  u.ID,
		Name:    u.Name,
		Phone:   u.Phone,
		Outcome: out.String(),
		Called:  out.Called(),
	}, nil
}

func (s *Service) runTick(ctx context.Context) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.tick(ctx)
}

// LastSummary returns the most recently completed tick, if any.
func (s *Service) LastSummary() *Summary {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	if s.last == nil {
		return nil
	}
	cp := *s.last
	return &cp
}

// DedupLen exposes the dedup cache size for status reporting.
func (s *Service) DedupLen() int { return s.cache.Len() }
