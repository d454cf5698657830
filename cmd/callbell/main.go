package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"callbell/internal/admin"
	"callbell/internal/alert"
	"callbell/internal/calendar"
	"callbell/internal/config"
	"callbell/internal/dedup"
	"callbell/internal/reminder"
	"callbell/internal/storage"
	"callbell/internal/voice"
	logx "callbell/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

type healthChecks struct {
	store storage.Store
	gw    voice.Gateway
}

func (h healthChecks) PingStore(ctx context.Context) error { return h.store.Ping(ctx) }
func (h healthChecks) PingVoice(ctx context.Context) error { return h.gw.TestConnectivity(ctx) }

func run(ctx context.Context, cfgPath string) error {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Alerts ride the logging pipeline; a missing token means sender==nil
	// and alert records are dropped.
	sender, err := alert.New(alert.Config{Token: cfg.Alert.Token, ChatID: cfg.Alert.ChatID})
	if err != nil {
		return fmt.Errorf("alert transport: %w", err)
	}

	logSvc, log := logx.New(loggingConfig(cfg), senderOrNil(sender))
	defer func() { _ = logSvc.Close() }()
	log = log.With(logx.String("app", "callbell"))

	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: config.DurationOrDefault(cfg.Storage.BusyTimeout, 0),
	}, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	cache := dedup.New(
		config.DurationOrDefault(cfg.Reminder.DedupWindow, dedup.DefaultWindow),
		config.DurationOrDefault(cfg.Reminder.DedupMaxAge, dedup.DefaultMaxAge),
	)

	cal, err := calendarProvider(cfg, log)
	if err != nil {
		return err
	}

	gw := voice.NewTwilio(voiceConfig(cfg), log)

	rem := reminder.New(reminderConfig(cfg), store, cache, cal, gw, log)
	rem.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		rem.Stop(stopCtx)
	}()

	adm := admin.New(adminConfig(cfg), store, rem, healthChecks{store: store, gw: gw}, log)
	if adm.Enabled() {
		adm.Start(ctx)
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			adm.Stop(stopCtx)
		}()
	}

	// Hot reload: invalid edits are never published, so subscribers only
	// ever see configs that passed validation.
	go func() {
		if err := mgr.Watch(ctx); err != nil {
			log.Warn("config watcher stopped", logx.Err(err))
		}
	}()
	reloads := mgr.Subscribe(1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case next := <-reloads:
				if next == nil {
					continue
				}
				log.Info("config reloaded, applying")
				logSvc.Apply(loggingConfig(next))
				rem.Apply(reminderConfig(next))
				adm.Reconfigure(ctx, adminConfig(next))
				// Storage driver/path and calendar provider changes need a
				// process restart; call them out instead of half-applying.
				if next.Storage != cfg.Storage {
					log.Warn("storage config changed; restart required to take effect")
				}
				if next.Calendar != cfg.Calendar {
					log.Warn("calendar config changed; restart required to take effect")
				}
			}
		}
	}()

	notifySystemd(ctx, log)

	log.Info("callbell started", logx.String("config", cfgPath))
	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("shutting down")
	return nil
}

// notifySystemd signals readiness and services the watchdog when running
// under systemd with Type=notify. Outside systemd both calls are no-ops.
func notifySystemd(ctx context.Context, log logx.Logger) {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		log.Debug("sd_notify ready sent")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}

func senderOrNil(t *alert.Telegram) logx.Sender {
	if t == nil {
		return nil
	}
	return t
}

func loggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func calendarProvider(cfg *config.Config, log logx.Logger) (calendar.Provider, error) {
	ccfg := calendar.Config{
		BaseURL:    cfg.Calendar.BaseURL,
		Timeout:    config.DurationOrDefault(cfg.Calendar.Timeout, 0),
		MaxResults: cfg.Calendar.MaxResults,
	}
	switch cfg.Calendar.Provider {
	case "", "google":
		return calendar.NewGoogle(ccfg, log), nil
	case "ics":
		return calendar.NewICS(ccfg, log), nil
	default:
		return nil, fmt.Errorf("unknown calendar provider %q", cfg.Calendar.Provider)
	}
}

func voiceConfig(cfg *config.Config) voice.Config {
	return voice.Config{
		AccountSID:    cfg.Voice.AccountSID,
		AuthToken:     cfg.Voice.AuthToken,
		FromNumber:    cfg.Voice.FromNumber,
		FlowSID:       cfg.Voice.FlowSID,
		StudioBaseURL: cfg.Voice.StudioBaseURL,
		APIBaseURL:    cfg.Voice.APIBaseURL,
		Timeout:       config.DurationOrDefault(cfg.Voice.Timeout, 0),
		RatePerSec:    cfg.Voice.RatePerSec,
	}
}

func reminderConfig(cfg *config.Config) reminder.Config {
	return reminder.Config{
		Enabled:      cfg.Reminder.Enabled,
		Spec:         cfg.Reminder.Spec,
		Timezone:     cfg.Reminder.Timezone,
		Lookahead:    config.DurationOrDefault(cfg.Reminder.Lookahead, 5*time.Minute),
		PreCallDelay: config.DurationOrDefault(cfg.Reminder.PreCallDelay, 2*time.Second),
		UserDelay:    config.DurationOrDefault(cfg.Reminder.UserDelay, time.Second),
	}
}

func adminConfig(cfg *config.Config) admin.Config {
	return admin.Config{
		Enabled:       cfg.Admin.Enabled,
		Addr:          cfg.Admin.Addr,
		Token:         cfg.Admin.Token,
		AllowInsecure: cfg.Admin.AllowInsecure,
		ReadTimeout:   config.DurationOrDefault(cfg.Admin.ReadTimeout, 5*time.Second),
		WriteTimeout:  config.DurationOrDefault(cfg.Admin.WriteTimeout, 5*time.Minute),
		IdleTimeout:   config.DurationOrDefault(cfg.Admin.IdleTimeout, time.Minute),
	}
}
