package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/config"
	"castbot/internal/health"
	"castbot/internal/maintenance"
	"castbot/internal/notifier"
	"castbot/internal/storage"
	"castbot/internal/userclient"
	logx "castbot/pkg/logx"
)

// Mapping from the on-disk config (duration strings, omitted sections) to the
// runtime configs of each component. Every map function doubles as validation
// for hot reloads.

type Config = config.Config

// defaultOperatorRate is the per-operator request cap per minute.
const defaultOperatorRate = 40

// operatorRate maps telegram.operator_rate_per_min: 0 takes the default,
// negative disables the cap.
func operatorRate(cfg *Config) int {
	switch n := cfg.Telegram.OperatorRatePerMin; {
	case n == 0:
		return defaultOperatorRate
	case n < 0:
		return 0
	default:
		return n
	}
}

// botToken prefers the config file and falls back to TELEGRAM_BOT_TOKEN.
func botToken(cfg *Config) string {
	if t := strings.TrimSpace(cfg.Telegram.Token); t != "" {
		return t
	}
	return strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
}

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	if driver != "sqlite" && driver != "sqlite3" {
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = "./data/castbot.db"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

// mapNotifierConfig defaults an omitted notifier section to enabled.
func mapNotifierConfig(cfg *Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     time.Minute,
		DedupMaxEntries: 2000,
	}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	out.Enabled = n.Enabled
	out.PersistDedup = n.PersistDedup
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}

	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	if out.Workers < 0 || out.QueueSize < 0 || out.RatePerSec < 0 || out.RetryMax < 0 || out.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}
	return out, nil
}

// mapBroadcastConfig leaves zero values for the scheduler's own defaults.
func mapBroadcastConfig(cfg *Config) (broadcast.Config, error) {
	b := cfg.Broadcast
	var out broadcast.Config
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"broadcast.pace_min", b.PaceMin, &out.PaceMin},
		{"broadcast.pace_max", b.PaceMax, &out.PaceMax},
		{"broadcast.cycle_base", b.CycleBase, &out.CycleBase},
		{"broadcast.cycle_jitter_min", b.CycleJitterMin, &out.CycleJitterMin},
		{"broadcast.cycle_jitter_max", b.CycleJitterMax, &out.CycleJitterMax},
		{"broadcast.send_timeout", b.SendTimeout, &out.SendTimeout},
		{"broadcast.max_rate_limit_wait", b.MaxRateLimitWait, &out.MaxRateLimitWait},
	}
	for _, f := range fields {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return broadcast.Config{}, err
		}
		*f.dst = d
	}
	return out, nil
}

func mapUserClientConfig(cfg *Config) (userclient.Config, time.Duration, error) {
	u := cfg.UserClient
	connect, err := config.ParseDurationField("userclient.connect_timeout", u.ConnectTimeout)
	if err != nil {
		return userclient.Config{}, 0, err
	}
	login, err := config.ParseDurationOrDefault("userclient.login_timeout", u.LoginTimeout, 2*time.Minute)
	if err != nil {
		return userclient.Config{}, 0, err
	}
	return userclient.Config{
		SessionsDir:    u.SessionsDir,
		ConnectTimeout: connect,
		DeviceModel:    u.DeviceModel,
	}, login, nil
}

func mapHealthConfig(cfg *Config) (health.Config, error) {
	h := cfg.Health
	read, err := config.ParseDurationOrDefault("health.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return health.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("health.write_timeout", h.WriteTimeout, 60*time.Second)
	if err != nil {
		return health.Config{}, err
	}
	return health.Config{
		Enabled:      h.Enabled,
		Addr:         h.Addr,
		Pprof:        h.Pprof,
		Token:        h.Token,
		ReadTimeout:  read,
		WriteTimeout: write,
	}, nil
}

func mapMaintenanceConfig(cfg *Config) (maintenance.Config, error) {
	m := cfg.Maintenance
	schedule := strings.TrimSpace(m.Schedule)
	if schedule == "" {
		schedule = "@every 6h"
	}
	if _, err := maintenance.ParseSchedule(schedule); err != nil {
		return maintenance.Config{}, fmt.Errorf("maintenance.schedule: %w", err)
	}
	if tz := strings.TrimSpace(m.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return maintenance.Config{}, fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
		}
	}
	runs, err := config.ParseDurationOrDefault("maintenance.run_retention", m.RunRetention, 720*time.Hour)
	if err != nil {
		return maintenance.Config{}, err
	}
	audit, err := config.ParseDurationOrDefault("maintenance.audit_retention", m.AuditRetention, 2160*time.Hour)
	if err != nil {
		return maintenance.Config{}, err
	}
	return maintenance.Config{
		Enabled:        m.Enabled,
		Schedule:       schedule,
		Timezone:       m.Timezone,
		RunRetention:   runs,
		AuditRetention: audit,
	}, nil
}

func conversationTTL(cfg *Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("telegram.conversation_ttl", cfg.Telegram.ConversationTTL, 15*time.Minute)
}

// validateConfig runs every mapping, so a reload that any component would
// reject is refused as a whole.
func validateConfig(cfg *Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapUserClientConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHealthConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMaintenanceConfig(cfg); err != nil {
		return err
	}
	_, err := conversationTTL(cfg)
	return err
}
