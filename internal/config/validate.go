package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate rejects configs that cannot be applied. It does not require a bot
// token so offline subcommands can load the same file.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	for _, id := range cfg.Telegram.OwnerUserIDs {
		if id <= 0 {
			errs = append(errs, fmt.Errorf("telegram.owner_user_ids: invalid user id %d", id))
		}
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	dur("telegram.conversation_ttl", cfg.Telegram.ConversationTTL)

	if t := cfg.Logging.Telegram; t.Enabled && t.ChatID == 0 {
		errs = append(errs, errors.New("logging.telegram.chat_id is required when logging.telegram.enabled"))
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	if n := cfg.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
			errs = append(errs, errors.New("notifier: counts must be >= 0"))
		}
	}

	b := cfg.Broadcast
	dur("broadcast.pace_min", b.PaceMin)
	dur("broadcast.pace_max", b.PaceMax)
	dur("broadcast.cycle_base", b.CycleBase)
	dur("broadcast.cycle_jitter_min", b.CycleJitterMin)
	dur("broadcast.cycle_jitter_max", b.CycleJitterMax)
	dur("broadcast.send_timeout", b.SendTimeout)
	dur("broadcast.max_rate_limit_wait", b.MaxRateLimitWait)
	if lo, hi := mustDur(b.PaceMin), mustDur(b.PaceMax); lo > 0 && hi > 0 && hi < lo {
		errs = append(errs, errors.New("broadcast.pace_max must be >= broadcast.pace_min"))
	}
	if lo, hi := mustDur(b.CycleJitterMin), mustDur(b.CycleJitterMax); lo > 0 && hi > 0 && hi < lo {
		errs = append(errs, errors.New("broadcast.cycle_jitter_max must be >= broadcast.cycle_jitter_min"))
	}

	dur("userclient.connect_timeout", cfg.UserClient.ConnectTimeout)
	dur("userclient.login_timeout", cfg.UserClient.LoginTimeout)

	dur("health.read_timeout", cfg.Health.ReadTimeout)
	dur("health.write_timeout", cfg.Health.WriteTimeout)

	dur("maintenance.run_retention", cfg.Maintenance.RunRetention)
	dur("maintenance.audit_retention", cfg.Maintenance.AuditRetention)

	return errors.Join(errs...)
}

func mustDur(raw string) int64 {
	d, err := ParseDurationField("", raw)
	if err != nil {
		return 0
	}
	return int64(d)
}
