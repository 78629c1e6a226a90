package config

import (
	"reflect"
	"strings"

	logx "castbot/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and safe fields for
// logging them. Tokens are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		strings.TrimSpace(ot.ConversationTTL) != strings.TrimSpace(nt.ConversationTTL) ||
		ot.OperatorRatePerMin != nt.OperatorRatePerMin ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.String("telegram.conversation_ttl", strings.TrimSpace(nt.ConversationTTL)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Int("notifier.workers", n.Workers),
				logx.Int("notifier.rate_per_sec", n.RatePerSec),
			)
		}
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		b := newCfg.Broadcast
		attrs = append(attrs,
			logx.String("broadcast.pace", b.PaceMin+".."+b.PaceMax),
			logx.String("broadcast.cycle_base", b.CycleBase),
			logx.String("broadcast.max_rate_limit_wait", b.MaxRateLimitWait),
		)
	}

	if oldCfg.UserClient != newCfg.UserClient {
		changed = append(changed, "userclient")
		attrs = append(attrs, logx.String("userclient.sessions_dir", newCfg.UserClient.SessionsDir))
	}

	oh, nh := oldCfg.Health, newCfg.Health
	oh.Token, nh.Token = "", ""
	if oh != nh || (oldCfg.Health.Token == "") != (newCfg.Health.Token == "") {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.Bool("health.enabled", nh.Enabled),
			logx.String("health.addr", nh.Addr),
			logx.Bool("health.pprof", nh.Pprof),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled),
			logx.String("maintenance.schedule", newCfg.Maintenance.Schedule),
		)
	}

	return changed, attrs
}
