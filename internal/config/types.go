package config

// Config is the whole process configuration, JSON or YAML on disk.
// Durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Notifier    *NotifierConfig   `json:"notifier,omitempty"`
	Broadcast   BroadcastConfig   `json:"broadcast"`
	UserClient  UserClientConfig  `json:"userclient"`
	Health      HealthConfig      `json:"health"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OwnerUserIDs restricts the bot to these users. Empty lets anyone register.
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is the long-poll timeout (default "10s").
	PollTimeout string `json:"poll_timeout"`
	// ConversationTTL drops an unanswered question after this long (default "15m").
	ConversationTTL string `json:"conversation_ttl,omitempty"`
	// OperatorRatePerMin caps requests per user (default 40, negative disables).
	OperatorRatePerMin int `json:"operator_rate_per_min,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors warnings and errors into a bot chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the session store. Changes need a restart.
//
//	"storage": { "driver": "sqlite", "path": "./data/castbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// NotifierConfig controls the async operator notification pipeline.
// An omitted section means enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
}

// BroadcastConfig tunes the per-account loops. Zero values take defaults:
// pace 5s..10s, cycle gap 60s + 10s..20s jitter, send timeout 60s.
type BroadcastConfig struct {
	PaceMin        string `json:"pace_min,omitempty"`
	PaceMax        string `json:"pace_max,omitempty"`
	CycleBase      string `json:"cycle_base,omitempty"`
	CycleJitterMin string `json:"cycle_jitter_min,omitempty"`
	CycleJitterMax string `json:"cycle_jitter_max,omitempty"`
	SendTimeout    string `json:"send_timeout,omitempty"`
	// MaxRateLimitWait ends a loop when Telegram asks for a longer pause.
	// "0s" or empty waits however long is asked.
	MaxRateLimitWait string `json:"max_rate_limit_wait,omitempty"`
}

type UserClientConfig struct {
	SessionsDir    string `json:"sessions_dir"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
	DeviceModel    string `json:"device_model,omitempty"`
	LoginTimeout   string `json:"login_timeout,omitempty"`
}

// HealthConfig controls the HTTP health server. The PORT environment
// variable overrides the port of Addr.
type HealthConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default ":8080"
	Pprof   bool   `json:"pprof,omitempty"`
	// Token guards /debug/pprof/ with a bearer token when set (never logged).
	Token        string `json:"token,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// MaintenanceConfig schedules housekeeping jobs.
type MaintenanceConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron spec ("0 4 * * *") or "@every 6h" (default "@every 6h").
	Schedule string `json:"schedule,omitempty"`
	// RunRetention keeps stopped run records this long (default "720h").
	RunRetention string `json:"run_retention,omitempty"`
	// AuditRetention keeps audit rows this long (default "2160h").
	AuditRetention string `json:"audit_retention,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
}
