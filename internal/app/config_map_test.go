package app

import (
	"strings"
	"testing"
	"time"
)

func TestMapDefaults(t *testing.T) {
	cfg := &Config{}

	sc, err := mapStorageConfig(cfg)
	if err != nil || sc.Driver != "sqlite" || sc.Path != "./data/castbot.db" || sc.BusyTimeout != 5*time.Second {
		t.Fatalf("storage = %+v, %v", sc, err)
	}

	nc, err := mapNotifierConfig(cfg)
	if err != nil || !nc.Enabled || nc.Workers != 2 || nc.DedupWindow != time.Minute {
		t.Fatalf("notifier = %+v, %v", nc, err)
	}

	_, login, err := mapUserClientConfig(cfg)
	if err != nil || login != 2*time.Minute {
		t.Fatalf("login timeout = %v, %v", login, err)
	}

	mc, err := mapMaintenanceConfig(cfg)
	if err != nil || mc.Schedule != "@every 6h" || mc.RunRetention != 720*time.Hour || mc.AuditRetention != 2160*time.Hour {
		t.Fatalf("maintenance = %+v, %v", mc, err)
	}

	if ttl, err := conversationTTL(cfg); err != nil || ttl != 15*time.Minute {
		t.Fatalf("ttl = %v, %v", ttl, err)
	}
	if err := validateConfig(cfg); err != nil {
		t.Fatalf("empty config rejected: %v", err)
	}
}

func TestMapBroadcastConfig(t *testing.T) {
	cfg := &Config{}
	cfg.Broadcast.PaceMin = "2s"
	cfg.Broadcast.PaceMax = "4s"
	cfg.Broadcast.MaxRateLimitWait = "10m"
	bc, err := mapBroadcastConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if bc.PaceMin != 2*time.Second || bc.PaceMax != 4*time.Second || bc.MaxRateLimitWait != 10*time.Minute || bc.CycleBase != 0 {
		t.Fatalf("broadcast = %+v", bc)
	}
}

func TestValidateConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"driver", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.driver"},
		{"pace", func(c *Config) { c.Broadcast.PaceMin = "fast" }, "broadcast.pace_min"},
		{"schedule", func(c *Config) { c.Maintenance.Schedule = "whenever" }, "maintenance.schedule"},
		{"timezone", func(c *Config) { c.Maintenance.Timezone = "Mars/Olympus" }, "maintenance.timezone"},
		{"login", func(c *Config) { c.UserClient.LoginTimeout = "soon" }, "userclient.login_timeout"},
		{"ttl", func(c *Config) { c.Telegram.ConversationTTL = "x" }, "telegram.conversation_ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			tt.mut(cfg)
			err := validateConfig(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestBotTokenFallsBackToEnv(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", " from-env ")
	cfg := &Config{}
	if got := botToken(cfg); got != "from-env" {
		t.Fatalf("token = %q", got)
	}
	cfg.Telegram.Token = "from-file"
	if got := botToken(cfg); got != "from-file" {
		t.Fatalf("token = %q", got)
	}
}
