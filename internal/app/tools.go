package app

import (
	"context"

	"castbot/internal/broadcast"
	"castbot/internal/config"
	"castbot/internal/storage"
	logx "castbot/pkg/logx"
)

// CheckConfig loads and validates a config file without side effects.
func CheckConfig(cfgPath string) (*Config, error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OpenStore opens the configured store for offline tools. The bot must not
// be running against the same file while a tool writes to it.
func OpenStore(cfgPath string, log logx.Logger) (storage.Store, error) {
	cfg, err := CheckConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log)
}

// ResetRuns closes every run record still marked running, the same way a
// starting bot does. It returns how many were closed.
func ResetRuns(ctx context.Context, store storage.Store, log logx.Logger) (int, error) {
	s := broadcast.NewScheduler(broadcast.Config{}, broadcast.Deps{Store: store, Log: log})
	return s.ReconcileOnStartup(ctx)
}
