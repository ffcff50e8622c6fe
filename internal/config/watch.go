package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const reloadDebounce = 200 * time.Millisecond

// Watch hot-reloads the config file at path until ctx is done. onChange
// receives every successfully loaded and validated config; invalid edits are
// logged and ignored so the running process keeps its last good config.
func Watch(ctx context.Context, path string, onChange func(*Config), logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	path = ExpandPath(path)

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		logger.Warn("config watch initial read failed", "path", path, "err", err)
		return
	}

	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			logger.Warn("config hot-reload rejected", "path", path, "err", err)
			return
		}
		onChange(cfg)
		logger.Info("config hot-reloaded", "path", path)
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		if filepath.Clean(e.Name) != filepath.Clean(path) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, reload)
	})
	v.WatchConfig()

	<-ctx.Done()
	mu.Lock()
	if timer != nil {
		timer.Stop()
	}
	mu.Unlock()
}

// ParseLevel maps general.logLevel onto a slog level.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
