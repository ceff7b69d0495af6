package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/forgepilot/forgepilot/internal/config"
	"github.com/forgepilot/forgepilot/internal/queue"
	"github.com/forgepilot/forgepilot/internal/store"
)

// loadConfig reads and validates the same configuration forgepilotd
// loads, using the same viper/env/file precedence (initConfig in
// root.go already primed viper by the time any command's RunE runs).
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openStore opens the store this operator command's config points at.
// Callers are responsible for closing it.
func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	switch cfg.Store.Driver {
	case "postgres":
		return store.OpenPostgres(cfg.Store.DSN)
	default:
		return store.OpenSQLite(cfg.Store.DSN)
	}
}

// openQueue opens the queue backend this operator command's config
// points at. Callers are responsible for closing it.
func openQueue() (queue.Backend, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	switch cfg.Queue.Driver {
	case "postgres":
		return queue.OpenPostgres(cfg.Queue.DSN)
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddr, DB: cfg.Queue.RedisDB})
		return queue.NewRedisBackend(rdb), nil
	default:
		return queue.OpenSQLite(cfg.Queue.DSN)
	}
}

// outputJSON writes v to stdout as indented JSON.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncate collapses s to one line and clips it to maxLen, for table
// cells that would otherwise wrap a terminal.
func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", "")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
