package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/forgepilot/forgepilot/internal/logging"
)

// Loader handles configuration loading from multiple sources and
// optional hot-reload of the file source while forgepilotd runs.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string

	mu  sync.Mutex
	log *logging.Logger
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{v: viper.New(), envPrefix: "FORGEPILOT", log: logging.NewNop()}
}

// NewLoaderWithViper creates a loader using an existing viper instance,
// for integration with CLI flag bindings (forgepilotd's --config flag).
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v, envPrefix: "FORGEPILOT", log: logging.NewNop()}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithLogger attaches a logger used for hot-reload diagnostics.
func (l *Loader) WithLogger(log *logging.Logger) *Loader {
	l.log = log
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources.
//
// Precedence (highest to lowest):
//  1. CLI flags (set via viper.BindPFlag)
//  2. Environment variables (FORGEPILOT_*)
//  3. Config file (--config, or ./.forgepilot/config.yaml, or
//     $HOME/.config/forgepilot/config.yaml)
//  4. Defaults (setDefaults below)
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".forgepilot")
		if home, err := os.UserHomeDir(); err == nil {
			l.v.AddConfigPath(filepath.Join(home, ".config", "forgepilot"))
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// ConfigFile returns the config file path actually in use, once Load
// has run (empty if none was found).
func (l *Loader) ConfigFile() string {
	if l.configFile != "" {
		return l.configFile
	}
	return l.v.ConfigFileUsed()
}

// WatchAndReload starts watching the config file actually in use (if
// any) and invokes onChange with the freshly reloaded Config every time
// it changes on disk, letting an operator tune cycle.Limits or worker
// concurrency without restarting forgepilotd (spec §6's configuration
// surface notes these are intended to be tunable). A config file that
// fails to parse on reload is logged and skipped; the previous Config
// stays in effect.
func (l *Loader) WatchAndReload(onChange func(*Config)) error {
	path := l.ConfigFile()
	if path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching config directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := l.Load()
				if err != nil {
					l.log.Warn("config reload failed, keeping previous config", "error", err)
					continue
				}
				if err := Validate(cfg); err != nil {
					l.log.Warn("reloaded config failed validation, keeping previous config", "error", err)
					continue
				}
				l.log.Info("config reloaded", "path", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.log.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// setDefaults configures default values, mirroring DefaultConfigYAML.
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	l.v.SetDefault("store.driver", "sqlite")
	l.v.SetDefault("store.dsn", ".forgepilot/store.db")

	l.v.SetDefault("queue.driver", "sqlite")
	l.v.SetDefault("queue.dsn", ".forgepilot/queue.db")
	l.v.SetDefault("queue.redis_db", 0)

	l.v.SetDefault("workspace.base_dir", ".forgepilot/workspaces")
	l.v.SetDefault("workspace.use_shallow_clone", true)

	l.v.SetDefault("agents.claude_code_path", "claude")
	l.v.SetDefault("agents.codex_cli_path", "codex")
	l.v.SetDefault("agents.gemini_cli_path", "gemini")
	l.v.SetDefault("agents.git_path", "git")

	l.v.SetDefault("worker.max_concurrent_jobs", 4)
	l.v.SetDefault("worker.queue_visibility_timeout", "5m")
	l.v.SetDefault("worker.queue_poll_interval", "500ms")
	l.v.SetDefault("worker.queue_retry_delay", "30s")

	l.v.SetDefault("cycle.max_ci_iterations", 5)
	l.v.SetDefault("cycle.max_review_iterations", 5)
	l.v.SetDefault("cycle.max_total_iterations", 15)
	l.v.SetDefault("cycle.warn_iteration_threshold", 10)
	l.v.SetDefault("cycle.min_review_score", 0.7)
	l.v.SetDefault("cycle.phase_timeout", "2h")
	l.v.SetDefault("cycle.merge_method", "squash")
	l.v.SetDefault("cycle.merge_delete_branch", true)

	l.v.SetDefault("ci_poller.ci_poll_interval", "15s")
	l.v.SetDefault("ci_poller.ci_poll_overall_timeout", "45m")

	l.v.SetDefault("output.output_max_history", 1000)
	l.v.SetDefault("output.output_cleanup_after", "1h")
	l.v.SetDefault("output.output_max_queue_size", 256)

	l.v.SetDefault("metrics.listen_addr", "127.0.0.1:9090")
}
