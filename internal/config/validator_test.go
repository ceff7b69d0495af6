package config

import "testing"

func validConfig() *Config {
	cfg := &Config{}
	l := NewLoader()
	loaded, _ := l.Load()
	*cfg = *loaded
	cfg.Store.DSN = ".forgepilot/store.db"
	cfg.Queue.DSN = ".forgepilot/queue.db"
	cfg.Workspace.BaseDir = ".forgepilot/workspaces"
	return cfg
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("Validate() error = %v, want nil for defaulted config", err)
	}
}

func TestValidate_RejectsUnknownStoreDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Store.Driver = "mysql"
	if err := Validate(cfg); err == nil {
		t.Error("expected error for unsupported store driver")
	}
}

func TestValidate_RejectsRedisQueueWithoutAddr(t *testing.T) {
	cfg := validConfig()
	cfg.Queue.Driver = "redis"
	cfg.Queue.RedisAddr = ""
	if err := Validate(cfg); err == nil {
		t.Error("expected error for redis queue without redis_addr")
	}
}

func TestValidate_RejectsBadDuration(t *testing.T) {
	cfg := validConfig()
	cfg.Worker.PollInterval = "not-a-duration"
	if err := Validate(cfg); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestValidate_RejectsOutOfRangeReviewScore(t *testing.T) {
	cfg := validConfig()
	cfg.Cycle.MinReviewScore = 1.5
	if err := Validate(cfg); err == nil {
		t.Error("expected error for min_review_score > 1")
	}
}

func TestValidate_RejectsDuplicateRepositoryNames(t *testing.T) {
	cfg := validConfig()
	repo := RepositoryConfig{FullName: "acme/widgets", RemoteURL: "https://github.com/acme/widgets.git", DefaultBranch: "main"}
	cfg.Repositories = []RepositoryConfig{repo, repo}
	if err := Validate(cfg); err == nil {
		t.Error("expected error for duplicate repository full_name")
	}
}

func TestValidate_RejectsSlackChannelWithoutToken(t *testing.T) {
	// Channel without token is fine (integration disabled); token without channel is not.
	cfg := validConfig()
	cfg.Slack.Token = "xoxb-test"
	cfg.Slack.Channel = ""
	if err := Validate(cfg); err == nil {
		t.Error("expected error for slack token set without a channel")
	}
}

func TestMustParseDurations_MatchesConfig(t *testing.T) {
	cfg := validConfig()
	d := MustParseDurations(cfg)
	if d.PollInterval.String() != "500ms" {
		t.Errorf("PollInterval = %v, want 500ms", d.PollInterval)
	}
}
