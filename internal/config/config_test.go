package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validTOML = `
config_version = 2.0

[telegram]
api_id = 12345
api_hash = "0123456789abcdef"

[[targets]]
name = "main"
target_chat_id = -1001234567890
tracked_user_ids = [777, 888]
summary_interval_minutes = 30
control_group = "ops"

[targets.tracked_user_aliases]
777 = "alice"

[control_groups.ops]
control_chat_id = -1009876543210
is_forum = true
topic_routing_enabled = true

[control_groups.ops.topic_target_map.-1001234567890]
777 = 42
888 = 1
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validTOML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if len(cfg.Targets) != 1 {
		t.Fatalf("expected 1 target, got %d", len(cfg.Targets))
	}
	target := &cfg.Targets[0]
	if target.TargetChatID != -1001234567890 {
		t.Errorf("target_chat_id = %d", target.TargetChatID)
	}
	if !target.Tracks(777) || !target.Tracks(888) || target.Tracks(999) {
		t.Error("tracked user set wrong")
	}
	if got := target.Alias(777); got != "alice" {
		t.Errorf("Alias(777) = %q, want alice", got)
	}
	if got := target.Alias(888); got != "user 888" {
		t.Errorf("Alias(888) = %q, want fallback label", got)
	}
	if got := target.Interval(120); got != 30*time.Minute {
		t.Errorf("Interval = %v, want 30m", got)
	}

	// Defaults fill the unset sections.
	if cfg.Storage.DBPath != "data/tgwatch.sqlite3" {
		t.Errorf("db_path default missing: %q", cfg.Storage.DBPath)
	}
	if cfg.Reporting.RetentionDays != 30 {
		t.Errorf("retention_days default = %d", cfg.Reporting.RetentionDays)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level default = %q", cfg.Log.Level)
	}
}

func TestTopicFor(t *testing.T) {
	cfg, err := Load(writeConfig(t, validTOML))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	target := &cfg.Targets[0]
	control := cfg.ControlFor(target)

	if got := control.TopicFor(target.TargetChatID, 777); got != 42 {
		t.Errorf("TopicFor(777) = %d, want 42", got)
	}
	// Mapping to the General topic counts as unrouted.
	if got := control.TopicFor(target.TargetChatID, 888); got != 0 {
		t.Errorf("TopicFor(888) = %d, want 0", got)
	}
	if got := control.TopicFor(-42, 777); got != 0 {
		t.Errorf("TopicFor(unknown chat) = %d, want 0", got)
	}

	disabled := control
	disabled.TopicRoutingEnabled = false
	if got := disabled.TopicFor(target.TargetChatID, 777); got != 0 {
		t.Errorf("TopicFor with routing disabled = %d, want 0", got)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "missing api credentials",
			mutate:  func(s string) string { return strings.Replace(s, "api_id = 12345", "api_id = 0", 1) },
			wantErr: "invalid config",
		},
		{
			name: "unknown control group",
			mutate: func(s string) string {
				return strings.Replace(s, `control_group = "ops"`, `control_group = "nope"`, 1)
			},
			wantErr: "unknown control group",
		},
		{
			name: "topic map references untracked user",
			mutate: func(s string) string {
				return strings.Replace(s, "777 = 42", "999 = 42", 1)
			},
			wantErr: "not tracked",
		},
		{
			name: "topic map references unbound chat",
			mutate: func(s string) string {
				return strings.Replace(s, "topic_target_map.-1001234567890", "topic_target_map.-1005555555555", 1)
			},
			wantErr: "not bound",
		},
		{
			name: "duplicate target names",
			mutate: func(s string) string {
				return s + `
[[targets]]
name = "main"
target_chat_id = -1002222222222
tracked_user_ids = [111]
control_group = "ops"
`
			},
			wantErr: "duplicate target name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.mutate(validTOML)))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestControlForDefaultsToDefaultGroup(t *testing.T) {
	body := `
[telegram]
api_id = 1
api_hash = "0123456789abcdef"

[[targets]]
name = "main"
target_chat_id = -100
tracked_user_ids = [1]

[control_groups.default]
control_chat_id = -200
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	control := cfg.ControlFor(&cfg.Targets[0])
	if control.ControlChatID != -200 {
		t.Errorf("ControlChatID = %d, want -200", control.ControlChatID)
	}
}
