// Package config loads and validates the tgwatch routing table: watched
// targets, control groups, storage locations, and reporting settings.
// The loaded Config is immutable for the lifetime of the process.
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// GeneralTopicID is the topic id Telegram assigns to a forum's General
// topic. A topic mapping pointing at it is treated as unrouted.
const GeneralTopicID = 1

// TelegramConfig holds the watcher account credentials and session location.
type TelegramConfig struct {
	APIID       int    `mapstructure:"api_id"       validate:"required,gt=0"`
	APIHash     string `mapstructure:"api_hash"     validate:"required,min=10"`
	SessionFile string `mapstructure:"session_file" validate:"required"`
}

// SenderConfig holds the optional secondary account used for outbound
// sends. It shares api_id/api_hash with the watcher account.
type SenderConfig struct {
	SessionFile string `mapstructure:"session_file" validate:"required"`
}

// Target is one monitored source chat plus the users watched within it.
type Target struct {
	Name                   string            `mapstructure:"name"                     validate:"required"`
	TargetChatID           int64             `mapstructure:"target_chat_id"           validate:"required"`
	TrackedUserIDs         []int64           `mapstructure:"tracked_user_ids"         validate:"required,min=1"`
	TrackedUserAliases     map[string]string `mapstructure:"tracked_user_aliases"`
	SummaryIntervalMinutes int               `mapstructure:"summary_interval_minutes" validate:"omitempty,gt=0"`
	ControlGroup           string            `mapstructure:"control_group"`
}

// ControlGroup is a destination chat for digests and commands.
// topic_target_map is keyed by target chat id, then user id (TOML table
// keys are strings).
type ControlGroup struct {
	ControlChatID       int64                     `mapstructure:"control_chat_id" validate:"required"`
	IsForum             bool                      `mapstructure:"is_forum"`
	TopicRoutingEnabled bool                      `mapstructure:"topic_routing_enabled"`
	TopicTargetMap      map[string]map[string]int `mapstructure:"topic_target_map"`
}

// StorageConfig locates the sqlite database and the media tree.
type StorageConfig struct {
	DBPath   string `mapstructure:"db_path"   validate:"required"`
	MediaDir string `mapstructure:"media_dir" validate:"required"`
}

// ReportingConfig controls report output and the default summary cadence.
type ReportingConfig struct {
	ReportsDir             string `mapstructure:"reports_dir"              validate:"required"`
	SummaryIntervalMinutes int    `mapstructure:"summary_interval_minutes" validate:"required,gt=0"`
	Timezone               string `mapstructure:"timezone"`
	RetentionDays          int    `mapstructure:"retention_days"           validate:"required,gt=0"`
}

// NotificationConfig holds the optional Bark push key.
type NotificationConfig struct {
	BarkKey string `mapstructure:"bark_key"`
}

// LogConfig controls slog level and format.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// Config is the full validated routing table.
type Config struct {
	ConfigVersion float64                 `mapstructure:"config_version"`
	Telegram      TelegramConfig          `mapstructure:"telegram"       validate:"required"`
	Sender        *SenderConfig           `mapstructure:"sender"`
	Targets       []Target                `mapstructure:"targets"        validate:"required,min=1,dive"`
	ControlGroups map[string]ControlGroup `mapstructure:"control_groups" validate:"required,min=1,dive"`
	Storage       StorageConfig           `mapstructure:"storage"`
	Reporting     ReportingConfig         `mapstructure:"reporting"`
	Notifications NotificationConfig      `mapstructure:"notifications"`
	Log           LogConfig               `mapstructure:"log"`
}

// Tracks reports whether userID is watched by this target.
func (t *Target) Tracks(userID int64) bool {
	for _, id := range t.TrackedUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Interval returns the target's summary interval, falling back to the
// reporting-wide default when unset.
func (t *Target) Interval(defaultMinutes int) time.Duration {
	minutes := t.SummaryIntervalMinutes
	if minutes <= 0 {
		minutes = defaultMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// Alias returns the configured display name for userID, or an id-based
// fallback label.
func (t *Target) Alias(userID int64) string {
	if alias, ok := t.TrackedUserAliases[strconv.FormatInt(userID, 10)]; ok && alias != "" {
		return alias
	}
	return fmt.Sprintf("user %d", userID)
}

// ControlFor resolves the control group a target is bound to. Load
// guarantees resolution succeeds for every target.
func (c *Config) ControlFor(t *Target) ControlGroup {
	return c.ControlGroups[t.controlKey()]
}

func (t *Target) controlKey() string {
	if t.ControlGroup != "" {
		return t.ControlGroup
	}
	return "default"
}

// TopicFor returns the topic id routed for (target chat, user) in this
// control group, or 0 when no usable mapping exists. Mappings to the
// General topic count as unrouted.
func (g *ControlGroup) TopicFor(targetChatID, userID int64) int {
	if !g.IsForum || !g.TopicRoutingEnabled {
		return 0
	}
	userMap, ok := g.TopicTargetMap[strconv.FormatInt(targetChatID, 10)]
	if !ok {
		return 0
	}
	topic, ok := userMap[strconv.FormatInt(userID, 10)]
	if !ok || topic == GeneralTopicID {
		return 0
	}
	return topic
}

// TargetByName returns the named target, or nil when absent.
func (c *Config) TargetByName(name string) *Target {
	for i := range c.Targets {
		if c.Targets[i].Name == name {
			return &c.Targets[i]
		}
	}
	return nil
}

// validate runs struct-tag validation plus the cross-field routing
// invariants: every target binds to an existing control group, and topic
// maps only reference users actually tracked by a target bound to that
// group.
func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	targetsByChat := make(map[int64]*Target, len(c.Targets))
	seenNames := make(map[string]bool, len(c.Targets))
	for i := range c.Targets {
		t := &c.Targets[i]
		if seenNames[t.Name] {
			return fmt.Errorf("duplicate target name %q", t.Name)
		}
		seenNames[t.Name] = true
		targetsByChat[t.TargetChatID] = t
		if _, ok := c.ControlGroups[t.controlKey()]; !ok {
			return fmt.Errorf("target %q references unknown control group %q", t.Name, t.controlKey())
		}
	}

	for key, group := range c.ControlGroups {
		for chatStr, userMap := range group.TopicTargetMap {
			chatID, err := strconv.ParseInt(chatStr, 10, 64)
			if err != nil {
				return fmt.Errorf("control group %q: topic map key %q is not a chat id", key, chatStr)
			}
			target, ok := targetsByChat[chatID]
			if !ok || target.controlKey() != key {
				return fmt.Errorf("control group %q: topic map references chat %d not bound to it", key, chatID)
			}
			for userStr := range userMap {
				userID, err := strconv.ParseInt(userStr, 10, 64)
				if err != nil {
					return fmt.Errorf("control group %q: topic map key %q is not a user id", key, userStr)
				}
				if !target.Tracks(userID) {
					return fmt.Errorf("control group %q: topic map references user %d not tracked by target %q", key, userID, target.Name)
				}
			}
		}
	}

	return nil
}
