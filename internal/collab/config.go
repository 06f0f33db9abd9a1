package collab

import (
	"time"

	"github.com/clipforge/collabsync/internal/collab/permission"
)

// UserConfig identifies the local collaborator.
type UserConfig struct {
	ID   string          `yaml:"id" json:"id"`
	Name string          `yaml:"name" json:"name"`
	Role permission.Role `yaml:"role" json:"role"`
}

// ReconnectConfig tunes the bounded exponential backoff used after a
// transport failure.
type ReconnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
}

// Config holds session configuration.
type Config struct {
	ProjectID string     `yaml:"project_id" json:"project_id"`
	User      UserConfig `yaml:"user" json:"user"`

	// Feature toggles gating whether each subsystem participates at all.
	EnableLiveCursors  bool `yaml:"enable_live_cursors" json:"enable_live_cursors"`
	EnableComments     bool `yaml:"enable_comments" json:"enable_comments"`
	EnableActivityFeed bool `yaml:"enable_activity_feed" json:"enable_activity_feed"`

	CursorTTL         time.Duration `yaml:"cursor_ttl" json:"cursor_ttl"`
	CursorThrottle    time.Duration `yaml:"cursor_throttle" json:"cursor_throttle"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	MaxPendingChanges int           `yaml:"max_pending_changes" json:"max_pending_changes"`
	ActivityCap       int           `yaml:"activity_cap" json:"activity_cap"`

	Reconnect ReconnectConfig `yaml:"reconnect" json:"reconnect"`
}

// DefaultConfig returns session defaults for a project and user: all
// subsystems enabled, 5s cursor TTL, 60Hz cursor throttle, retry window
// of 10 attempts between 100ms and 10s.
func DefaultConfig(projectID string, user UserConfig) Config {
	return Config{
		ProjectID:          projectID,
		User:               user,
		EnableLiveCursors:  true,
		EnableComments:     true,
		EnableActivityFeed: true,
		CursorTTL:          5 * time.Second,
		CursorThrottle:     16 * time.Millisecond,
		HeartbeatInterval:  15 * time.Second,
		MaxPendingChanges:  256,
		ActivityCap:        500,
		Reconnect: ReconnectConfig{
			MaxAttempts: 10,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    10 * time.Second,
		},
	}
}

// withDefaults fills zero-valued tuning fields so a hand-built Config
// cannot stall tickers or the backoff loop.
func (c Config) withDefaults() Config {
	d := DefaultConfig(c.ProjectID, c.User)
	if c.CursorTTL <= 0 {
		c.CursorTTL = d.CursorTTL
	}
	if c.CursorThrottle <= 0 {
		c.CursorThrottle = d.CursorThrottle
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.MaxPendingChanges <= 0 {
		c.MaxPendingChanges = d.MaxPendingChanges
	}
	if c.ActivityCap <= 0 {
		c.ActivityCap = d.ActivityCap
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = d.Reconnect.MaxAttempts
	}
	if c.Reconnect.BaseDelay <= 0 {
		c.Reconnect.BaseDelay = d.Reconnect.BaseDelay
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = d.Reconnect.MaxDelay
	}
	return c
}
