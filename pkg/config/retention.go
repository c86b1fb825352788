package config

import "time"

// RetentionConfig controls cleanup of the in-process lifecycle event log
// (pkg/lifecycle) that backs the /debug/lifecycle HTTP surface.
type RetentionConfig struct {
	// EventTTL is the maximum age of a lifecycle event before it is
	// evicted from the in-memory ring buffer.
	EventTTL time.Duration `yaml:"event_ttl"`

	// CleanupInterval is how often the eviction sweep runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		EventTTL:        1 * time.Hour,
		CleanupInterval: 10 * time.Minute,
	}
}
