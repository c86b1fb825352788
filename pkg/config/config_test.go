package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigDir(t *testing.T) {
	cfg := &Config{configDir: "/etc/flowmesh"}
	assert.Equal(t, "/etc/flowmesh", cfg.ConfigDir())
}

func TestConfigFieldDefaults(t *testing.T) {
	cfg := &Config{
		configDir: "/test/config",
		Factory:   DefaultFactoryConfig(),
		Processor: DefaultProcessorConfig(),
		Broker:    DefaultBrokerConfig(),
		Retention: DefaultRetentionConfig(),
	}

	assert.Equal(t, "mats.", cfg.Factory.MatsDestinationPrefix)
	assert.Equal(t, "mats:trace", cfg.Factory.MatsTraceKey)
	assert.Equal(t, 1, cfg.Processor.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Processor.GracefulShutdownTimeout)
	assert.Equal(t, "memory", cfg.Broker.Adapter)
	assert.Nil(t, cfg.ExternalResource)
	assert.Equal(t, 1*time.Hour, cfg.Retention.EventTTL)
}
