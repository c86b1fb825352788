package config

import "time"

// DefaultFactoryConfig returns the built-in factory defaults.
func DefaultFactoryConfig() *FactoryConfig {
	return &FactoryConfig{
		Name:                  "",
		MatsDestinationPrefix: "mats.",
		MatsTraceKey:          "mats:trace",
	}
}

// DefaultProcessorConfig returns the built-in stage-processor defaults.
func DefaultProcessorConfig() *ProcessorConfig {
	return &ProcessorConfig{
		Concurrency:             1,
		GracefulShutdownTimeout: 30 * time.Second,
		CrashBackoffBase:        100 * time.Millisecond,
		CrashBackoffMax:         10 * time.Second,
		CrashBackoffJitter:      200 * time.Millisecond,
	}
}

// DefaultBrokerConfig returns the built-in broker defaults (in-memory,
// so a factory can start without any external services configured).
func DefaultBrokerConfig() *BrokerConfig {
	return &BrokerConfig{Adapter: "memory"}
}
