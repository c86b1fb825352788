package config

import (
	"fmt"
)

// Validator validates configuration comprehensively with clear error messages
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *Validator) ValidateAll() error {
	if err := v.validateFactory(); err != nil {
		return fmt.Errorf("factory validation failed: %w", err)
	}

	if err := v.validateProcessor(); err != nil {
		return fmt.Errorf("processor validation failed: %w", err)
	}

	if err := v.validateBroker(); err != nil {
		return fmt.Errorf("broker validation failed: %w", err)
	}

	if err := v.validateExternalResource(); err != nil {
		return fmt.Errorf("external resource validation failed: %w", err)
	}

	if err := v.validateRetention(); err != nil {
		return fmt.Errorf("retention validation failed: %w", err)
	}

	return nil
}

func (v *Validator) validateFactory() error {
	f := v.cfg.Factory
	if f == nil {
		return fmt.Errorf("factory configuration is nil")
	}
	if f.MatsDestinationPrefix == "" {
		return NewValidationError("factory", f.Name, "mats_destination_prefix", fmt.Errorf("must not be empty"))
	}
	if f.MatsTraceKey == "" {
		return NewValidationError("factory", f.Name, "mats_trace_key", fmt.Errorf("must not be empty"))
	}
	return nil
}

func (v *Validator) validateProcessor() error {
	p := v.cfg.Processor
	if p == nil {
		return fmt.Errorf("processor configuration is nil")
	}
	if p.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", p.Concurrency)
	}
	if p.GracefulShutdownTimeout <= 0 {
		return fmt.Errorf("graceful_shutdown_timeout must be positive, got %v", p.GracefulShutdownTimeout)
	}
	if p.CrashBackoffBase <= 0 {
		return fmt.Errorf("crash_backoff_base must be positive, got %v", p.CrashBackoffBase)
	}
	if p.CrashBackoffMax < p.CrashBackoffBase {
		return fmt.Errorf("crash_backoff_max (%v) must be >= crash_backoff_base (%v)", p.CrashBackoffMax, p.CrashBackoffBase)
	}
	if p.CrashBackoffJitter < 0 {
		return fmt.Errorf("crash_backoff_jitter must be non-negative, got %v", p.CrashBackoffJitter)
	}
	return nil
}

func (v *Validator) validateBroker() error {
	b := v.cfg.Broker
	if b == nil {
		return fmt.Errorf("broker configuration is nil")
	}
	switch b.Adapter {
	case "memory":
		// no further settings required
	case "amqp":
		if b.AMQPURL == "" {
			return NewValidationError("broker", b.Adapter, "amqp_url", fmt.Errorf("required for the amqp adapter"))
		}
	default:
		return NewValidationError("broker", b.Adapter, "adapter", fmt.Errorf("unknown adapter %q (expected \"memory\" or \"amqp\")", b.Adapter))
	}
	return nil
}

func (v *Validator) validateExternalResource() error {
	er := v.cfg.ExternalResource
	if er == nil {
		return nil // bridge is optional
	}
	if er.DSN == "" {
		return NewValidationError("external_resource", "", "dsn", fmt.Errorf("required when external_resource is configured"))
	}
	if er.MaxOpenConns < 1 {
		return fmt.Errorf("max_open_conns must be at least 1, got %d", er.MaxOpenConns)
	}
	if er.MaxIdleConns < 0 {
		return fmt.Errorf("max_idle_conns must be non-negative, got %d", er.MaxIdleConns)
	}
	return nil
}

func (v *Validator) validateRetention() error {
	r := v.cfg.Retention
	if r == nil {
		return nil
	}
	if r.EventTTL <= 0 {
		return fmt.Errorf("event_ttl must be positive, got %v", r.EventTTL)
	}
	if r.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup_interval must be positive, got %v", r.CleanupInterval)
	}
	return nil
}

