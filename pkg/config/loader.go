package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FlowmeshYAMLConfig represents the complete flowmesh.yaml file structure.
type FlowmeshYAMLConfig struct {
	Factory          *FactoryConfig          `yaml:"factory"`
	Processor        *ProcessorConfig        `yaml:"processor"`
	Broker           *BrokerConfig           `yaml:"broker"`
	ExternalResource *ExternalResourceConfig `yaml:"external_resource"`
	Retention        *RetentionConfig        `yaml:"retention"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load flowmesh.yaml from configDir
//  2. Expand environment variables
//  3. Apply built-in defaults for any unset section
//  4. Validate all configuration
//  5. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"factory_name", cfg.Factory.Name,
		"broker_adapter", cfg.Broker.Adapter,
		"concurrency", cfg.Processor.Concurrency)

	return cfg, nil
}

// load is the internal loader (not exported).
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	yamlCfg, err := loader.loadFlowmeshYAML()
	if err != nil {
		return nil, NewLoadError("flowmesh.yaml", err)
	}

	factory := yamlCfg.Factory
	if factory == nil {
		factory = DefaultFactoryConfig()
	} else {
		applyFactoryDefaults(factory)
	}

	processor := yamlCfg.Processor
	if processor == nil {
		processor = DefaultProcessorConfig()
	}

	broker := yamlCfg.Broker
	if broker == nil {
		broker = DefaultBrokerConfig()
	}

	retention := yamlCfg.Retention
	if retention == nil {
		retention = DefaultRetentionConfig()
	}

	return &Config{
		configDir:        configDir,
		Factory:          factory,
		Processor:        processor,
		Broker:           broker,
		ExternalResource: yamlCfg.ExternalResource,
		Retention:        retention,
	}, nil
}

// applyFactoryDefaults fills in any zero-valued factory fields from the
// built-in defaults, without clobbering user-supplied values.
func applyFactoryDefaults(f *FactoryConfig) {
	d := DefaultFactoryConfig()
	if f.MatsDestinationPrefix == "" {
		f.MatsDestinationPrefix = d.MatsDestinationPrefix
	}
	if f.MatsTraceKey == "" {
		f.MatsTraceKey = d.MatsTraceKey
	}
}

// validate performs comprehensive validation on loaded configuration.
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing the YAML parser to handle the content (or fail with a clearer
	// error message).
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadFlowmeshYAML() (*FlowmeshYAMLConfig, error) {
	var cfg FlowmeshYAMLConfig
	if err := l.loadYAML("flowmesh.yaml", &cfg); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			// flowmesh.yaml is optional; built-in defaults cover every section.
			return &cfg, nil
		}
		return nil, err
	}
	return &cfg, nil
}
