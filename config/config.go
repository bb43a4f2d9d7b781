// Package config provides configuration loading for Sigil. The loaded
// Config is immutable for the life of the process: it is passed by value
// into engine construction, never held as ambient global state, so the
// engine stays instantiable multiple times in tests.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where Load looks when no --config flag is given.
const DefaultPath = "sigil.config.yaml"

// Config is the complete Sigil configuration.
type Config struct {
	Contracts ContractsConfig `yaml:"contracts"`
	Tests     TestsConfig     `yaml:"tests"`
	HTTP      HTTPConfig      `yaml:"http"`
	NATS      NATSConfig      `yaml:"nats"`

	// Notes are global project conventions delivered to agents alongside
	// contract data. Free text, never interpreted.
	Notes string `yaml:"notes,omitempty"`

	// Instructions overrides the agent instructions compiled into the
	// binary. When empty the embedded default is served.
	Instructions string `yaml:"instructions,omitempty"`
}

// ContractsConfig configures the contract store.
type ContractsConfig struct {
	// Dir holds the *.contract.yaml documents.
	Dir string `yaml:"dir"`
	// Root is the directory referenced file paths resolve against.
	Root string `yaml:"root"`
	// Watch enables the filesystem watcher that reloads the index when
	// documents change outside the engine.
	Watch bool `yaml:"watch"`
}

// TestsConfig configures the test-link scanner.
type TestsConfig struct {
	// Pattern is the annotation regexp with exactly one capture group
	// (the contract id).
	Pattern string `yaml:"pattern"`
	// Sources are the files or directories scanned for annotations.
	Sources []string `yaml:"sources"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// NATSConfig configures event publishing. An empty URL disables it.
type NATSConfig struct {
	URL string `yaml:"url"`
	// SubjectPrefix prefixes every published subject (default "sigil").
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Contracts: ContractsConfig{
			Dir:  "contracts",
			Root: ".",
		},
		Tests: TestsConfig{
			Pattern: `fulfills-contract\("([^"]+)"\)`,
		},
		HTTP: HTTPConfig{
			Addr: ":8135",
		},
		NATS: NATSConfig{
			SubjectPrefix: "sigil",
		},
	}
}

// Load reads the default config path. A missing file yields the
// defaults; a malformed file is an error.
func Load() (Config, error) {
	if _, err := os.Stat(DefaultPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return LoadFromFile(DefaultPath)
}

// LoadFromFile loads configuration from a YAML file, layering it over
// the defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Contracts.Dir == "" {
		return fmt.Errorf("contracts.dir is required")
	}
	if c.Tests.Pattern == "" {
		return fmt.Errorf("tests.pattern is required")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	return nil
}
