package formula

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config tunes an engine. missing keys keep their defaults.
type Config struct {
	Budget struct {
		MaxSteps int `yaml:"maxSteps"`
	} `yaml:"budget"`

	Schema struct {
		SupportedMajor int    `yaml:"supportedMajor"`
		SchemaVersion  string `yaml:"schemaVersion"`
		SDKVersion     string `yaml:"sdkVersion"`
	} `yaml:"schema"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// DefaultConfig returns the built-in settings
func DefaultConfig() Config {
	var c Config
	c.Budget.MaxSteps = DefaultMaxSteps
	c.Schema.SupportedMajor = DefaultSupportedMajor
	c.Schema.SchemaVersion = DefaultSchemaVersion
	c.Schema.SDKVersion = DefaultSDKVersion
	c.Log.Level = "info"
	return c
}

// LoadConfig reads a YAML config file over the defaults
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, InvalidArgumentError.Wrap(err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML config over the defaults
func ParseConfig(data []byte) (Config, error) {
	c := DefaultConfig()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, InvalidArgumentError.Wrap(err)
	}
	defaults := DefaultConfig()
	if c.Budget.MaxSteps <= 0 {
		c.Budget.MaxSteps = defaults.Budget.MaxSteps
	}
	if c.Schema.SupportedMajor <= 0 {
		c.Schema.SupportedMajor = defaults.Schema.SupportedMajor
	}
	if c.Schema.SchemaVersion == "" {
		c.Schema.SchemaVersion = defaults.Schema.SchemaVersion
	}
	if c.Schema.SDKVersion == "" {
		c.Schema.SDKVersion = defaults.Schema.SDKVersion
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	return c, nil
}

// Validator returns the schema gate configured by c
func (c Config) Validator() *StructuralValidator {
	return &StructuralValidator{
		SupportedMajor: c.Schema.SupportedMajor,
		SchemaVersion:  c.Schema.SchemaVersion,
		SDKVersion:     c.Schema.SDKVersion,
	}
}
