package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"desitarget/internal/bitmask"
)

// Config models desitarget.yml.
type Config struct {
	Survey string `yaml:"survey"`
	// MasksFile overrides the bundled target-mask document for Survey.
	MasksFile  string `yaml:"masks_file,omitempty"`
	ObsCon     string `yaml:"obscon"`
	DarkBright bool   `yaml:"darkbright"`
	Priority   struct {
		LyaBits          []string `yaml:"lya_bits"`
		LyaZMin          float64  `yaml:"lya_zmin"`
		DoNotObserveBits []string `yaml:"donotobserve_bits"`
	} `yaml:"priority"`
	Batch struct {
		Workers int    `yaml:"workers"`
		Prefix  string `yaml:"prefix"`
		Ext     string `yaml:"ext"`
	} `yaml:"batch"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret,omitempty"`
	} `yaml:"server"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with desitarget config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Survey == "" {
		return fmt.Errorf("config.survey is required")
	}
	if !bitmask.ValidSurvey(c.Survey) {
		return fmt.Errorf("config.survey must be 'main', 'cmx' or 'svX' (X=1,2..), not %q", c.Survey)
	}
	if c.ObsCon != "" {
		if _, err := bitmask.ParseConditions(c.ObsCon); err != nil {
			return fmt.Errorf("config.obscon: %w", err)
		}
	}
	if c.Priority.LyaZMin < 0 {
		return fmt.Errorf("config.priority.lya_zmin must be >= 0")
	}
	for _, b := range c.Priority.LyaBits {
		if b == "" {
			return fmt.Errorf("config.priority.lya_bits contains an empty bit name")
		}
	}
	for _, b := range c.Priority.DoNotObserveBits {
		if b == "" {
			return fmt.Errorf("config.priority.donotobserve_bits contains an empty bit name")
		}
	}
	if c.Batch.Workers < 0 {
		return fmt.Errorf("config.batch.workers must be >= 0")
	}
	if c.Batch.Ext != "" && !strings.HasPrefix(c.Batch.Ext, ".") {
		return fmt.Errorf("config.batch.ext must start with '.'")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with '/'")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("config.logging.format must be 'json' or 'text'")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "desitarget.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(survey string) string {
	return fmt.Sprintf(defaultTemplate, survey)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a survey.
func Default(survey string) *Config {
	var cfg Config
	cfg.Survey = survey
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(survey))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("main")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `survey: %s
obscon: DARK|GRAY|BRIGHT|POOR|TWILIGHT12|TWILIGHT18
darkbright: false

priority:
  lya_bits: [QSO]
  lya_zmin: 2.15
  donotobserve_bits: [IN_BRIGHT_OBJECT, VETO]

batch:
  workers: 4
  prefix: targets
  ext: .jsonl

server:
  addr: 127.0.0.1:8080
  base_path: /v0

logging:
  level: info
  format: json
`
