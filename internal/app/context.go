package app

import (
	"fmt"
	"path/filepath"

	"desitarget/internal/config"
	"desitarget/internal/engine"
)

// ResolveConfig loads desitarget.yml from the workspace, falling back to the
// defaults for survey when the file is absent. A non-empty survey overrides
// the file's.
func ResolveConfig(workspace, survey string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		if survey == "" {
			survey = "main"
		}
		cfg = config.Default(survey)
	}
	if survey != "" {
		cfg.Survey = survey
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EngineOptions maps the priority section of cfg onto engine options.
func EngineOptions(cfg *config.Config) engine.Options {
	opts := engine.DefaultOptions()
	if cfg == nil {
		return opts
	}
	if cfg.Priority.LyaBits != nil {
		opts.LyaBits = cfg.Priority.LyaBits
	}
	if cfg.Priority.LyaZMin > 0 {
		opts.LyaZMin = cfg.Priority.LyaZMin
	}
	if cfg.Priority.DoNotObserveBits != nil {
		opts.DoNotObserveBits = cfg.Priority.DoNotObserveBits
	}
	return opts
}

// MasksPath resolves cfg.MasksFile against the workspace. Empty means the
// bundled document.
func MasksPath(workspace string, cfg *config.Config) string {
	if cfg.MasksFile == "" || filepath.IsAbs(cfg.MasksFile) {
		return cfg.MasksFile
	}
	return filepath.Join(workspace, cfg.MasksFile)
}

// LoadEngine builds the engine described by cfg.
func LoadEngine(workspace string, cfg *config.Config) (*engine.Engine, error) {
	return engine.LoadFile(cfg.Survey, MasksPath(workspace, cfg), EngineOptions(cfg))
}

// Configure applies the batch and observing-condition settings of cfg to p.
func (p *Pipeline) Configure(cfg *config.Config) error {
	if cfg.Batch.Workers > 0 {
		p.Runner.Workers = cfg.Batch.Workers
	}
	if cfg.Batch.Prefix != "" {
		p.Prefix = cfg.Batch.Prefix
	}
	if cfg.Batch.Ext != "" {
		p.Ext = cfg.Batch.Ext
	}
	p.DarkBright = cfg.DarkBright
	if cfg.ObsCon != "" {
		v, err := p.Engine.Registry.ObsMask(cfg.ObsCon)
		if err != nil {
			return fmt.Errorf("config.obscon: %w", err)
		}
		p.ObsCon = v
	}
	return nil
}
