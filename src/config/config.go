package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"chartview/src/backend"
)

// Config holds all application configuration.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	DataSource struct {
		APIBaseURL    string `yaml:"api_base_url"`
		UseBinance    bool   `yaml:"use_binance"`
		LookbackHours int    `yaml:"lookback_hours"`
	} `yaml:"data_source"`
	Alerts struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"alerts"`
	LiveStream struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"live_stream"`
	Backends []BackendConfig `yaml:"backends"`
	Render   struct {
		Dir string `yaml:"dir"`
	} `yaml:"render"`
}

// BackendConfig overrides one candidate in the fallback order. Candidates
// are matched by name against the built-in list; unknown names are appended
// as script backends.
type BackendConfig struct {
	Name          string `yaml:"name"`
	ScriptURL     string `yaml:"script_url"`
	GlobalSymbol  string `yaml:"global_symbol"`
	LoadTimeoutMs int    `yaml:"load_timeout_ms"`
}

// Load reads config from a YAML file, then applies environment variable
// overrides, then defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("CHARTVIEW_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CHARTVIEW_API_BASE_URL"); v != "" {
		cfg.DataSource.APIBaseURL = v
	}
	if v := os.Getenv("CHARTVIEW_ALERTS_BASE_URL"); v != "" {
		cfg.Alerts.BaseURL = v
	}
	if v := os.Getenv("CHARTVIEW_RENDER_DIR"); v != "" {
		cfg.Render.Dir = v
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8089"
	}
	if cfg.DataSource.APIBaseURL == "" {
		cfg.DataSource.APIBaseURL = "http://127.0.0.1:8000"
	}
	if cfg.DataSource.LookbackHours <= 0 {
		cfg.DataSource.LookbackHours = 24
	}
	if cfg.Alerts.BaseURL == "" {
		cfg.Alerts.BaseURL = cfg.DataSource.APIBaseURL
	}
	return cfg, nil
}

// Candidates merges the configured backend overrides into the default
// fallback order.
func (c *Config) Candidates() []backend.Descriptor {
	candidates := backend.DefaultCandidates()
	for _, override := range c.Backends {
		applied := false
		for i := range candidates {
			if candidates[i].Name != override.Name {
				continue
			}
			if override.ScriptURL != "" {
				candidates[i].ScriptURL = override.ScriptURL
			}
			if override.GlobalSymbol != "" {
				candidates[i].GlobalSymbol = override.GlobalSymbol
			}
			if override.LoadTimeoutMs > 0 {
				candidates[i].LoadTimeout = time.Duration(override.LoadTimeoutMs) * time.Millisecond
			}
			applied = true
			break
		}
		if !applied && override.ScriptURL != "" {
			candidates = append(candidates, backend.Descriptor{
				Name:         override.Name,
				ScriptURL:    override.ScriptURL,
				GlobalSymbol: override.GlobalSymbol,
				LoadTimeout:  time.Duration(override.LoadTimeoutMs) * time.Millisecond,
			})
		}
	}
	return candidates
}
