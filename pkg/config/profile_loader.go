package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DeploymentProfile is an environment-specific configuration overlay.
// Values set in the profile override environment defaults.
type DeploymentProfile struct {
	Name          string `yaml:"name"`
	Port          string `yaml:"port,omitempty"`
	LogLevel      string `yaml:"log_level,omitempty"`
	DatabasePath  string `yaml:"database_path,omitempty"`
	RedisURL      string `yaml:"redis_url,omitempty"`
	CycleInterval string `yaml:"cycle_interval,omitempty"`
	ChallengeTTL  string `yaml:"challenge_ttl,omitempty"`
	TokenTTL      string `yaml:"token_ttl,omitempty"`
}

// LoadProfile loads a deployment profile YAML by name.
// It searches the profiles directory for profile_<name>.yaml.
func LoadProfile(profilesDir, name string) (*DeploymentProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile DeploymentProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	return &profile, nil
}

// Apply overlays profile values onto cfg. Empty fields leave cfg alone.
func (p *DeploymentProfile) Apply(cfg *Config) {
	if p.Port != "" {
		cfg.Port = p.Port
	}
	if p.LogLevel != "" {
		cfg.LogLevel = p.LogLevel
	}
	if p.DatabasePath != "" {
		cfg.DatabasePath = p.DatabasePath
	}
	if p.RedisURL != "" {
		cfg.RedisURL = p.RedisURL
	}
	overlayDuration(&cfg.CycleInterval, p.CycleInterval)
	overlayDuration(&cfg.ChallengeTTL, p.ChallengeTTL)
	overlayDuration(&cfg.TokenTTL, p.TokenTTL)
}

func overlayDuration(dst *time.Duration, raw string) {
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil {
		*dst = d
	}
}
