package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	tokenx "github.com/bionicotaku/lingo-utils-tokenx"
)

// Config is the tokenctl configuration file.
type Config struct {
	Issuer        string        `yaml:"issuer"`
	Audience      string        `yaml:"audience"`
	KeyFile       string        `yaml:"key_file"`
	CertFile      string        `yaml:"cert_file"`
	KeyID         string        `yaml:"key_id"`
	Lifetime      time.Duration `yaml:"lifetime"`
	RefreshMargin time.Duration `yaml:"refresh_margin"`
	NameClaimType string        `yaml:"name_claim_type"`
	RoleClaimType string        `yaml:"role_claim_type"`
	Claims        []ClaimConfig `yaml:"claims"`
	Redis         RedisConfig   `yaml:"redis"`
}

// RedisConfig enables a token cache shared between tokenctl runs.
type RedisConfig struct {
	Addr   string `yaml:"addr"`
	Prefix string `yaml:"prefix"`
}

// ClaimConfig is one descriptor claim.
type ClaimConfig struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

func defaultConfigPath() string {
	if path := os.Getenv("TOKENCTL_CONFIG"); path != "" {
		return path
	}
	return "tokenctl.yaml"
}

// LoadConfig reads the YAML file at path. Relative key and certificate
// paths are resolved against the file's directory.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", filepath.Base(path), err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", filepath.Base(path), err)
	}
	dir := filepath.Dir(path)
	cfg.KeyFile = resolve(dir, cfg.KeyFile)
	cfg.CertFile = resolve(dir, cfg.CertFile)
	return &cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.Issuer == "":
		return errors.New("issuer is required")
	case c.Audience == "":
		return errors.New("audience is required")
	case c.KeyFile == "":
		return errors.New("key_file is required")
	case c.CertFile == "":
		return errors.New("cert_file is required")
	}
	return nil
}

func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// Descriptor builds the token descriptor described by the configuration.
func (c Config) Descriptor() tokenx.TokenDescriptor {
	claims := make([]tokenx.Claim, 0, len(c.Claims))
	for _, claim := range c.Claims {
		claims = append(claims, tokenx.Claim{Name: claim.Name, Value: claim.Value})
	}
	return tokenx.TokenDescriptor{
		Claims:   claims,
		Issuer:   c.Issuer,
		Audience: c.Audience,
	}
}

// Params builds the matching validation parameters.
func (c Config) Params() tokenx.ValidationParameters {
	return tokenx.ValidationParameters{
		Audience:      c.Audience,
		Issuer:        c.Issuer,
		NameClaimType: c.NameClaimType,
		RoleClaimType: c.RoleClaimType,
	}
}

// IssuerConfig returns the caching policy.
func (c Config) IssuerConfig() tokenx.IssuerConfig {
	return tokenx.IssuerConfig{
		Lifetime:      c.Lifetime,
		RefreshMargin: c.RefreshMargin,
	}
}
