package main

import (
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// Config is the CLI configuration file. Durations are Go duration strings
// ("2s", "500ms"); chunk_size accepts human-readable sizes ("10MiB").
type Config struct {
	Endpoint       string `yaml:"endpoint"`
	Token          string `yaml:"token"`
	TokenEnv       string `yaml:"token_env"`
	ChunkSize      string `yaml:"chunk_size"`
	BaseDelay      string `yaml:"base_delay"`
	MaxRetries     *int   `yaml:"max_retries"`
	RequestTimeout string `yaml:"request_timeout"`
	ReportEvery    string `yaml:"report_every"`
	StatusAddr     string `yaml:"status_addr"`
}

type settings struct {
	Endpoint       string
	Token          string
	ChunkSize      int64
	BaseDelay      time.Duration
	MaxRetries     int
	RequestTimeout time.Duration
	ReportEvery    time.Duration
	StatusAddr     string
}

func loadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) resolve() (settings, error) {
	out := settings{
		Endpoint:   c.Endpoint,
		Token:      c.Token,
		MaxRetries: 3,
		StatusAddr: c.StatusAddr,
	}
	if c.TokenEnv != "" {
		if v := os.Getenv(c.TokenEnv); v != "" {
			out.Token = v
		}
	}
	if c.MaxRetries != nil {
		out.MaxRetries = *c.MaxRetries
	}

	var err error
	if out.ChunkSize, err = sizeOrDefault(c.ChunkSize, 10*units.MiB); err != nil {
		return out, fmt.Errorf("chunk_size: %w", err)
	}
	if out.BaseDelay, err = durationOrDefault(c.BaseDelay, 2*time.Second); err != nil {
		return out, fmt.Errorf("base_delay: %w", err)
	}
	if out.RequestTimeout, err = durationOrDefault(c.RequestTimeout, 5*time.Minute); err != nil {
		return out, fmt.Errorf("request_timeout: %w", err)
	}
	if out.ReportEvery, err = durationOrDefault(c.ReportEvery, 500*time.Millisecond); err != nil {
		return out, fmt.Errorf("report_every: %w", err)
	}
	return out, nil
}

func sizeOrDefault(v string, def int64) (int64, error) {
	if v == "" {
		return def, nil
	}
	return units.RAMInBytes(v)
}

func durationOrDefault(v string, def time.Duration) (time.Duration, error) {
	if v == "" {
		return def, nil
	}
	return time.ParseDuration(v)
}
