// Package config loads pipeline tuning from an optional YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/wolfeidau/tablepipe/internal/draft"
	"github.com/wolfeidau/tablepipe/internal/ledger"
	"github.com/wolfeidau/tablepipe/internal/provider"
	"github.com/wolfeidau/tablepipe/internal/review"
	"gopkg.in/yaml.v3"
)

// Pipeline holds every tunable of the pipeline.
type Pipeline struct {
	Retry    Retry    `yaml:"retry"`
	Ledger   Ledger   `yaml:"ledger"`
	Tasks    Tasks    `yaml:"tasks"`
	Review   Review   `yaml:"review"`
	Provider Provider `yaml:"provider"`
}

type Retry struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Jitter     float64       `yaml:"jitter"`
}

type Ledger struct {
	Lease        time.Duration `yaml:"lease"`
	TTL          time.Duration `yaml:"ttl"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type Tasks struct {
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

type Review struct {
	EscalationThreshold int `yaml:"escalation_threshold"`
}

type Provider struct {
	Model string          `yaml:"model"`
	Rates map[string]Rate `yaml:"rates"`
}

// Rate is the USD price per 1K tokens.
type Rate struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// Default returns the built-in settings.
func Default() *Pipeline {
	retry := draft.DefaultRetryPolicy()
	return &Pipeline{
		Retry: Retry{
			MaxRetries: retry.MaxAttempts,
			BaseDelay:  retry.BaseDelay,
			MaxDelay:   retry.MaxDelay,
			Jitter:     retry.Jitter,
		},
		Ledger: Ledger{
			Lease:        ledger.DefaultLease,
			TTL:          ledger.DefaultTTL,
			PollInterval: ledger.DefaultPollInterval,
		},
		Tasks:    Tasks{LockTimeout: 5 * time.Second},
		Review:   Review{EscalationThreshold: review.DefaultEscalationThreshold},
		Provider: Provider{Model: "gemini-1.5-flash"},
	}
}

// Load reads the file at path over the defaults. An empty path or a missing
// file yields the defaults.
func Load(path string) (*Pipeline, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Pipeline, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges.
func (p *Pipeline) Validate() error {
	var errs []error
	if p.Retry.MaxRetries < 1 {
		errs = append(errs, errors.New("retry.max_retries must be at least 1"))
	}
	if p.Retry.BaseDelay <= 0 {
		errs = append(errs, errors.New("retry.base_delay must be positive"))
	}
	if p.Retry.MaxDelay < p.Retry.BaseDelay {
		errs = append(errs, errors.New("retry.max_delay must not be below retry.base_delay"))
	}
	if p.Retry.Jitter < 0 || p.Retry.Jitter >= 1 {
		errs = append(errs, errors.New("retry.jitter must be in [0, 1)"))
	}
	if p.Ledger.Lease <= 0 {
		errs = append(errs, errors.New("ledger.lease must be positive"))
	}
	if p.Ledger.TTL < 0 {
		errs = append(errs, errors.New("ledger.ttl must not be negative"))
	}
	if p.Tasks.LockTimeout <= 0 {
		errs = append(errs, errors.New("tasks.lock_timeout must be positive"))
	}
	if p.Review.EscalationThreshold < 1 {
		errs = append(errs, errors.New("review.escalation_threshold must be at least 1"))
	}
	for model, r := range p.Provider.Rates {
		if r.Input < 0 || r.Output < 0 {
			errs = append(errs, fmt.Errorf("provider.rates.%s must not be negative", model))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// RetryPolicy converts the retry settings.
func (p *Pipeline) RetryPolicy() draft.RetryPolicy {
	return draft.RetryPolicy{
		MaxAttempts: p.Retry.MaxRetries,
		BaseDelay:   p.Retry.BaseDelay,
		MaxDelay:    p.Retry.MaxDelay,
		Jitter:      p.Retry.Jitter,
	}
}

// LedgerConfig converts the ledger settings for the given lease owner.
func (p *Pipeline) LedgerConfig(owner string) ledger.Config {
	return ledger.Config{
		Owner:        owner,
		Lease:        p.Ledger.Lease,
		TTL:          p.Ledger.TTL,
		PollInterval: p.Ledger.PollInterval,
	}
}

// ApplyRates registers the configured model prices.
func (p *Pipeline) ApplyRates() {
	for model, r := range p.Provider.Rates {
		provider.SetRate(model, provider.Rate{Input: r.Input, Output: r.Output})
	}
}
