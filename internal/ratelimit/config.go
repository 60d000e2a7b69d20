// Package ratelimit schedules requests to one provider under a per-window
// quota and a concurrency ceiling.
package ratelimit

import "time"

// Config defines the limits of one endpoint class.
type Config struct {
	// MaxPerWindow is the number of requests allowed to start in one Window.
	MaxPerWindow int `yaml:"max_per_window"`
	// MaxConcurrent is the number of requests allowed in flight.
	MaxConcurrent int `yaml:"max_concurrent"`
	// Window is the quota window, started by the first request in it.
	Window time.Duration `yaml:"window"`
	// SubmitDelay spaces consecutive submissions.
	SubmitDelay time.Duration `yaml:"submit_delay"`
	// ConcurrencyPoll is how often a full limiter rechecks in-flight work.
	ConcurrencyPoll time.Duration `yaml:"concurrency_poll"`
}

// DefaultConfig returns the default limiter configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxPerWindow:    50,
		MaxConcurrent:   10,
		Window:          time.Minute,
		SubmitDelay:     100 * time.Millisecond,
		ConcurrencyPoll: 100 * time.Millisecond,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxPerWindow <= 0 {
		c.MaxPerWindow = d.MaxPerWindow
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.SubmitDelay < 0 {
		c.SubmitDelay = 0
	}
	if c.ConcurrencyPoll <= 0 {
		c.ConcurrencyPoll = d.ConcurrencyPoll
	}
	return c
}
