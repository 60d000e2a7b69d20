// Package tasks runs generation tasks for one room and writes their results
// back into the room's document.
package tasks

import "time"

// Config defines task polling behaviour.
type Config struct {
	// PollInterval is the delay between status queries of one task.
	PollInterval time.Duration `yaml:"poll_interval"`
	// Timeout bounds a task from submission to terminal state.
	Timeout time.Duration `yaml:"timeout"`
	// Retention is how long a finished task stays in memory. History keeps
	// it afterwards.
	Retention time.Duration `yaml:"retention"`
	// MaxFinished caps the finished tasks kept in memory per room.
	MaxFinished int `yaml:"max_finished"`
}

// DefaultConfig returns the default task configuration.
func DefaultConfig() *Config {
	return &Config{
		PollInterval: 500 * time.Millisecond,
		Timeout:      4 * time.Minute,
		Retention:    30 * time.Minute,
		MaxFinished:  500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.MaxFinished <= 0 {
		c.MaxFinished = d.MaxFinished
	}
	return c
}
