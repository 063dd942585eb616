// Package delivery runs one worker per TAK destination, draining its queue
// into a persistent TCP or TLS connection behind circuit breakers.
package delivery

import (
	"log"
	"time"
)

// Config tunes worker timing. Zero or negative values fall back to defaults.
type Config struct {
	IdleInterval     time.Duration `json:"idle_interval"`
	StopTimeout      time.Duration `json:"stop_timeout"`
	WriteTimeout     time.Duration `json:"write_timeout"`
	ReconnectInitial time.Duration `json:"reconnect_initial"`
	ReconnectMax     time.Duration `json:"reconnect_max"`
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{
		IdleInterval:     50 * time.Millisecond,
		StopTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReconnectInitial: time.Second,
		ReconnectMax:     60 * time.Second,
	}
}

// Sanitize replaces invalid values with defaults.
func (c Config) Sanitize(logger *log.Logger) Config {
	def := DefaultConfig()
	fix := func(name string, v *time.Duration, fallback time.Duration) {
		if *v > 0 {
			return
		}
		if logger != nil && *v < 0 {
			logger.Printf("invalid worker %s=%s, using default %s", name, *v, fallback)
		}
		*v = fallback
	}
	fix("idle_interval", &c.IdleInterval, def.IdleInterval)
	fix("stop_timeout", &c.StopTimeout, def.StopTimeout)
	fix("write_timeout", &c.WriteTimeout, def.WriteTimeout)
	fix("reconnect_initial", &c.ReconnectInitial, def.ReconnectInitial)
	fix("reconnect_max", &c.ReconnectMax, def.ReconnectMax)
	if c.ReconnectMax < c.ReconnectInitial {
		c.ReconnectMax = c.ReconnectInitial
	}
	return c
}
