// Package monitor samples destination queues, scores their health and raises
// rate-limited threshold alerts.
package monitor

import (
	"log"
	"time"
)

// Config holds sampling cadence and alert thresholds. Ratios are in [0,1];
// health thresholds are on the 0-100 score scale.
type Config struct {
	Interval             time.Duration `json:"interval"`
	HistorySize          int           `json:"history_size"`
	UtilizationInfo      float64       `json:"utilization_info"`
	UtilizationWarning   float64       `json:"utilization_warning"`
	UtilizationCritical  float64       `json:"utilization_critical"`
	OverflowRateWarning  float64       `json:"overflow_rate_warning"`
	OverflowRateCritical float64       `json:"overflow_rate_critical"`
	HealthWarning        float64       `json:"health_warning"`
	HealthCritical       float64       `json:"health_critical"`
	StallAfter           time.Duration `json:"stall_after"`
	AlertCooldown        time.Duration `json:"alert_cooldown"`
	RecentAlerts         int           `json:"recent_alerts"`
}

// DefaultConfig returns the monitoring defaults.
func DefaultConfig() Config {
	return Config{
		Interval:             10 * time.Second,
		HistorySize:          60,
		UtilizationInfo:      0.5,
		UtilizationWarning:   0.7,
		UtilizationCritical:  0.9,
		OverflowRateWarning:  0.05,
		OverflowRateCritical: 0.2,
		HealthWarning:        70,
		HealthCritical:       40,
		StallAfter:           time.Minute,
		AlertCooldown:        5 * time.Minute,
		RecentAlerts:         200,
	}
}

// Sanitize replaces out-of-range values with defaults.
func (c Config) Sanitize(logger *log.Logger) Config {
	def := DefaultConfig()
	logf := func(format string, args ...any) {
		if logger != nil {
			logger.Printf(format, args...)
		}
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.HistorySize < 3 {
		c.HistorySize = def.HistorySize
	}
	ratio := func(name string, v *float64, fallback float64) {
		if *v <= 0 || *v > 1 {
			if *v != 0 {
				logf("invalid monitor %s=%g, using default %g", name, *v, fallback)
			}
			*v = fallback
		}
	}
	ratio("utilization_info", &c.UtilizationInfo, def.UtilizationInfo)
	ratio("utilization_warning", &c.UtilizationWarning, def.UtilizationWarning)
	ratio("utilization_critical", &c.UtilizationCritical, def.UtilizationCritical)
	ratio("overflow_rate_warning", &c.OverflowRateWarning, def.OverflowRateWarning)
	ratio("overflow_rate_critical", &c.OverflowRateCritical, def.OverflowRateCritical)
	if c.UtilizationWarning < c.UtilizationInfo || c.UtilizationCritical < c.UtilizationWarning {
		logf("monitor utilization thresholds out of order, using defaults")
		c.UtilizationInfo, c.UtilizationWarning, c.UtilizationCritical = def.UtilizationInfo, def.UtilizationWarning, def.UtilizationCritical
	}
	if c.OverflowRateCritical < c.OverflowRateWarning {
		c.OverflowRateWarning, c.OverflowRateCritical = def.OverflowRateWarning, def.OverflowRateCritical
	}
	if c.HealthWarning <= 0 || c.HealthWarning > 100 {
		c.HealthWarning = def.HealthWarning
	}
	if c.HealthCritical <= 0 || c.HealthCritical > c.HealthWarning {
		c.HealthCritical = min(def.HealthCritical, c.HealthWarning)
	}
	if c.StallAfter <= 0 {
		c.StallAfter = def.StallAfter
	}
	if c.AlertCooldown < 0 {
		c.AlertCooldown = def.AlertCooldown
	}
	if c.RecentAlerts <= 0 {
		c.RecentAlerts = def.RecentAlerts
	}
	return c
}
