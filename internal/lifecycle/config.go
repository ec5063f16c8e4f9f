package lifecycle

import (
	"time"

	"opsledger/internal/model"
)

// Config tunes partition lifecycle. Retention windows count whole months
// after a partition's range ended.
type Config struct {
	FuturePartitions   int           `yaml:"future_partitions"`
	HotRetentionMonths int           `yaml:"hot_retention_months"`
	MaxRetentionMonths int           `yaml:"max_retention_months"`
	ExemptSeverities   []string      `yaml:"exempt_severities"`
	DisableExemption   bool          `yaml:"disable_exemption"`
	AlertThreshold     int64         `yaml:"alert_threshold"`
	Interval           time.Duration `yaml:"interval"`
	ColdExport         bool          `yaml:"cold_export"`
	RunLockTTL         time.Duration `yaml:"run_lock_ttl"`
}

// Normalize fills defaults.
func (c *Config) Normalize() {
	if c.FuturePartitions <= 0 {
		c.FuturePartitions = 3
	}
	if c.HotRetentionMonths <= 0 {
		c.HotRetentionMonths = 12
	}
	if c.MaxRetentionMonths <= 0 {
		c.MaxRetentionMonths = 24
	}
	if c.MaxRetentionMonths < c.HotRetentionMonths {
		c.MaxRetentionMonths = c.HotRetentionMonths
	}
	if c.ExemptSeverities == nil {
		c.ExemptSeverities = []string{string(model.SeverityError), string(model.SeverityCritical)}
	}
	if c.AlertThreshold <= 0 {
		c.AlertThreshold = 3
	}
	if c.Interval <= 0 {
		c.Interval = 24 * time.Hour
	}
	if c.RunLockTTL <= 0 {
		c.RunLockTTL = time.Hour
	}
}

// exempt returns the severities migrated to the exceptions partition on drop.
func (c *Config) exempt() []model.Severity {
	if c.DisableExemption {
		return nil
	}
	out := make([]model.Severity, 0, len(c.ExemptSeverities))
	for _, s := range c.ExemptSeverities {
		if sev := model.Severity(s); sev.Valid() {
			out = append(out, sev)
		}
	}
	return out
}
