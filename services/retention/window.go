package retention

import (
	"fmt"
	"os"
	"time"

	"github.com/upb/audit-pipeline/utils"
	"gopkg.in/yaml.v3"
)

const day = 24 * time.Hour

// Window is how long a tenant's events are kept and when their chunks get compressed
type Window struct {
	RetentionDays           int `yaml:"retention_days"`
	CompressionIntervalDays int `yaml:"compression_interval_days"`
}

// Validate checks 0 < compression <= retention
func (w Window) Validate() error {
	if w.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be at least 1, got %d", w.RetentionDays)
	}
	if w.CompressionIntervalDays < 1 || w.CompressionIntervalDays > w.RetentionDays {
		return fmt.Errorf("compression_interval_days must be between 1 and %d, got %d",
			w.RetentionDays, w.CompressionIntervalDays)
	}
	return nil
}

// Cutoff returns the instant before which events fall outside the window
func (w Window) Cutoff(now time.Time) time.Time {
	return now.Add(-time.Duration(w.RetentionDays) * day)
}

// overridesFile is the YAML layout of RETENTION_OVERRIDES_FILE:
//
//	tenants:
//	  acme:
//	    retention_days: 365
//	    compression_interval_days: 60
type overridesFile struct {
	Tenants map[string]Window `yaml:"tenants"`
}

// LoadOverrides reads per-tenant windows from path. Fields left out of an entry
// inherit from def. An empty path yields no overrides.
func LoadOverrides(path string, def Window) (map[string]Window, error) {
	if path == "" {
		return map[string]Window{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read retention overrides: %w", err)
	}

	var file overridesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse retention overrides %s: %w", path, err)
	}

	windows := make(map[string]Window, len(file.Tenants))
	for tenantID, w := range file.Tenants {
		if err := utils.ValidateTenantID(tenantID); err != nil {
			return nil, fmt.Errorf("retention overrides %s: %w", path, err)
		}
		if w.RetentionDays == 0 {
			w.RetentionDays = def.RetentionDays
		}
		if w.CompressionIntervalDays == 0 {
			w.CompressionIntervalDays = min(def.CompressionIntervalDays, w.RetentionDays)
		}
		if err := w.Validate(); err != nil {
			return nil, fmt.Errorf("retention overrides %s: tenant %s: %w", path, tenantID, err)
		}
		windows[tenantID] = w
	}

	return windows, nil
}
