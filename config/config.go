// Package config loads client tuning from a configuration file. The file
// may be YAML or JSON; millisecond fields mirror the wire-level config
// schema used by deployment tooling.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cloudendpoints/endpoints-management-go/pkg/servicecontrol"
)

// EnvConfigFile names the environment variable pointing at the
// configuration file.
const EnvConfigFile = "SERVICE_CONTROL_CONFIG_FILE"

// File is the on-disk configuration schema.
type File struct {
	ServiceName string `yaml:"serviceName" json:"serviceName"`

	CheckAggregator  CheckAggregator  `yaml:"checkAggregatorConfig" json:"checkAggregatorConfig"`
	QuotaAggregator  QuotaAggregator  `yaml:"quotaAggregatorConfig" json:"quotaAggregatorConfig"`
	ReportAggregator ReportAggregator `yaml:"reportAggregatorConfig" json:"reportAggregatorConfig"`

	// FailPolicy is "open" or "closed". Default: open.
	FailPolicy string `yaml:"failPolicy" json:"failPolicy"`
}

// CheckAggregator tunes the check verdict cache.
type CheckAggregator struct {
	CacheEntries         int   `yaml:"cacheEntries" json:"cacheEntries"`
	ResponseExpirationMs int64 `yaml:"responseExpirationMs" json:"responseExpirationMs"`
	FlushIntervalMs      int64 `yaml:"flushIntervalMs" json:"flushIntervalMs"`
}

// QuotaAggregator tunes the quota allowance cache.
type QuotaAggregator struct {
	CacheEntries      int   `yaml:"cacheEntries" json:"cacheEntries"`
	RefreshIntervalMs int64 `yaml:"refreshIntervalMs" json:"refreshIntervalMs"`
}

// ReportAggregator tunes the usage report aggregator.
type ReportAggregator struct {
	CacheEntries    int   `yaml:"cacheEntries" json:"cacheEntries"`
	FlushIntervalMs int64 `yaml:"flushIntervalMs" json:"flushIntervalMs"`
}

// Load reads the file named by the SERVICE_CONTROL_CONFIG_FILE
// environment variable. When the variable is unset it returns a zero
// File, so defaults apply.
func Load() (*File, error) {
	path := os.Getenv(EnvConfigFile)
	if path == "" {
		return &File{}, nil
	}
	return LoadFile(path)
}

// LoadFile reads and parses a configuration file. YAML is a superset of
// JSON, so both formats parse.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &f, nil
}

// Apply overlays the file's settings onto cfg and returns the result.
// Zero-valued fields leave cfg untouched.
func (f *File) Apply(cfg servicecontrol.Config) (servicecontrol.Config, error) {
	if f.ServiceName != "" {
		cfg.ServiceName = f.ServiceName
	}

	if f.CheckAggregator.CacheEntries > 0 {
		cfg.Check.Capacity = f.CheckAggregator.CacheEntries
	}
	if f.CheckAggregator.ResponseExpirationMs > 0 {
		cfg.Check.TTL = time.Duration(f.CheckAggregator.ResponseExpirationMs) * time.Millisecond
	}

	if f.QuotaAggregator.RefreshIntervalMs > 0 {
		cfg.Quota.RefillInterval = time.Duration(f.QuotaAggregator.RefreshIntervalMs) * time.Millisecond
	}

	if f.ReportAggregator.FlushIntervalMs > 0 {
		cfg.Report.FlushInterval = time.Duration(f.ReportAggregator.FlushIntervalMs) * time.Millisecond
	}

	switch f.FailPolicy {
	case "":
	case "open":
		cfg.FailPolicy = servicecontrol.FailOpen
	case "closed":
		cfg.FailPolicy = servicecontrol.FailClosed
	default:
		return cfg, fmt.Errorf("unknown fail policy %q", f.FailPolicy)
	}

	return cfg, nil
}
