package servicecontrol

import (
	"errors"
	"testing"
	"time"
)

func TestValidateRequiresServiceName(t *testing.T) {
	err := Config{}.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestValidateRejectsNegativeDurations(t *testing.T) {
	cases := []Config{
		{ServiceName: "s", Check: CheckCacheOptions{TTL: -time.Second}},
		{ServiceName: "s", Check: CheckCacheOptions{Capacity: -1}},
		{ServiceName: "s", Quota: QuotaOptions{RefillInterval: -time.Second}},
		{ServiceName: "s", Quota: QuotaOptions{MinBatch: -1}},
		{ServiceName: "s", Report: ReportOptions{FlushInterval: -time.Second}},
		{ServiceName: "s", Report: ReportOptions{MaxRetries: -1}},
		{ServiceName: "s", RemoteTimeout: -time.Second},
		{ServiceName: "s", DirectCallLimit: -1},
	}
	for i, cfg := range cases {
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("case %d: err = %v, want ErrInvalidConfig", i, err)
		}
	}
}

func TestValidateRejectsInvertedBatchBounds(t *testing.T) {
	cfg := Config{ServiceName: "s", Quota: QuotaOptions{MinBatch: 100, MaxBatch: 10}}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestValidateRejectsUnknownFailPolicy(t *testing.T) {
	cfg := Config{ServiceName: "s", FailPolicy: "maybe"}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	if err := (Config{ServiceName: "library.example.com"}).Validate(); err != nil {
		t.Errorf("minimal config should validate, got %v", err)
	}
}

func TestWithDefaults(t *testing.T) {
	cfg := Config{ServiceName: "s"}.withDefaults()

	if cfg.Check.TTL != time.Second {
		t.Errorf("Check.TTL = %v", cfg.Check.TTL)
	}
	if cfg.Check.Capacity != 200 {
		t.Errorf("Check.Capacity = %d", cfg.Check.Capacity)
	}
	if cfg.Quota.RefillInterval != 10*time.Second {
		t.Errorf("Quota.RefillInterval = %v", cfg.Quota.RefillInterval)
	}
	if cfg.Quota.MinBatch != 10 || cfg.Quota.MaxBatch != 1000 {
		t.Errorf("batch bounds = %d/%d", cfg.Quota.MinBatch, cfg.Quota.MaxBatch)
	}
	if cfg.Report.FlushInterval != 2*time.Second {
		t.Errorf("Report.FlushInterval = %v", cfg.Report.FlushInterval)
	}
	if cfg.Report.MaxRetries != 5 {
		t.Errorf("Report.MaxRetries = %d", cfg.Report.MaxRetries)
	}
	if cfg.FailPolicy != FailOpen {
		t.Errorf("FailPolicy = %v, want FailOpen", cfg.FailPolicy)
	}
	if cfg.Logger == nil || cfg.Metrics == nil {
		t.Error("logger and metrics must default to noop implementations")
	}
}

func TestWithDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		ServiceName: "s",
		Check:       CheckCacheOptions{TTL: 5 * time.Second},
		FailPolicy:  FailClosed,
	}.withDefaults()

	if cfg.Check.TTL != 5*time.Second {
		t.Errorf("Check.TTL = %v, want 5s", cfg.Check.TTL)
	}
	if cfg.FailPolicy != FailClosed {
		t.Errorf("FailPolicy = %v, want FailClosed", cfg.FailPolicy)
	}
}
