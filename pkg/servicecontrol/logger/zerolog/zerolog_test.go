package zerolog_test

import (
	"bytes"
	"encoding/json"
	"testing"

	zl "github.com/rs/zerolog"

	"github.com/cloudendpoints/endpoints-management-go/pkg/servicecontrol"
	sclog "github.com/cloudendpoints/endpoints-management-go/pkg/servicecontrol/logger/zerolog"
)

func TestLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := sclog.NewLogger(zl.New(&buf))

	logger.Info("refilled quota allowance",
		servicecontrol.Field{Key: "consumerId", Value: "c1"},
		servicecontrol.Field{Key: "granted", Value: 42},
	)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["message"] != "refilled quota allowance" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["consumerId"] != "c1" {
		t.Errorf("consumerId = %v", entry["consumerId"])
	}
	if entry["granted"] != float64(42) {
		t.Errorf("granted = %v", entry["granted"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v", entry["level"])
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := sclog.NewLogger(zl.New(&buf))

	logger.Debug("d")
	logger.Warn("w")
	logger.Error("e")

	lines := bytes.Count(buf.Bytes(), []byte("\n"))
	if lines != 3 {
		t.Errorf("wrote %d lines, want 3", lines)
	}
}

func TestLoggerRespectsLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := sclog.NewLogger(zl.New(&buf).Level(zl.WarnLevel))

	logger.Debug("suppressed")
	logger.Info("suppressed")
	logger.Warn("visible")

	lines := bytes.Count(buf.Bytes(), []byte("\n"))
	if lines != 1 {
		t.Errorf("wrote %d lines, want 1", lines)
	}
}
