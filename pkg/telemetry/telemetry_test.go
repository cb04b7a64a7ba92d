// Copyright 2026 © The Veldt Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/veldtlabs/veldt/pkg/errors"
)

func TestInitNoneExporterIsNoop(t *testing.T) {
	shutdown, err := InitWithConfig("veldt-test", "0.0.1", Config{Exporter: "none"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitUnknownExporter(t *testing.T) {
	if _, err := InitWithConfig("veldt-test", "0.0.1", Config{Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("unknown exporter must error")
	}
}

func TestInitOTLPRequiresEndpoint(t *testing.T) {
	if _, err := InitWithConfig("veldt-test", "0.0.1", Config{Exporter: "otlp"}); err == nil {
		t.Fatal("otlp without endpoint must error")
	}
}

func TestConfigureSlogJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := ConfigureSlog(&buf, "info", "json")
	logger.Info("telemetry.test.event", slog.String("k", "v"))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected JSON output: %v", err)
	}
	if record["msg"] != "telemetry.test.event" || record["k"] != "v" {
		t.Fatalf("unexpected record: %v", record)
	}
}

func TestConfigureSlogLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := ConfigureSlog(&buf, "error", "text")
	logger.Info("suppressed")
	logger.Error("emitted")

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Fatal("info must be filtered at error level")
	}
	if !strings.Contains(out, "emitted") {
		t.Fatal("error must pass at error level")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLogLevel(input); got != want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestErrorMetricsNilSafe(t *testing.T) {
	var em *ErrorMetrics
	em.RecordErrorMetric(context.Background(), errors.New(errors.CodeInternal, "x", nil), "engine")
	em.RecordRecovery(context.Background(), errors.CodeToolFailure)
	em.RecordHealthStatus(context.Background(), "engine", 2)
}

func TestErrorMetricsRecords(t *testing.T) {
	em, err := NewErrorMetrics(context.Background())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	em.RecordErrorMetric(context.Background(), errors.New(errors.CodeToolFailure, "boom", nil), "engine")
	em.RecordErrorMetric(context.Background(), context.DeadlineExceeded, "engine")
	em.RecordRecovery(context.Background(), errors.CodeToolFailure)
	em.RecordHealthStatus(context.Background(), "engine", 1)
}
