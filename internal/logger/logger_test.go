package logger

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestPrefixAddsServiceField(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Replace(zap.New(core))
	SetPrefix("api")
	defer SetPrefix("")

	Infof("hello %s", "world")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Message != "hello world" {
		t.Errorf("message = %q", entries[0].Message)
	}
	if got := entries[0].ContextMap()["service"]; got != "api" {
		t.Errorf("service field = %v, want api", got)
	}
}

func TestLogDurationLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Replace(zap.New(core))

	LogDuration("fast", time.Now())
	LogDuration("slow", time.Now().Add(-2*slowThreshold))

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.DebugLevel {
		t.Errorf("fast call level = %v, want debug", entries[0].Level)
	}
	if entries[1].Level != zapcore.InfoLevel {
		t.Errorf("slow call level = %v, want info", entries[1].Level)
	}
	if fn := entries[1].ContextMap()["fn"]; fn != "slow" {
		t.Errorf("fn = %v", fn)
	}
}

func TestInitUnknownLevelFallsBackToInfo(t *testing.T) {
	if err := Init("development", "chatty"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if L().Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug should be disabled for unknown level")
	}
	if !L().Core().Enabled(zapcore.InfoLevel) {
		t.Error("info should be enabled")
	}
}
