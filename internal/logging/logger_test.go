package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level    string
		expected zapcore.Level
	}{
		{level: "debug", expected: zapcore.DebugLevel},
		{level: "", expected: zapcore.InfoLevel},
		{level: "WARNING", expected: zapcore.WarnLevel},
		{level: "error", expected: zapcore.ErrorLevel},
		{level: "verbose", expected: zapcore.InfoLevel},
	}
	for _, tt := range tests {
		logger, err := NewLogger(tt.level, "json")
		if err != nil {
			t.Fatalf("level %q: unexpected error %v", tt.level, err)
		}
		if !logger.Core().Enabled(tt.expected) {
			t.Fatalf("level %q: expected %s enabled", tt.level, tt.expected)
		}
		if tt.expected > zapcore.DebugLevel && logger.Core().Enabled(tt.expected-1) {
			t.Fatalf("level %q: expected %s disabled", tt.level, tt.expected-1)
		}
	}
}

func TestNewLoggerConsoleFormat(t *testing.T) {
	logger, err := NewLogger("info", "console")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Info("console logger ready")
}
