package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestFromContextFallsBackToDefault(t *testing.T) {
	logger := FromContext(context.Background())
	if logger == nil {
		t.Fatal("expected a non-nil default logger")
	}
}

func TestWithContextRoundTrip(t *testing.T) {
	logger := NewLogger("debug")
	ctx := WithContext(context.Background(), logger)
	if got := FromContext(ctx); got != logger {
		t.Fatalf("FromContext returned a different logger than stored")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
