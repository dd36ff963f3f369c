package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger_RedactsBotTokens(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	token := "123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw1"
	logger.Info("dialing bot", "detail", "using "+token, "error", errors.New("getMe failed for "+token))

	out := buf.String()
	if strings.Contains(out, token) {
		t.Fatalf("bot token leaked into log output: %s", out)
	}
	if !strings.Contains(out, redacted) {
		t.Fatalf("expected redaction marker in output: %s", out)
	}
}

func TestNewLogger_SensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf}).With("access_token", "plain-value")
	logger.Info("stored", slog.Group("auth", slog.String("jwt_secret", "s3cr3t-value")))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["access_token"] != redacted {
		t.Errorf("access_token = %v, want redacted", entry["access_token"])
	}
	group, _ := entry["auth"].(map[string]any)
	if group["jwt_secret"] != redacted {
		t.Errorf("auth.jwt_secret = %v, want redacted", group["jwt_secret"])
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})
	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn record missing")
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := LogLevelFromString(in); got != want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", in, got, want)
		}
	}
}
