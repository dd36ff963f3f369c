package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	return writeNamed(t, t.TempDir(), "funnelsync.yaml", content)
}

func writeNamed(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
version: 1
auth:
  jwt_secret: `+testSecret+`
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 8080 || cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Database.Driver != "memory" || !cfg.Database.ShouldAutoMigrate() {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Relay.HistoryLimit != 50 || cfg.Relay.SendBuffer != 64 {
		t.Errorf("relay = %+v", cfg.Relay)
	}
	if cfg.Telegram.RateLimit != 30 || cfg.Telegram.HandshakeTimeout != 15*time.Second {
		t.Errorf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Auth.TokenExpiry != 24*time.Hour {
		t.Errorf("token expiry = %v", cfg.Auth.TokenExpiry)
	}
}

func TestLoadParsesSections(t *testing.T) {
	path := writeConfig(t, `
version: 1
server:
  host: 127.0.0.1
  http_port: 9000
database:
  driver: sqlite
  url: /var/lib/funnelsync/data.db
  auto_migrate: false
auth:
  jwt_secret: `+testSecret+`
  token_expiry: 2h
telegram:
  per_chat_rate: 0.5
  poll_timeout: 30s
  server_url: http://localhost:8081
relay:
  allowed_origins: [https://app.example]
logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Addr() != "127.0.0.1:9000" {
		t.Errorf("Addr() = %q", cfg.Server.Addr())
	}
	if cfg.Database.ShouldAutoMigrate() {
		t.Error("auto_migrate: false should be honored")
	}
	st := cfg.Database.Storage()
	if st.Driver != "sqlite" || st.URL != "/var/lib/funnelsync/data.db" || st.MaxOpenConns != 25 {
		t.Errorf("Storage() = %+v", st)
	}
	if cfg.Auth.TokenExpiry != 2*time.Hour {
		t.Errorf("token expiry = %v", cfg.Auth.TokenExpiry)
	}
	if cfg.Telegram.PerChatRate != 0.5 || cfg.Telegram.PollTimeout != 30*time.Second {
		t.Errorf("telegram = %+v", cfg.Telegram)
	}
	if len(cfg.Relay.AllowedOrigins) != 1 {
		t.Errorf("allowed origins = %v", cfg.Relay.AllowedOrigins)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
version: 1
server:
  host: 0.0.0.0
  extra: true
auth:
  jwt_secret: `+testSecret+`
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "missing version",
			content: "auth:\n  jwt_secret: " + testSecret + "\n",
			want:    "version",
		},
		{
			name:    "missing secret",
			content: "version: 1\n",
			want:    "jwt_secret",
		},
		{
			name:    "short secret",
			content: "version: 1\nauth:\n  jwt_secret: short\n",
			want:    "32 bytes",
		},
		{
			name:    "sql driver without url",
			content: "version: 1\ndatabase:\n  driver: postgres\nauth:\n  jwt_secret: " + testSecret + "\n",
			want:    "database.url",
		},
		{
			name:    "unknown driver",
			content: "version: 1\ndatabase:\n  driver: mongo\nauth:\n  jwt_secret: " + testSecret + "\n",
			want:    "database.driver",
		},
		{
			name:    "bad log level",
			content: "version: 1\nlogging:\n  level: loud\nauth:\n  jwt_secret: " + testSecret + "\n",
			want:    "logging.level",
		},
		{
			name:    "bad sampling rate",
			content: "version: 1\ntracing:\n  sampling_rate: 2\nauth:\n  jwt_secret: " + testSecret + "\n",
			want:    "sampling_rate",
		},
		{
			name:    "relative server url",
			content: "version: 1\ntelegram:\n  server_url: localhost\nauth:\n  jwt_secret: " + testSecret + "\n",
			want:    "server_url",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected %q in error, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("FUNNELSYNC_TEST_SECRET", testSecret)
	path := writeConfig(t, `
version: 1
auth:
  jwt_secret: ${FUNNELSYNC_TEST_SECRET}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != testSecret {
		t.Errorf("jwt_secret = %q", cfg.Auth.JWTSecret)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("FUNNELSYNC_TEST_HOST", "10.1.1.1")
	t.Setenv("include", "shadowed")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"braced", "host: ${FUNNELSYNC_TEST_HOST}", "host: 10.1.1.1"},
		{"unset", "host: ${FUNNELSYNC_TEST_UNSET}", "host: "},
		{"include key", "$include: base.yaml", "$include: base.yaml"},
		{"bare reference", "note: $FUNNELSYNC_TEST_HOST", "note: $FUNNELSYNC_TEST_HOST"},
		{"unterminated", "note: ${FUNNELSYNC_TEST_HOST", "note: ${FUNNELSYNC_TEST_HOST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expandEnv(tt.in); got != tt.want {
				t.Errorf("expandEnv(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoadIncludeWithEnvInIncludedFile(t *testing.T) {
	t.Setenv("FUNNELSYNC_TEST_SECRET", testSecret)
	dir := t.TempDir()
	writeNamed(t, dir, "secrets.yaml", "auth:\n  jwt_secret: ${FUNNELSYNC_TEST_SECRET}\n")
	path := writeNamed(t, dir, "funnelsync.yaml", "version: 1\n$include: secrets.yaml\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != testSecret {
		t.Errorf("jwt_secret = %q, want value expanded in the included file", cfg.Auth.JWTSecret)
	}
}

func TestLoadIncludesAndJSON5(t *testing.T) {
	dir := t.TempDir()
	writeNamed(t, dir, "base.json5", `{
  // shared defaults
  version: 1,
  server: { http_port: 7000, host: "10.0.0.1" },
  auth: { jwt_secret: "`+testSecret+`" },
}`)
	path := writeNamed(t, dir, "funnelsync.yaml", `
$include: base.json5
server:
  http_port: 7001
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPPort != 7001 {
		t.Errorf("http_port = %d, want including file to win", cfg.Server.HTTPPort)
	}
	if cfg.Server.Host != "10.0.0.1" {
		t.Errorf("host = %q, want value from include", cfg.Server.Host)
	}
}

func TestLoadRawIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeNamed(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeNamed(t, dir, "b.yaml", "$include: a.yaml\n")

	_, err := LoadRaw(path)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestLoadRawRejectsMultipleDocuments(t *testing.T) {
	path := writeConfig(t, "version: 1\n---\nversion: 2\n")
	if _, err := LoadRaw(path); err == nil {
		t.Fatal("expected error for multiple documents")
	}
}

func TestLoadRawRequiresPath(t *testing.T) {
	if _, err := LoadRaw("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestMergeMaps(t *testing.T) {
	dst := map[string]any{"server": map[string]any{"host": "a", "http_port": 1}, "keep": true}
	src := map[string]any{"server": map[string]any{"http_port": 2}}

	got := mergeMaps(dst, src)
	server := got["server"].(map[string]any)
	if server["host"] != "a" || server["http_port"] != 2 || got["keep"] != true {
		t.Errorf("mergeMaps() = %v", got)
	}
}

func TestDefaultIsValidOnceSecretSet(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("default config without a secret should not validate")
	}
	cfg.Auth.JWTSecret = testSecret
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	for _, key := range []string{"server", "database", "telegram", "relay", "http_port", "jwt_secret"} {
		if !strings.Contains(string(data), `"`+key+`"`) {
			t.Errorf("schema missing %q", key)
		}
	}
}
