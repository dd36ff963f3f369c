package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/funnelsync/internal/auth"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, name := range []string{"serve", "migrate", "config", "token"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("FUNNELSYNC_CONFIG", "")
	if got := resolveConfigPath(""); got != defaultConfigName {
		t.Errorf("resolveConfigPath(\"\") = %q", got)
	}
	if got := resolveConfigPath("x.yaml"); got != "x.yaml" {
		t.Errorf("resolveConfigPath(x.yaml) = %q", got)
	}
	t.Setenv("FUNNELSYNC_CONFIG", "/etc/fs.yaml")
	if got := resolveConfigPath(""); got != "/etc/fs.yaml" {
		t.Errorf("resolveConfigPath with env = %q", got)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "funnelsync.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigValidateCommand(t *testing.T) {
	good := writeConfig(t, "version: 1\nauth:\n  jwt_secret: "+testSecret+"\n")
	out, err := execute(t, "config", "validate", "--config", good)
	if err != nil {
		t.Fatalf("validate error = %v", err)
	}
	if !strings.Contains(out, "OK") {
		t.Errorf("output = %q", out)
	}

	bad := writeConfig(t, "version: 1\n")
	if _, err := execute(t, "config", "validate", "--config", bad); err == nil {
		t.Fatal("expected missing jwt_secret to fail validation")
	}
}

func TestConfigSchemaCommand(t *testing.T) {
	out, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("schema error = %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
}

func TestTokenCommand(t *testing.T) {
	path := writeConfig(t, "version: 1\nauth:\n  jwt_secret: "+testSecret+"\n")
	out, err := execute(t, "token", "--config", path, "--user", "u-42")
	if err != nil {
		t.Fatalf("token error = %v", err)
	}

	service := auth.NewService(auth.Config{JWTSecret: testSecret})
	user, err := service.ValidateJWT(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("ValidateJWT() error = %v", err)
	}
	if user.ID != "u-42" {
		t.Errorf("user.ID = %q", user.ID)
	}
}

func TestMigrateRejectsMemoryDriver(t *testing.T) {
	path := writeConfig(t, "version: 1\nauth:\n  jwt_secret: "+testSecret+"\n")
	if _, err := execute(t, "migrate", "status", "--config", path); err == nil {
		t.Fatal("expected memory driver to be rejected")
	}
}

func TestMigrateSQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fs.db")
	path := writeConfig(t, "version: 1\nauth:\n  jwt_secret: "+testSecret+"\ndatabase:\n  driver: sqlite\n  url: "+dbPath+"\n  auto_migrate: false\n")

	out, err := execute(t, "migrate", "up", "--config", path)
	if err != nil {
		t.Fatalf("migrate up error = %v", err)
	}
	if !strings.Contains(out, "Applied") {
		t.Errorf("migrate up output = %q", out)
	}

	out, err = execute(t, "migrate", "status", "--config", path)
	if err != nil {
		t.Fatalf("migrate status error = %v", err)
	}
	if !strings.Contains(out, "Migration Status") || !strings.Contains(out, "Pending migrations:\n  (none)") {
		t.Errorf("migrate status output = %q", out)
	}
}
