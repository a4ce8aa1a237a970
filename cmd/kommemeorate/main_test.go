package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/zulandar/kommemeorate/internal/service"
)

// writeConfig writes a configuration with Telegram enabled, its secret
// files, a sqlite database and a storage directory under a temp dir.
func writeConfig(t *testing.T) (path, dir string) {
	t.Helper()
	dir = t.TempDir()
	secrets := map[string]string{
		"api_id":   "12345\n",
		"api_hash": "hash-secret\n",
		"tg_token": "tg-secret\n",
	}
	for name, body := range secrets {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	body := `
database:
  url: sqlite://` + filepath.Join(dir, "memes.db") + `
storage:
  path: ` + filepath.Join(dir, "memes") + `
telegram:
  enabled: true
  api_id_file: ` + filepath.Join(dir, "api_id") + `
  api_hash_file: ` + filepath.Join(dir, "api_hash") + `
  bot_token_file: ` + filepath.Join(dir, "tg_token") + `
  groups:
    - id: -1001
      name: memes
`
	path = filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// --- version / help ---

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out, "kommemeorate dev") {
		t.Errorf("expected output to contain 'kommemeorate dev', got: %s", out)
	}
	if !strings.Contains(out, "commit: none") {
		t.Errorf("expected output to contain 'commit: none', got: %s", out)
	}
}

func TestVersionCmdWithCustomValues(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	Version, Commit, Date = "1.0.0", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = origVersion, origCommit, origDate }()

	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	for _, want := range []string{"kommemeorate 1.0.0", "commit: abc123", "built: 2026-01-01"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got: %s", want, out)
		}
	}
}

func TestRootCmdHelp(t *testing.T) {
	out, err := run(t, "--help")
	if err != nil {
		t.Fatalf("help command failed: %v", err)
	}
	for _, want := range []string{"kommemeorate", "version", "config", "check", "migrate", "--config"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected help output to contain %q, got: %s", want, out)
		}
	}
}

func TestRootCmd_TooManyArgs(t *testing.T) {
	if _, err := run(t, "a.yaml", "b.yaml"); err == nil {
		t.Fatal("expected error for two config paths")
	}
}

func TestRootCmd_MissingConfig(t *testing.T) {
	_, err := run(t, filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "load config") {
		t.Fatalf("err = %v, want load config error", err)
	}
}

func TestRootCmd_StartupFailureNotifiesFailed(t *testing.T) {
	rec := &service.Recorder{}
	orig := newNotifier
	newNotifier = func(zerolog.Logger) service.Notifier { return rec }
	defer func() { newNotifier = orig }()

	if _, err := run(t, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config")
	}
	events := rec.Events()
	if len(events) != 1 || !strings.HasPrefix(events[0], "failed(1): load config") {
		t.Errorf("events = %v, want [failed(1): load config ...]", events)
	}
}

func TestRootCmd_InvalidLoggingNotifiesFailed(t *testing.T) {
	path, _ := writeConfig(t)
	t.Setenv("KOMMEMEORATE_LOGGING__LEVEL", "loud")

	rec := &service.Recorder{}
	orig := newNotifier
	newNotifier = func(zerolog.Logger) service.Notifier { return rec }
	defer func() { newNotifier = orig }()

	if _, err := run(t, "--config", path); err == nil {
		t.Fatal("expected error for invalid logging level")
	}
	events := rec.Events()
	if len(events) != 1 || !strings.HasPrefix(events[0], "failed(1): ") {
		t.Errorf("events = %v, want one failed notification", events)
	}
}

// --- config ---

func TestConfigCmd_Redacts(t *testing.T) {
	path, _ := writeConfig(t)
	out, err := run(t, "config", "--config", path)
	if err != nil {
		t.Fatalf("config command failed: %v", err)
	}
	for _, secret := range []string{"hash-secret", "tg-secret"} {
		if strings.Contains(out, secret) {
			t.Errorf("output leaks %q:\n%s", secret, out)
		}
	}
	for _, want := range []string{"[REDACTED]", "queue_size: 32", "name: memes"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestConfigCmd_EnvOverride(t *testing.T) {
	path, _ := writeConfig(t)
	t.Setenv("KOMMEMEORATE_PIPELINE__QUEUE_SIZE", "64")
	out, err := run(t, "config", "-c", path)
	if err != nil {
		t.Fatalf("config command failed: %v", err)
	}
	if !strings.Contains(out, "queue_size: 64") {
		t.Errorf("expected overridden queue size, got:\n%s", out)
	}
}

// --- migrate ---

func TestMigrateCmd(t *testing.T) {
	path, dir := writeConfig(t)
	out, err := run(t, "migrate", "--config", path)
	if err != nil {
		t.Fatalf("migrate command failed: %v", err)
	}
	if !strings.Contains(out, "up to date") {
		t.Errorf("unexpected output: %s", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "memes.db")); err != nil {
		t.Errorf("database not created: %v", err)
	}
}

// --- check ---

func TestCheckCmd_Consistent(t *testing.T) {
	path, _ := writeConfig(t)
	out, err := run(t, "check", "--config", path)
	if err != nil {
		t.Fatalf("check command failed: %v\n%s", err, out)
	}
	for _, want := range []string{"is valid", "telegram (1 groups)", "0 memes recorded", "Storage is consistent"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestCheckCmd_ReportsOrphans(t *testing.T) {
	path, dir := writeConfig(t)
	root := filepath.Join(dir, "memes")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "stray.jpg"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "check", "--config", path)
	if err == nil || !strings.Contains(err.Error(), "1 orphan images") {
		t.Fatalf("err = %v, want orphan report", err)
	}
	if !strings.Contains(out, "image stray.jpg: no record") {
		t.Errorf("unexpected output:\n%s", out)
	}
	// Report only: the stray image is still there.
	if _, err := os.Stat(filepath.Join(root, "stray.jpg")); err != nil {
		t.Errorf("check removed the image: %v", err)
	}
}

func TestCheckCmd_BadSchedule(t *testing.T) {
	path, _ := writeConfig(t)
	t.Setenv("KOMMEMEORATE_STORAGE__RECONCILE", "every day")
	if _, err := run(t, "check", "--config", path); err == nil {
		t.Fatal("expected error for invalid reconcile schedule")
	}
}
