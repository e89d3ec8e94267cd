package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8780" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if !cfg.SchedulerEnabled {
		t.Error("scheduler disabled by default")
	}
	if cfg.CancelGrace().Seconds() != 30 {
		t.Errorf("CancelGrace = %v", cfg.CancelGrace())
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shipsec.yaml")
	err := os.WriteFile(path, []byte(`
listenAddr: ":9000"
dbPath: /data/state.db
logLevel: debug
allowedOrigins:
  - https://app.example.com
`), 0o600)
	if err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SHIPSEC_LISTEN_ADDR", ":9100")
	t.Setenv("SHIPSEC_SCHEDULER_ENABLED", "false")
	t.Setenv("SHIPSEC_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// Env wins over file, file wins over defaults.
	if cfg.ListenAddr != ":9100" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.DBPath != "/data/state.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.SchedulerEnabled {
		t.Error("scheduler still enabled")
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if lvl, err := cfg.SlogLevel(); err != nil || lvl != slog.LevelDebug {
		t.Errorf("SlogLevel = %v, %v", lvl, err)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("SHIPSEC_CANCEL_GRACE_SECONDS", "not-a-number")
	if _, err := Load(""); err == nil {
		t.Fatal("bad int accepted")
	}
	os.Unsetenv("SHIPSEC_CANCEL_GRACE_SECONDS")

	t.Setenv("SHIPSEC_LOG_LEVEL", "loud")
	if _, err := Load(""); err == nil {
		t.Fatal("bad log level accepted")
	}
}
