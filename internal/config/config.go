// Package config loads server configuration in three layers: built-in
// defaults, an optional YAML file, then SHIPSEC_* environment variables.
// Later layers win.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr   string `yaml:"listenAddr"`
	DBPath       string `yaml:"dbPath"`
	ArtifactRoot string `yaml:"artifactRoot"`
	TenantID     string `yaml:"tenantId"`
	LogLevel     string `yaml:"logLevel"`

	DockerHost           string `yaml:"dockerHost"`
	RemoteTimeoutSeconds int    `yaml:"remoteTimeoutSeconds"`
	CancelGraceSeconds   int    `yaml:"cancelGraceSeconds"`

	SchedulerEnabled bool   `yaml:"schedulerEnabled"`
	VersionCheckURL  string `yaml:"versionCheckURL"`

	AllowedOrigins []string `yaml:"allowedOrigins"`
}

func Default() Config {
	return Config{
		ListenAddr:           ":8780",
		DBPath:               "shipsec.db",
		ArtifactRoot:         "artifacts",
		TenantID:             "default",
		LogLevel:             "info",
		RemoteTimeoutSeconds: 60,
		CancelGraceSeconds:   30,
		SchedulerEnabled:     true,
	}
}

// Load builds the effective configuration. path may be empty, meaning no
// config file layer.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setStr := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setStr("SHIPSEC_LISTEN_ADDR", &cfg.ListenAddr)
	setStr("SHIPSEC_DB_PATH", &cfg.DBPath)
	setStr("SHIPSEC_ARTIFACT_ROOT", &cfg.ArtifactRoot)
	setStr("SHIPSEC_TENANT_ID", &cfg.TenantID)
	setStr("SHIPSEC_LOG_LEVEL", &cfg.LogLevel)
	setStr("SHIPSEC_DOCKER_HOST", &cfg.DockerHost)
	setStr("SHIPSEC_VERSION_CHECK_URL", &cfg.VersionCheckURL)

	if v, ok := os.LookupEnv("SHIPSEC_ALLOWED_ORIGINS"); ok {
		cfg.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	for _, e := range []struct {
		key string
		dst *int
	}{
		{"SHIPSEC_REMOTE_TIMEOUT_SECONDS", &cfg.RemoteTimeoutSeconds},
		{"SHIPSEC_CANCEL_GRACE_SECONDS", &cfg.CancelGraceSeconds},
	} {
		v, ok := os.LookupEnv(e.key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = n
	}

	if v, ok := os.LookupEnv("SHIPSEC_SCHEDULER_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SHIPSEC_SCHEDULER_ENABLED: %w", err)
		}
		cfg.SchedulerEnabled = b
	}
	return nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listenAddr must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("dbPath must not be empty")
	}
	if c.RemoteTimeoutSeconds <= 0 {
		return fmt.Errorf("remoteTimeoutSeconds must be positive")
	}
	if c.CancelGraceSeconds <= 0 {
		return fmt.Errorf("cancelGraceSeconds must be positive")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

func (c Config) RemoteTimeout() time.Duration {
	return time.Duration(c.RemoteTimeoutSeconds) * time.Second
}

func (c Config) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceSeconds) * time.Second
}

func (c Config) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", c.LogLevel)
}
