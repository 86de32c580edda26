package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	DefaultConfigDir  = ".covscan"
	DefaultConfigFile = "config.json"
	DefaultDBFile     = ".covscan/covscan.db"
	EnvPrefix         = "COVSCAN"
)

// Load reads the config file and returns a populated Config. A missing file
// is not an error; defaults and COVSCAN_* environment variables apply.
func Load(configPath string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigType("json")
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(home, DefaultConfigDir))
	}

	setDefaults(v, home)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isNotExist(err) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	expandPaths(&cfg, home)
	return &cfg, nil
}

// Save writes the config to disk as JSON.
func Save(cfg *Config, configPath string) error {
	path, err := ConfigPath(configPath)
	if err != nil {
		return fmt.Errorf("cannot determine home directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("serialising config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// ConfigPath returns the effective config file path.
func ConfigPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile), nil
}

// EnsureDirs creates the working directories named by cfg.
func EnsureDirs(cfg *Config) error {
	dirs := []string{
		cfg.Environment.Workspace,
		cfg.Git.CacheDir,
		cfg.Storage.ReportsDir,
		cfg.Server.LogDir,
	}
	if cfg.Database.Driver == "" || cfg.Database.Driver == "sqlite" {
		dirs = append(dirs, filepath.Dir(cfg.Database.Path))
	}
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}
	return nil
}

// Redacted returns a copy of cfg with secrets masked, for display.
func Redacted(cfg *Config) Config {
	out := *cfg
	out.Database.DSN = mask(out.Database.DSN)
	out.Storage.S3.SecretKey = mask(out.Storage.S3.SecretKey)
	out.Webhook.GitHubSecret = mask(out.Webhook.GitHubSecret)
	out.Webhook.GitLabToken = mask(out.Webhook.GitLabToken)
	out.Webhook.GiteeSecret = mask(out.Webhook.GiteeSecret)
	out.Notify.DefaultTarget.Secret = mask(out.Notify.DefaultTarget.Secret)
	out.Git.GitHub = append([]GitHubConfig(nil), cfg.Git.GitHub...)
	for i := range out.Git.GitHub {
		out.Git.GitHub[i].Token = mask(out.Git.GitHub[i].Token)
	}
	out.Git.GitLab = append([]GitLabConfig(nil), cfg.Git.GitLab...)
	for i := range out.Git.GitLab {
		out.Git.GitLab[i].Token = mask(out.Git.GitLab[i].Token)
	}
	return out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// setDefaults populates viper with sensible out-of-the-box values.
func setDefaults(v *viper.Viper, home string) {
	base := filepath.Join(home, DefaultConfigDir)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.log_dir", filepath.Join(base, "logs"))
	v.SetDefault("server.public_url", "")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(home, DefaultDBFile))
	v.SetDefault("database.dsn", "")

	v.SetDefault("queue.backend", "db")
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.lease_seconds", 3600)
	v.SetDefault("queue.poll_interval_ms", 1000)
	v.SetDefault("queue.retry_base_seconds", 60)
	v.SetDefault("queue.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("queue.kafka.topic", "covscan.jobs")
	v.SetDefault("queue.kafka.group", "covscan-workers")

	v.SetDefault("environment.name", "covscan-shared")
	v.SetDefault("environment.image", "maven:3.9-eclipse-temurin-17")
	v.SetDefault("environment.workspace", filepath.Join(base, "workspace"))
	v.SetDefault("environment.cache_dir", filepath.Join(base, "m2"))
	v.SetDefault("environment.ready_seconds", 60)
	v.SetDefault("environment.docker", "docker")

	v.SetDefault("build.tool", "mvn")
	v.SetDefault("build.extra_args", []string{})

	v.SetDefault("git.cache_dir", filepath.Join(base, "repos"))
	v.SetDefault("git.timeout_seconds", 600)
	v.SetDefault("git.report_status", false)

	v.SetDefault("routing.file", "")

	v.SetDefault("notify.rate_per_second", 5.0)
	v.SetDefault("notify.retry_delay_ms", 2000)
	v.SetDefault("notify.default_target.kind", "feishu")
	v.SetDefault("notify.default_target.endpoint", "")

	v.SetDefault("storage.reports_dir", filepath.Join(base, "reports"))
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.use_ssl", true)
	v.SetDefault("storage.s3.prefix", "covscan")

	v.SetDefault("webhook.github_secret", "")
	v.SetDefault("webhook.gitlab_token", "")
	v.SetDefault("webhook.gitee_secret", "")

	v.SetDefault("maintenance.reap_schedule", "*/5 * * * *")
	v.SetDefault("maintenance.prune_schedule", "30 3 * * *")
	v.SetDefault("maintenance.probe_schedule", "*/10 * * * *")
	v.SetDefault("maintenance.cache_idle_days", 14)
	v.SetDefault("maintenance.report_days", 90)
}

// expandPaths resolves ~ in configured paths.
func expandPaths(cfg *Config, home string) {
	cfg.Database.Path = expandHome(cfg.Database.Path, home)
	cfg.Server.LogDir = expandHome(cfg.Server.LogDir, home)
	cfg.Environment.Workspace = expandHome(cfg.Environment.Workspace, home)
	cfg.Environment.CacheDir = expandHome(cfg.Environment.CacheDir, home)
	cfg.Git.CacheDir = expandHome(cfg.Git.CacheDir, home)
	cfg.Storage.ReportsDir = expandHome(cfg.Storage.ReportsDir, home)
	cfg.Routing.File = expandHome(cfg.Routing.File, home)
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || strings.Contains(err.Error(), "no such file")
}
