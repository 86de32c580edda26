package config

// Config is the root configuration structure for covscan.
// Serialised to ~/.covscan/config.json.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"      json:"server"`
	Database    DatabaseConfig    `mapstructure:"database"    json:"database"`
	Queue       QueueConfig       `mapstructure:"queue"       json:"queue"`
	Environment EnvironmentConfig `mapstructure:"environment" json:"environment"`
	Build       BuildConfig       `mapstructure:"build"       json:"build"`
	Git         GitConfig         `mapstructure:"git"         json:"git"`
	Routing     RoutingConfig     `mapstructure:"routing"     json:"routing"`
	Notify      NotifyConfig      `mapstructure:"notify"      json:"notify"`
	Storage     StorageConfig     `mapstructure:"storage"     json:"storage"`
	Webhook     WebhookConfig     `mapstructure:"webhook"     json:"webhook"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance" json:"maintenance"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address (default ":8080").
	Addr string `mapstructure:"addr"     json:"addr"`
	// LogDir receives per-run log files when serving.
	LogDir string `mapstructure:"log_dir"  json:"log_dir"`
	// PublicURL is prefixed to report links in notifications.
	PublicURL string `mapstructure:"public_url" json:"public_url"`
}

// DatabaseConfig controls the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default), "mysql" or "postgres".
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the SQLite file path (expanded at runtime).
	Path string `mapstructure:"path"   json:"path"`
	// DSN is the MySQL/PostgreSQL data source name.
	DSN string `mapstructure:"dsn"    json:"dsn"`
}

// QueueConfig controls the async execution layer.
type QueueConfig struct {
	// Backend is "db" (default), "memory" or "kafka".
	Backend string `mapstructure:"backend" json:"backend"`
	// Workers is the number of concurrent scan workers.
	Workers int `mapstructure:"workers" json:"workers"`
	// LeaseSeconds is how long a dequeued db job stays invisible.
	LeaseSeconds int `mapstructure:"lease_seconds" json:"lease_seconds"`
	// PollIntervalMs is the idle poll interval of the db backend.
	PollIntervalMs int `mapstructure:"poll_interval_ms" json:"poll_interval_ms"`
	// RetryBaseSeconds is the base of the exponential retry delay.
	RetryBaseSeconds int         `mapstructure:"retry_base_seconds" json:"retry_base_seconds"`
	Kafka            KafkaConfig `mapstructure:"kafka" json:"kafka"`
}

// KafkaConfig is used when Queue.Backend == "kafka".
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" json:"brokers"`
	Topic   string   `mapstructure:"topic"   json:"topic"`
	Group   string   `mapstructure:"group"   json:"group"`
}

// EnvironmentConfig controls the shared execution environment.
type EnvironmentConfig struct {
	// Name is the container name of the shared environment.
	Name string `mapstructure:"name"  json:"name"`
	// Image is the build image (must contain the build tool and sh).
	Image string `mapstructure:"image" json:"image"`
	// Workspace is the host directory bind-mounted at /workspace.
	Workspace string `mapstructure:"workspace" json:"workspace"`
	// CacheDir is mounted as the build tool's dependency cache, if set.
	CacheDir string `mapstructure:"cache_dir" json:"cache_dir"`
	// ReadySeconds bounds readiness polling after start.
	ReadySeconds int `mapstructure:"ready_seconds" json:"ready_seconds"`
	// Docker is the container CLI binary (docker or podman).
	Docker string `mapstructure:"docker" json:"docker"`
}

// BuildConfig controls build invocation.
type BuildConfig struct {
	// Tool is the build tool binary used by the local strategy.
	Tool string `mapstructure:"tool" json:"tool"`
	// ExtraArgs are appended to every build invocation.
	ExtraArgs []string `mapstructure:"extra_args" json:"extra_args"`
}

// GitConfig holds source cache settings and provider credentials.
type GitConfig struct {
	// CacheDir holds one clone per repository URL.
	CacheDir string `mapstructure:"cache_dir" json:"cache_dir"`
	// TimeoutSeconds bounds clone, fetch and checkout for one job.
	TimeoutSeconds int `mapstructure:"timeout_seconds" json:"timeout_seconds"`
	// ReportStatus posts a commit status with the line coverage when true.
	ReportStatus bool           `mapstructure:"report_status" json:"report_status"`
	GitHub       []GitHubConfig `mapstructure:"github" json:"github"`
	GitLab       []GitLabConfig `mapstructure:"gitlab" json:"gitlab"`
}

// GitHubConfig holds credentials for a single GitHub instance.
type GitHubConfig struct {
	Token string `mapstructure:"token" json:"token"`
	// Host allows enterprise GitHub (e.g. github.mycompany.com).
	Host string `mapstructure:"host"  json:"host"`
}

// GitLabConfig holds credentials for a single GitLab instance.
type GitLabConfig struct {
	Token string `mapstructure:"token" json:"token"`
	Host  string `mapstructure:"host"  json:"host"`
}

// RoutingConfig points at the routing table.
type RoutingConfig struct {
	// File is a YAML or JSON routing table. Empty means defaults only.
	File string `mapstructure:"file" json:"file"`
}

// NotifyConfig holds dispatcher-wide settings. Targets themselves live in
// the routing table.
type NotifyConfig struct {
	// RatePerSecond limits sends per endpoint.
	RatePerSecond float64 `mapstructure:"rate_per_second" json:"rate_per_second"`
	// RetryDelayMs is the fixed delay between delivery attempts.
	RetryDelayMs int `mapstructure:"retry_delay_ms" json:"retry_delay_ms"`
	// DefaultTarget receives reports for repositories no routing rule
	// claims, unless the routing table defines a target named "default".
	DefaultTarget DefaultTargetConfig `mapstructure:"default_target" json:"default_target"`
}

// DefaultTargetConfig is the fallback notification target.
type DefaultTargetConfig struct {
	Kind     string `mapstructure:"kind"     json:"kind"`
	Endpoint string `mapstructure:"endpoint" json:"endpoint"`
	Secret   string `mapstructure:"secret"   json:"secret"`
}

// StorageConfig controls report artifact persistence.
type StorageConfig struct {
	// ReportsDir receives <repo>/<commit>/jacoco.xml.
	ReportsDir string   `mapstructure:"reports_dir" json:"reports_dir"`
	S3         S3Config `mapstructure:"s3" json:"s3"`
}

// S3Config configures an optional S3-compatible mirror.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"   json:"endpoint"`
	Bucket    string `mapstructure:"bucket"     json:"bucket"`
	AccessKey string `mapstructure:"access_key" json:"access_key"`
	SecretKey string `mapstructure:"secret_key" json:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"    json:"use_ssl"`
	Prefix    string `mapstructure:"prefix"     json:"prefix"`
}

// Enabled reports whether the mirror is configured.
func (s S3Config) Enabled() bool { return s.Endpoint != "" && s.Bucket != "" }

// WebhookConfig holds per-provider secrets for /webhook/{provider}.
type WebhookConfig struct {
	GitHubSecret string `mapstructure:"github_secret" json:"github_secret"`
	GitLabToken  string `mapstructure:"gitlab_token"  json:"gitlab_token"`
	GiteeSecret  string `mapstructure:"gitee_secret"  json:"gitee_secret"`
}

// MaintenanceConfig controls the cron-driven housekeeping jobs.
type MaintenanceConfig struct {
	// ReapSchedule requeues db queue rows whose lease expired.
	ReapSchedule string `mapstructure:"reap_schedule"  json:"reap_schedule"`
	// PruneSchedule drops idle source cache entries and old reports.
	PruneSchedule string `mapstructure:"prune_schedule" json:"prune_schedule"`
	// ProbeSchedule checks the shared environment is still alive.
	ProbeSchedule string `mapstructure:"probe_schedule" json:"probe_schedule"`
	CacheIdleDays int    `mapstructure:"cache_idle_days" json:"cache_idle_days"`
	ReportDays    int    `mapstructure:"report_days"     json:"report_days"`
}
