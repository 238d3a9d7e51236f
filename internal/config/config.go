// Package config loads service configuration from YAML with environment
// variable overrides for secrets and deployment-specific settings.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the service.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	AWS        AWSConfig        `yaml:"aws"`
	Queue      QueueConfig      `yaml:"queue"`
	Mailer     MailerConfig     `yaml:"mailer"`
	Status     StatusConfig     `yaml:"status"`
	Content    ContentConfig    `yaml:"content"`
	CRM        CRMConfig        `yaml:"crm"`
	Blocklist  BlocklistConfig  `yaml:"blocklist"`
	Redis      RedisConfig      `yaml:"redis"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// AWSConfig holds shared AWS client settings. Static keys are for local
// development; deployed environments use the instance role or a profile.
type AWSConfig struct {
	Region    string `yaml:"region"`
	Profile   string `yaml:"profile"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// QueueConfig holds the campaign queue settings.
type QueueConfig struct {
	URL                 string `yaml:"url"`
	WaitSeconds         int    `yaml:"wait_seconds"`
	PublishMaxAttempts  int    `yaml:"publish_max_attempts"`
	BusyBackoffSeconds  int    `yaml:"busy_backoff_seconds"`
	QuotaBackoffSeconds int    `yaml:"quota_backoff_seconds"`
}

// MailerConfig holds send settings.
type MailerConfig struct {
	SendTimeoutSeconds   int `yaml:"send_timeout_seconds"`
	CooldownSeconds      int `yaml:"cooldown_seconds"`
	MaxRecipientsPerSend int `yaml:"max_recipients_per_send"`
	IdleFlushSeconds     int `yaml:"idle_flush_seconds"`
}

// StatusConfig holds the delivery-status table settings.
type StatusConfig struct {
	TableName string `yaml:"table_name"`
}

// ContentConfig holds the campaign content bucket settings.
type ContentConfig struct {
	Bucket string `yaml:"bucket"`
}

// CRMConfig holds list-management API settings.
type CRMConfig struct {
	BaseURL        string `yaml:"base_url"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	AccountCode    string `yaml:"account_code"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	PageSize       int    `yaml:"page_size"`
}

// BlocklistConfig holds suppression list sources. Both are optional and
// merged when present.
type BlocklistConfig struct {
	Path     string `yaml:"path"`
	RedisKey string `yaml:"redis_key"`
}

// RedisConfig holds Redis connection settings (locks, blocklist).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DispatchConfig holds worker pool and completion-probe settings.
type DispatchConfig struct {
	Workers              int   `yaml:"workers"`
	ReceiveBatch         int   `yaml:"receive_batch"`
	EmptyPollDelayMS     int   `yaml:"empty_poll_delay_ms"`
	IdleExitSeconds      int   `yaml:"idle_exit_seconds"`
	ProbeScheduleSeconds []int `yaml:"probe_schedule_seconds"`
	LockTTLSeconds       int   `yaml:"lock_ttl_seconds"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Load reads and parses a config file, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.AWS.Region == "" {
		cfg.AWS.Region = "us-west-2"
	}
	if cfg.Queue.WaitSeconds == 0 {
		cfg.Queue.WaitSeconds = 1
	}
	if cfg.Queue.PublishMaxAttempts == 0 {
		cfg.Queue.PublishMaxAttempts = 10
	}
	if cfg.Queue.BusyBackoffSeconds == 0 {
		cfg.Queue.BusyBackoffSeconds = 10
	}
	if cfg.Queue.QuotaBackoffSeconds == 0 {
		cfg.Queue.QuotaBackoffSeconds = 300
	}
	if cfg.Mailer.SendTimeoutSeconds == 0 {
		cfg.Mailer.SendTimeoutSeconds = 120
	}
	if cfg.Mailer.CooldownSeconds == 0 {
		cfg.Mailer.CooldownSeconds = 10
	}
	if cfg.Mailer.MaxRecipientsPerSend == 0 {
		cfg.Mailer.MaxRecipientsPerSend = 50
	}
	if cfg.Mailer.IdleFlushSeconds == 0 {
		cfg.Mailer.IdleFlushSeconds = 60
	}
	if cfg.Status.TableName == "" {
		cfg.Status.TableName = "campaign-delivery-status"
	}
	if cfg.CRM.TimeoutSeconds == 0 {
		cfg.CRM.TimeoutSeconds = 60
	}
	if cfg.CRM.PageSize == 0 {
		cfg.CRM.PageSize = 500
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Dispatch.Workers == 0 {
		cfg.Dispatch.Workers = 10
	}
	if cfg.Dispatch.ReceiveBatch == 0 {
		cfg.Dispatch.ReceiveBatch = 10
	}
	if cfg.Dispatch.EmptyPollDelayMS == 0 {
		cfg.Dispatch.EmptyPollDelayMS = 1000
	}
	if cfg.Dispatch.IdleExitSeconds == 0 {
		cfg.Dispatch.IdleExitSeconds = 60
	}
	if len(cfg.Dispatch.ProbeScheduleSeconds) == 0 {
		cfg.Dispatch.ProbeScheduleSeconds = []int{60, 180, 500}
	}
	if cfg.Dispatch.LockTTLSeconds == 0 {
		cfg.Dispatch.LockTTLSeconds = 3600
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads the config file and applies environment overrides.
// A .env file is honored when present.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AWS_REGION_OVERRIDE"); v != "" {
		cfg.AWS.Region = v
	}
	if v := os.Getenv("AWS_PROFILE_OVERRIDE"); v != "" {
		cfg.AWS.Profile = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY"); v != "" {
		cfg.AWS.AccessKey = v
	}
	if v := os.Getenv("AWS_SECRET_KEY"); v != "" {
		cfg.AWS.SecretKey = v
	}
	if v := os.Getenv("CAMPAIGN_QUEUE_URL"); v != "" {
		cfg.Queue.URL = v
	}
	if v := os.Getenv("STATUS_TABLE_NAME"); v != "" {
		cfg.Status.TableName = v
	}
	if v := os.Getenv("CONTENT_BUCKET"); v != "" {
		cfg.Content.Bucket = v
	}
	if v := os.Getenv("CRM_BASE_URL"); v != "" {
		cfg.CRM.BaseURL = v
	}
	if v := os.Getenv("CRM_USERNAME"); v != "" {
		cfg.CRM.Username = v
	}
	if v := os.Getenv("CRM_PASSWORD"); v != "" {
		cfg.CRM.Password = v
	}
	if v := os.Getenv("CRM_ACCOUNT_CODE"); v != "" {
		cfg.CRM.AccountCode = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	// Running in a container with a task role: never use static keys or a
	// local profile.
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		cfg.AWS.Profile = ""
		cfg.AWS.AccessKey = ""
		cfg.AWS.SecretKey = ""
	}

	return cfg, nil
}
