// Package config loads and validates the bridge configuration. Settings come
// from an optional YAML file overridden by environment variables, mirroring
// how the service is deployed: the file carries stable infrastructure
// settings, the environment carries credentials.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized option.
type Config struct {
	// Auth.
	TenantID      string `yaml:"tenant_id"`
	ClientID      string `yaml:"client_id"`
	ClientSecret  string `yaml:"client_secret"`
	AgentUsername string `yaml:"agent_username"`
	AgentPassword string `yaml:"agent_password"`
	AgentUserID   string `yaml:"agent_user_id"`

	// Planner.
	PlannerBaseURL string `yaml:"planner_base_url"`
	DefaultPlanID  string `yaml:"default_plan_id"`

	// UserNameMap maps display names to planner user IDs.
	UserNameMap map[string]string `yaml:"user_name_map"`

	// Store.
	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password"`
	KeyPrefix     string `yaml:"key_prefix"`

	// Webhook ingress.
	NotificationURL string `yaml:"notification_url"`
	HTTPAddr        string `yaml:"http_addr"`

	// Sync tuning.
	PollInterval      time.Duration `yaml:"poll_interval"`
	MinQuickPoll      time.Duration `yaml:"min_quick_poll"`
	UploadBatchSize   int           `yaml:"upload_batch_size"`
	UploadBatchLinger time.Duration `yaml:"upload_batch_linger"`
	MaxTasksPerPlan   int           `yaml:"max_tasks_per_plan"`
	ConflictDeadband  time.Duration `yaml:"conflict_deadband"`

	// Housekeeping.
	HousekeepingDryRun bool `yaml:"housekeeping_dry_run"`

	// ReleaseOnShutdown deletes planner subscriptions on shutdown instead of
	// leaving them for the next instance.
	ReleaseOnShutdown bool `yaml:"release_on_shutdown"`
}

// Defaults returns the configuration defaults applied before file and
// environment loading.
func Defaults() Config {
	return Config{
		PlannerBaseURL:     "https://graph.microsoft.com/v1.0",
		RedisURL:           "localhost:6379",
		KeyPrefix:          "taskbridge",
		HTTPAddr:           ":8080",
		PollInterval:       time.Hour,
		MinQuickPoll:       5 * time.Minute,
		UploadBatchSize:    20,
		UploadBatchLinger:  100 * time.Millisecond,
		MaxTasksPerPlan:    200,
		ConflictDeadband:   2 * time.Second,
		HousekeepingDryRun: true,
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and environment variable overrides, in that order.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr(&c.TenantID, "TENANT_ID")
	setStr(&c.ClientID, "CLIENT_ID")
	setStr(&c.ClientSecret, "CLIENT_SECRET")
	setStr(&c.AgentUsername, "AGENT_USERNAME")
	setStr(&c.AgentPassword, "AGENT_PASSWORD")
	setStr(&c.AgentUserID, "AGENT_USER_ID")
	setStr(&c.PlannerBaseURL, "PLANNER_BASE_URL")
	setStr(&c.DefaultPlanID, "DEFAULT_PLAN_ID")
	setStr(&c.RedisURL, "REDIS_URL")
	setStr(&c.RedisPassword, "REDIS_PASSWORD")
	setStr(&c.KeyPrefix, "KEY_PREFIX")
	setStr(&c.NotificationURL, "NOTIFICATION_URL")
	setStr(&c.HTTPAddr, "HTTP_ADDR")
	setSeconds(&c.PollInterval, "PLANNER_POLL_INTERVAL_SECONDS")
	setSeconds(&c.MinQuickPoll, "MIN_QUICK_POLL_INTERVAL_SECONDS")
	setInt(&c.UploadBatchSize, "UPLOAD_BATCH_SIZE")
	setMillis(&c.UploadBatchLinger, "UPLOAD_BATCH_LINGER_MS")
	setInt(&c.MaxTasksPerPlan, "MAX_TASKS_PER_PLANNER_PLAN")
	setMillis(&c.ConflictDeadband, "CONFLICT_DEADBAND_MS")
	setBool(&c.HousekeepingDryRun, "HOUSEKEEPING_DRY_RUN")
	setBool(&c.ReleaseOnShutdown, "RELEASE_ON_SHUTDOWN")

	if v := os.Getenv("USER_NAME_MAP"); v != "" {
		m := make(map[string]string)
		if err := json.Unmarshal([]byte(v), &m); err == nil {
			c.UserNameMap = m
		}
	}
}

// Validate reports unrecoverable configuration errors. A failing validation
// maps to process exit code 1.
func (c *Config) Validate() error {
	if c.TenantID == "" || c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("missing credentials: TENANT_ID, CLIENT_ID and CLIENT_SECRET are required")
	}
	if c.AgentUsername == "" || c.AgentPassword == "" {
		return fmt.Errorf("missing agent credentials: AGENT_USERNAME and AGENT_PASSWORD are required")
	}
	if c.UploadBatchSize <= 0 {
		return fmt.Errorf("UPLOAD_BATCH_SIZE must be positive")
	}
	if c.MaxTasksPerPlan <= 0 {
		return fmt.Errorf("MAX_TASKS_PER_PLANNER_PLAN must be positive")
	}
	if c.PollInterval < 5*time.Minute {
		// Re-listing every accessible plan is expensive; the floor protects
		// the planner quota.
		c.PollInterval = 5 * time.Minute
	}
	return nil
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(i) * time.Second
		}
	}
}

func setMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(i) * time.Millisecond
		}
	}
}
