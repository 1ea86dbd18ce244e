package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Target types.
const (
	TypeGoogle  = "google"
	TypeOutlook = "outlook"
	TypeCalDAV  = "caldav"
)

// Store backends.
const (
	StoreFile  = "file"
	StoreRedis = "redis"
)

const (
	DefaultCalendarName = "Epitech"
	DefaultSchedule     = "@every 1h"
	DefaultListen       = "127.0.0.1:8080"
	DefaultLockTTL      = 10 * time.Minute
	DefaultStoreDir     = ".calsync"
)

// GoogleCredentials represents the structure of Google OAuth credentials JSON file.
type GoogleCredentials struct {
	Installed struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"installed"`
	Web struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"web"`
}

// LoadGoogleCredentials loads Google OAuth credentials from a JSON file.
func LoadGoogleCredentials(path string) (clientID, clientSecret string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds GoogleCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", "", fmt.Errorf("failed to parse credentials file: %w", err)
	}

	// Try "installed" first (for desktop apps), then "web"
	if creds.Installed.ClientID != "" {
		return creds.Installed.ClientID, creds.Installed.ClientSecret, nil
	}
	if creds.Web.ClientID != "" {
		return creds.Web.ClientID, creds.Web.ClientSecret, nil
	}

	return "", "", fmt.Errorf("no client_id found in credentials file (expected 'installed' or 'web' section)")
}

// Target is one remote calendar the planning is mirrored into.
type Target struct {
	Name         string `yaml:"name"`
	Type         string `yaml:"type"`                    // "google", "outlook" or "caldav"
	CalendarID   string `yaml:"calendar_id,omitempty"`   // Skips the lookup by name when set
	CalendarName string `yaml:"calendar_name,omitempty"` // Name of the calendar to create/use
	Color        string `yaml:"color,omitempty"`         // Google colorId, Outlook color name or CalDAV hex color
	Disabled     bool   `yaml:"disabled,omitempty"`

	// OAuth targets keep their token in the store under this key.
	TokenKey string `yaml:"token_key,omitempty"`

	// CalDAV specific fields
	ServerURL string `yaml:"server_url,omitempty"`
	BasePath  string `yaml:"base_path,omitempty"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
}

// StoreConfig selects where settings, status, cache and tokens live.
type StoreConfig struct {
	Backend  string `yaml:"backend"`   // "file" or "redis"
	Dir      string `yaml:"dir"`       // file backend directory
	RedisURL string `yaml:"redis_url"` // redis://host:port/db
	Prefix   string `yaml:"prefix"`    // redis key prefix
}

// Config holds the configuration for the calendar sync tool.
type Config struct {
	IntranetURL   string `yaml:"intranet_url,omitempty"`
	IntranetToken string `yaml:"intranet_token,omitempty"`

	GoogleCredentialsPath string `yaml:"google_credentials_path,omitempty"`
	OutlookClientID       string `yaml:"outlook_client_id,omitempty"`
	OutlookClientSecret   string `yaml:"outlook_client_secret,omitempty"`
	OutlookTenant         string `yaml:"outlook_tenant,omitempty"`

	Targets []Target `yaml:"targets"`

	TitlePrefix         string `yaml:"title_prefix,omitempty"`
	SyncWindowWeeks     int    `yaml:"sync_window_weeks,omitempty"`      // Weeks to sync forward counting the current one (default: 2)
	SyncWindowWeeksPast int    `yaml:"sync_window_weeks_past,omitempty"` // Weeks to sync backward (default: 0)

	Schedule string        `yaml:"schedule,omitempty"` // cron spec for serve mode
	Listen   string        `yaml:"listen,omitempty"`
	Store    StoreConfig   `yaml:"store"`
	LockTTL  time.Duration `yaml:"lock_ttl,omitempty"` // redis lock expiry

	// Browser origins allowed to call the HTTP API. Empty disables CORS.
	CORSOrigins []string `yaml:"cors_origins,omitempty"`

	WebhookURL    string `yaml:"webhook_url,omitempty"`
	WebhookSecret string `yaml:"webhook_secret,omitempty"`
}

// Flags are the command-line overrides.
type Flags struct {
	IntranetToken         string
	GoogleCredentialsPath string
	StoreDir              string
	Listen                string
	Schedule              string
}

// LoadConfigFromFile loads configuration from a YAML file. JSON files are
// accepted as well.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// LoadConfig loads configuration with the following precedence (highest to lowest):
// 1. Command-line flags
// 2. Environment variables, including those from envFile (or ./.env)
// 3. Config file
// 4. Defaults
// Returns an error if any required value is missing.
func LoadConfig(configFile, envFile string, flags Flags) (*Config, error) {
	if err := loadEnvFile(envFile); err != nil {
		return nil, err
	}

	var config Config

	// Step 1: Load from config file if provided
	if configFile != "" {
		fileConfig, err := LoadConfigFromFile(configFile)
		if err != nil {
			return nil, err
		}
		config = *fileConfig
	}

	// Step 2: Override with environment variables
	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	// Step 3: Override with command-line flags (highest priority)
	if flags.IntranetToken != "" {
		config.IntranetToken = flags.IntranetToken
	}
	if flags.GoogleCredentialsPath != "" {
		config.GoogleCredentialsPath = flags.GoogleCredentialsPath
	}
	if flags.StoreDir != "" {
		config.Store.Dir = flags.StoreDir
	}
	if flags.Listen != "" {
		config.Listen = flags.Listen
	}
	if flags.Schedule != "" {
		config.Schedule = flags.Schedule
	}

	// Step 4: Apply defaults and validate required fields
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// loadEnvFile loads envFile, or ./.env when envFile is empty and the file
// exists. Variables already set in the environment win.
func loadEnvFile(envFile string) error {
	if envFile == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.IntranetURL, "INTRANET_URL")
	setString(&c.IntranetToken, "INTRANET_TOKEN")
	setString(&c.GoogleCredentialsPath, "GOOGLE_CREDENTIALS_PATH")
	setString(&c.OutlookClientID, "OUTLOOK_CLIENT_ID")
	setString(&c.OutlookClientSecret, "OUTLOOK_CLIENT_SECRET")
	setString(&c.OutlookTenant, "OUTLOOK_TENANT")
	setString(&c.TitlePrefix, "CALSYNC_TITLE_PREFIX")
	setString(&c.Schedule, "CALSYNC_SCHEDULE")
	setString(&c.Listen, "CALSYNC_LISTEN")
	setString(&c.Store.Backend, "CALSYNC_STORE")
	setString(&c.Store.Dir, "CALSYNC_STORE_DIR")
	setString(&c.Store.RedisURL, "REDIS_URL")
	setString(&c.WebhookURL, "WEBHOOK_URL")
	setString(&c.WebhookSecret, "WEBHOOK_SECRET")
	if v := os.Getenv("CALSYNC_CORS_ORIGINS"); v != "" {
		c.CORSOrigins = strings.Split(v, ",")
	}

	// Sync window weeks from environment variable
	if v := os.Getenv("SYNC_WINDOW_WEEKS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SYNC_WINDOW_WEEKS value: %w", err)
		}
		c.SyncWindowWeeks = n
	}
	if v := os.Getenv("SYNC_WINDOW_WEEKS_PAST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SYNC_WINDOW_WEEKS_PAST value: %w", err)
		}
		c.SyncWindowWeeksPast = n
	}
	if v := os.Getenv("CALSYNC_LOCK_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid CALSYNC_LOCK_TTL value: %w", err)
		}
		c.LockTTL = d
	}

	// The CalDAV password usually lives in .env rather than the config file.
	if password := os.Getenv("CALDAV_PASSWORD"); password != "" {
		for i := range c.Targets {
			if c.Targets[i].Type == TypeCalDAV && c.Targets[i].Password == "" {
				c.Targets[i].Password = password
			}
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) applyDefaults() {
	if c.SyncWindowWeeks == 0 {
		c.SyncWindowWeeks = 2
	}
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Store.Backend == "" {
		c.Store.Backend = StoreFile
	}
	if c.Store.Dir == "" {
		c.Store.Dir = DefaultStoreDir
	}
	if c.LockTTL == 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.OutlookTenant == "" {
		c.OutlookTenant = "common"
	}

	for i := range c.Targets {
		t := &c.Targets[i]
		t.Type = strings.ToLower(strings.TrimSpace(t.Type))
		if t.Name == "" {
			t.Name = t.Type
		}
		if t.CalendarName == "" {
			t.CalendarName = DefaultCalendarName
		}
		if t.Color == "" {
			t.Color = defaultColor(t.Type)
		}
		if t.TokenKey == "" && t.Type != TypeCalDAV {
			t.TokenKey = "token_" + t.Name
		}
	}
}

func defaultColor(kind string) string {
	switch kind {
	case TypeGoogle:
		return "7"
	case TypeOutlook:
		return "lightBlue"
	case TypeCalDAV:
		return "#1BADF8"
	default:
		return ""
	}
}

// Validate checks the targets and global settings. Defaults must have been
// applied.
func (c *Config) Validate() error {
	if c.SyncWindowWeeks < 1 {
		return fmt.Errorf("sync_window_weeks must be at least 1, got %d", c.SyncWindowWeeks)
	}
	if c.SyncWindowWeeksPast < 0 {
		return fmt.Errorf("sync_window_weeks_past must not be negative, got %d", c.SyncWindowWeeksPast)
	}
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", c.Schedule, err)
	}

	switch c.Store.Backend {
	case StoreFile:
	case StoreRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url must be provided via config file or REDIS_URL environment variable when store.backend is redis")
		}
	default:
		return fmt.Errorf("store.backend must be 'file' or 'redis', got '%s'", c.Store.Backend)
	}

	// Validate that targets array is provided
	if len(c.Targets) == 0 {
		return fmt.Errorf("targets array must be provided in config file. At least one target is required")
	}

	seen := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		if seen[t.Name] {
			return fmt.Errorf("target[%d]: duplicate name '%s'", i, t.Name)
		}
		seen[t.Name] = true

		switch t.Type {
		case TypeGoogle:
			if c.GoogleCredentialsPath == "" {
				return fmt.Errorf("target[%d] (name: %s): google_credentials_path must be provided via --google-credentials-path flag, GOOGLE_CREDENTIALS_PATH environment variable, or config file", i, t.Name)
			}
		case TypeOutlook:
			if c.OutlookClientID == "" {
				return fmt.Errorf("target[%d] (name: %s): outlook_client_id must be provided via OUTLOOK_CLIENT_ID environment variable or config file", i, t.Name)
			}
		case TypeCalDAV:
			if t.ServerURL == "" {
				return fmt.Errorf("target[%d] (name: %s): server_url must be provided for CalDAV target", i, t.Name)
			}
			if t.Username == "" {
				return fmt.Errorf("target[%d] (name: %s): username must be provided for CalDAV target", i, t.Name)
			}
			if t.Password == "" {
				return fmt.Errorf("target[%d] (name: %s): password must be provided for CalDAV target", i, t.Name)
			}
		default:
			return fmt.Errorf("target[%d].type must be 'google', 'outlook' or 'caldav', got '%s'", i, t.Type)
		}
	}
	return nil
}

// Target returns the configured target called name.
func (c *Config) Target(name string) (Target, bool) {
	for _, t := range c.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return Target{}, false
}
