package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlConfig = `
intranet_token: file-token
google_credentials_path: /config/credentials.json
outlook_client_id: outlook-app
title_prefix: "[EPI]"
sync_window_weeks: 3
store:
  backend: file
  dir: /config/state
lock_ttl: 5m
targets:
  - name: personal
    type: google
  - name: work
    type: Outlook
    calendar_name: School
  - name: icloud
    type: caldav
    server_url: https://caldav.icloud.com
    username: me@icloud.com
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig_ConfigFile(t *testing.T) {
	t.Setenv("CALDAV_PASSWORD", "app-password")
	configPath := writeFile(t, "config.yaml", yamlConfig)

	config, err := LoadConfig(configPath, "", Flags{})
	require.NoError(t, err)

	assert.Equal(t, "file-token", config.IntranetToken)
	assert.Equal(t, "[EPI]", config.TitlePrefix)
	assert.Equal(t, 3, config.SyncWindowWeeks)
	assert.Equal(t, 5*time.Minute, config.LockTTL)
	assert.Equal(t, "/config/state", config.Store.Dir)
	require.Len(t, config.Targets, 3)

	work := config.Targets[1]
	assert.Equal(t, TypeOutlook, work.Type)
	assert.Equal(t, "School", work.CalendarName)
	assert.Equal(t, "token_work", work.TokenKey)
	assert.Equal(t, "app-password", config.Targets[2].Password)
}

func TestLoadConfig_JSONConfigFile(t *testing.T) {
	configPath := writeFile(t, "config.json", `{
		"google_credentials_path": "/config/credentials.json",
		"targets": [{"name": "personal", "type": "google", "calendar_id": "abc@group.calendar.google.com"}]
	}`)

	config, err := LoadConfig(configPath, "", Flags{})
	require.NoError(t, err)
	assert.Equal(t, "abc@group.calendar.google.com", config.Targets[0].CalendarID)
}

func TestLoadConfig_Defaults(t *testing.T) {
	configPath := writeFile(t, "config.yaml", `
google_credentials_path: /config/credentials.json
targets:
  - type: google
`)

	config, err := LoadConfig(configPath, "", Flags{})
	require.NoError(t, err)

	assert.Equal(t, 2, config.SyncWindowWeeks)
	assert.Equal(t, 0, config.SyncWindowWeeksPast)
	assert.Equal(t, DefaultSchedule, config.Schedule)
	assert.Equal(t, DefaultListen, config.Listen)
	assert.Equal(t, StoreFile, config.Store.Backend)
	assert.Equal(t, DefaultLockTTL, config.LockTTL)
	assert.Equal(t, "common", config.OutlookTenant)

	target := config.Targets[0]
	assert.Equal(t, "google", target.Name)
	assert.Equal(t, DefaultCalendarName, target.CalendarName)
	assert.Equal(t, "7", target.Color)
}

func TestLoadConfig_EnvVarsOverrideConfigFile(t *testing.T) {
	configPath := writeFile(t, "config.yaml", yamlConfig)
	t.Setenv("CALDAV_PASSWORD", "app-password")
	t.Setenv("GOOGLE_CREDENTIALS_PATH", "/env/credentials.json")
	t.Setenv("INTRANET_TOKEN", "env-token")
	t.Setenv("SYNC_WINDOW_WEEKS_PAST", "1")

	config, err := LoadConfig(configPath, "", Flags{})
	require.NoError(t, err)

	assert.Equal(t, "/env/credentials.json", config.GoogleCredentialsPath)
	assert.Equal(t, "env-token", config.IntranetToken)
	assert.Equal(t, 1, config.SyncWindowWeeksPast)
	assert.Equal(t, 3, config.SyncWindowWeeks, "untouched values come from the file")
}

func TestLoadConfig_CommandLineFlags(t *testing.T) {
	configPath := writeFile(t, "config.yaml", yamlConfig)
	t.Setenv("CALDAV_PASSWORD", "app-password")
	t.Setenv("INTRANET_TOKEN", "env-token")
	t.Setenv("CALSYNC_STORE_DIR", "/env/state")

	config, err := LoadConfig(configPath, "", Flags{
		IntranetToken: "flag-token",
		StoreDir:      "/flag/state",
		Schedule:      "*/15 * * * *",
	})
	require.NoError(t, err)

	assert.Equal(t, "flag-token", config.IntranetToken)
	assert.Equal(t, "/flag/state", config.Store.Dir)
	assert.Equal(t, "*/15 * * * *", config.Schedule)
}

func TestLoadConfig_EnvFile(t *testing.T) {
	configPath := writeFile(t, "config.yaml", yamlConfig)
	envPath := writeFile(t, ".env", "INTRANET_TOKEN=dotenv-token\nCALDAV_PASSWORD=dotenv-password\n")
	t.Cleanup(func() {
		os.Unsetenv("INTRANET_TOKEN")
		os.Unsetenv("CALDAV_PASSWORD")
	})

	config, err := LoadConfig(configPath, envPath, Flags{})
	require.NoError(t, err)

	assert.Equal(t, "dotenv-token", config.IntranetToken)
	assert.Equal(t, "dotenv-password", config.Targets[2].Password)
}

func TestLoadConfig_MissingEnvFile(t *testing.T) {
	_, err := LoadConfig("", filepath.Join(t.TempDir(), "missing.env"), Flags{})
	assert.ErrorContains(t, err, "failed to load env file")
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name:    "no targets",
			config:  `title_prefix: x`,
			wantErr: "targets array must be provided",
		},
		{
			name:    "unknown type",
			config:  "targets:\n  - type: exchange\n",
			wantErr: "target[0].type must be 'google', 'outlook' or 'caldav', got 'exchange'",
		},
		{
			name:    "google without credentials",
			config:  "targets:\n  - type: google\n",
			wantErr: "google_credentials_path must be provided",
		},
		{
			name:    "caldav without server",
			config:  "targets:\n  - type: caldav\n    username: me\n    password: pw\n",
			wantErr: "server_url must be provided for CalDAV target",
		},
		{
			name:    "duplicate names",
			config:  "outlook_client_id: app\ntargets:\n  - type: outlook\n  - type: outlook\n",
			wantErr: "duplicate name 'outlook'",
		},
		{
			name:    "bad schedule",
			config:  "schedule: every tuesday\noutlook_client_id: app\ntargets:\n  - type: outlook\n",
			wantErr: "invalid schedule",
		},
		{
			name:    "redis without url",
			config:  "store:\n  backend: redis\noutlook_client_id: app\ntargets:\n  - type: outlook\n",
			wantErr: "store.redis_url must be provided",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := LoadConfig(writeFile(t, "config.yaml", tt.config), "", Flags{})
			assert.ErrorContains(t, err, tt.wantErr)
			assert.Nil(t, config)
		})
	}
}

func TestLoadConfig_InvalidEnvValue(t *testing.T) {
	t.Setenv("SYNC_WINDOW_WEEKS", "two")
	_, err := LoadConfig("", "", Flags{})
	assert.ErrorContains(t, err, "invalid SYNC_WINDOW_WEEKS value")
}

func TestLoadGoogleCredentials_Installed(t *testing.T) {
	credsPath := writeFile(t, "credentials.json", `{
		"installed": {
			"client_id": "test-client-id",
			"client_secret": "test-client-secret"
		}
	}`)

	clientID, clientSecret, err := LoadGoogleCredentials(credsPath)
	require.NoError(t, err)
	assert.Equal(t, "test-client-id", clientID)
	assert.Equal(t, "test-client-secret", clientSecret)
}

func TestLoadGoogleCredentials_Web(t *testing.T) {
	credsPath := writeFile(t, "credentials.json", `{
		"web": {
			"client_id": "web-client-id",
			"client_secret": "web-client-secret"
		}
	}`)

	clientID, clientSecret, err := LoadGoogleCredentials(credsPath)
	require.NoError(t, err)
	assert.Equal(t, "web-client-id", clientID)
	assert.Equal(t, "web-client-secret", clientSecret)
}

func TestLoadGoogleCredentials_MissingClientID(t *testing.T) {
	_, _, err := LoadGoogleCredentials(writeFile(t, "credentials.json", `{}`))
	assert.ErrorContains(t, err, "no client_id found")
}
