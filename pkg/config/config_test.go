package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, `
global:
  log_level: info
audit:
  test_slowness_threshold: 4s
  console_type: list
results:
  dir: ./original-results
database:
  enabled: true
  driver: sqlite
  sqlite:
    path: /tmp/original.db
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, 4*time.Second, cfg.Audit.TestSlownessThreshold)
				assert.Equal(t, ConsoleTypeList, cfg.Audit.ConsoleType)
				assert.Equal(t, "./original-results", cfg.Results.Dir)
				assert.Equal(t, "/tmp/original.db", cfg.Database.SQLite.Path)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"FLAKEAUDIT_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "duration override - command_slowness_threshold",
			envVars: map[string]string{
				"FLAKEAUDIT_AUDIT_COMMAND_SLOWNESS_THRESHOLD": "2s",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 2*time.Second, cfg.Audit.CommandSlownessThreshold)
			},
		},
		{
			name: "boolean override - database.enabled false",
			envVars: map[string]string{
				"FLAKEAUDIT_DATABASE_ENABLED": "false",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.False(t, cfg.Database.Enabled)
			},
		},
		{
			name: "nested field override - upload.s3.bucket",
			envVars: map[string]string{
				"FLAKEAUDIT_UPLOAD_S3_BUCKET": "audits",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "audits", cfg.Upload.S3.Bucket)
			},
		},
		{
			name: "int override - postgres port",
			envVars: map[string]string{
				"FLAKEAUDIT_DATABASE_POSTGRES_PORT": "6543",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 6543, cfg.Database.Postgres.Port)
			},
		},
		{
			name: "list override - result_tasks",
			envVars: map[string]string{
				"FLAKEAUDIT_AUDIT_RESULT_TASKS": "taskA,taskB",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{"taskA", "taskB"}, cfg.Audit.ResultTasks)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	cfg, err := Load(writeConfig(t, "global: {}\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultResultsDir, cfg.Results.Dir)
	assert.Equal(t, DefaultTestSlownessThreshold, cfg.Audit.TestSlownessThreshold)
	assert.Equal(t, DefaultCommandSlownessThreshold, cfg.Audit.CommandSlownessThreshold)
	assert.Equal(t, DefaultConsoleType, cfg.Audit.ConsoleType)
	assert.Equal(t, DefaultResultTasks, cfg.Audit.ResultTasks)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)
	assert.Equal(t, DefaultConsolePrefix, cfg.Watch.ConsolePrefix)
	assert.True(t, cfg.Audit.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestLoad_NoFiles(t *testing.T) {
	t.Setenv("FLAKEAUDIT_GLOBAL_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Global.LogLevel)
	assert.Equal(t, DefaultResultsDir, cfg.Results.Dir)
}

func TestLoad_LaterFilesMergeOverEarlier(t *testing.T) {
	base := writeConfig(t, `
global:
  log_level: info
results:
  dir: ./base
`)
	override := writeConfig(t, `
results:
  dir: ./override
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Global.LogLevel)
	assert.Equal(t, "./override", cfg.Results.Dir)
}

func TestLoad_NumericDurationsAreMilliseconds(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
audit:
  test_slowness_threshold: 2500
  command_slowness_threshold: 750
`))
	require.NoError(t, err)

	assert.Equal(t, 2500*time.Millisecond, cfg.Audit.TestSlownessThreshold)
	assert.Equal(t, 750*time.Millisecond, cfg.Audit.CommandSlownessThreshold)
}

func TestLoad_APITokens(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
api:
  cors_origins:
    - http://localhost:3000
  auth:
    anonymous_read: false
    tokens:
      - name: ci
        hash: $2a$10$abcdefghijklmnopqrstuv
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"http://localhost:3000"}, cfg.API.CORSOrigins)
	assert.False(t, cfg.API.Auth.AnonymousRead)
	require.Len(t, cfg.API.Auth.Tokens, 1)
	assert.Equal(t, "ci", cfg.API.Auth.Tokens[0].Name)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: yaml: content:"))
	require.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "audit:\n  test_slowness_threshold: soon\n"))
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)

		return cfg
	}

	tests := []struct {
		name      string
		mutate    func(cfg *Config)
		errSubstr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(cfg *Config) {},
		},
		{
			name:      "zero test threshold",
			mutate:    func(cfg *Config) { cfg.Audit.TestSlownessThreshold = 0 },
			errSubstr: "test_slowness_threshold",
		},
		{
			name:      "negative command threshold",
			mutate:    func(cfg *Config) { cfg.Audit.CommandSlownessThreshold = -time.Second },
			errSubstr: "command_slowness_threshold",
		},
		{
			name:      "unknown console type",
			mutate:    func(cfg *Config) { cfg.Audit.ConsoleType = "grid" },
			errSubstr: "unknown type",
		},
		{
			name: "unknown driver",
			mutate: func(cfg *Config) {
				cfg.Database.Enabled = true
				cfg.Database.Driver = "mysql"
			},
			errSubstr: "unknown driver",
		},
		{
			name: "unknown driver ignored when database disabled",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "mysql"
			},
		},
		{
			name:      "s3 without bucket",
			mutate:    func(cfg *Config) { cfg.Upload.S3.Enabled = true },
			errSubstr: "bucket is required",
		},
		{
			name:      "malformed results owner",
			mutate:    func(cfg *Config) { cfg.Results.Owner = "runner" },
			errSubstr: "results.owner",
		},
		{
			name:   "results owner",
			mutate: func(cfg *Config) { cfg.Results.Owner = "1000:1000" },
		},
		{
			name: "token without hash",
			mutate: func(cfg *Config) {
				cfg.API.Auth.Tokens = []APIToken{{Name: "ci"}}
			},
			errSubstr: "hash is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.errSubstr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}

func TestPostgresConfig_DSN(t *testing.T) {
	p := PostgresConfig{
		Host: "db", Port: 5432, User: "u", Password: "p", Database: "audits", SSLMode: "disable",
	}

	assert.Equal(t, "host=db port=5432 user=u password=p dbname=audits sslmode=disable", p.DSN())
}
