package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable the tests depend on so the host
// environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_ENV", "APP_TIMEZONE", "STORAGE_DRIVER", "DATABASE_URL", "DB_HOST",
		"API_KEY_HASHES", "HTTP_PORT", "LEDGER_LOCK_TIMEOUT", "LEDGER_LOCK_TTL",
		"LEDGER_BUSY_RETRIES", "HTTP_ALLOWED_ORIGINS", "SCHEDULER_ENABLED",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_MemoryDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORAGE_DRIVER", "memory")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvDevelopment, cfg.App.Environment)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "Africa/Nairobi", cfg.App.Timezone)
	require.NotNil(t, cfg.App.Location)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 5*time.Second, cfg.Ledger.LockTimeout)
	assert.Equal(t, 2, cfg.Ledger.BusyRetries)
	assert.Equal(t, "5 0 * * *", cfg.Scheduler.ActivateTermCron)
	assert.Equal(t, "X-API-Key", cfg.Auth.Header)
}

func TestLoad_PostgresNeedsConnection(t *testing.T) {
	clearEnv(t)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL or DB_HOST")

	t.Setenv("DATABASE_URL", "postgres://ledger@db:5432/fee_ledger")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "production")
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("APP_TIMEZONE", "Mars/Olympus")
	t.Setenv("LEDGER_BUSY_RETRIES", "-1")

	_, err := Load()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "APP_TIMEZONE")
	assert.Contains(t, msg, "not allowed in production")
	assert.Contains(t, msg, "API_KEY_HASHES")
	assert.Contains(t, msg, "LEDGER_BUSY_RETRIES")
}

func TestValidate_LockTTLCoversTimeout(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("LEDGER_LOCK_TIMEOUT", "10s")
	t.Setenv("LEDGER_LOCK_TTL", "5s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LEDGER_LOCK_TTL")
}

func TestLoad_ReportsMalformedValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("HTTP_PORT", "eighty")
	t.Setenv("LEDGER_LOCK_TIMEOUT", "5")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `HTTP_PORT="eighty" is not an integer`)
	assert.Contains(t, err.Error(), `LEDGER_LOCK_TIMEOUT="5" is not a duration`)
}

func TestEnvReader(t *testing.T) {
	t.Setenv("TEST_SLICE", " a, ,b ,c")
	t.Setenv("TEST_INT", "nope")
	t.Setenv("TEST_DURATION", "90s")
	t.Setenv("TEST_BOOL", "true")

	r := &envReader{}
	assert.Equal(t, []string{"a", "b", "c"}, r.list("TEST_SLICE"))
	assert.Nil(t, r.list("TEST_SLICE_MISSING"))
	assert.Equal(t, 90*time.Second, r.duration("TEST_DURATION", time.Second))
	assert.True(t, r.boolean("TEST_BOOL", false))
	assert.Equal(t, "fallback", r.str("TEST_STRING_MISSING", "fallback"))
	assert.Empty(t, r.problems)

	assert.Equal(t, 7, r.integer("TEST_INT", 7))
	assert.Len(t, r.problems, 1)
}
