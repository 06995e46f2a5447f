package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(writeConfig(t, "storage:\n  driver: memory\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, StorageDriverMemory, cfg.Storage.Driver)
	assert.Equal(t, 9, cfg.Scheduling.WorkdayStartHour)
	assert.Equal(t, 17, cfg.Scheduling.WorkdayEndHour)
	assert.Equal(t, 30, cfg.Scheduling.BufferMinutes)
	assert.Equal(t, 30, cfg.Scheduling.SlotMinutes)
	assert.Equal(t, 30, cfg.Scheduling.DefaultDurationMinutes)
	assert.Equal(t, "APP-", cfg.Scheduling.AppointmentIDPrefix)
	assert.Equal(t, 4, cfg.Scheduling.AppointmentIDDigits)
	assert.Equal(t, "/health", cfg.Monitoring.HealthPath)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Address())
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
}

func TestLoadFrom_FileValues(t *testing.T) {
	cfg, err := LoadFrom(writeConfig(t, `
storage:
  driver: postgres
database:
  password: secret
  host: db.internal
scheduling:
  workday_start_hour: 8
  workday_end_hour: 18
  time_zone: Asia/Kolkata
notifications:
  clinic_name: Sunrise Clinic
`))
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 8, cfg.Scheduling.WorkdayStartHour)
	assert.Equal(t, 18, cfg.Scheduling.WorkdayEndHour)
	assert.Equal(t, "Sunrise Clinic", cfg.Notifications.ClinicName)

	loc, err := cfg.Scheduling.Location()
	require.NoError(t, err)
	assert.Equal(t, "Asia/Kolkata", loc.String())
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_PASSWORD", "from-env")
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadFrom(writeConfig(t, "storage:\n  driver: postgres\n"))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Database.Password)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadFrom_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"postgres without password", "storage:\n  driver: postgres\n"},
		{"unknown driver", "storage:\n  driver: mongo\n"},
		{"inverted working hours", "storage:\n  driver: memory\nscheduling:\n  workday_start_hour: 17\n  workday_end_hour: 9\n"},
		{"negative buffer", "storage:\n  driver: memory\nscheduling:\n  buffer_minutes: -5\n"},
		{"too many id digits", "storage:\n  driver: memory\nscheduling:\n  appointment_id_digits: 12\n"},
		{"unknown time zone", "storage:\n  driver: memory\nscheduling:\n  time_zone: Mars/Olympus\n"},
		{"no notification workers", "storage:\n  driver: memory\nnotifications:\n  workers: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadFrom_MissingExplicitFile(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
