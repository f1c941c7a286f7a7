package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, "log", cfg.Transport)
	assert.Equal(t, 50, cfg.MaxRecipientsPerBatch)
	assert.Equal(t, 100*time.Millisecond, cfg.BatchDelay())
	assert.Equal(t, "@every 1m", cfg.SchedulerSpec)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("TRANSPORT", "ses")
	t.Setenv("MAX_RECIPIENTS_PER_BATCH", "10")
	t.Setenv("BATCH_DELAY_MS", "0")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PASSWORD", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "ses", cfg.Transport)
	assert.Equal(t, 10, cfg.MaxRecipientsPerBatch)
	assert.Zero(t, cfg.BatchDelay())
	assert.Equal(t, "postgres://postgres:secret@db:5432/campaign_mailer?sslmode=disable", cfg.DSN())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := map[string][2]string{
		"unknown transport": {"TRANSPORT", "pigeon"},
		"zero batch":        {"MAX_RECIPIENTS_PER_BATCH", "0"},
		"negative delay":    {"BATCH_DELAY_MS", "-5"},
	}
	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(env[0], env[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
