package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const configDir = "../../config"

func setSecrets(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "local-secret-0123456789")
	t.Setenv("OWNER_EMAIL", "owner@example.com")
	t.Setenv("OPERATOR_PASSWORD_HASH", "$2a$08$abcdefghijklmnopqrstuu")
}

func TestLoadLocal(t *testing.T) {
	setSecrets(t)

	cfg, err := LoadFrom("local", configDir)
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Env)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "owner@example.com", cfg.OwnerEmail)
	assert.Equal(t, 5*time.Minute, cfg.Worker.Lease)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Reconciler.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Reprocessor.Policy.UrgentWithin)
	assert.Equal(t, 72*time.Hour, cfg.Reprocessor.Policy.SomewhatWithin)
	assert.True(t, cfg.Feed.Enabled)
	assert.Equal(t, 50, cfg.Feed.AckEvery)
	assert.Equal(t, "09:00", cfg.Schedule.DigestAt)
	assert.Equal(t, "heuristic", cfg.Classifier.Backend)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "UTC", loc.String())
}

func TestEnvironmentOverrides(t *testing.T) {
	setSecrets(t)
	t.Setenv("SERVER_PORT", "9191")
	t.Setenv("CLASSIFIER_BACKEND", "agent")
	t.Setenv("AGENT_SERVICE_URL", "http://agent.test")

	cfg, err := LoadFrom("local", configDir)
	require.NoError(t, err)
	assert.Equal(t, "9191", cfg.Server.Port)
	assert.Equal(t, "agent", cfg.Classifier.Backend)
	assert.Equal(t, "http://agent.test", cfg.Classifier.AgentURL)
}

func TestValidationFailures(t *testing.T) {
	setSecrets(t)
	t.Setenv("OWNER_EMAIL", "not-an-address")
	_, err := LoadFrom("local", configDir)
	assert.ErrorContains(t, err, "OwnerEmail")

	setSecrets(t)
	t.Setenv("JWT_SECRET", "short")
	_, err = LoadFrom("local", configDir)
	assert.ErrorContains(t, err, "Secret")

	setSecrets(t)
	t.Setenv("OWNER_TIMEZONE", "Mars/Olympus")
	_, err = LoadFrom("local", configDir)
	assert.ErrorContains(t, err, "timezone")
}
