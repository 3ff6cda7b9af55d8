package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, value))
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestLoadSettings_RejectsMissingJWTSecret(t *testing.T) {
	withEnv(t, "JWT_SECRET", "")
	_, err := loadSettings()
	require.Error(t, err)
}

func TestLoadSettings_RejectsNonPositiveMaxMemoryEntries(t *testing.T) {
	withEnv(t, "JWT_SECRET", "test-secret")
	withEnv(t, "MAX_MEMORY_ENTRIES", "0")
	_, err := loadSettings()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_MEMORY_ENTRIES")
}

func TestLoadSettings_RejectsNonPositiveSlidingWindowSize(t *testing.T) {
	withEnv(t, "JWT_SECRET", "test-secret")
	withEnv(t, "SLIDING_WINDOW_SIZE", "-1")
	_, err := loadSettings()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SLIDING_WINDOW_SIZE")
}

func TestLoadSettings_AcceptsValidConfig(t *testing.T) {
	withEnv(t, "JWT_SECRET", "test-secret")
	s, err := loadSettings()
	require.NoError(t, err)
	assert.Equal(t, "test-secret", s.JWTSecret)
}
