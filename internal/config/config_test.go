package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeVocab(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "platforms.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadVocabularies(t *testing.T) {
	path := writeVocab(t, `
content_types:
  twitter: [tweet, retweet]
  twitch: [vod]
presence_types:
  twitch: [livestream]
`)
	v, err := LoadVocabularies(path)
	require.NoError(t, err)

	assert.True(t, v.KnownPlatform("twitter"))
	assert.True(t, v.KnownPlatform("twitch"))
	assert.False(t, v.KnownPlatform("myspace"))

	assert.True(t, v.AllowsContent("twitter", "tweet"))
	assert.False(t, v.AllowsContent("twitter", "vod"))
	assert.True(t, v.AllowsPresence("twitch", "livestream"))
	assert.False(t, v.AllowsPresence("twitter", "online"))
}

func TestLoadVocabulariesRejectsEmpty(t *testing.T) {
	path := writeVocab(t, "content_types: {}\npresence_types: {}\n")
	_, err := LoadVocabularies(path)
	assert.Error(t, err)
}

func TestLoadVocabulariesMissingFile(t *testing.T) {
	_, err := LoadVocabularies(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	path := writeVocab(t, "content_types:\n  twitter: [tweet]\n")
	t.Setenv("PLATFORMS_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, 30*time.Second, cfg.LeaseTimeout)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.Equal(t, time.Duration(0), cfg.SweepInterval)
	assert.Equal(t, 50, cfg.RateLimitCapacity)
	assert.True(t, cfg.Vocabularies.KnownPlatform("twitter"))
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeVocab(t, "content_types:\n  twitter: [tweet]\n")
	t.Setenv("PLATFORMS_FILE", path)
	t.Setenv("LEASE_TIMEOUT", "45s")
	t.Setenv("RATE_LIMIT_CAPACITY", "10")
	t.Setenv("LOG_FORMAT", "json")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.LeaseTimeout)
	assert.Equal(t, 10, cfg.RateLimitCapacity)
	assert.Equal(t, "json", cfg.LogFormat)
}
