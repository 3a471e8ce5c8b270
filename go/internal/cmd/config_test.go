package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/mcdev12/scoresync/go/internal/models"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.Registry.Backend, "remote")
	assert.Equal(t, cfg.Sync.ConnectTimeout, 10*time.Second)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scoresync.yaml")
	data := []byte(`
client:
  display_name: Quizmaster
sync:
  connect_timeout: 3s
  relay_url: ws://relay.example:9000/ws/relay
registry:
  backend: redis
`)
	assert.Equal(t, os.WriteFile(path, data, 0o600), nil)

	cfg, err := loadConfig(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.Client.DisplayName, "Quizmaster")
	assert.Equal(t, cfg.Sync.ConnectTimeout, 3*time.Second)
	assert.Equal(t, cfg.Sync.RelayURL, "ws://relay.example:9000/ws/relay")
	assert.Equal(t, cfg.Registry.Backend, "redis")
	assert.Equal(t, cfg.Sync.NATSURL, "nats://localhost:4222")
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SCORESYNC_NAME", "Host")
	t.Setenv("SCORESYNC_REGISTRY", "nats")
	t.Setenv("SCORESYNC_CONNECT_TIMEOUT", "2s")
	t.Setenv("SCORESYNC_HISTORY_JETSTREAM", "true")

	cfg := defaultConfig()
	cfg.applyEnv()
	assert.Equal(t, cfg.Client.DisplayName, "Host")
	assert.Equal(t, cfg.Registry.Backend, "nats")
	assert.Equal(t, cfg.Sync.ConnectTimeout, 2*time.Second)
	assert.Equal(t, cfg.History.JetStream, true)
}

func TestParseFlagsBuildsRequest(t *testing.T) {
	f, err := parseFlags([]string{"--merge", "l-abc234", "--password", "pw"})
	assert.Equal(t, err, nil)
	req := f.request("Ada")
	assert.Equal(t, req.JoinChoice, models.JoinChoiceMerge)
	assert.Equal(t, req.RoomCode, "l-abc234")
	assert.Equal(t, req.Password, "pw")
	assert.Equal(t, req.DisplayName, "Ada")

	f, err = parseFlags(nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, f.request("Ada") == nil, true)

	_, err = parseFlags([]string{"--create", "--join", "ABC234"})
	assert.NotEqual(t, err, nil)
}
