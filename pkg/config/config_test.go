package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 3, cfg.MissedHeartbeatsThreshold)
	require.Equal(t, 5*time.Second, cfg.TypingTimeout)
	require.Equal(t, 24*time.Hour, cfg.MessageTTL)
	require.Equal(t, 50*time.Millisecond, cfg.DefaultChunkDelay)
	require.False(t, cfg.Redis.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9999"
typing_timeout_seconds: 2
message_queue_max_size: 7
redis:
  enabled: true
  addr: "redis:6379"
auth:
  mode: jwt
  jwt_secret: hunter2
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.ListenAddr)
	require.Equal(t, 2*time.Second, cfg.TypingTimeout)
	require.Equal(t, 7, cfg.MessageQueueMaxSize)
	require.True(t, cfg.Redis.Enabled)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, "jwt", cfg.Auth.Mode)
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("heartbeat_interval: 0\n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)

	path = filepath.Join(t.TempDir(), "relayd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  mode: jwt\n"), 0o600))
	_, err = Load(path)
	require.Error(t, err)

	path = filepath.Join(t.TempDir(), "relayd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("history:\n  driver: mongodb\n"), 0o600))
	_, err = Load(path)
	require.Error(t, err)
}
