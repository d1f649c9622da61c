package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerDefaults(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("WS_SEND_RATE", "2.5")
	t.Setenv("POLL_SESSION_TTL", "45s")

	cfg, err := LoadServer()

	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, 2.5, cfg.SendRate)
	assert.Equal(t, 45*time.Second, cfg.PollSessionTTL)
	assert.Equal(t, "forum.events", cfg.AMQPExchange)
}

func TestLoadServerRejectsBadValues(t *testing.T) {
	t.Setenv("WS_SEND_BURST", "many")

	_, err := LoadServer()

	assert.ErrorContains(t, err, "WS_SEND_BURST")
}

func TestLoadClientFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forumctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server: http://forum.internal:8083
sender_id: alice
flush_interval: 30s
transports: [polling]
store:
  driver: redis
  redis_addr: cache:6379
`), 0o600))
	t.Setenv("FORUMCTL_SENDER_ID", "bob")

	cfg, err := LoadClient(path)

	require.NoError(t, err)
	assert.Equal(t, "http://forum.internal:8083", cfg.Server)
	assert.Equal(t, "bob", cfg.SenderID)
	assert.Equal(t, 30*time.Second, cfg.FlushInterval)
	assert.Equal(t, []string{"polling"}, cfg.Transports)
	assert.Equal(t, StoreRedis, cfg.Store.Driver)
	assert.Equal(t, 10*time.Second, cfg.HistoryTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadClientMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadClient(filepath.Join(t.TempDir(), "absent.yaml"))

	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.FlushInterval)
	assert.Equal(t, StorePebble, cfg.Store.Driver)
}

func TestClientValidate(t *testing.T) {
	cfg := DefaultClient()
	assert.Error(t, cfg.Validate(), "sender id is required")

	cfg.SenderID = "alice"
	require.NoError(t, cfg.Validate())

	cfg.Transports = []string{"carrier-pigeon"}
	assert.Error(t, cfg.Validate())

	cfg = DefaultClient()
	cfg.SenderID = "alice"
	cfg.Store.Driver = "sqlite"
	assert.Error(t, cfg.Validate())
}
