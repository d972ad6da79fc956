package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------

const validYAML = `
name: test-streamer
host: 127.0.0.1
port: 8080
log_level: debug
storage:
  db_type: sqlite
  db_path: /tmp/test.db
upstream:
  simulated: true
  accounts:
    - id: acc-1
      capacity: 100
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// -----------------------------------------------------------------------------

func TestNewConfigAppliesDefaults(t *testing.T) {
	cfg, err := NewConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "test-streamer", cfg.Name)
	assert.Equal(t, "memory", cfg.Bus.Backend)
	assert.Equal(t, 1024, cfg.Bus.BufferSize)
	assert.Equal(t, 16, cfg.Registry.Shards)
	assert.Equal(t, 90, cfg.Registry.HeartbeatTimeout)
	assert.Equal(t, 5, cfg.Upstream.CallTimeout)
	assert.Equal(t, 300, cfg.Reconcile.Interval)
	assert.Equal(t, 24*60, cfg.Reconcile.MaxRangePerRun)
}

// -----------------------------------------------------------------------------

func TestNewConfigMissingFile(t *testing.T) {
	_, err := NewConfig("/does/not/exist.yaml")
	assert.Error(t, err)
}

// -----------------------------------------------------------------------------

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing name", `
host: 127.0.0.1
port: 8080
storage: {db_type: sqlite, db_path: /tmp/x.db}
upstream: {simulated: true, accounts: [{id: a, capacity: 1}]}
`},
		{"privileged port", `
name: x
host: 127.0.0.1
port: 80
storage: {db_type: sqlite, db_path: /tmp/x.db}
upstream: {simulated: true, accounts: [{id: a, capacity: 1}]}
`},
		{"postgres without connection string", `
name: x
host: 127.0.0.1
port: 8080
storage: {db_type: postgres}
upstream: {simulated: true, accounts: [{id: a, capacity: 1}]}
`},
		{"unknown bus backend", `
name: x
host: 127.0.0.1
port: 8080
storage: {db_type: sqlite, db_path: /tmp/x.db}
bus: {backend: carrier-pigeon}
upstream: {simulated: true, accounts: [{id: a, capacity: 1}]}
`},
		{"no upstream accounts", `
name: x
host: 127.0.0.1
port: 8080
storage: {db_type: sqlite, db_path: /tmp/x.db}
upstream: {simulated: true}
`},
		{"zero capacity account", `
name: x
host: 127.0.0.1
port: 8080
storage: {db_type: sqlite, db_path: /tmp/x.db}
upstream: {simulated: true, accounts: [{id: a, capacity: 0}]}
`},
		{"live account without url", `
name: x
host: 127.0.0.1
port: 8080
storage: {db_type: sqlite, db_path: /tmp/x.db}
upstream: {simulated: false, accounts: [{id: a, capacity: 1}]}
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConfig(writeConfig(t, tc.yaml))
			assert.Error(t, err)
		})
	}
}

// -----------------------------------------------------------------------------

func TestSaveRoundTrips(t *testing.T) {
	cfg, err := NewConfig(writeConfig(t, validYAML))
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, cfg.Save(out))

	reloaded, err := NewConfig(out)
	require.NoError(t, err)
	assert.Equal(t, cfg.Name, reloaded.Name)
	assert.Equal(t, cfg.Upstream.Accounts, reloaded.Upstream.Accounts)
}
