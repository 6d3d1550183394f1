package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.Node.ID)
	assert.Equal(t, ":7420", cfg.Node.Listen)
	assert.Equal(t, "http://127.0.0.1:7420", cfg.Node.AdvertiseURL)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, int64(1<<20), cfg.Download.SegmentLength)
	assert.Equal(t, 2*time.Second, cfg.Gossip.MinDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Gossip.ScheduleDelay)
	assert.Equal(t, 1, cfg.Validation.Concurrency)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	body := `
node:
  id: node-a
  listen: ":9000"
  advertise_url: "http://a.example:9000/"
peers:
  - "http://b.example:9000/"
download:
  segment_length: 4096
  workers: 0
gossip:
  min_delay: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("PKGSWARM_TRANSFER_UPLOAD_SLOTS", "9")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Node.ID)
	assert.Equal(t, "http://a.example:9000", cfg.Node.AdvertiseURL)
	assert.Equal(t, []string{"http://b.example:9000"}, cfg.Peers)
	assert.Equal(t, int64(4096), cfg.Download.SegmentLength)
	assert.Equal(t, 1, cfg.Download.Workers)
	assert.Equal(t, 5*time.Second, cfg.Gossip.MinDelay)
	assert.Equal(t, 9, cfg.Transfer.UploadSlots)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad driver", "store:\n  driver: mysql\n"},
		{"postgres without dsn", "store:\n  driver: postgres\n"},
		{"bad peer", "peers:\n  - \"not a url\"\n"},
		{"zero segment length", "download:\n  segment_length: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}
