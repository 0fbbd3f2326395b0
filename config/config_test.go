package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadParsesStreamsAndSpool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "uplink.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
bridge_port = 5555
max_packet_size = 65536

[streams.can]
topic = "telemetry/can"
buf_size = 100

[spool]
dir = "/tmp/uplink-spool"
segment_bytes = 1048576
max_segments = 5

[transport]
brokers = ["localhost:9092"]
client_id = "uplink-agent"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.EqualValues(t, 5555, cfg.BridgePort)
	assert.Equal(t, 65536, cfg.MaxPacketSize)
	require.Contains(t, cfg.Streams, "can")
	assert.Equal(t, "telemetry/can", cfg.Streams["can"].Topic)
	assert.Equal(t, 100, cfg.Streams["can"].BufSize)
	assert.EqualValues(t, 1048576, cfg.Spool.SegmentBytes)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Transport.Brokers)
}

func TestLoadRequiresBridgePort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "uplink.toml")
	require.NoError(t, os.WriteFile(path, []byte(`max_packet_size = 1024`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
