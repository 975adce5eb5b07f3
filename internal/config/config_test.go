package config

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/modflux/acquisitiond/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
connections:
  - conn_id: plc1
    kind: tcp
    host: 127.0.0.1
    port: 502
    slave_id: 1
    register_type: holding
    byte_order: ABCD
    poll_interval_ms: 1000
    timeout_ms: 2000
    devices:
      - device_id: d1
        poll_mode: periodic
        read_blocks:
          - {start: 0, count: 4}
        parameters:
          - code: temp
            data_type: float32
            addresses: [0]
            scale: 1
            precision: 2
            on_change: true
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestProvider_LoadsValidConfig(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	p, err := NewProvider(path, nil)
	require.NoError(t, err)

	cfg := p.GetSnapshot()
	require.Len(t, cfg.Connections, 1)
	conn := cfg.Connections[0]
	assert.Equal(t, "plc1", conn.ConnID)
	assert.EqualValues(t, 1000*time.Millisecond, conn.PollInterval)
	require.Len(t, conn.Devices, 1)
	require.Len(t, conn.Devices[0].Parameters, 1)
	assert.Equal(t, "temp", conn.Devices[0].Parameters[0].Code)
}

func TestProvider_RejectsInvalidKind(t *testing.T) {
	bad := `
connections:
  - conn_id: plc1
    kind: carrier-pigeon
`
	path := writeTemp(t, bad)
	_, err := NewProvider(path, nil)
	require.Error(t, err)
}

func TestProvider_WatchReloadsOnFileChange(t *testing.T) {
	path := writeTemp(t, sampleYAML)
	p, err := NewProvider(path, nil)
	require.NoError(t, err)

	changed := make(chan model.Config, 4)
	stop, err := p.Watch(func(cfg model.Config) { changed <- cfg })
	require.NoError(t, err)
	defer stop()

	// Rewrite the file with a different poll interval; the watcher should
	// pick it up and push a new snapshot through onChange.
	require.NoError(t, os.WriteFile(path, []byte(sampleYAMLWithInterval(2000)), 0o644))

	select {
	case cfg := <-changed:
		require.Len(t, cfg.Connections, 1)
		assert.EqualValues(t, 2000*time.Millisecond, cfg.Connections[0].PollInterval)
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not observe the file change in time")
	}
}

func TestProvider_RejectsParameterAddressNotCoveredByReadBlock(t *testing.T) {
	bad := `
connections:
  - conn_id: plc1
    kind: tcp
    host: 127.0.0.1
    port: 502
    slave_id: 1
    register_type: holding
    byte_order: ABCD
    poll_interval_ms: 1000
    timeout_ms: 2000
    devices:
      - device_id: d1
        poll_mode: periodic
        read_blocks:
          - {start: 0, count: 4}
        parameters:
          - code: temp
            data_type: float32
            addresses: [10]
            scale: 1
            precision: 2
`
	path := writeTemp(t, bad)
	_, err := NewProvider(path, nil)
	require.Error(t, err)
}

func TestProvider_RejectsOverlappingReadBlocks(t *testing.T) {
	bad := `
connections:
  - conn_id: plc1
    kind: tcp
    host: 127.0.0.1
    port: 502
    slave_id: 1
    register_type: holding
    byte_order: ABCD
    poll_interval_ms: 1000
    timeout_ms: 2000
    devices:
      - device_id: d1
        poll_mode: periodic
        read_blocks:
          - {start: 0, count: 4}
          - {start: 2, count: 4}
        parameters:
          - code: temp
            data_type: float32
            addresses: [0]
            scale: 1
            precision: 2
`
	path := writeTemp(t, bad)
	_, err := NewProvider(path, nil)
	require.Error(t, err)
}

func sampleYAMLWithInterval(ms int) string {
	return `
connections:
  - conn_id: plc1
    kind: tcp
    host: 127.0.0.1
    port: 502
    slave_id: 1
    register_type: holding
    byte_order: ABCD
    poll_interval_ms: ` + itoa(ms) + `
    timeout_ms: 2000
    devices:
      - device_id: d1
        poll_mode: periodic
        read_blocks:
          - {start: 0, count: 4}
        parameters:
          - code: temp
            data_type: float32
            addresses: [0]
            scale: 1
            precision: 2
            on_change: true
`
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
