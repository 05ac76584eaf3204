package trunkline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telopt/trunkline/pkg/wire"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, 4569, cfg.Port)
	assert.Equal(t, 4, cfg.RetransCount)
	assert.Equal(t, 500, cfg.RetransIntervalMS)
	assert.Equal(t, wire.FormatULAW, cfg.DefaultFormat)
	assert.NotZero(t, cfg.Capability&wire.FormatULAW)
	require.NoError(t, cfg.Validate())
}

func TestReadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trunkline.conf")
	content := `
port = 4570
retrans_count = 2
retrans_interval_ms = 100
auth_secret = "opensesame"
log = ""
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg := NewConfig()
	require.NoError(t, cfg.ReadConfigFromFile(path))
	assert.Equal(t, 4570, cfg.Port)
	assert.Equal(t, 2, cfg.RetransCount)
	assert.Equal(t, 100, cfg.RetransIntervalMS)
	assert.Equal(t, "opensesame", cfg.AuthSecret)
	// untouched values keep their defaults
	assert.Equal(t, 1400, cfg.MaxFullFramePayload)
}

func TestReadConfigMissingFile(t *testing.T) {
	cfg := NewConfig()
	err := cfg.ReadConfigFromFile(filepath.Join(t.TempDir(), "nope.conf"))
	assert.True(t, os.IsNotExist(err))
}

func TestConfigValidate(t *testing.T) {
	cfg := NewConfig()
	cfg.Port = 70000
	assert.Error(t, cfg.Validate())

	cfg = NewConfig()
	cfg.RetransIntervalMS = 0
	assert.Error(t, cfg.Validate())

	cfg = NewConfig()
	cfg.Capability = 0
	assert.Error(t, cfg.Validate())
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "trunkline.conf")
	cfg := NewConfig()
	require.NoError(t, cfg.CreateDefaultConfigFile(path))

	loaded := NewConfig()
	require.NoError(t, loaded.ReadConfigFromFile(path))
	assert.Equal(t, cfg.Port, loaded.Port)
}

func TestPingIntervalDerivation(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, uint64(4000), cfg.pingIntervalMS())

	cfg.PingIntervalS = 7
	assert.Equal(t, uint64(7000), cfg.pingIntervalMS())
}
