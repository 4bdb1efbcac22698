package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2, cfg.Engine.NumWorkers)
	assert.Equal(t, 40000, cfg.PortRange().Min)
	assert.Equal(t, 49999, cfg.PortRange().Max)
	require.Len(t, cfg.Router.MediaCodecs, 2)
	assert.Equal(t, "audio/opus", cfg.Router.MediaCodecs[0].MimeType)
	assert.Equal(t, "42e01f", cfg.Router.MediaCodecs[1].Parameters["profile-level-id"])
	assert.NotEmpty(t, cfg.Transport.ListenIPs[0].IP)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sfu.yaml")
	data := `
http:
  listenAddr: ":9000"
engine:
  numWorkers: 4
  rtcMinPort: 50000
  rtcMaxPort: 50100
transport:
  listenIps:
    - ip: "10.0.0.5"
      announcedIp: "203.0.113.7"
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTP.ListenAddr)
	assert.Equal(t, "/ws", cfg.HTTP.WebSocketPath)
	assert.Equal(t, 4, cfg.Engine.NumWorkers)
	assert.Equal(t, 50000, cfg.Engine.RTCMinPort)
	assert.Equal(t, "203.0.113.7", cfg.Transport.ListenIPs[0].AnnouncedIP)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Кодеки, не указанные в файле, остаются по умолчанию
	assert.Len(t, cfg.Router.MediaCodecs, 2)

	opts := cfg.TransportOptions()
	assert.Equal(t, "10.0.0.5", opts.ListenIPs[0].IP)
	assert.True(t, opts.EnableUDP)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: [1, 2"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)

	path = filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  numWorkers: 0\n"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "numWorkers")
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.ApplyEnv(envMap(map[string]string{
		EnvListenAddr:  ":7000",
		EnvIP:          "192.0.2.10",
		EnvAnnouncedIP: "198.51.100.1",
		EnvLogLevel:    "warn",
		EnvNumWorkers:  "8",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.HTTP.ListenAddr)
	assert.Equal(t, "192.0.2.10", cfg.Transport.ListenIPs[0].IP)
	assert.Equal(t, "198.51.100.1", cfg.Transport.ListenIPs[0].AnnouncedIP)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 8, cfg.Engine.NumWorkers)
	assert.NoError(t, cfg.Validate())

	err = cfg.ApplyEnv(envMap(map[string]string{EnvNumWorkers: "many"}))
	assert.ErrorContains(t, err, EnvNumWorkers)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty listen addr", func(c *Config) { c.HTTP.ListenAddr = "" }, "listenAddr"},
		{"relative ws path", func(c *Config) { c.HTTP.WebSocketPath = "ws" }, "webSocketPath"},
		{"reversed ports", func(c *Config) { c.Engine.RTCMinPort, c.Engine.RTCMaxPort = 50000, 40000 }, "порт"},
		{"no codecs", func(c *Config) { c.Router.MediaCodecs = nil }, "mediaCodecs"},
		{"bad ip", func(c *Config) { c.Transport.ListenIPs[0].IP = "localhost" }, "listenIps[0]"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "loud"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
