package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	c := Default()

	require.Equal(t, DefaultPort, c.Listen.Port)
	require.Equal(t, "/", c.Listen.Path)
	require.Equal(t, DefaultDevice, c.Serial.Device)
	require.Equal(t, DefaultBaud, c.Serial.Baud)
	require.Equal(t, FrameTypeAuto, c.Serial.FrameType)
	require.Equal(t, DefaultMaxPayload, c.Session.MaxPayload)
	require.Equal(t, -1, c.EchoLimit())
	require.True(t, c.OpenOnStart())
	require.True(t, c.MetricsEnabled())
	require.False(t, c.TLSEnabled())
	require.NoError(t, c.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
listen:
  port: 9000
  path: bridge
serial:
  device: /dev/ttyUSB0
  baud: 57600
  open_on_start: false
  reconnect_interval: 2s
  frame_type: binary
session:
  max_payload: 4096
  echo_limit: 3
logger:
  level: debug
history:
  db_path: /tmp/bridge.db
`)

	c, err := LoadFromYAML(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	require.Equal(t, 9000, c.Listen.Port)
	require.Equal(t, "/bridge", c.Listen.Path)
	require.Equal(t, "/dev/ttyUSB0", c.Serial.Device)
	require.Equal(t, 57600, c.Serial.Baud)
	require.False(t, c.OpenOnStart())
	require.Equal(t, 2*time.Second, c.Serial.ReconnectInterval)
	require.Equal(t, FrameTypeBinary, c.Serial.FrameType)
	require.Equal(t, 4096, c.Session.MaxPayload)
	require.Equal(t, 3, c.EchoLimit())
	require.Equal(t, "debug", c.Logger.Level)
	require.Equal(t, "/tmp/bridge.db", c.History.DBPath)

	// Unset fields are hydrated.
	require.Equal(t, DefaultSendQueue, c.Session.SendQueue)
	require.Equal(t, DefaultPollInterval, c.Serial.PollInterval)
}

func TestLoadFromYAML_Errors(t *testing.T) {
	_, err := LoadFromYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = LoadFromYAML(writeConfig(t, "listen: [not, a, map"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	zero := 0
	tests := []struct {
		name   string
		mutate func(*BridgeConfig)
		errMsg string
	}{
		{"port range", func(c *BridgeConfig) { c.Listen.Port = 70000 }, "listen.port"},
		{"reserved path", func(c *BridgeConfig) { c.Listen.Path = "/health" }, "collides"},
		{"catch-all path", func(c *BridgeConfig) { c.Listen.Path = "/*all" }, "must not contain"},
		{"param path", func(c *BridgeConfig) { c.Listen.Path = "/api/sessions/:other" }, "must not contain"},
		{"param segment", func(c *BridgeConfig) { c.Listen.Path = "/ws/:x" }, "must not contain"},
		{"api root", func(c *BridgeConfig) { c.Listen.Path = "/api" }, "collides"},
		{"under api", func(c *BridgeConfig) { c.Listen.Path = "/api/serial/raw" }, "collides"},
		{"cert without key", func(c *BridgeConfig) { c.TLS.CertFile = "cert.pem" }, "must be set together"},
		{"passphrase without key", func(c *BridgeConfig) { c.TLS.KeyPassphrase = "secret" }, "key_passphrase"},
		{"empty device", func(c *BridgeConfig) { c.Serial.Device = "" }, "serial.device"},
		{"bad baud", func(c *BridgeConfig) { c.Serial.Baud = -1 }, "serial.baud"},
		{"bad frame type", func(c *BridgeConfig) { c.Serial.FrameType = "utf16" }, "frame_type"},
		{"zero echo limit", func(c *BridgeConfig) { c.Session.EchoLimit = &zero }, "echo_limit"},
		{"bad max payload", func(c *BridgeConfig) { c.Session.MaxPayload = -5 }, "max_payload"},
		{"ping after pong", func(c *BridgeConfig) { c.Session.PingPeriod = time.Hour }, "ping_period"},
		{"bad log level", func(c *BridgeConfig) { c.Logger.Level = "loud" }, "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidate_AcceptsLiteralPaths(t *testing.T) {
	for _, path := range []string{"/", "/ws", "/serial/ttyAMA1", "/apiary"} {
		c := Default()
		c.Listen.Path = path
		require.NoError(t, c.Validate(), path)
	}
}

func TestValidate_JoinsErrors(t *testing.T) {
	c := Default()
	c.Listen.Port = 0
	c.Serial.Baud = 0

	err := c.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "listen.port")
	require.Contains(t, err.Error(), "serial.baud")
}

func TestLevelFromDebugMask(t *testing.T) {
	tests := []struct {
		mask int
		want string
	}{
		{0, "disabled"},
		{1, "error"},
		{3, "warn"},
		{7, "info"},
		{15, "info"},
		{31, "debug"},
		{16, "debug"},
		{8, "info"},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, LevelFromDebugMask(tt.mask), "mask %d", tt.mask)
	}
}

func TestListenAddr(t *testing.T) {
	c := Default()
	addr, err := c.ListenAddr()
	require.NoError(t, err)
	require.Equal(t, ":7681", addr)

	c.Listen.Interface = "127.0.0.1"
	addr, err = c.ListenAddr()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7681", addr)

	c.Listen.Interface = "::1"
	addr, err = c.ListenAddr()
	require.NoError(t, err)
	require.Equal(t, "[::1]:7681", addr)

	c.Listen.Interface = "no-such-iface0"
	_, err = c.ListenAddr()
	require.Error(t, err)
}
