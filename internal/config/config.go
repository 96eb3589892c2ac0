// Package config holds the resolved bridge configuration.
//
// Configuration is read from an optional YAML file, defaults are hydrated
// for unset fields, CLI flags override file values, and the result is
// validated once. A BridgeConfig is read-only after Load returns.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

/* --------------------------------- Defaults -------------------------------- */

const (
	DefaultPort          = 7681
	DefaultPath          = "/"
	DefaultDevice        = "/dev/ttyAMA1"
	DefaultBaud          = 115200
	DefaultMaxPayload    = 1024
	DefaultEchoLimit     = -1
	DefaultSendQueue     = 256
	DefaultPollInterval  = 10 * time.Millisecond
	DefaultWriteTimeout  = 2 * time.Second
	DefaultDrainTimeout  = 5 * time.Second
	DefaultPingPeriod    = 54 * time.Second
	DefaultPongWait      = 60 * time.Second
	DefaultLogLevel      = "info"
	DefaultSyslogTag     = "lwsts"
	DefaultMetricsEnable = true
)

// FrameType selects the WebSocket opcode for serial output.
type FrameType string

const (
	FrameTypeAuto   FrameType = "auto"
	FrameTypeText   FrameType = "text"
	FrameTypeBinary FrameType = "binary"
)

/* --------------------------------- Config Structs -------------------------------- */

type (
	// BridgeConfig is the top level configuration of the bridge.
	BridgeConfig struct {
		Listen   ListenConfig   `yaml:"listen"`
		TLS      TLSConfig      `yaml:"tls"`
		Serial   SerialConfig   `yaml:"serial"`
		Session  SessionConfig  `yaml:"session"`
		Logger   LoggerConfig   `yaml:"logger"`
		Metrics  MetricsConfig  `yaml:"metrics"`
		History  HistoryConfig  `yaml:"history"`
		Capture  CaptureConfig  `yaml:"capture"`
		Shutdown ShutdownConfig `yaml:"shutdown"`
	}

	ListenConfig struct {
		// Interface is an IP address or a network interface name. Empty binds all.
		Interface string `yaml:"interface"`
		Port      int    `yaml:"port"`
		Path      string `yaml:"path"`
	}

	TLSConfig struct {
		CertFile      string `yaml:"cert_file"`
		KeyFile       string `yaml:"key_file"`
		KeyPassphrase string `yaml:"key_passphrase"`
	}

	SerialConfig struct {
		Device            string        `yaml:"device"`
		Baud              int           `yaml:"baud"`
		PollInterval      time.Duration `yaml:"poll_interval"`
		WriteTimeout      time.Duration `yaml:"write_timeout"`
		OpenOnStart       *bool         `yaml:"open_on_start"`
		ReconnectInterval time.Duration `yaml:"reconnect_interval"`
		FrameType         FrameType     `yaml:"frame_type"`
	}

	SessionConfig struct {
		MaxPayload  int           `yaml:"max_payload"`
		EchoLimit   *int          `yaml:"echo_limit"`
		SendQueue   int           `yaml:"send_queue"`
		ReplayBytes int           `yaml:"replay_bytes"`
		PingPeriod  time.Duration `yaml:"ping_period"`
		PongWait    time.Duration `yaml:"pong_wait"`
	}

	MetricsConfig struct {
		Enabled *bool `yaml:"enabled"`
	}

	HistoryConfig struct {
		// DBPath enables the sqlite session journal when set.
		DBPath string `yaml:"db_path"`
	}

	CaptureConfig struct {
		// Path enables asciinema-format traffic capture when set.
		Path string `yaml:"path"`
	}

	ShutdownConfig struct {
		DrainTimeout time.Duration `yaml:"drain_timeout"`
	}
)

// Default returns a BridgeConfig with every default applied.
func Default() BridgeConfig {
	var c BridgeConfig
	c.hydrateDefaults()
	return c
}

// LoadFromYAML reads a YAML configuration file and hydrates defaults.
// It does not validate; callers apply overrides first and then Validate.
func LoadFromYAML(path string) (BridgeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BridgeConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var c BridgeConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return BridgeConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	c.hydrateDefaults()
	return c, nil
}

/* --------------------------------- Accessors -------------------------------- */

// OpenOnStart reports whether the serial device is opened at startup.
func (c BridgeConfig) OpenOnStart() bool {
	return c.Serial.OpenOnStart == nil || *c.Serial.OpenOnStart
}

// EchoLimit returns the per-session message budget, -1 when unlimited.
func (c BridgeConfig) EchoLimit() int {
	if c.Session.EchoLimit == nil {
		return DefaultEchoLimit
	}
	return *c.Session.EchoLimit
}

// MetricsEnabled reports whether /metrics is served.
func (c BridgeConfig) MetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}

// TLSEnabled reports whether the listener terminates TLS.
func (c BridgeConfig) TLSEnabled() bool {
	return c.TLS.CertFile != "" || c.TLS.KeyFile != ""
}

// ListenAddr resolves the host:port to bind. An interface name is resolved
// to its first address.
func (c BridgeConfig) ListenAddr() (string, error) {
	host, err := resolveInterface(c.Listen.Interface)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Listen.Port)), nil
}

func resolveInterface(name string) (string, error) {
	if name == "" {
		return "", nil
	}
	if ip := net.ParseIP(name); ip != nil {
		return ip.String(), nil
	}

	iface, err := net.InterfaceByName(name)
	if err != nil {
		return "", fmt.Errorf("resolve interface %q: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return "", fmt.Errorf("list addresses of %q: %w", name, err)
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok {
			return ipnet.IP.String(), nil
		}
	}
	return "", fmt.Errorf("interface %q has no address", name)
}

/* --------------------------------- Hydration -------------------------------- */

func (c *BridgeConfig) hydrateDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if c.Listen.Path == "" {
		c.Listen.Path = DefaultPath
	}
	if !strings.HasPrefix(c.Listen.Path, "/") {
		c.Listen.Path = "/" + c.Listen.Path
	}

	if c.Serial.Device == "" {
		c.Serial.Device = DefaultDevice
	}
	if c.Serial.Baud == 0 {
		c.Serial.Baud = DefaultBaud
	}
	if c.Serial.PollInterval == 0 {
		c.Serial.PollInterval = DefaultPollInterval
	}
	if c.Serial.WriteTimeout == 0 {
		c.Serial.WriteTimeout = DefaultWriteTimeout
	}
	if c.Serial.FrameType == "" {
		c.Serial.FrameType = FrameTypeAuto
	}

	if c.Session.MaxPayload == 0 {
		c.Session.MaxPayload = DefaultMaxPayload
	}
	if c.Session.SendQueue == 0 {
		c.Session.SendQueue = DefaultSendQueue
	}
	if c.Session.PingPeriod == 0 {
		c.Session.PingPeriod = DefaultPingPeriod
	}
	if c.Session.PongWait == 0 {
		c.Session.PongWait = DefaultPongWait
	}

	if c.Shutdown.DrainTimeout == 0 {
		c.Shutdown.DrainTimeout = DefaultDrainTimeout
	}

	c.Logger.hydrateLoggerDefaults()
}

/* --------------------------------- Validation -------------------------------- */

// Validate checks the configuration for values the bridge cannot run with.
func (c BridgeConfig) Validate() error {
	var errs []error

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if err := validatePath(c.Listen.Path); err != nil {
		errs = append(errs, err)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}
	if c.TLS.KeyPassphrase != "" && c.TLS.KeyFile == "" {
		errs = append(errs, errors.New("tls.key_passphrase requires tls.key_file"))
	}

	if c.Serial.Device == "" {
		errs = append(errs, errors.New("serial.device is required"))
	}
	if c.Serial.Baud <= 0 {
		errs = append(errs, fmt.Errorf("serial.baud %d must be positive", c.Serial.Baud))
	}
	if c.Serial.PollInterval < 0 || c.Serial.ReconnectInterval < 0 {
		errs = append(errs, errors.New("serial intervals must not be negative"))
	}
	switch c.Serial.FrameType {
	case FrameTypeAuto, FrameTypeText, FrameTypeBinary:
	default:
		errs = append(errs, fmt.Errorf("serial.frame_type %q is not one of auto, text, binary", c.Serial.FrameType))
	}

	if c.Session.MaxPayload <= 0 {
		errs = append(errs, fmt.Errorf("session.max_payload %d must be positive", c.Session.MaxPayload))
	}
	if limit := c.EchoLimit(); limit < -1 || limit == 0 {
		errs = append(errs, fmt.Errorf("session.echo_limit %d must be -1 or positive", limit))
	}
	if c.Session.SendQueue <= 0 {
		errs = append(errs, fmt.Errorf("session.send_queue %d must be positive", c.Session.SendQueue))
	}
	if c.Session.ReplayBytes < 0 {
		errs = append(errs, errors.New("session.replay_bytes must not be negative"))
	}
	if c.Session.PingPeriod >= c.Session.PongWait {
		errs = append(errs, errors.New("session.ping_period must be shorter than session.pong_wait"))
	}

	if err := c.Logger.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// validatePath rejects WebSocket paths the router would read as a pattern
// or that fall inside the built-in route tree.
func validatePath(path string) error {
	if strings.ContainsAny(path, ":*") {
		return fmt.Errorf("listen.path %q must not contain ':' or '*'", path)
	}
	for _, reserved := range ReservedPaths {
		if path == reserved {
			return fmt.Errorf("listen.path %q collides with a built-in endpoint", path)
		}
	}
	if path == apiPrefix || strings.HasPrefix(path, apiPrefix+"/") {
		return fmt.Errorf("listen.path %q collides with the %s routes", path, apiPrefix)
	}
	return nil
}

const apiPrefix = "/api"

// ReservedPaths are routes served by the bridge besides the WebSocket endpoint.
var ReservedPaths = []string{"/health", "/metrics", "/api/sessions", "/api/sessions/history", "/api/serial", "/api/capture"}
