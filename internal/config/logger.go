package config

import (
	"fmt"
	"strings"
)

// LoggerConfig contains logger configuration settings.
type LoggerConfig struct {
	// Level sets the minimum log level. Valid values are:
	// "debug", "info", "warn", "error", "disabled"
	Level string `yaml:"level"`

	// Syslog routes logs to the local syslog daemon. Forced on when daemonized.
	Syslog bool `yaml:"syslog"`
}

func (c *LoggerConfig) hydrateLoggerDefaults() {
	if c.Level == "" {
		c.Level = DefaultLogLevel
	}
}

// Validate ensures the logger configuration is valid.
func (c LoggerConfig) Validate() error {
	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "error", "disabled":
		return nil
	default:
		return fmt.Errorf("invalid log level: %s", c.Level)
	}
}

// libwebsockets log level bits, as accepted by --debug.
const (
	lwsErr    = 1 << 0
	lwsWarn   = 1 << 1
	lwsNotice = 1 << 2
	lwsInfo   = 1 << 3
	lwsDebug  = 1 << 4
)

// LevelFromDebugMask maps an lws-style debug bitfield to a level name.
// The most verbose bit set wins; 0 disables logging.
func LevelFromDebugMask(mask int) string {
	switch {
	case mask&lwsDebug != 0:
		return "debug"
	case mask&(lwsInfo|lwsNotice) != 0:
		return "info"
	case mask&lwsWarn != 0:
		return "warn"
	case mask&lwsErr != 0:
		return "error"
	default:
		return "disabled"
	}
}
