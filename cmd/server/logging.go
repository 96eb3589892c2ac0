package main

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"github.com/hicat-tech/livera-bridge/internal/config"
)

// newLogger builds the process logger: syslog when daemonized or asked
// for, a console writer on a terminal, JSON lines otherwise.
func newLogger(cfg config.LoggerConfig, daemonized bool) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Logger{}, err
	}

	var out io.Writer
	switch {
	case daemonized || cfg.Syslog:
		w, err := syslogWriter(config.DefaultSyslogTag)
		if err != nil {
			return zerolog.Logger{}, err
		}
		out = w
	case isatty.IsTerminal(os.Stderr.Fd()):
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	default:
		out = os.Stderr
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// requestLogger logs every HTTP request after it was served.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	logger = logger.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("remote_addr", c.ClientIP()).
			Msg("request served")
	}
}
