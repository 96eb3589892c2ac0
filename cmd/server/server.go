package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hicat-tech/livera-bridge/api/handlers"
	"github.com/hicat-tech/livera-bridge/internal/bridge"
	"github.com/hicat-tech/livera-bridge/internal/buffer"
	"github.com/hicat-tech/livera-bridge/internal/capture"
	"github.com/hicat-tech/livera-bridge/internal/config"
	"github.com/hicat-tech/livera-bridge/internal/db"
	"github.com/hicat-tech/livera-bridge/internal/metrics"
	"github.com/hicat-tech/livera-bridge/internal/repository"
	"github.com/hicat-tech/livera-bridge/internal/serial"
	"github.com/hicat-tech/livera-bridge/internal/session"
	"github.com/hicat-tech/livera-bridge/internal/ws"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// components are the long-lived parts of a running bridge.
type components struct {
	dispatcher *bridge.Dispatcher
	router     *gin.Engine
	closers    []func() error
}

func (c *components) close(logger zerolog.Logger) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			logger.Warn().Err(err).Msg("failed to release resource")
		}
	}
}

// build wires serial, sessions, optional journal and capture, and the HTTP
// routes. On error everything opened so far is released.
func build(cfg config.BridgeConfig, driver serial.Driver, logger zerolog.Logger) (c *components, err error) {
	c = &components{}
	defer func() {
		if err != nil {
			c.close(logger)
		}
	}()

	var (
		history  *repository.HistoryRepository
		observer session.Observer
	)
	if cfg.History.DBPath != "" {
		database, err := db.Open(cfg.History.DBPath)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, database.Close)
		history = repository.NewHistoryRepository(database)
		observer = repository.NewJournal(history, logger)
		logger.Info().Str("path", cfg.History.DBPath).Msg("session journal enabled")
	}

	var recorder *capture.Recorder
	if cfg.Capture.Path != "" {
		recorder, err = capture.Create(cfg.Capture.Path, cfg.Serial.Device, cfg.Serial.Baud)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, recorder.Close)
		logger.Info().Str("path", cfg.Capture.Path).Msg("traffic capture enabled")
	}

	var replay *buffer.RingBuffer
	if cfg.Session.ReplayBytes > 0 {
		replay = buffer.NewRingBuffer(cfg.Session.ReplayBytes)
	}

	channel := serial.NewChannel(driver, serial.Options{
		Device: cfg.Serial.Device,
		Baud:   cfg.Serial.Baud,
		Logger: logger,
	})
	registry := session.NewRegistry(session.Options{
		MaxPayload: cfg.Session.MaxPayload,
		SendQueue:  cfg.Session.SendQueue,
		EchoLimit:  cfg.EchoLimit(),
		Logger:     logger,
		Observer:   observer,
	})
	c.dispatcher = bridge.New(channel, registry, bridge.Options{
		MaxPayload:        cfg.Session.MaxPayload,
		PollInterval:      cfg.Serial.PollInterval,
		ReconnectInterval: cfg.Serial.ReconnectInterval,
		DrainTimeout:      cfg.Shutdown.DrainTimeout,
		OpenOnStart:       cfg.OpenOnStart(),
		Logger:            logger,
		Replay:            replay,
		Capture:           recorder,
		HoldPartialRunes:  cfg.Serial.FrameType == config.FrameTypeAuto,
	})

	wsHandler := ws.NewHandler(c.dispatcher, ws.Options{
		MaxPayload:   cfg.Session.MaxPayload,
		FrameType:    cfg.Serial.FrameType,
		WriteTimeout: cfg.Serial.WriteTimeout,
		PingPeriod:   cfg.Session.PingPeriod,
		PongWait:     cfg.Session.PongWait,
		Logger:       logger,
	})

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger), corsMiddleware())

	api := r.Group("/api")
	handlers.NewSessionHandler(c.dispatcher, history).RegisterRoutes(api)
	handlers.NewStatusHandler(c.dispatcher, cfg.Capture.Path).RegisterRoutes(r, api)
	if cfg.MetricsEnabled() {
		r.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	handlers.NewWebSocketHandler(wsHandler).RegisterRoutes(r, cfg.Listen.Path)

	c.router = r
	return c, nil
}

// listen binds the configured address, wrapping it in TLS when enabled.
func listen(cfg config.BridgeConfig) (net.Listener, error) {
	addr, err := cfg.ListenAddr()
	if err != nil {
		return nil, err
	}

	var tlsConfig *tls.Config
	if cfg.TLSEnabled() {
		tlsConfig, err = loadTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.KeyPassphrase)
		if err != nil {
			return nil, err
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	return ln, nil
}

// run serves until ctx is done, then drains sessions and stops. It returns
// an error only when the bridge could not start or the server failed.
func run(ctx context.Context, cfg config.BridgeConfig, logger zerolog.Logger) error {
	ln, err := listen(cfg)
	if err != nil {
		return err
	}

	c, err := build(cfg, serial.NewUnixDriver(cfg.Serial.WriteTimeout), logger)
	if err != nil {
		ln.Close()
		return err
	}
	defer c.close(logger)

	return serve(ctx, ln, c, logger)
}

func serve(ctx context.Context, ln net.Listener, c *components, logger zerolog.Logger) error {
	server := &http.Server{
		Handler:           c.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", ln.Addr().String()).Msg("bridge listening")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return c.dispatcher.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// corsMiddleware lets browser clients on other origins read the status API.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
