package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hicat-tech/livera-bridge/internal/config"
)

// flags holds the raw command line values. Only flags the user set
// override the config file.
type flags struct {
	configPath string
	port       int
	iface      string
	uri        string
	passphrase string
	debug      int
	times      int
	daemonize  bool
	device     string
	baud       int
	cert       string
	key        string
	maxPayload int
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	cmd := &cobra.Command{
		Use:   "lwsts",
		Short: "WebSocket to serial bridge",
		Long: `lwsts bridges WebSocket clients to a single serial device.
Messages from any client are written to the device whole; everything the
device sends is broadcast to every connected client.`,
		Args:          cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := buildConfig(cmd, f)
			if err != nil {
				return err
			}

			if f.daemonize && !isDaemonChild() {
				pid, err := daemonize()
				if err != nil {
					return fmt.Errorf("daemonize: %w", err)
				}
				fmt.Fprintf(os.Stdout, "lwsts started, pid %d\n", pid)
				return nil
			}

			logger, err := newLogger(cfg.Logger, f.daemonize)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg, logger); err != nil {
				logger.Error().Err(err).Msg("bridge failed")
				return err
			}
			return nil
		},
	}
	bindFlags(cmd, f)
	return cmd
}

func bindFlags(cmd *cobra.Command, f *flags) {
	fs := cmd.Flags()
	fs.StringVarP(&f.configPath, "config", "c", "", "path to a YAML config file")
	fs.IntVarP(&f.port, "port", "p", config.DefaultPort, "port to listen on")
	fs.StringVarP(&f.iface, "interface", "i", "", "interface name or address to bind")
	fs.StringVarP(&f.uri, "uri", "u", config.DefaultPath, "WebSocket endpoint path")
	fs.StringVarP(&f.passphrase, "passphrase", "P", "", "passphrase of an encrypted TLS key")
	fs.IntVarP(&f.debug, "debug", "d", 15, "log level bitfield (1 err, 2 warn, 4 notice, 8 info, 16 debug)")
	fs.IntVarP(&f.times, "times", "n", config.DefaultEchoLimit, "messages per session before it is closed, -1 for unlimited")
	fs.BoolVarP(&f.daemonize, "daemonize", "D", false, "detach and log to syslog")
	fs.StringVar(&f.device, "device", config.DefaultDevice, "serial device path")
	fs.IntVar(&f.baud, "baud", config.DefaultBaud, "serial baud rate")
	fs.StringVar(&f.cert, "cert", "", "TLS certificate file")
	fs.StringVar(&f.key, "key", "", "TLS private key file")
	fs.IntVar(&f.maxPayload, "max-payload", config.DefaultMaxPayload, "largest accepted message in bytes")
}

// buildConfig loads the config file, if any, applies the flags the user
// set and validates the result.
func buildConfig(cmd *cobra.Command, f *flags) (config.BridgeConfig, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.LoadFromYAML(f.configPath)
		if err != nil {
			return config.BridgeConfig{}, err
		}
		cfg = loaded
	}

	changed := cmd.Flags().Changed
	if changed("port") {
		cfg.Listen.Port = f.port
	}
	if changed("interface") {
		cfg.Listen.Interface = f.iface
	}
	if changed("uri") {
		cfg.Listen.Path = f.uri
		if !strings.HasPrefix(cfg.Listen.Path, "/") {
			cfg.Listen.Path = "/" + cfg.Listen.Path
		}
	}
	if changed("passphrase") {
		cfg.TLS.KeyPassphrase = f.passphrase
	}
	if changed("debug") {
		cfg.Logger.Level = config.LevelFromDebugMask(f.debug)
	}
	if changed("times") {
		times := f.times
		cfg.Session.EchoLimit = &times
	}
	if changed("daemonize") && f.daemonize {
		cfg.Logger.Syslog = true
	}
	if changed("device") {
		cfg.Serial.Device = f.device
	}
	if changed("baud") {
		cfg.Serial.Baud = f.baud
	}
	if changed("cert") {
		cfg.TLS.CertFile = f.cert
	}
	if changed("key") {
		cfg.TLS.KeyFile = f.key
	}
	if changed("max-payload") {
		cfg.Session.MaxPayload = f.maxPayload
	}

	if err := cfg.Validate(); err != nil {
		return config.BridgeConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
