package serial

import (
	"errors"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hicat-tech/livera-bridge/internal/metrics"
	"github.com/hicat-tech/livera-bridge/internal/model"
)

const (
	// DefaultReadBufferSize is the buffer size for one device read.
	DefaultReadBufferSize = 4096

	// maxChunksPerPoll bounds one Poll so a chatty device cannot pin the poller.
	maxChunksPerPoll = 64

	// maxZeroWrites is how many 0-byte writes Send tolerates before giving up.
	maxZeroWrites = 16
)

// State is the lifecycle state of a Channel.
type State int

const (
	StateUnopened State = iota
	StateOpen
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpen:
		return "open"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures a Channel.
type Options struct {
	Device string
	Baud   int
	Logger zerolog.Logger
}

// Stats is a snapshot of channel counters.
type Stats struct {
	Device    string    `json:"device"`
	Baud      int       `json:"baud"`
	State     string    `json:"state"`
	Opens     uint64    `json:"opens"`
	BytesIn   uint64    `json:"bytesIn"`
	BytesOut  uint64    `json:"bytesOut"`
	LastError string    `json:"lastError,omitempty"`
	OpenedAt  time.Time `json:"openedAt,omitempty"`
}

// Channel owns the single serial device handle. All methods are safe for
// concurrent use; sends are serialized so bytes of two messages never
// interleave on the wire.
type Channel struct {
	logger zerolog.Logger
	driver Driver
	device string
	baud   int

	mu       sync.Mutex
	dev      Device
	state    State
	lastErr  error
	opens    uint64
	bytesIn  uint64
	bytesOut uint64
	openedAt time.Time
	readBuf  []byte
}

// NewChannel creates an unopened channel for opts.Device.
func NewChannel(driver Driver, opts Options) *Channel {
	return &Channel{
		logger:  opts.Logger.With().Str("component", "serial").Str("device", opts.Device).Logger(),
		driver:  driver,
		device:  opts.Device,
		baud:    opts.Baud,
		state:   StateUnopened,
		readBuf: make([]byte, DefaultReadBufferSize),
	}
}

// EnsureOpen returns the open device, opening and configuring it first if
// needed. Concurrent callers share one open attempt. On failure the channel
// stays unopened and the caller decides when to retry.
func (c *Channel) EnsureOpen() (Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureOpenLocked()
}

func (c *Channel) ensureOpenLocked() (Device, error) {
	switch c.state {
	case StateClosed:
		return nil, model.ErrChannelClosed
	case StateOpen:
		return c.dev, nil
	}

	dev, err := c.driver.Open(c.device)
	if err != nil {
		return nil, c.openFailedLocked(err)
	}

	if err := c.driver.Configure(dev, c.baud); err != nil {
		dev.Close()
		return nil, c.openFailedLocked(err)
	}

	c.dev = dev
	c.state = StateOpen
	c.opens++
	c.openedAt = time.Now()
	metrics.SerialOpens.Inc()

	c.logger.Info().Int("baud", c.baud).Uint64("opens", c.opens).Msg("serial device opened")
	return dev, nil
}

func (c *Channel) openFailedLocked(err error) error {
	c.lastErr = err
	metrics.SerialErrors.WithLabelValues(string(model.SerialOpenFailed)).Inc()
	return &model.SerialError{Kind: model.SerialOpenFailed, Device: c.device, Err: err}
}

// Send writes p to the device, retrying partial writes until drained. A
// hard error closes the handle and moves the channel to StateError; the
// next Send reopens it.
func (c *Channel) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dev, err := c.ensureOpenLocked()
	if err != nil {
		return err
	}

	zeroWrites := 0
	for len(p) > 0 {
		n, err := dev.Write(p)
		if n > 0 {
			c.bytesOut += uint64(n)
			metrics.SerialBytes.WithLabelValues("out").Add(float64(n))
			p = p[n:]
			zeroWrites = 0
		}
		if err != nil {
			return c.failLocked(model.SerialWriteFailed, err)
		}
		if n == 0 {
			zeroWrites++
			if zeroWrites >= maxZeroWrites {
				return c.failLocked(model.SerialWriteFailed, io.ErrShortWrite)
			}
		}
	}

	return nil
}

// Poll returns the chunks currently available from the device. Each call
// is finite and may be repeated. A read failure is yielded once as a
// SerialError and closes the handle. An unopened channel yields nothing.
func (c *Channel) Poll() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for range maxChunksPerPoll {
			chunk, err := c.readOnce()
			if err != nil {
				yield(nil, err)
				return
			}
			if chunk == nil {
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func (c *Channel) readOnce() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOpen {
		return nil, nil
	}

	n, err := c.dev.Read(c.readBuf)
	if err != nil {
		return nil, c.failLocked(model.SerialReadFailed, err)
	}
	if n == 0 {
		return nil, nil
	}

	c.bytesIn += uint64(n)
	metrics.SerialBytes.WithLabelValues("in").Add(float64(n))

	chunk := make([]byte, n)
	copy(chunk, c.readBuf[:n])
	return chunk, nil
}

func (c *Channel) failLocked(kind model.SerialErrorKind, err error) error {
	if c.dev != nil {
		if cerr := c.dev.Close(); cerr != nil {
			c.logger.Debug().Err(cerr).Msg("failed to close serial device after error")
		}
		c.dev = nil
	}
	c.state = StateError
	c.lastErr = err
	metrics.SerialErrors.WithLabelValues(string(kind)).Inc()

	return &model.SerialError{Kind: kind, Device: c.device, Err: err}
}

// Close releases the device. It is idempotent and terminal.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed

	if c.dev == nil {
		return nil
	}
	err := c.dev.Close()
	c.dev = nil
	c.logger.Info().Msg("serial device closed")
	return err
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Device:   c.device,
		Baud:     c.baud,
		State:    c.state.String(),
		Opens:    c.opens,
		BytesIn:  c.bytesIn,
		BytesOut: c.bytesOut,
		OpenedAt: c.openedAt,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// IsClosed reports whether err means the channel was shut down.
func IsClosed(err error) bool {
	return errors.Is(err, model.ErrChannelClosed)
}
