// Package bridge relays reassembled WebSocket messages to the serial device
// and serial output to every live session.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gobwas/ws/wsflate"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hicat-tech/livera-bridge/internal/buffer"
	"github.com/hicat-tech/livera-bridge/internal/capture"
	"github.com/hicat-tech/livera-bridge/internal/metrics"
	"github.com/hicat-tech/livera-bridge/internal/model"
	"github.com/hicat-tech/livera-bridge/internal/reassembly"
	"github.com/hicat-tech/livera-bridge/internal/serial"
	"github.com/hicat-tech/livera-bridge/internal/session"
)

// State is the dispatcher lifecycle state.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Options configures a Dispatcher.
type Options struct {
	// MaxPayload bounds inflated messages; the reassembler bounds wire size.
	MaxPayload        int
	PollInterval      time.Duration
	ReconnectInterval time.Duration
	DrainTimeout      time.Duration
	OpenOnStart       bool
	Logger            zerolog.Logger

	// Replay, when set, keeps recent serial output for new sessions.
	Replay *buffer.RingBuffer
	// Capture, when set, records traffic in both directions.
	Capture *capture.Recorder

	// HoldPartialRunes delays a trailing incomplete UTF-8 sequence of a
	// serial chunk until the next poll, so text output is not split
	// mid-rune. A held tail is flushed on the next poll without data.
	HoldPartialRunes bool
}

// Dispatcher owns the serial channel and the session registry. Sessions
// feed it frames from their read loops; a single poll loop feeds serial
// output back to the sessions.
type Dispatcher struct {
	channel  *serial.Channel
	registry *session.Registry
	opts     Options
	logger   zerolog.Logger

	// mu orders Connect against the switch to Draining so no session
	// registers after the registry was closed.
	mu    sync.RWMutex
	state atomic.Int32

	// replayMu makes "replay history then live output" atomic for a new
	// session: a chunk is either in its history or in its queue, never both.
	replayMu sync.Mutex

	// partial is the held back tail of the last chunk. Poll loop only.
	partial []byte
}

// New creates a Dispatcher in the Running state.
func New(channel *serial.Channel, registry *session.Registry, opts Options) *Dispatcher {
	return &Dispatcher{
		channel:  channel,
		registry: registry,
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "dispatcher").Logger(),
	}
}

// State returns the lifecycle state.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// Channel returns the serial channel.
func (d *Dispatcher) Channel() *serial.Channel {
	return d.channel
}

// Registry returns the session registry.
func (d *Dispatcher) Registry() *session.Registry {
	return d.registry
}

// Connect registers a new session. It fails with model.ErrDraining once
// shutdown started.
func (d *Dispatcher) Connect(remoteAddr string) (*session.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.State() != StateRunning {
		return nil, model.ErrDraining
	}

	if d.opts.Replay == nil {
		return d.registry.Register(uuid.NewString(), remoteAddr)
	}

	d.replayMu.Lock()
	defer d.replayMu.Unlock()

	s, err := d.registry.Register(uuid.NewString(), remoteAddr)
	if err != nil {
		return nil, err
	}
	if history := d.opts.Replay.ReadAll(); len(history) > 0 {
		if err := s.Enqueue(history); err != nil {
			d.logger.Warn().Err(err).Str("session_id", s.ID()).Msg("failed to queue replay")
		}
	}
	return s, nil
}

// Disconnect unregisters the session.
func (d *Dispatcher) Disconnect(id, reason string) {
	d.registry.Unregister(id, reason)
}

// HandleFrame feeds one frame of session id to its reassembler and writes
// a completed message to serial.
//
// Serial failures are logged and counted but never returned: the session
// stays open and the next message reopens the device. Oversized messages
// are dropped the same way. Protocol violations, including a text message
// that is not valid UTF-8 (model.ErrInvalidUTF8), are returned as
// model.TransportError. model.ErrEchoLimitReached is returned once the
// session used up its message budget.
func (d *Dispatcher) HandleFrame(id string, f reassembly.Frame) error {
	s, ok := d.registry.Get(id)
	if !ok {
		return model.ErrSessionNotFound
	}

	msg, err := s.Reassembler().Feed(f)
	if errors.Is(err, model.ErrOversizedMessage) {
		d.dropOversized(s.ID(), len(f.Payload))
		return nil
	}
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	payload := msg.Payload
	if msg.Compressed {
		payload, err = inflate(msg.Payload, d.opts.MaxPayload)
		if err != nil {
			metrics.MessagesDropped.WithLabelValues("inflate").Inc()
			return &model.TransportError{Reason: "inflate failed", Err: err}
		}
		if len(payload) > d.opts.MaxPayload {
			d.dropOversized(s.ID(), len(payload))
			return nil
		}
	}

	if msg.Kind == reassembly.KindText && !utf8.Valid(payload) {
		metrics.MessagesDropped.WithLabelValues("invalid_utf8").Inc()
		return model.ErrInvalidUTF8
	}

	d.forward(s, msg.Kind, payload)

	if s.UseEcho() {
		d.logger.Info().Str("session_id", s.ID()).Msg("session reached its echo limit")
		return model.ErrEchoLimitReached
	}
	return nil
}

// inflate decompresses a permessage-deflate payload, stopping one byte past
// limit so an oversized result is detected without inflating all of it.
func inflate(p []byte, limit int) ([]byte, error) {
	fr := wsflate.NewReader(bytes.NewReader(p), wsflate.DefaultHelper.Decompressor)

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(fr, int64(limit)+1)); err != nil {
		return nil, err
	}
	if err := fr.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (d *Dispatcher) dropOversized(id string, size int) {
	metrics.MessagesDropped.WithLabelValues("oversized").Inc()
	d.logger.Warn().
		Str("session_id", id).
		Int("size", size).
		Int("max_payload", d.opts.MaxPayload).
		Msg("dropping oversized message")
}

// forward writes one message to serial. All sessions funnel through the
// channel lock, so messages are written whole and never interleave.
func (d *Dispatcher) forward(s *session.Session, kind reassembly.Kind, payload []byte) {
	logger := d.logger.With().Str("session_id", s.ID()).Str("kind", kind.String()).Int("size", len(payload)).Logger()

	if _, err := d.channel.EnsureOpen(); err != nil {
		d.dropSerial(logger, "serial_open", err)
		return
	}
	if err := d.channel.Send(payload); err != nil {
		d.dropSerial(logger, "serial_write", err)
		return
	}

	metrics.MessagesForwarded.WithLabelValues(kind.String()).Inc()
	logger.Debug().Msg("message forwarded to serial")

	if d.opts.Capture != nil {
		if err := d.opts.Capture.RecordInput(payload); err != nil {
			d.logger.Debug().Err(err).Msg("capture write failed")
		}
	}
}

func (d *Dispatcher) dropSerial(logger zerolog.Logger, reason string, err error) {
	metrics.MessagesDropped.WithLabelValues(reason).Inc()
	if serial.IsClosed(err) {
		logger.Debug().Msg("dropping message, serial channel closed")
		return
	}
	logger.Warn().Err(err).Msg("dropping message, serial device unavailable")
}

// Run polls serial until ctx is done, then drains sessions and closes the
// channel. It returns nil after a clean shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.opts.OpenOnStart {
		if _, err := d.channel.EnsureOpen(); err != nil {
			d.logger.Warn().Err(err).Msg("serial device not available at startup, will retry on first message")
		}
	}

	poll := time.NewTicker(d.opts.PollInterval)
	defer poll.Stop()

	var reconnect <-chan time.Time
	if d.opts.ReconnectInterval > 0 {
		t := time.NewTicker(d.opts.ReconnectInterval)
		defer t.Stop()
		reconnect = t.C
	}

	d.logger.Info().Dur("poll_interval", d.opts.PollInterval).Msg("dispatcher running")

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil
		case <-poll.C:
			d.pollOnce()
		case <-reconnect:
			d.reconnect()
		}
	}
}

// pollOnce drains what the device has buffered and broadcasts it.
func (d *Dispatcher) pollOnce() {
	polled := false
	for chunk, err := range d.channel.Poll() {
		if err != nil {
			d.logger.Warn().Err(err).Msg("serial read failed")
			continue
		}
		polled = true

		if d.opts.Capture != nil {
			if err := d.opts.Capture.RecordOutput(chunk); err != nil {
				d.logger.Debug().Err(err).Msg("capture write failed")
			}
		}

		if d.opts.HoldPartialRunes {
			data := append(d.partial, chunk...)
			chunk, d.partial = splitPartialRune(data)
			d.partial = bytes.Clone(d.partial)
		}
		d.publish(chunk)
	}

	if !polled && len(d.partial) > 0 {
		tail := d.partial
		d.partial = nil
		d.publish(tail)
	}
}

// publish appends chunk to the replay history and broadcasts it as one step.
func (d *Dispatcher) publish(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	if d.opts.Replay != nil {
		d.replayMu.Lock()
		defer d.replayMu.Unlock()
		d.opts.Replay.Write(chunk)
	}

	if failed := d.registry.Broadcast(chunk); len(failed) > 0 {
		d.logger.Debug().Int("failed", len(failed)).Int("size", len(chunk)).Msg("broadcast partially delivered")
	}
}

// splitPartialRune splits off a trailing UTF-8 sequence that is a valid but
// incomplete rune prefix. Invalid bytes are never held back.
func splitPartialRune(p []byte) (complete, tail []byte) {
	for i := len(p) - 1; i >= 0 && i > len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if p[i] >= utf8.RuneSelf && !utf8.FullRune(p[i:]) {
			return p[:i], p[i:]
		}
		break
	}
	return p, nil
}

func (d *Dispatcher) reconnect() {
	switch d.channel.State() {
	case serial.StateOpen, serial.StateClosed:
		return
	}
	if _, err := d.channel.EnsureOpen(); err != nil {
		d.logger.Debug().Err(err).Msg("serial reconnect attempt failed")
	}
}

// shutdown moves Running -> Draining -> Stopped. Queued writes get up to
// DrainTimeout to flush before the serial channel closes.
func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	d.state.Store(int32(StateDraining))
	d.mu.Unlock()

	sessions := d.registry.CloseAll("server shutting down")
	d.logger.Info().Int("sessions", len(sessions)).Msg("draining sessions")

	timer := time.NewTimer(d.opts.DrainTimeout)
	defer timer.Stop()

wait:
	for _, s := range sessions {
		select {
		case <-s.Flushed():
		case <-timer.C:
			d.logger.Warn().Dur("drain_timeout", d.opts.DrainTimeout).Msg("drain timed out, closing with writes pending")
			break wait
		}
	}

	if err := d.channel.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("failed to close serial device")
	}
	d.state.Store(int32(StateStopped))
	d.logger.Info().Msg("dispatcher stopped")
}
