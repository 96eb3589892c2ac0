package ws

import (
	"errors"
	"io"
	"net"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gobwas/httphead"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsflate"
	"github.com/rs/zerolog"

	"github.com/hicat-tech/livera-bridge/internal/config"
	"github.com/hicat-tech/livera-bridge/internal/metrics"
	"github.com/hicat-tech/livera-bridge/internal/model"
	"github.com/hicat-tech/livera-bridge/internal/reassembly"
	"github.com/hicat-tech/livera-bridge/internal/session"
)

const handshakeTimeout = 10 * time.Second

// Bridge is the side of the bridge a connection talks to.
type Bridge interface {
	Connect(remoteAddr string) (*session.Session, error)
	HandleFrame(id string, f reassembly.Frame) error
	Disconnect(id, reason string)
}

// Options configures a Handler.
type Options struct {
	MaxPayload   int
	FrameType    config.FrameType
	WriteTimeout time.Duration
	PingPeriod   time.Duration
	PongWait     time.Duration
	Logger       zerolog.Logger
}

// Handler upgrades HTTP requests and pumps frames between the connection
// and the bridge.
type Handler struct {
	bridge     Bridge
	negotiator ExtensionNegotiator
	opts       Options
	logger     zerolog.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(bridge Bridge, opts Options) *Handler {
	return &Handler{
		bridge: bridge,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "ws").Logger(),
	}
}

// HandleConnection registers a session, upgrades the request and starts
// the read and write pumps. A refused session is returned before the
// upgrade so the caller can answer with a plain HTTP error. Handshake
// failures are answered by the upgrader itself.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	s, err := h.bridge.Connect(r.RemoteAddr)
	if err != nil {
		return err
	}

	deflate := &wsflate.Extension{Parameters: wsflate.Parameters{
		ServerNoContextTakeover: true,
		ClientNoContextTakeover: true,
	}}
	upgrader := ws.HTTPUpgrader{
		Timeout:   handshakeTimeout,
		Negotiate: h.negotiate(deflate),
	}

	nc, rw, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		h.logger.Warn().Err(err).Str("session_id", s.ID()).Str("remote_addr", r.RemoteAddr).Msg("websocket handshake failed")
		h.bridge.Disconnect(s.ID(), "handshake failed")
		s.MarkFlushed()
		return nil
	}

	_, compressed := deflate.Accepted()
	c := newConn(nc, rw, compressed, h.opts.MaxPayload, h.opts.WriteTimeout)

	h.logger.Debug().Str("session_id", s.ID()).Bool("deflate", compressed).Msg("websocket established")

	go h.writePump(c, s)
	go h.readPump(c, s)
	return nil
}

// negotiate consults the allow-list for every offered extension and lets
// wsflate settle the parameters of the accepted one.
func (h *Handler) negotiate(deflate *wsflate.Extension) func(httphead.Option) (httphead.Option, error) {
	return func(opt httphead.Option) (httphead.Option, error) {
		name := string(opt.Name)
		if !h.negotiator.Negotiate(name) {
			h.logger.Info().Str("extension", name).Msg("rejecting unsupported websocket extension")
			return httphead.Option{}, ws.RejectConnectionError(
				ws.RejectionStatus(http.StatusBadRequest),
				ws.RejectionReason("unsupported extension "+name),
			)
		}
		return deflate.Negotiate(opt)
	}
}

// readPump feeds frames of one connection to the bridge in arrival order.
func (h *Handler) readPump(c *conn, s *session.Session) {
	reason := "client closed"
	defer func() {
		h.bridge.Disconnect(s.ID(), reason)
	}()

	for {
		if err := c.SetReadDeadline(time.Now().Add(h.opts.PongWait)); err != nil {
			reason = err.Error()
			return
		}

		header, payload, err := c.readFrame()
		if err != nil {
			reason = h.readFailure(c, s, err)
			return
		}
		s.AddReceived(len(payload))

		switch header.OpCode {
		case ws.OpPing:
			if err := c.writeFrame(ws.NewPongFrame(payload)); err != nil {
				reason = "pong failed"
				return
			}
			continue
		case ws.OpPong:
			continue
		case ws.OpClose:
			code, _ := ws.ParseCloseFrameData(payload)
			if code.Empty() {
				code = ws.StatusNormalClosure
			}
			c.setClose(code, "")
			return
		}

		frame := reassembly.Frame{
			Op:         opcodeFor(header.OpCode),
			Fin:        header.Fin,
			Payload:    payload,
			Compressed: header.Rsv1(),
		}
		metrics.FramesReceived.WithLabelValues(frame.Op.String()).Inc()

		err = h.bridge.HandleFrame(s.ID(), frame)
		switch {
		case err == nil:
		case errors.Is(err, model.ErrInvalidUTF8):
			h.logger.Warn().Str("session_id", s.ID()).Msg("closing session on invalid UTF-8 text")
			c.setClose(ws.StatusInvalidFramePayloadData, err.Error())
			reason = err.Error()
			return
		case model.IsTransportError(err):
			h.logger.Warn().Err(err).Str("session_id", s.ID()).Msg("closing session on protocol error")
			c.setClose(ws.StatusProtocolError, err.Error())
			reason = err.Error()
			return
		case errors.Is(err, model.ErrEchoLimitReached):
			c.setClose(ws.StatusNormalClosure, "")
			reason = err.Error()
			return
		case errors.Is(err, model.ErrSessionNotFound), errors.Is(err, model.ErrSessionClosed):
			reason = err.Error()
			return
		}
	}
}

func (h *Handler) readFailure(c *conn, s *session.Session, err error) string {
	select {
	case <-s.Done():
		return s.CloseReason()
	default:
	}

	var protoErr ws.ProtocolError
	if errors.As(err, &protoErr) {
		h.logger.Warn().Err(err).Str("session_id", s.ID()).Msg("closing session on protocol error")
		c.setClose(ws.StatusProtocolError, err.Error())
		return err.Error()
	}

	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		h.logger.Debug().Str("session_id", s.ID()).Msg("connection closed by peer")
	case errors.As(err, &netErr) && netErr.Timeout():
		h.logger.Info().Str("session_id", s.ID()).Msg("connection timed out waiting for the peer")
	default:
		h.logger.Warn().Err(err).Str("session_id", s.ID()).Msg("websocket read failed")
	}
	return err.Error()
}

// writePump drains the session queue onto the connection. When the queue
// closes it sends the recorded close frame and closes the connection.
func (h *Handler) writePump(c *conn, s *session.Session) {
	ticker := time.NewTicker(h.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		s.MarkFlushed()
	}()

	for {
		select {
		case p, ok := <-s.Outbound():
			if !ok {
				if err := c.writeFrame(c.closeFrame()); err != nil {
					h.logger.Debug().Err(err).Str("session_id", s.ID()).Msg("close frame not delivered")
				}
				return
			}

			if err := c.writeFrame(ws.NewFrame(OutboundOpCode(h.opts.FrameType, p), true, p)); err != nil {
				h.logger.Warn().Err(err).Str("session_id", s.ID()).Msg("websocket write failed")
				return
			}
			s.AddSent(len(p))
		case <-ticker.C:
			if err := c.writeFrame(ws.NewPingFrame(nil)); err != nil {
				return
			}
		}
	}
}

// OutboundOpCode selects the frame type for a chunk of serial output. In
// auto mode a chunk is text only when it is valid UTF-8 on its own; the
// dispatcher holds back runes split across serial reads so this holds for
// text output.
func OutboundOpCode(ft config.FrameType, p []byte) ws.OpCode {
	switch ft {
	case config.FrameTypeText:
		return ws.OpText
	case config.FrameTypeBinary:
		return ws.OpBinary
	default:
		if utf8.Valid(p) {
			return ws.OpText
		}
		return ws.OpBinary
	}
}

func opcodeFor(op ws.OpCode) reassembly.Opcode {
	switch op {
	case ws.OpText:
		return reassembly.OpText
	case ws.OpBinary:
		return reassembly.OpBinary
	case ws.OpContinuation:
		return reassembly.OpContinuation
	default:
		return reassembly.Opcode(op)
	}
}
