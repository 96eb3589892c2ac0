package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
)

// conn wraps an upgraded connection. Reads happen on the read loop only;
// writes from the read loop and the write pump share mu.
type conn struct {
	net.Conn
	r            io.Reader
	state        ws.State
	writeTimeout time.Duration

	// frameLimit caps how much of a data frame payload is kept in memory.
	frameLimit int64

	mu        sync.Mutex
	closeOnce sync.Once

	closeMu     sync.Mutex
	closeCode   ws.StatusCode
	closeReason string
}

func newConn(nc net.Conn, rw *bufio.ReadWriter, extended bool, maxPayload int, writeTimeout time.Duration) *conn {
	c := &conn{
		Conn:         nc,
		r:            nc,
		state:        ws.StateServerSide,
		writeTimeout: writeTimeout,
		frameLimit:   int64(maxPayload) + 1,
		closeCode:    ws.StatusGoingAway,
	}
	if rw != nil {
		c.r = rw.Reader
	}
	if extended {
		c.state = c.state.Set(ws.StateExtended)
	}
	return c
}

// readFrame reads the next frame header and payload, unmasked. Data
// payloads larger than frameLimit are truncated; the rest is discarded so
// the stream stays aligned.
func (c *conn) readFrame() (ws.Header, []byte, error) {
	header, err := ws.ReadHeader(c.r)
	if err != nil {
		return header, nil, err
	}
	if err := ws.CheckHeader(header, c.state); err != nil {
		return header, nil, err
	}

	keep := header.Length
	if !header.OpCode.IsControl() && keep > c.frameLimit {
		keep = c.frameLimit
	}

	payload := make([]byte, keep)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return header, nil, err
	}
	if rest := header.Length - keep; rest > 0 {
		if _, err := io.CopyN(io.Discard, c.r, rest); err != nil {
			return header, nil, err
		}
	}

	if header.Masked {
		ws.Cipher(payload, header.Mask, 0)
	}
	return header, payload, nil
}

func (c *conn) writeFrame(f ws.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return ws.WriteFrame(c.Conn, f)
}

// setClose records the close frame the write pump sends when the session ends.
func (c *conn) setClose(code ws.StatusCode, reason string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	// Control frame payloads are capped at 125 bytes, two of them the code.
	if len(reason) > 123 {
		reason = reason[:123]
	}
	c.closeCode = code
	c.closeReason = reason
}

func (c *conn) closeFrame() ws.Frame {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return ws.NewCloseFrame(ws.NewCloseFrameBody(c.closeCode, c.closeReason))
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.Conn.Close() })
	return err
}
