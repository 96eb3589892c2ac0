// Package session tracks live WebSocket sessions of the bridge.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hicat-tech/livera-bridge/internal/model"
	"github.com/hicat-tech/livera-bridge/internal/reassembly"
)

// Session is one accepted WebSocket connection. Its reassembler is only
// touched by the connection's read loop; the outbound queue is fed by
// broadcasts and drained by the connection's write pump.
type Session struct {
	id          string
	remoteAddr  string
	connectedAt time.Time
	reassembler *reassembly.Reassembler

	send    chan []byte
	done    chan struct{}
	flushed chan struct{}

	mu          sync.Mutex
	closed      bool
	closeReason string
	flushOnce   sync.Once

	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64
	forwarded     atomic.Uint64

	// echoRemaining is -1 when unlimited.
	echoRemaining atomic.Int64
}

func newSession(id, remoteAddr string, maxPayload, queueSize, echoLimit int) *Session {
	s := &Session{
		id:          id,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		reassembler: reassembly.New(maxPayload),
		send:        make(chan []byte, queueSize),
		done:        make(chan struct{}),
		flushed:     make(chan struct{}),
	}
	s.echoRemaining.Store(int64(echoLimit))
	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the client address.
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// Reassembler returns the session's frame reassembler.
func (s *Session) Reassembler() *reassembly.Reassembler {
	return s.reassembler
}

// Enqueue queues p for the write pump without blocking. A full queue
// closes the session and returns model.ErrSlowConsumer.
func (s *Session) Enqueue(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return model.ErrSessionClosed
	}

	select {
	case s.send <- p:
		return nil
	default:
		s.closeLocked("outbound queue full")
		return model.ErrSlowConsumer
	}
}

// Outbound is drained by the write pump. It is closed when the session
// closes; queued payloads remain readable until then.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// Pending returns the number of queued outbound payloads.
func (s *Session) Pending() int {
	return len(s.send)
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close closes the session with a reason. It is idempotent.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(reason)
}

func (s *Session) closeLocked(reason string) {
	if s.closed {
		return
	}
	s.closed = true
	s.closeReason = reason
	close(s.send)
	close(s.done)
}

// IsClosed returns true if the session is closed.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseReason returns why the session closed, empty while open.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// MarkFlushed is called by the write pump once it stops writing.
func (s *Session) MarkFlushed() {
	s.flushOnce.Do(func() { close(s.flushed) })
}

// Flushed is closed after the write pump stopped.
func (s *Session) Flushed() <-chan struct{} {
	return s.flushed
}

// AddReceived accounts n bytes received from the client.
func (s *Session) AddReceived(n int) {
	s.bytesReceived.Add(uint64(n))
}

// AddSent accounts n bytes written to the client.
func (s *Session) AddSent(n int) {
	s.bytesSent.Add(uint64(n))
}

// UseEcho records one forwarded message and reports whether the session
// has now used up its echo budget.
func (s *Session) UseEcho() (exhausted bool) {
	s.forwarded.Add(1)
	for {
		remaining := s.echoRemaining.Load()
		if remaining < 0 {
			return false
		}
		if remaining == 0 {
			return true
		}
		if s.echoRemaining.CompareAndSwap(remaining, remaining-1) {
			return remaining-1 == 0
		}
	}
}

// Info returns a snapshot of the session.
func (s *Session) Info() model.SessionInfo {
	status := model.SessionStatusOpen
	if s.IsClosed() {
		status = model.SessionStatusClosed
	}
	return model.SessionInfo{
		ID:                s.id,
		RemoteAddr:        s.remoteAddr,
		Status:            status,
		BytesReceived:     s.bytesReceived.Load(),
		BytesSent:         s.bytesSent.Load(),
		MessagesForwarded: s.forwarded.Load(),
		EchoRemaining:     int(s.echoRemaining.Load()),
		Pending:           s.Pending(),
		ConnectedAt:       s.connectedAt,
	}
}
