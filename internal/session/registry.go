package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hicat-tech/livera-bridge/internal/metrics"
	"github.com/hicat-tech/livera-bridge/internal/model"
)

// Observer is notified when sessions open and close.
type Observer interface {
	SessionOpened(info model.SessionInfo)
	SessionClosed(info model.SessionInfo, reason string)
}

// Options configures a Registry.
type Options struct {
	MaxPayload int
	SendQueue  int
	// EchoLimit is the per-session message budget, -1 for unlimited.
	EchoLimit int
	Logger    zerolog.Logger
	Observer  Observer
}

// WriteError reports a session that could not take a broadcast.
type WriteError struct {
	SessionID string
	Err       error
}

func (e WriteError) Error() string {
	return fmt.Sprintf("session %s: %v", e.SessionID, e.Err)
}

func (e WriteError) Unwrap() error {
	return e.Err
}

// Registry is the single owner of the session map.
type Registry struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "registry").Logger(),
		sessions: make(map[string]*Session),
	}
}

// Register creates a session for id. It fails with model.ErrDuplicateID
// if id is already live.
func (r *Registry) Register(id, remoteAddr string) (*Session, error) {
	r.mu.Lock()
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		r.logger.Error().Str("session_id", id).Msg("rejected duplicate session registration")
		return nil, model.ErrDuplicateID
	}

	s := newSession(id, remoteAddr, r.opts.MaxPayload, r.opts.SendQueue, r.opts.EchoLimit)
	r.sessions[id] = s
	count := len(r.sessions)
	r.mu.Unlock()

	metrics.SessionsTotal.Inc()
	metrics.SessionsActive.Set(float64(count))
	r.logger.Info().Str("session_id", id).Str("remote_addr", remoteAddr).Int("sessions", count).Msg("session registered")

	if r.opts.Observer != nil {
		r.opts.Observer.SessionOpened(s.Info())
	}
	return s, nil
}

// Unregister removes and closes the session. Unknown ids are ignored.
func (r *Registry) Unregister(id, reason string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return
	}

	s.Close(reason)
	metrics.SessionsActive.Set(float64(count))
	r.logger.Info().Str("session_id", id).Str("reason", reason).Int("sessions", count).Msg("session unregistered")

	if r.opts.Observer != nil {
		r.opts.Observer.SessionClosed(s.Info(), reason)
	}
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Broadcast queues p on every live session. Sessions that cannot take it
// are unregistered and reported; the others still receive p.
func (r *Registry) Broadcast(p []byte) []WriteError {
	var failed []WriteError
	for _, s := range r.snapshot() {
		if err := s.Enqueue(p); err != nil {
			failed = append(failed, WriteError{SessionID: s.ID(), Err: err})
		}
	}

	for _, werr := range failed {
		metrics.BroadcastFailures.Inc()
		r.logger.Warn().Str("session_id", werr.SessionID).Err(werr.Err).Msg("dropping session that cannot keep up")
		r.Unregister(werr.SessionID, werr.Err.Error())
	}
	return failed
}

// List returns a snapshot of live sessions ordered by connect time.
func (r *Registry) List() []model.SessionInfo {
	sessions := r.snapshot()
	infos := make([]model.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll unregisters every session and returns them so the caller can
// wait for their write pumps to flush.
func (r *Registry) CloseAll(reason string) []*Session {
	sessions := r.snapshot()
	for _, s := range sessions {
		r.Unregister(s.ID(), reason)
	}
	return sessions
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}
