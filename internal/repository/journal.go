package repository

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hicat-tech/livera-bridge/internal/model"
)

const journalTimeout = 2 * time.Second

// Journal records session open and close events. Failures are logged and
// never reach the bridging path.
type Journal struct {
	repo   *HistoryRepository
	logger zerolog.Logger
}

// NewJournal creates a Journal writing through repo.
func NewJournal(repo *HistoryRepository, logger zerolog.Logger) *Journal {
	return &Journal{
		repo:   repo,
		logger: logger.With().Str("component", "journal").Logger(),
	}
}

// SessionOpened inserts a record for the session.
func (j *Journal) SessionOpened(info model.SessionInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	err := j.repo.Create(ctx, &model.SessionRecord{
		ID:          info.ID,
		RemoteAddr:  info.RemoteAddr,
		Status:      model.SessionStatusOpen,
		ConnectedAt: info.ConnectedAt,
	})
	if err != nil {
		j.logger.Warn().Err(err).Str("session_id", info.ID).Msg("failed to journal session open")
	}
}

// SessionClosed finalizes the session record.
func (j *Journal) SessionClosed(info model.SessionInfo, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()

	err := j.repo.Close(ctx, info.ID, time.Now(), info.BytesReceived, info.BytesSent, reason)
	if err != nil {
		j.logger.Warn().Err(err).Str("session_id", info.ID).Msg("failed to journal session close")
	}
}
