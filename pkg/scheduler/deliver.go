package scheduler

import (
	"context"
	"log/slog"

	"github.com/ruche-ai/ruche/pkg/models"
)

// ChannelAdapter delivers a committed turn's response segments on the
// session's channel. Protocol adapters (WhatsApp, SMS, web push) implement it
// outside the fabric; a failed delivery never un-commits the turn.
type ChannelAdapter interface {
	Deliver(ctx context.Context, session *models.SessionState, turn *models.LogicalTurn, segments []models.ResponseSegment) error
}

// LogAdapter is the default ChannelAdapter. Connected clients already receive
// segments through the turn.completed live event, so it only logs.
type LogAdapter struct {
	Logger *slog.Logger
}

// Deliver implements ChannelAdapter.
func (a *LogAdapter) Deliver(_ context.Context, session *models.SessionState, turn *models.LogicalTurn, segments []models.ResponseSegment) error {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("Response ready for channel delivery",
		slog.String("session_key", string(session.Key)),
		slog.String("turn_id", turn.ID),
		slog.String("channel", session.Channel),
		slog.Int("segments", len(segments)))
	return nil
}
