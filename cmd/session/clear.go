package session

import (
	"context"
	"log/slog"
)

// Clear failure stages.
const (
	ClearStageVerify = "verify"
	ClearStageGraph  = "graph"
	ClearStageCache  = "cache"
)

// LogClearFailure reports a failed ClearSession. A failed clear may leave a
// usable credential behind, so it is always logged at error level.
func LogClearFailure(ctx context.Context, log *slog.Logger, stage, sessionID string, err error) {
	if log == nil {
		log = slog.Default()
	}
	log.ErrorContext(ctx, "session.clear.fail",
		slog.String("stage", stage),
		slog.String("session_id", sessionID),
		slog.String("kind", kindName(err)),
		slog.Any("error", err),
	)
}

func kindName(err error) string {
	if k := KindOf(err); k != nil {
		return k.Error()
	}
	return "unknown"
}
