package operation

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChuLiYu/opgate/pkg/types"
)

// LoggingServerService is a ServerService that only logs terminal outcomes.
// It is used when no remote controller is configured.
type LoggingServerService struct {
	logger *slog.Logger
}

// NewLoggingServerService creates a log-only notifier. A nil logger uses
// slog.Default().
func NewLoggingServerService(logger *slog.Logger) *LoggingServerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingServerService{logger: logger}
}

func (s *LoggingServerService) OperationSucceeded(_ context.Context, jobID types.JobID, result types.Configuration, invokedAt, completedAt time.Time) error {
	s.logger.Info("Operation succeeded",
		"job_id", jobID,
		"elapsed", completedAt.Sub(invokedAt),
		"results", result.Keys())
	return nil
}

func (s *LoggingServerService) OperationFailed(_ context.Context, jobID types.JobID, result types.Configuration, failure *types.ErrorInfo, invokedAt, completedAt time.Time) error {
	attrs := []any{
		"job_id", jobID,
		"elapsed", completedAt.Sub(invokedAt),
		"results", result.Keys(),
	}
	if failure != nil {
		attrs = append(attrs, "error_name", failure.Name, "error", failure.Message)
	}
	s.logger.Warn("Operation failed", attrs...)
	return nil
}

func (s *LoggingServerService) OperationTimedOut(_ context.Context, jobID types.JobID, invokedAt, timedOutAt time.Time) error {
	s.logger.Warn("Operation timed out",
		"job_id", jobID,
		"elapsed", timedOutAt.Sub(invokedAt))
	return nil
}
