package dispatch

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/autostartstop/internal/domain"
	"github.com/MrSnakeDoc/autostartstop/internal/logger"
)

// AlertStore persists alerts for operators.
type AlertStore interface {
	PushAlert(ctx context.Context, a domain.Alert) error
}

// AlertLog logs every alert and mirrors it to an optional store. OnAlert
// never blocks the calling orchestrator.
type AlertLog struct {
	store   AlertStore
	logger  logger.Logger
	timeout time.Duration
}

// NewAlertLog creates an alert sink. store may be nil.
func NewAlertLog(store AlertStore, log logger.Logger) *AlertLog {
	return &AlertLog{store: store, logger: log, timeout: 5 * time.Second}
}

// OnAlert implements lifecycle.AlertSink.
func (a *AlertLog) OnAlert(al domain.Alert) {
	fields := []logger.Field{
		logger.String("server", al.ServerID),
		logger.String("kind", string(al.Kind)),
		logger.String("message", al.Message),
	}
	if al.Attempts > 0 {
		fields = append(fields, logger.Int("attempts", al.Attempts))
	}
	if al.LastError != "" {
		fields = append(fields, logger.String("last_error", al.LastError))
	}

	if al.Kind == domain.AlertInvariant {
		a.logger.Warn("alert raised", fields...)
	} else {
		a.logger.Error("alert raised", fields...)
	}

	if a.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.store.PushAlert(ctx, al); err != nil {
			a.logger.Warn("failed to store alert",
				logger.String("server", al.ServerID),
				logger.Error(err))
		}
	}()
}
