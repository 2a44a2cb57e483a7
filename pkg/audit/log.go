package audit

import (
	"context"

	"github.com/milan604/rtl433dp-console/pkg/logger"
)

// LogPublisher writes events to the application log.
type LogPublisher struct {
	log logger.LogManager
}

func NewLogPublisher(log logger.LogManager) *LogPublisher {
	return &LogPublisher{log: logger.OrNop(log).With("component", "audit")}
}

func (p *LogPublisher) Publish(ctx context.Context, ev Event) error {
	p.log.InfoFCtx(ctx, "audit: %s session=%s subject=%s reason=%q error=%q",
		ev.Type, ev.SessionID, ev.Subject, ev.Reason, ev.Error)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
