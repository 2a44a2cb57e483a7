// Package audit publishes session lifecycle events.
package audit

import (
	"context"
	"time"

	"github.com/milan604/rtl433dp-console/pkg/config"
	"github.com/milan604/rtl433dp-console/pkg/logger"
	"github.com/milan604/rtl433dp-console/pkg/session"
)

// Type names an audited transition.
type Type string

const (
	LoginStarted      Type = "login_started"
	LoginCompleted    Type = "login_completed"
	LoginFailed       Type = "login_failed"
	Logout            Type = "logout"
	HardLogout        Type = "hard_logout"
	BackchannelLogout Type = "backchannel_logout"
)

// Event is one audit record.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId"`
	RequestID string    `json:"requestId,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// Publisher delivers audit events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// New returns a Kafka publisher when brokers are configured and a log
// publisher otherwise.
func New(s config.AuditSettings, log logger.LogManager) Publisher {
	log = logger.OrNop(log)
	if len(s.KafkaBrokers) > 0 {
		log.InfoF("audit: publishing to kafka topic %s", s.Topic)
		return NewKafkaPublisher(s.KafkaBrokers, s.Topic, log)
	}
	return NewLogPublisher(log)
}

// Record fills in the session and request ids from ctx and publishes ev.
// Failures are logged, never returned.
func Record(ctx context.Context, p Publisher, log logger.LogManager, ev Event) {
	if p == nil {
		return
	}
	if ev.SessionID == "" {
		ev.SessionID = logger.SessionIDFrom(ctx)
	}
	if ev.RequestID == "" {
		ev.RequestID = logger.RequestIDFrom(ctx)
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if err := p.Publish(ctx, ev); err != nil {
		logger.OrNop(log).WarnFCtx(ctx, "audit: publish %s: %v", ev.Type, err)
	}
}

// HardLogoutListener records every hard logout. It is handed to the session
// manager so it runs right after the session is cleared.
func HardLogoutListener(p Publisher) session.HardLogoutListener {
	return session.HardLogoutFunc(func(ctx context.Context, reason string, cause error) error {
		ev := Event{
			Type:      HardLogout,
			SessionID: logger.SessionIDFrom(ctx),
			Reason:    reason,
			Time:      time.Now().UTC(),
		}
		if cause != nil {
			ev.Error = cause.Error()
		}
		return p.Publish(ctx, ev)
	})
}
