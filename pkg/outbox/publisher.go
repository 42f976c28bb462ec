package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/tripsync/internal/trip/domain"
)

// EventTypeEmergency tags alert notifications.
const EventTypeEmergency = "emergency.alert"

// ErrNotifierUnavailable is returned when no NATS connection backs the publisher.
var ErrNotifierUnavailable = errors.New("emergency notifier unavailable")

type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Publisher writes emergency alerts to a NATS subject watched by the paging and support
// services.
type Publisher struct {
	conn    msgPublisher
	subject string
}

// NewPublisher builds a Publisher using the provided NATS connection.
func NewPublisher(conn *nats.Conn, subject string) *Publisher {
	if subject == "" {
		subject = "trip.emergency.alerts"
	}
	p := &Publisher{subject: subject}
	if conn != nil {
		p.conn = conn
	}
	return p
}

// NotifyEmergency satisfies domain.Notifier.
func (p *Publisher) NotifyEmergency(ctx context.Context, alert domain.EmergencyAlert) error {
	if p == nil || p.conn == nil {
		return fmt.Errorf("alert %s: %w", alert.ID, ErrNotifierUnavailable)
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	msg := &nats.Msg{Subject: p.subject, Data: payload, Header: nats.Header{}}
	msg.Header.Set("x-trace-id", traceIDFromContext(ctx))
	msg.Header.Set("x-event-type", EventTypeEmergency)
	// the alert id lets JetStream consumers dedupe replays
	msg.Header.Set(nats.MsgIdHdr, alert.ID.String())
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish alert %s: %w", alert.ID, err)
	}
	return nil
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
