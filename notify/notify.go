// Package notify turns relayed outbox messages into participant
// notifications. Delivery itself is delegated to a Notifier.
package notify

import (
	"context"
	"fmt"
	"log"
	"strings"

	"agreementflow/outbox"
)

// Notification is a delivery request for one agreement event.
type Notification struct {
	AgreementID string
	Topic       string
	Subject     string
	Payload     map[string]any
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications and verification codes to the process log.
// It stands in for email/SMS delivery.
type LogNotifier struct {
	logger *log.Logger
}

func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.logger.Printf("notify: agreement=%s topic=%s subject=%q", n.AgreementID, n.Topic, n.Subject)
	return nil
}

// SendCode delivers a one-time verification code. Only a masked form is
// logged.
func (l *LogNotifier) SendCode(_ context.Context, agreementID, code string) error {
	l.logger.Printf("notify: agreement=%s verification code %s", agreementID, mask(code))
	return nil
}

func mask(code string) string {
	if len(code) <= 2 {
		return strings.Repeat("*", len(code))
	}
	return strings.Repeat("*", len(code)-2) + code[len(code)-2:]
}

// Dispatcher routes outbox topics to a Notifier. Topics without a subject are
// acknowledged without delivery.
type Dispatcher struct {
	notifier Notifier
}

func NewDispatcher(notifier Notifier) *Dispatcher {
	return &Dispatcher{notifier: notifier}
}

func (d *Dispatcher) Handle(ctx context.Context, msg outbox.Message) error {
	payload, err := msg.Decode()
	if err != nil {
		return err
	}
	subject, ok := subjectFor(msg.Topic, payload)
	if !ok {
		return nil
	}
	agreementID, _ := payload["agreement_id"].(string)
	if err := d.notifier.Notify(ctx, Notification{
		AgreementID: agreementID,
		Topic:       msg.Topic,
		Subject:     subject,
		Payload:     payload,
	}); err != nil {
		return fmt.Errorf("notify: deliver %s: %w", msg.Topic, err)
	}
	return nil
}

func subjectFor(topic string, payload map[string]any) (string, bool) {
	switch topic {
	case outbox.TopicStepCompleted:
		return fmt.Sprintf("Step %v completed", payload["step"]), true
	case outbox.TopicPaymentRejected:
		return fmt.Sprintf("Payment proof rejected: %v", payload["reason"]), true
	case outbox.TopicAgreementCompleted:
		return "Agreement completed", true
	case outbox.TopicVerificationRequested:
		return "Identity verification requested", true
	default:
		return "", false
	}
}
