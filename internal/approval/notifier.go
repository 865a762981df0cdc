package approval

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NotificationRequest is the outbound ask to the notification channel. The
// provider's delivery semantics are its own; this core only hands off.
type NotificationRequest struct {
	ApprovalID  string `json:"approval_id"`
	PartyID     string `json:"party_id"`
	Channel     string `json:"channel"` // sms | whatsapp | web
	Summary     string `json:"summary"`
	CallbackRef string `json:"callback_ref"`
}

// Notifier hands an approval request to the external notification channel.
type Notifier interface {
	Send(req NotificationRequest) error
}

// NATSNotifier publishes notification requests for the provider bridge to
// pick up. Bounded retry with linear backoff; a send that still fails is the
// caller's to log, never to roll back on.
type NATSNotifier struct {
	conn       *nats.Conn
	subject    string
	maxRetries int
}

func NewNATSNotifier(conn *nats.Conn, subject string, maxRetries int) *NATSNotifier {
	if subject == "" {
		subject = "erm.notify.request"
	}
	return &NATSNotifier{conn: conn, subject: subject, maxRetries: maxRetries}
}

// LogNotifier is the degraded-mode fallback when the message bus is down at
// boot. Requests stay pending for staff override.
type LogNotifier struct{}

func (LogNotifier) Send(req NotificationRequest) error {
	return fmt.Errorf("notification channel unavailable (approval %s to %s via %s)",
		req.ApprovalID, req.PartyID, req.Channel)
}

func (n *NATSNotifier) Send(req NotificationRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	for i := 0; i <= n.maxRetries; i++ {
		err = n.conn.Publish(n.subject, data)
		if err == nil {
			return nil
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	return fmt.Errorf("notify publish failed after %d retries: %w", n.maxRetries, err)
}
