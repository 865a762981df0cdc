package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/kinamba/erm-core/internal/data"
	"github.com/kinamba/erm-core/internal/metrics"
)

const SubjectPrefix = "erm.feed."

// Event is the change-feed envelope emitted after every mutation.
type Event struct {
	Entity string          `json:"entity"`
	Op     string          `json:"op"` // created, updated, state_changed, closed
	ID     string          `json:"id"`
	At     time.Time       `json:"at"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type Publisher struct {
	conn       *nats.Conn
	maxRetries int
}

func NewPublisher(conn *nats.Conn, maxRetries int) *Publisher {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Publisher{conn: conn, maxRetries: maxRetries}
}

// Publish sends the event to erm.feed.<entity>. Payload marshal failures
// and exhausted retries are returned to the caller; callers treat the feed
// as best-effort and must not roll back on error.
func (p *Publisher) Publish(event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	subject := SubjectPrefix + event.Entity
	for i := 0; i <= p.maxRetries; i++ {
		err = p.conn.Publish(subject, data)
		if err == nil {
			return nil
		}

		// Backoff
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}

	metrics.FeedPublishFailures.Inc()
	return fmt.Errorf("publish failed after %d retries: %w", p.maxRetries, err)
}

// PublishAsync fires Publish on its own goroutine and logs nothing itself;
// the metric counter is the failure signal.
func (p *Publisher) PublishAsync(event Event) {
	go func() {
		_ = p.Publish(event)
	}()
}

// Marshal is a small helper for building Event.Data from domain structs.
func Marshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// Entity emitters. One call per committed row mutation; all async.

func (p *Publisher) VisitChanged(op string, v *data.Visit) {
	p.PublishAsync(Event{Entity: "visit", Op: op, ID: v.ID.String(), Data: Marshal(v)})
}

func (p *Publisher) AlertRaised(a *data.Alert) {
	p.PublishAsync(Event{Entity: "alert", Op: "created", ID: a.ID.String(), Data: Marshal(a)})
}

func (p *Publisher) AlertClosed(id uuid.UUID) {
	p.PublishAsync(Event{Entity: "alert", Op: "closed", ID: id.String()})
}

func (p *Publisher) DeviceChanged(op string, d *data.Device) {
	p.PublishAsync(Event{Entity: "device", Op: op, ID: d.ID, Data: Marshal(d)})
}
