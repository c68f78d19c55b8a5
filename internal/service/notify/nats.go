package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Publisher is the subset of *nats.Conn used here.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATSNotifier publishes events as JSON to <prefix>.<event type>.
type NATSNotifier struct {
	conn   Publisher
	prefix string
}

func NewNATSNotifier(conn Publisher, prefix string) *NATSNotifier {
	return &NATSNotifier{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

func (n *NATSNotifier) Notify(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := n.prefix + "." + string(event.Type)
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish event to %s: %w", subject, err)
	}
	return nil
}
