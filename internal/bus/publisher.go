package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

// Publisher fans pipeline events out on per-session subjects.
type Publisher struct {
	client *Client
	prefix string
}

func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client, prefix: protocol.SubjectSessionEventPrefix}
}

// SessionSubject is the subject an event of type eventType for sessionID is published on.
func SessionSubject(prefix, sessionID, eventType string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, sessionID, eventType)
}

func (p *Publisher) RecordEvent(_ context.Context, evt protocol.PipelineEvent) error {
	if !p.client.Healthy() {
		return nil
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal pipeline event: %w", err)
	}
	if err := p.client.Conn().Publish(SessionSubject(p.prefix, evt.SessionID, evt.Type), data); err != nil {
		return fmt.Errorf("publish pipeline event: %w", err)
	}
	return nil
}
