package bus

import (
	"context"
	"time"

	"github.com/stellarlinkco/nexus/internal/moderation"
)

// InboundMessage is a chat message handed from a platform adapter to the
// gateway for moderation.
type InboundMessage struct {
	Channel   string
	Message   moderation.Message
	Timestamp time.Time
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.Message.ChannelID
}

// MessageBus decouples platform event callbacks from moderation work.
type MessageBus struct {
	Inbound chan InboundMessage
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 1
	}
	return &MessageBus{Inbound: make(chan InboundMessage, bufSize)}
}

// Publish blocks until the message is queued or ctx is done.
func (b *MessageBus) Publish(ctx context.Context, msg InboundMessage) error {
	select {
	case b.Inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
