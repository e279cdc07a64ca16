package channel

import (
	"context"
	"log/slog"
	"time"

	"github.com/stellarlinkco/nexus/internal/assist"
	"github.com/stellarlinkco/nexus/internal/bus"
	"github.com/stellarlinkco/nexus/internal/moderation"
	"github.com/stellarlinkco/nexus/internal/ring"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// Adapter is a channel that can also act on moderation decisions.
type Adapter interface {
	Channel
	moderation.Enforcer
	moderation.Notifier
}

type Asker interface {
	Ask(ctx context.Context, req assist.Request) (string, error)
}

type RecentWriter interface {
	Append(channelID, line string)
}

// Deps are shared by every adapter. Asker and Recent may be nil.
type Deps struct {
	Bus    *bus.MessageBus
	Recent RecentWriter
	Asker  Asker
	Logger *slog.Logger
}

type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	recent    RecentWriter
	asker     Asker
	allowFrom map[string]bool
	logger    *slog.Logger
}

func NewBaseChannel(name string, deps Deps, allowFrom []string) BaseChannel {
	af := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		af[id] = true
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return BaseChannel{
		name:      name,
		bus:       deps.Bus,
		recent:    deps.Recent,
		asker:     deps.Asker,
		allowFrom: af,
		logger:    logger.With("channel", name),
	}
}

func (c *BaseChannel) Name() string { return c.name }

// IsAllowed reports whether senderID may talk to the bot. An empty allow
// list admits everyone.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	return c.allowFrom[senderID]
}

// ingest records a human message in its channel ring and queues it for
// moderation. Ring appends happen here, in arrival order.
func (c *BaseChannel) ingest(ctx context.Context, msg moderation.Message) {
	if msg.AuthorIsBot {
		return
	}
	if c.recent != nil && msg.ChannelID != "" {
		name := msg.DisplayName
		if name == "" {
			name = msg.AuthorName
		}
		c.recent.Append(msg.ChannelID, ring.FormatLine(name, msg.Content))
	}
	if c.bus == nil {
		return
	}
	err := c.bus.Publish(ctx, bus.InboundMessage{Channel: c.name, Message: msg, Timestamp: time.Now()})
	if err != nil {
		c.logger.Warn("channel.publish_failed", "message_id", msg.ID, "err", err)
	}
}

// ask runs an advisory question. It returns false when no assistant is wired.
func (c *BaseChannel) ask(ctx context.Context, req assist.Request) (string, bool) {
	if c.asker == nil {
		return "", false
	}
	reply, _ := c.asker.Ask(ctx, req)
	return reply, true
}
