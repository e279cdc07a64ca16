// Package assist answers user questions on behalf of every chat adapter and
// the CLI. It assembles the advisory context from the stored profile, the
// user's remembered facts and the channel's recent messages.
package assist

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/stellarlinkco/nexus/internal/prompt"
	"github.com/stellarlinkco/nexus/internal/store"
)

const (
	// NoProfile stands in for the profile of a user the store has never seen.
	NoProfile = "No persisted profile loaded yet."

	// FailureReply is shown to the user when no answer could be generated.
	FailureReply = "NEXUS hit a runtime error while generating a response. " +
		"Check provider config (AI_PROVIDER + related env vars)."

	maxMemories = 5
)

type Answerer interface {
	Answer(ctx context.Context, ask prompt.AskContext) (string, error)
}

type ProfileReader interface {
	Profile(ctx context.Context, userID string) (store.Profile, error)
	Memories(ctx context.Context, userID string) ([]store.Memory, error)
}

type RecentReader interface {
	Read(channelID string) []string
}

// Request is one question asked by a user in a channel.
type Request struct {
	UserID    string
	Username  string
	ChannelID string
	Question  string
}

type Assistant struct {
	serverName string
	engine     Answerer
	profiles   ProfileReader
	recent     RecentReader
	logger     *slog.Logger
}

// New builds an Assistant. profiles and recent may be nil.
func New(serverName string, engine Answerer, profiles ProfileReader, recent RecentReader, logger *slog.Logger) *Assistant {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assistant{
		serverName: serverName,
		engine:     engine,
		profiles:   profiles,
		recent:     recent,
		logger:     logger.With("component", "assist"),
	}
}

// Ask always returns a reply fit to show the user. When generation fails the
// reply is FailureReply and the error is returned alongside it.
func (a *Assistant) Ask(ctx context.Context, req Request) (string, error) {
	var recent []string
	if a.recent != nil {
		recent = a.recent.Read(req.ChannelID)
	}

	answer, err := a.engine.Answer(ctx, prompt.AskContext{
		ServerName:     a.serverName,
		Username:       req.Username,
		UserID:         req.UserID,
		ChannelID:      req.ChannelID,
		UserProfile:    a.profileText(ctx, req.UserID),
		RecentMessages: recent,
		Question:       req.Question,
	})
	if err != nil {
		a.logger.Error("commands.ask.failed", "user_id", req.UserID, "channel_id", req.ChannelID, "err", err)
		return FailureReply, err
	}
	if answer == "" {
		return FailureReply, errors.New("empty answer")
	}
	return answer, nil
}

func (a *Assistant) profileText(ctx context.Context, userID string) string {
	if a.profiles == nil || userID == "" {
		return NoProfile
	}
	p, err := a.profiles.Profile(ctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.logger.Warn("assist.profile_failed", "user_id", userID, "err", err)
		}
		return NoProfile
	}

	text := p.Summary()
	mems, err := a.profiles.Memories(ctx, userID)
	if err != nil {
		a.logger.Warn("assist.memories_failed", "user_id", userID, "err", err)
		return text
	}
	if len(mems) == 0 {
		return text
	}
	if len(mems) > maxMemories {
		mems = mems[:maxMemories]
	}
	facts := make([]string, 0, len(mems))
	for _, m := range mems {
		facts = append(facts, m.Key+"="+m.Value)
	}
	return text + "; memory=[" + strings.Join(facts, ", ") + "]"
}
