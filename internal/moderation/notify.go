package moderation

import (
	"context"
	"fmt"
	"strconv"
)

const (
	TitleEscalation = "NEXUS Moderation Escalation"
	TitleAction     = "NEXUS Moderation Action"
	AckFooter       = "React ✅ approve / ❌ override"
	ReactApprove    = "✅"
	ReactOverride   = "❌"

	maxFieldChars = 1024
	emptyMessage  = "(empty)"
)

// Notifier posts a moderation summary to the staff channel. When
// acknowledgeable is set the post asks staff to approve or override.
type Notifier interface {
	PostSummary(ctx context.Context, channelID string, s Summary, acknowledgeable bool) error
}

// Summary describes one moderation run for human reviewers.
type Summary struct {
	Escalated  bool
	UserName   string
	UserID     string
	ChannelID  string
	Action     string
	Confidence int
	Reason     string
	Message    string
}

func (s Summary) Title() string {
	if s.Escalated {
		return TitleEscalation
	}
	return TitleAction
}

// Field is one named value of a summary, in display order.
type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Fields renders the summary; reason and message are cut to 1024 characters.
func (s Summary) Fields() []Field {
	msg := s.Message
	if msg == "" {
		msg = emptyMessage
	}
	return []Field{
		{Name: "User", Value: fmt.Sprintf("%s (`%s`)", s.UserName, s.UserID)},
		{Name: "Channel", Value: s.ChannelID, Inline: true},
		{Name: "Action", Value: s.Action, Inline: true},
		{Name: "Confidence", Value: strconv.Itoa(s.Confidence), Inline: true},
		{Name: "Reason", Value: clip(s.Reason, maxFieldChars)},
		{Name: "Message", Value: clip(msg, maxFieldChars)},
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
