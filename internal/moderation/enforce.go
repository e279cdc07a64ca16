package moderation

import (
	"context"
	"fmt"
	"time"

	"github.com/stellarlinkco/nexus/internal/decision"
)

// BanMessageRetentionDays is how many days of a banned user's messages are
// deleted with the ban.
const BanMessageRetentionDays = 1

// Member identifies a user within one community.
type Member struct {
	GuildID string
	UserID  string
}

// Enforcer applies moderation actions on the chat platform. Every method may
// fail with a platform error.
type Enforcer interface {
	SendDirectNotice(ctx context.Context, m Member, text string) error
	AddRestrictionRole(ctx context.Context, m Member, roleID, reason string) error
	AddTimedRestriction(ctx context.Context, m Member, until time.Time, reason string) error
	RemoveMember(ctx context.Context, m Member, reason string) error
	BanMember(ctx context.Context, m Member, reason string, retentionDays int) error
}

// ElevationChecker is implemented by enforcers that can look up whether a
// member may moderate others. It is consulted only before a timed restriction.
type ElevationChecker interface {
	MemberElevated(ctx context.Context, m Member, channelID string) (bool, error)
}

// Outcome reports a best-effort step. A failed step is recorded here and
// never returned as an error.
type Outcome struct {
	Step string
	Err  error
}

func (o Outcome) OK() bool { return o.Err == nil }

const (
	StepDirectNotice    = "direct_notice"
	StepRestrictionRole = "restriction_role"
	StepTimedRestrict   = "timed_restriction"
)

// EnforcementError is a failed kick or ban.
type EnforcementError struct {
	Action decision.Action
	Err    error
}

func (e *EnforcementError) Error() string {
	return fmt.Sprintf("enforce %s: %v", e.Action, e.Err)
}

func (e *EnforcementError) Unwrap() error { return e.Err }

// enforce runs the action table. Warn and mute failures come back as
// outcomes; kick and ban failures as *EnforcementError.
func (p *Pipeline) enforce(ctx context.Context, msg Message, d decision.Decision) ([]Outcome, error) {
	m := Member{GuildID: msg.GuildID, UserID: msg.AuthorID}

	switch d.Action {
	case decision.ActionWarn:
		err := p.enforcer.SendDirectNotice(ctx, m, "⚠️ NEXUS Warning: "+d.Reason)
		return []Outcome{p.bestEffort(StepDirectNotice, msg, err)}, nil

	case decision.ActionMute:
		var out []Outcome
		if p.cfg.MuteRoleID != "" {
			err := p.enforcer.AddRestrictionRole(ctx, m, p.cfg.MuteRoleID, "NEXUS mute: "+d.Reason)
			out = append(out, p.bestEffort(StepRestrictionRole, msg, err))
		}
		if d.DurationMinutes > 0 && !p.elevated(ctx, msg, m) {
			until := p.now().Add(time.Duration(d.DurationMinutes) * time.Minute)
			err := p.enforcer.AddTimedRestriction(ctx, m, until, "NEXUS timed mute: "+d.Reason)
			out = append(out, p.bestEffort(StepTimedRestrict, msg, err))
		}
		return out, nil

	case decision.ActionKick:
		if err := p.enforcer.RemoveMember(ctx, m, "NEXUS kick: "+d.Reason); err != nil {
			enforcementFailures.WithLabelValues(string(d.Action)).Inc()
			return nil, &EnforcementError{Action: d.Action, Err: err}
		}
		return nil, nil

	case decision.ActionBan:
		if err := p.enforcer.BanMember(ctx, m, "NEXUS ban: "+d.Reason, BanMessageRetentionDays); err != nil {
			enforcementFailures.WithLabelValues(string(d.Action)).Inc()
			return nil, &EnforcementError{Action: d.Action, Err: err}
		}
		return nil, nil
	}

	return nil, nil
}

func (p *Pipeline) elevated(ctx context.Context, msg Message, m Member) bool {
	if msg.AuthorElevated {
		return true
	}
	ec, ok := p.enforcer.(ElevationChecker)
	if !ok {
		return false
	}
	elevated, err := ec.MemberElevated(ctx, m, msg.ChannelID)
	if err != nil {
		p.logger.Warn("moderation.elevation_check_failed", "user_id", msg.AuthorID, "err", err)
		return false
	}
	return elevated
}

func (p *Pipeline) bestEffort(step string, msg Message, err error) Outcome {
	if err != nil {
		enforcementFailures.WithLabelValues(step).Inc()
		p.logger.Warn("moderation.best_effort_failed",
			"step", step,
			"user_id", msg.AuthorID,
			"channel_id", msg.ChannelID,
			"err", err,
		)
	}
	return Outcome{Step: step, Err: err}
}
