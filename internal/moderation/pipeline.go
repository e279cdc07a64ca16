// Package moderation screens inbound chat messages, asks the decision engine
// for a judgment on suspicious ones and routes each judgment to enforcement
// or staff escalation. Every run that reaches a decision leaves exactly one
// audit record.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stellarlinkco/nexus/internal/decision"
	"github.com/stellarlinkco/nexus/internal/prompt"
	"github.com/stellarlinkco/nexus/internal/store"
)

// ActionEscalate is the audit action written when a judgment is routed to staff.
const ActionEscalate = "escalate"

// settleTimeout bounds the audit write and staff notification that close a
// run once the caller's context is gone.
const settleTimeout = 5 * time.Second

// Message is an inbound chat message as delivered by a platform adapter.
type Message struct {
	ID          string
	GuildID     string
	ChannelID   string
	AuthorID    string
	AuthorName  string
	DisplayName string
	AuthorIsBot bool
	// AuthorElevated marks an author already known to moderate members.
	// When false, an ElevationChecker enforcer is asked before a timed
	// restriction.
	AuthorElevated bool
	Content        string
}

type Judge interface {
	Judge(ctx context.Context, mc prompt.ModerationContext) (decision.Decision, error)
}

type ProfileStore interface {
	GetOrCreate(ctx context.Context, userID, username string) (store.Profile, error)
	AppendAudit(ctx context.Context, rec store.AuditRecord) error
}

type RecentReader interface {
	Read(channelID string) []string
}

type DedupeGuard interface {
	First(ctx context.Context, key string) (bool, error)
}

type Config struct {
	ServerName          string
	RulesText           string
	ConfidenceThreshold int
	MuteRoleID          string
	StaffChannelID      string
}

// Stage is where a pipeline run ended.
type Stage string

const (
	StageDiscarded Stage = "discarded"
	StageDuplicate Stage = "duplicate"
	StageClean     Stage = "clean"
	StageEscalated Stage = "escalated"
	StageEnforced  Stage = "enforced"
)

type Result struct {
	Stage    Stage
	Decision decision.Decision
	Outcomes []Outcome
}

type Pipeline struct {
	cfg      Config
	screener *Screener
	judge    Judge
	profiles ProfileStore
	recent   RecentReader
	enforcer Enforcer
	notifier Notifier
	dedupe   DedupeGuard
	logger   *slog.Logger
	now      func() time.Time
}

type Deps struct {
	Screener *Screener
	Judge    Judge
	Profiles ProfileStore
	Recent   RecentReader
	Enforcer Enforcer
	// Notifier and Dedupe are optional.
	Notifier Notifier
	Dedupe   DedupeGuard
	Logger   *slog.Logger
}

func NewPipeline(cfg Config, deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	screener := deps.Screener
	if screener == nil {
		screener = NewScreener(nil)
	}
	return &Pipeline{
		cfg:      cfg,
		screener: screener,
		judge:    deps.Judge,
		profiles: deps.Profiles,
		recent:   deps.Recent,
		enforcer: deps.Enforcer,
		notifier: deps.Notifier,
		dedupe:   deps.Dedupe,
		logger:   logger.With("component", "moderation"),
		now:      time.Now,
	}
}

// Handle runs one message through the pipeline. It returns an error for
// provider failures, store failures and failed kicks or bans; warn and mute
// failures are reported in Result.Outcomes only.
func (p *Pipeline) Handle(ctx context.Context, msg Message) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("moderation.panic", "err", r, "message_id", msg.ID, "channel_id", msg.ChannelID)
			err = fmt.Errorf("moderation panic: %v", r)
		}
	}()

	if msg.AuthorIsBot || msg.GuildID == "" {
		return Result{Stage: StageDiscarded}, nil
	}

	if p.dedupe != nil && msg.ID != "" {
		first, derr := p.dedupe.First(ctx, msg.ID)
		if derr != nil {
			p.logger.Warn("moderation.dedupe_failed", "message_id", msg.ID, "err", derr)
		} else if !first {
			duplicateMessages.Inc()
			return Result{Stage: StageDuplicate}, nil
		}
	}

	messagesScreened.Inc()
	if !p.screener.Suspicious(msg.Content) {
		return Result{Stage: StageClean}, nil
	}
	messagesFlagged.Inc()

	logger := p.logger.With("user_id", msg.AuthorID, "channel_id", msg.ChannelID, "message_id", msg.ID)

	profile, err := p.profiles.GetOrCreate(ctx, msg.AuthorID, msg.AuthorName)
	if err != nil {
		logger.Error("moderation.profile_failed", "err", err)
		return Result{}, fmt.Errorf("load profile: %w", err)
	}

	var recent []string
	if p.recent != nil {
		recent = p.recent.Read(msg.ChannelID)
	}

	start := time.Now()
	d, err := p.judge.Judge(ctx, prompt.ModerationContext{
		ServerName:     p.cfg.ServerName,
		Username:       msg.DisplayName,
		UserID:         msg.AuthorID,
		ChannelID:      msg.ChannelID,
		UserProfile:    profile.Summary(),
		RecentMessages: recent,
		MessageContent: msg.Content,
		ServerRules:    p.cfg.RulesText,
	})
	judgeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		judgeErrors.Inc()
		logger.Error("moderation.judge_failed", "err", err)
		return Result{}, fmt.Errorf("judge message: %w", err)
	}
	decisionCount.WithLabelValues(string(d.Action)).Inc()

	if d.Confidence < p.cfg.ConfidenceThreshold {
		escalationCount.Inc()
		logger.Info("moderation.escalated", "action", d.Action, "confidence", d.Confidence)
		res = Result{Stage: StageEscalated, Decision: d}
		err = p.record(ctx, msg, ActionEscalate, d)
		p.notify(ctx, logger, msg, d, true)
		return res, err
	}

	outcomes, enforceErr := p.enforce(ctx, msg, d)
	if enforceErr != nil {
		logger.Error("moderation.enforcement_failed", "action", d.Action, "err", enforceErr)
	} else {
		logger.Info("moderation.enforced", "action", d.Action, "confidence", d.Confidence)
	}

	res = Result{Stage: StageEnforced, Decision: d, Outcomes: outcomes}
	auditErr := p.record(ctx, msg, string(d.Action), d)
	p.notify(ctx, logger, msg, d, false)
	return res, errors.Join(enforceErr, auditErr)
}

// settled detaches ctx from cancellation so a run that already enforced still
// writes its audit record during shutdown.
func settled(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (p *Pipeline) record(ctx context.Context, msg Message, action string, d decision.Decision) error {
	ctx, cancel := settled(ctx)
	defer cancel()
	err := p.profiles.AppendAudit(ctx, store.AuditRecord{
		UserID:         msg.AuthorID,
		Action:         action,
		Reason:         d.Reason,
		Confidence:     d.Confidence,
		MessageContent: msg.Content,
		ChannelID:      msg.ChannelID,
		Timestamp:      p.now(),
		ModOverride:    false,
	})
	if err != nil {
		p.logger.Error("moderation.audit_failed", "user_id", msg.AuthorID, "action", action, "err", err)
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (p *Pipeline) notify(ctx context.Context, logger *slog.Logger, msg Message, d decision.Decision, escalated bool) {
	if p.notifier == nil || p.cfg.StaffChannelID == "" {
		return
	}
	ctx, cancel := settled(ctx)
	defer cancel()
	name := msg.AuthorName
	if name == "" {
		name = msg.DisplayName
	}
	err := p.notifier.PostSummary(ctx, p.cfg.StaffChannelID, Summary{
		Escalated:  escalated,
		UserName:   name,
		UserID:     msg.AuthorID,
		ChannelID:  msg.ChannelID,
		Action:     string(d.Action),
		Confidence: d.Confidence,
		Reason:     d.Reason,
		Message:    msg.Content,
	}, true)
	if err != nil {
		logger.Warn("moderation.staff_notify_failed", "staff_channel_id", p.cfg.StaffChannelID, "err", err)
	}
}
