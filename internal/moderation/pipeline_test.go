package moderation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/nexus/internal/decision"
	"github.com/stellarlinkco/nexus/internal/prompt"
	"github.com/stellarlinkco/nexus/internal/provider"
	"github.com/stellarlinkco/nexus/internal/store"
)

type fakeJudge struct {
	decision decision.Decision
	err      error
	calls    []prompt.ModerationContext
	panicMsg string
}

func (f *fakeJudge) Judge(_ context.Context, mc prompt.ModerationContext) (decision.Decision, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.calls = append(f.calls, mc)
	return f.decision, f.err
}

type fakeProfiles struct {
	mu       sync.Mutex
	profile  store.Profile
	getErr   error
	auditErr error
	audits   []store.AuditRecord
	gets     int
}

func (f *fakeProfiles) GetOrCreate(_ context.Context, userID, username string) (store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return store.Profile{}, f.getErr
	}
	p := f.profile
	p.UserID = userID
	p.Username = username
	return p, nil
}

func (f *fakeProfiles) AppendAudit(ctx context.Context, rec store.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.auditErr != nil {
		return f.auditErr
	}
	f.audits = append(f.audits, rec)
	return nil
}

type fakeRecent map[string][]string

func (f fakeRecent) Read(channelID string) []string { return f[channelID] }

type enforcerCall struct {
	method string
	member Member
	arg    string
	until  time.Time
	days   int
}

type fakeEnforcer struct {
	calls []enforcerCall
	errs  map[string]error
	// after runs once a call is recorded.
	after func(method string)

	elevated    bool
	elevatedErr error
	checks      int
}

func (f *fakeEnforcer) record(c enforcerCall) error {
	f.calls = append(f.calls, c)
	if f.after != nil {
		f.after(c.method)
	}
	return f.errs[c.method]
}

func (f *fakeEnforcer) MemberElevated(_ context.Context, _ Member, _ string) (bool, error) {
	f.checks++
	return f.elevated, f.elevatedErr
}

func (f *fakeEnforcer) SendDirectNotice(_ context.Context, m Member, text string) error {
	return f.record(enforcerCall{method: "notice", member: m, arg: text})
}

func (f *fakeEnforcer) AddRestrictionRole(_ context.Context, m Member, roleID, reason string) error {
	return f.record(enforcerCall{method: "role", member: m, arg: roleID + "|" + reason})
}

func (f *fakeEnforcer) AddTimedRestriction(_ context.Context, m Member, until time.Time, reason string) error {
	return f.record(enforcerCall{method: "timeout", member: m, arg: reason, until: until})
}

func (f *fakeEnforcer) RemoveMember(_ context.Context, m Member, reason string) error {
	return f.record(enforcerCall{method: "kick", member: m, arg: reason})
}

func (f *fakeEnforcer) BanMember(_ context.Context, m Member, reason string, days int) error {
	return f.record(enforcerCall{method: "ban", member: m, arg: reason, days: days})
}

func (f *fakeEnforcer) count(method string) int {
	n := 0
	for _, c := range f.calls {
		if c.method == method {
			n++
		}
	}
	return n
}

type posted struct {
	channelID string
	summary   Summary
	ack       bool
}

type fakeNotifier struct {
	posts []posted
	err   error
}

func (f *fakeNotifier) PostSummary(_ context.Context, channelID string, s Summary, ack bool) error {
	f.posts = append(f.posts, posted{channelID: channelID, summary: s, ack: ack})
	return f.err
}

type fakeDedupe struct {
	seen map[string]bool
	err  error
}

func (f *fakeDedupe) First(_ context.Context, key string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

type harness struct {
	pipeline *Pipeline
	judge    *fakeJudge
	profiles *fakeProfiles
	enforcer *fakeEnforcer
	notifier *fakeNotifier
}

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newHarness(d decision.Decision) *harness {
	h := &harness{
		judge:    &fakeJudge{decision: d},
		profiles: &fakeProfiles{profile: store.Profile{TrustScore: 100}},
		enforcer: &fakeEnforcer{errs: map[string]error{}},
		notifier: &fakeNotifier{},
	}
	h.pipeline = NewPipeline(Config{
		ServerName:          "Arcade",
		RulesText:           "No scams.",
		ConfidenceThreshold: 70,
		MuteRoleID:          "role-1",
		StaffChannelID:      "staff-1",
	}, Deps{
		Screener: NewScreener([]string{"free nitro"}),
		Judge:    h.judge,
		Profiles: h.profiles,
		Recent:   fakeRecent{"c1": {"a: hi", "b: hello"}},
		Enforcer: h.enforcer,
		Notifier: h.notifier,
	})
	h.pipeline.now = func() time.Time { return fixedNow }
	return h
}

func flagged() Message {
	return Message{
		ID:          "m1",
		GuildID:     "g1",
		ChannelID:   "c1",
		AuthorID:    "u1",
		AuthorName:  "neo",
		DisplayName: "Neo",
		Content:     "get FREE NITRO here",
	}
}

func TestPipeline_DiscardsBotsAndDirectMessages(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(decision.Decision{Action: decision.ActionBan, Confidence: 99})

	bot := flagged()
	bot.AuthorIsBot = true
	res, err := h.pipeline.Handle(context.Background(), bot)
	assert.NoError(err)
	assert.Equal(StageDiscarded, res.Stage)

	dm := flagged()
	dm.GuildID = ""
	res, err = h.pipeline.Handle(context.Background(), dm)
	assert.NoError(err)
	assert.Equal(StageDiscarded, res.Stage)

	assert.Empty(h.judge.calls)
	assert.Empty(h.profiles.audits)
}

func TestPipeline_CleanMessageStopsAtPrescreen(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(decision.Decision{Action: decision.ActionBan, Confidence: 99})

	msg := flagged()
	msg.Content = "anyone up for ranked tonight?"
	res, err := h.pipeline.Handle(context.Background(), msg)
	assert.NoError(err)
	assert.Equal(StageClean, res.Stage)
	assert.Empty(h.judge.calls)
	assert.Empty(h.profiles.audits)
	assert.Zero(h.profiles.gets)
	assert.Empty(h.enforcer.calls)
	assert.Empty(h.notifier.posts)
}

func TestPipeline_LowConfidenceEscalates(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(decision.Decision{Action: decision.ActionBan, Confidence: 50, Reason: "maybe a scam"})

	res, err := h.pipeline.Handle(context.Background(), flagged())
	require.NoError(t, err)
	assert.Equal(StageEscalated, res.Stage)
	assert.Empty(h.enforcer.calls, "escalation must never enforce")

	require.Len(t, h.profiles.audits, 1)
	rec := h.profiles.audits[0]
	assert.Equal(ActionEscalate, rec.Action)
	assert.Equal(50, rec.Confidence)
	assert.Equal("maybe a scam", rec.Reason)
	assert.Equal("get FREE NITRO here", rec.MessageContent)
	assert.Equal("c1", rec.ChannelID)
	assert.Equal(fixedNow, rec.Timestamp)
	assert.False(rec.ModOverride)

	require.Len(t, h.notifier.posts, 1)
	post := h.notifier.posts[0]
	assert.Equal("staff-1", post.channelID)
	assert.True(post.ack)
	assert.True(post.summary.Escalated)
	assert.Equal(TitleEscalation, post.summary.Title())
	assert.Equal("ban", post.summary.Action)
}

func TestPipeline_GateIgnoresActionBelowThreshold(t *testing.T) {
	for _, action := range []decision.Action{decision.ActionWarn, decision.ActionMute, decision.ActionKick, decision.ActionBan, decision.ActionIgnore} {
		h := newHarness(decision.Decision{Action: action, Confidence: 69, DurationMinutes: 10})
		res, err := h.pipeline.Handle(context.Background(), flagged())
		require.NoError(t, err)
		assert.Equal(t, StageEscalated, res.Stage, action)
		assert.Empty(t, h.enforcer.calls, action)
	}
}

func TestPipeline_BanAtThreshold(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(decision.Decision{Action: decision.ActionBan, Confidence: 70, Reason: "scam link"})

	res, err := h.pipeline.Handle(context.Background(), flagged())
	require.NoError(t, err)
	assert.Equal(StageEnforced, res.Stage)

	assert.Equal(1, h.enforcer.count("ban"))
	assert.Len(h.enforcer.calls, 1)
	ban := h.enforcer.calls[0]
	assert.Equal(Member{GuildID: "g1", UserID: "u1"}, ban.member)
	assert.Equal("NEXUS ban: scam link", ban.arg)
	assert.Equal(1, ban.days)

	require.Len(t, h.profiles.audits, 1)
	assert.Equal("ban", h.profiles.audits[0].Action)
	assert.False(h.profiles.audits[0].ModOverride)

	require.Len(t, h.notifier.posts, 1)
	assert.False(h.notifier.posts[0].summary.Escalated)
	assert.Equal(TitleAction, h.notifier.posts[0].summary.Title())
}

func TestPipeline_JudgeContext(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(decision.Decision{Action: decision.ActionIgnore, Confidence: 90})
	h.profiles.profile = store.Profile{TrustScore: 80, WarningCount: 2, Notes: "watch"}

	_, err := h.pipeline.Handle(context.Background(), flagged())
	require.NoError(t, err)
	require.Len(t, h.judge.calls, 1)
	mc := h.judge.calls[0]
	assert.Equal("Arcade", mc.ServerName)
	assert.Equal("Neo", mc.Username)
	assert.Equal("u1", mc.UserID)
	assert.Equal("No scams.", mc.ServerRules)
	assert.Equal([]string{"a: hi", "b: hello"}, mc.RecentMessages)
	assert.Equal("username=neo; trust_score=80; warnings=2; preferred_games=[]; notes=watch", mc.UserProfile)
}

func TestPipeline_Warn(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(decision.Decision{Action: decision.ActionWarn, Confidence: 80, Reason: "language"})
	h.enforcer.errs["notice"] = errors.New("cannot send messages to this user")

	res, err := h.pipeline.Handle(context.Background(), flagged())
	assert.NoError(err, "warn delivery failure must be swallowed")
	assert.Equal(StageEnforced, res.Stage)
	require.Len(t, res.Outcomes, 1)
	assert.Equal(StepDirectNotice, res.Outcomes[0].Step)
	assert.False(res.Outcomes[0].OK())

	require.Len(t, h.enforcer.calls, 1)
	assert.Equal("⚠️ NEXUS Warning: language", h.enforcer.calls[0].arg)
	require.Len(t, h.profiles.audits, 1)
	assert.Equal("warn", h.profiles.audits[0].Action)
}

func TestPipeline_Mute(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(decision.Decision{Action: decision.ActionMute, Confidence: 85, Reason: "spam", DurationMinutes: 30})

	res, err := h.pipeline.Handle(context.Background(), flagged())
	require.NoError(t, err)
	require.Len(t, h.enforcer.calls, 2)
	assert.Equal("role", h.enforcer.calls[0].method)
	assert.Equal("role-1|NEXUS mute: spam", h.enforcer.calls[0].arg)
	assert.Equal("timeout", h.enforcer.calls[1].method)
	assert.Equal("NEXUS timed mute: spam", h.enforcer.calls[1].arg)
	assert.Equal(fixedNow.Add(30*time.Minute), h.enforcer.calls[1].until)
	assert.Len(res.Outcomes, 2)
}

func TestPipeline_MuteSkipsTimeoutForElevatedOrZeroDuration(t *testing.T) {
	h := newHarness(decision.Decision{Action: decision.ActionMute, Confidence: 85, Reason: "spam", DurationMinutes: 30})
	msg := flagged()
	msg.AuthorElevated = true
	_, err := h.pipeline.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, 1, h.enforcer.count("role"))
	assert.Zero(t, h.enforcer.count("timeout"))

	h = newHarness(decision.Decision{Action: decision.ActionMute, Confidence: 85, Reason: "spam"})
	_, err = h.pipeline.Handle(context.Background(), flagged())
	require.NoError(t, err)
	assert.Zero(t, h.enforcer.count("timeout"))
}

func TestPipeline_MuteAsksEnforcerForElevation(t *testing.T) {
	h := newHarness(decision.Decision{Action: decision.ActionMute, Confidence: 85, Reason: "spam", DurationMinutes: 30})
	h.enforcer.elevated = true
	_, err := h.pipeline.Handle(context.Background(), flagged())
	require.NoError(t, err)
	assert.Equal(t, 1, h.enforcer.checks)
	assert.Zero(t, h.enforcer.count("timeout"))

	h = newHarness(decision.Decision{Action: decision.ActionMute, Confidence: 85, Reason: "spam", DurationMinutes: 30})
	h.enforcer.elevatedErr = errors.New("chat not found")
	_, err = h.pipeline.Handle(context.Background(), flagged())
	require.NoError(t, err)
	assert.Equal(t, 1, h.enforcer.count("timeout"), "lookup failure falls back to restricting")
}

func TestPipeline_ElevationOnlyCheckedForTimedMute(t *testing.T) {
	for _, d := range []decision.Decision{
		{Action: decision.ActionWarn, Confidence: 90},
		{Action: decision.ActionMute, Confidence: 90},
		{Action: decision.ActionBan, Confidence: 90},
		{Action: decision.ActionMute, Confidence: 40, DurationMinutes: 10},
	} {
		h := newHarness(d)
		_, err := h.pipeline.Handle(context.Background(), flagged())
		require.NoError(t, err)
		assert.Zero(t, h.enforcer.checks, "action=%s confidence=%d", d.Action, d.Confidence)
	}

	h := newHarness(decision.Decision{Action: decision.ActionMute, Confidence: 85, DurationMinutes: 30})
	msg := flagged()
	msg.AuthorElevated = true
	_, err := h.pipeline.Handle(context.Background(), msg)
	require.NoError(t, err)
	assert.Zero(t, h.enforcer.checks)
}

func TestPipeline_MuteFailuresAreSwallowed(t *testing.T) {
	h := newHarness(decision.Decision{Action: decision.ActionMute, Confidence: 85, Reason: "spam", DurationMinutes: 5})
	h.enforcer.errs["role"] = errors.New("missing permissions")
	h.enforcer.errs["timeout"] = errors.New("missing permissions")

	res, err := h.pipeline.Handle(context.Background(), flagged())
	require.NoError(t, err)
	for _, o := range res.Outcomes {
		assert.False(t, o.OK())
	}
	require.Len(t, h.profiles.audits, 1)
	assert.Equal(t, "mute", h.profiles.audits[0].Action)
}

func TestPipeline_MuteWithoutRole(t *testing.T) {
	h := newHarness(decision.Decision{Action: decision.ActionMute, Confidence: 85, Reason: "spam", DurationMinutes: 5})
	h.pipeline.cfg.MuteRoleID = ""

	_, err := h.pipeline.Handle(context.Background(), flagged())
	require.NoError(t, err)
	assert.Zero(t, h.enforcer.count("role"))
	assert.Equal(t, 1, h.enforcer.count("timeout"))
}

func TestPipeline_KickFailurePropagatesAfterAudit(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(decision.Decision{Action: decision.ActionKick, Confidence: 95, Reason: "raid"})
	cause := errors.New("403 missing permissions")
	h.enforcer.errs["kick"] = cause

	res, err := h.pipeline.Handle(context.Background(), flagged())
	require.Error(t, err)
	var enfErr *EnforcementError
	require.True(t, errors.As(err, &enfErr))
	assert.Equal(decision.ActionKick, enfErr.Action)
	assert.ErrorIs(err, cause)
	assert.Equal(StageEnforced, res.Stage)
	assert.Equal("NEXUS kick: raid", h.enforcer.calls[0].arg)

	require.Len(t, h.profiles.audits, 1, "audit must be written even when enforcement fails")
	assert.Equal("kick", h.profiles.audits[0].Action)
}

func TestPipeline_AuditSurvivesCancelledContext(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(decision.Decision{Action: decision.ActionBan, Confidence: 97, Reason: "phishing"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.enforcer.after = func(method string) {
		if method == "ban" {
			cancel()
		}
	}

	res, err := h.pipeline.Handle(ctx, flagged())
	require.NoError(t, err)
	assert.Equal(StageEnforced, res.Stage)
	assert.Equal(1, h.enforcer.count("ban"))
	require.Len(t, h.profiles.audits, 1)
	assert.Equal("ban", h.profiles.audits[0].Action)
	assert.Len(h.notifier.posts, 1)
}

func TestPipeline_Ignore(t *testing.T) {
	h := newHarness(decision.Decision{Action: decision.ActionIgnore, Confidence: 90, Reason: "banter"})

	res, err := h.pipeline.Handle(context.Background(), flagged())
	require.NoError(t, err)
	assert.Equal(t, StageEnforced, res.Stage)
	assert.Empty(t, h.enforcer.calls)
	require.Len(t, h.profiles.audits, 1)
	assert.Equal(t, "ignore", h.profiles.audits[0].Action)
}

func TestPipeline_ProviderErrorPropagates(t *testing.T) {
	h := newHarness(decision.Decision{})
	h.judge.err = &provider.RequestError{Provider: "fake", StatusCode: 500, Body: "boom"}

	_, err := h.pipeline.Handle(context.Background(), flagged())
	assert.ErrorIs(t, err, provider.ErrRequestFailed)
	assert.Empty(t, h.profiles.audits)
	assert.Empty(t, h.enforcer.calls)
	assert.Empty(t, h.notifier.posts)
}

func TestPipeline_ProfileErrorStopsRun(t *testing.T) {
	h := newHarness(decision.Decision{Action: decision.ActionBan, Confidence: 99})
	h.profiles.getErr = errors.New("database is locked")

	_, err := h.pipeline.Handle(context.Background(), flagged())
	assert.Error(t, err)
	assert.Empty(t, h.judge.calls)
}

func TestPipeline_AuditErrorIsReturned(t *testing.T) {
	h := newHarness(decision.Decision{Action: decision.ActionWarn, Confidence: 90, Reason: "r"})
	h.profiles.auditErr = errors.New("disk full")

	_, err := h.pipeline.Handle(context.Background(), flagged())
	assert.ErrorContains(t, err, "disk full")
	assert.Len(t, h.notifier.posts, 1, "notification still goes out")
}

func TestPipeline_NoStaffChannelSkipsNotification(t *testing.T) {
	h := newHarness(decision.Decision{Action: decision.ActionWarn, Confidence: 30})
	h.pipeline.cfg.StaffChannelID = ""

	_, err := h.pipeline.Handle(context.Background(), flagged())
	require.NoError(t, err)
	assert.Empty(t, h.notifier.posts)
	assert.Len(t, h.profiles.audits, 1)
}

func TestPipeline_NotifierFailureIsNotFatal(t *testing.T) {
	h := newHarness(decision.Decision{Action: decision.ActionWarn, Confidence: 30})
	h.notifier.err = errors.New("unknown channel")

	_, err := h.pipeline.Handle(context.Background(), flagged())
	assert.NoError(t, err)
}

func TestPipeline_DuplicateMessageProcessedOnce(t *testing.T) {
	h := newHarness(decision.Decision{Action: decision.ActionBan, Confidence: 99})
	h.pipeline.dedupe = &fakeDedupe{seen: map[string]bool{}}

	res, err := h.pipeline.Handle(context.Background(), flagged())
	require.NoError(t, err)
	assert.Equal(t, StageEnforced, res.Stage)

	res, err = h.pipeline.Handle(context.Background(), flagged())
	require.NoError(t, err)
	assert.Equal(t, StageDuplicate, res.Stage)
	assert.Equal(t, 1, h.enforcer.count("ban"))
	assert.Len(t, h.profiles.audits, 1)
}

func TestPipeline_DedupeFailureFailsOpen(t *testing.T) {
	h := newHarness(decision.Decision{Action: decision.ActionWarn, Confidence: 99})
	h.pipeline.dedupe = &fakeDedupe{err: errors.New("connection refused")}

	res, err := h.pipeline.Handle(context.Background(), flagged())
	require.NoError(t, err)
	assert.Equal(t, StageEnforced, res.Stage)
}

func TestPipeline_RecoversPanic(t *testing.T) {
	h := newHarness(decision.Decision{})
	h.judge.panicMsg = "boom"

	_, err := h.pipeline.Handle(context.Background(), flagged())
	assert.ErrorContains(t, err, "boom")
}

func TestSummaryFields(t *testing.T) {
	assert := assert.New(t)
	s := Summary{
		UserName:   "neo",
		UserID:     "u1",
		ChannelID:  "c1",
		Action:     "warn",
		Confidence: 77,
		Reason:     strings.Repeat("r", 2000),
	}
	fields := s.Fields()
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.Name)
	}
	assert.Equal([]string{"User", "Channel", "Action", "Confidence", "Reason", "Message"}, names)
	assert.Equal("neo (`u1`)", fields[0].Value)
	assert.Equal("77", fields[3].Value)
	assert.Len(fields[4].Value, 1024)
	assert.Equal("(empty)", fields[5].Value)
}
