package prompt

import (
	"fmt"
	"strings"
	"testing"
)

func askFixture() AskContext {
	return AskContext{
		ServerName:     "Arcade",
		Username:       "neo",
		UserID:         "42",
		ChannelID:      "7",
		UserProfile:    "username=neo; trust_score=100",
		RecentMessages: []string{"a: hi", "b: yo"},
		Question:       "best loadout?",
	}
}

func TestSystem(t *testing.T) {
	s := System("Arcade")
	if !strings.HasPrefix(s, "You are NEXUS, the autonomous AI governing agent of Arcade, a gaming community") {
		t.Errorf("unexpected system prompt: %q", s[:80])
	}
	if strings.Contains(s, "{server_name}") {
		t.Error("placeholder not substituted")
	}
}

func TestAdvisory(t *testing.T) {
	p := Advisory(askFixture())

	if p.System != System("Arcade") {
		t.Error("advisory system prompt should be the persona template")
	}
	wantOrder := []string{
		"Task: Respond to a Discord user question",
		"Available actions: respond in chat only",
		"User info:\n- username: neo\n- user_id: 42\n- channel_id: 7",
		"User profile from memory:\nusername=neo; trust_score=100",
		"Last 10 messages context:\n- a: hi\n- b: yo\n\n",
		"User question:\nbest loadout?",
		"Output constraints:\n- Keep response under 1400 characters.\n- Be direct and useful.\n- If uncertain, say what info is missing.",
	}
	last := -1
	for _, w := range wantOrder {
		idx := strings.Index(p.User, w)
		if idx < 0 {
			t.Fatalf("user prompt missing %q:\n%s", w, p.User)
		}
		if idx <= last {
			t.Errorf("section %q out of order", w)
		}
		last = idx
	}
}

func TestAdvisory_NoRecentMessages(t *testing.T) {
	ctx := askFixture()
	ctx.RecentMessages = nil
	p := Advisory(ctx)
	if !strings.Contains(p.User, "Last 10 messages context:\n- (none available)\n\n") {
		t.Errorf("expected placeholder line, got:\n%s", p.User)
	}
}

func TestAdvisory_CapsRecentMessages(t *testing.T) {
	ctx := askFixture()
	ctx.RecentMessages = nil
	for i := 0; i < 15; i++ {
		ctx.RecentMessages = append(ctx.RecentMessages, fmt.Sprintf("u: m%02d", i))
	}
	p := Advisory(ctx)
	if strings.Contains(p.User, "m04") {
		t.Error("oldest messages beyond the cap should be dropped")
	}
	if !strings.Contains(p.User, "- u: m05\n") || !strings.Contains(p.User, "- u: m14\n") {
		t.Errorf("expected the 10 most recent messages:\n%s", p.User)
	}
}

func TestAdvisory_Deterministic(t *testing.T) {
	if Advisory(askFixture()) != Advisory(askFixture()) {
		t.Error("identical inputs must render identical prompts")
	}
}

func TestModeration(t *testing.T) {
	ctx := ModerationContext{
		ServerName:     "Arcade",
		Username:       "neo",
		UserID:         "42",
		ChannelID:      "7",
		UserProfile:    "username=neo",
		MessageContent: "buy free nitro here",
		ServerRules:    "No scams.",
	}
	p := Moderation(ctx)

	for _, action := range []string{"ignore", "warn", "mute", "kick", "ban"} {
		if !strings.Contains(p.User, "- "+action+":") {
			t.Errorf("action %q not enumerated", action)
		}
	}
	for _, want := range []string{
		"choose ignore and state the uncertainty",
		"Server rules:\nNo scams.",
		"Target message:\nbuy free nitro here",
		"- (none available)",
		`"action"`, `"confidence"`, `"reason"`, `"duration_minutes"`,
		"strict JSON only",
	} {
		if !strings.Contains(p.User, want) {
			t.Errorf("moderation prompt missing %q", want)
		}
	}
	if p != Moderation(ctx) {
		t.Error("moderation prompt must be deterministic")
	}
}
