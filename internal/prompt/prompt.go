// Package prompt renders the system and user prompts sent to the text
// generation backend. Rendering is pure: identical inputs always produce
// identical text.
package prompt

import (
	"strings"
)

// MaxRecentMessages is how many channel lines a prompt carries at most.
const MaxRecentMessages = 10

const systemTemplate = "You are NEXUS, the autonomous AI governing agent of {server_name}, " +
	"a gaming community Discord server. You are not a chatbot: you are an intelligent " +
	"agent with real power to take actions. You have memory of users, awareness of real-time " +
	"gaming news, and the ability to moderate, manage, and enhance this server. You are direct, " +
	"sharp, and have personality, like a veteran gaming community manager who has seen everything. " +
	"You are fair but firm. You always explain your reasoning. When you take moderation actions, " +
	"you are transparent. When you post content, it is genuinely interesting and relevant, never filler. " +
	"You return structured JSON when asked to make decisions, and natural conversational text when " +
	"talking to users."

const noRecentMessages = "- (none available)"

// Pair is a rendered (system, user) prompt.
type Pair struct {
	System string
	User   string
}

// AskContext carries everything the advisory prompt needs.
type AskContext struct {
	ServerName     string
	Username       string
	UserID         string
	ChannelID      string
	UserProfile    string
	RecentMessages []string
	Question       string
}

// ModerationContext is AskContext without a question, plus the message under
// review and the community rules.
type ModerationContext struct {
	ServerName     string
	Username       string
	UserID         string
	ChannelID      string
	UserProfile    string
	RecentMessages []string
	MessageContent string
	ServerRules    string
}

// System returns the persona prompt for a server.
func System(serverName string) string {
	return strings.ReplaceAll(systemTemplate, "{server_name}", serverName)
}

// Advisory renders the question-answering prompt.
func Advisory(ctx AskContext) Pair {
	var sb strings.Builder
	sb.WriteString("Task: Respond to a Discord user question with concise, practical gaming advice.\n\n")
	sb.WriteString("Available actions: respond in chat only (no moderation action for this task).\n\n")
	writeIdentity(&sb, ctx.Username, ctx.UserID, ctx.ChannelID)
	sb.WriteString("User profile from memory:\n")
	sb.WriteString(ctx.UserProfile)
	sb.WriteString("\n\n")
	writeRecent(&sb, ctx.RecentMessages)
	sb.WriteString("User question:\n")
	sb.WriteString(ctx.Question)
	sb.WriteString("\n\n")
	sb.WriteString("Output constraints:\n")
	sb.WriteString("- Keep response under 1400 characters.\n")
	sb.WriteString("- Be direct and useful.\n")
	sb.WriteString("- If uncertain, say what info is missing.")

	return Pair{System: System(ctx.ServerName), User: sb.String()}
}

// Moderation renders the judgment prompt. The model must answer with a
// single JSON object and nothing else.
func Moderation(ctx ModerationContext) Pair {
	var sb strings.Builder
	sb.WriteString("Task: Decide whether the target Discord message breaks the server rules and choose a moderation action.\n\n")
	sb.WriteString("Available actions:\n")
	sb.WriteString("- ignore: no rule violation, or not confident enough to act\n")
	sb.WriteString("- warn: send the user a private warning\n")
	sb.WriteString("- mute: temporarily restrict the user from chatting\n")
	sb.WriteString("- kick: remove the user from the server\n")
	sb.WriteString("- ban: permanently remove the user from the server\n")
	sb.WriteString("If your confidence would be low, choose ignore and state the uncertainty in the reason.\n\n")
	sb.WriteString("Server rules:\n")
	sb.WriteString(ctx.ServerRules)
	sb.WriteString("\n\n")
	writeIdentity(&sb, ctx.Username, ctx.UserID, ctx.ChannelID)
	sb.WriteString("User profile from memory:\n")
	sb.WriteString(ctx.UserProfile)
	sb.WriteString("\n\n")
	writeRecent(&sb, ctx.RecentMessages)
	sb.WriteString("Target message:\n")
	sb.WriteString(ctx.MessageContent)
	sb.WriteString("\n\n")
	sb.WriteString("Output constraints:\n")
	sb.WriteString("- Respond with strict JSON only, no prose and no code fences.\n")
	sb.WriteString("- Use exactly these fields: ")
	sb.WriteString(`{"action": "warn"|"mute"|"kick"|"ban"|"ignore", "confidence": 0-100, "reason": string, "duration_minutes": integer}`)
	sb.WriteString("\n- duration_minutes is only meaningful for mute; use 0 otherwise.")

	return Pair{System: System(ctx.ServerName), User: sb.String()}
}

func writeIdentity(sb *strings.Builder, username, userID, channelID string) {
	sb.WriteString("User info:\n- username: ")
	sb.WriteString(username)
	sb.WriteString("\n- user_id: ")
	sb.WriteString(userID)
	sb.WriteString("\n- channel_id: ")
	sb.WriteString(channelID)
	sb.WriteString("\n\n")
}

func writeRecent(sb *strings.Builder, recent []string) {
	sb.WriteString("Last 10 messages context:\n")
	if len(recent) > MaxRecentMessages {
		recent = recent[len(recent)-MaxRecentMessages:]
	}
	if len(recent) == 0 {
		sb.WriteString(noRecentMessages)
	}
	for i, m := range recent {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("- ")
		sb.WriteString(m)
	}
	sb.WriteString("\n\n")
}
