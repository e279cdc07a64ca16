package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hashicorp/go-cleanhttp"

	"github.com/stellarlinkco/nexus/internal/assist"
	"github.com/stellarlinkco/nexus/internal/config"
	"github.com/stellarlinkco/nexus/internal/moderation"
)

const telegramChannelName = "telegram"

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
	GetSelf() tgbotapi.User
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *tgBotWrapper) GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error) {
	return w.bot.GetChatMember(config)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

// defaultBotFactory creates real telegram bot
var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// TelegramChannel moderates group chats. Group chats play the role of a
// community; private chats are only used for /ask and direct notices.
type TelegramChannel struct {
	BaseChannel
	token      string
	bot        TelegramBot
	proxy      string
	ctx        context.Context
	cancel     context.CancelFunc
	botFactory BotFactory
}

var (
	_ Adapter                     = (*TelegramChannel)(nil)
	_ moderation.ElevationChecker = (*TelegramChannel)(nil)
)

func NewTelegramChannel(cfg config.TelegramConfig, deps Deps) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, deps, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, deps Deps, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}

	ch := &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, deps, cfg.AllowFrom),
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		ctx:         context.Background(),
		botFactory:  factory,
	}
	return ch, nil
}

func (t *TelegramChannel) initBot() error {
	client := cleanhttp.DefaultPooledClient()
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		transport := cleanhttp.DefaultPooledTransport()
		transport.Proxy = http.ProxyURL(proxyURL)
		client.Transport = transport
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram.authorized", "user", bot.GetSelf().UserName)
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	t.ctx, t.cancel = context.WithCancel(ctx)
	ctx = t.ctx

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update := <-updates:
				if update.Message == nil {
					continue
				}
				t.handleMessage(update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	t.logger.Info("telegram.polling_started")
	return nil
}

func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("telegram.message_panic", "message_id", msg.MessageID, "err", r)
		}
	}()

	if msg.From == nil || msg.Chat == nil || msg.From.IsBot {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	if msg.IsCommand() && msg.Command() == "ask" {
		if !t.IsAllowed(senderID) {
			t.logger.Info("telegram.ask_rejected", "user_id", senderID, "username", msg.From.UserName)
			return
		}
		go t.handleAsk(msg.Chat.ID, assist.Request{
			UserID:    senderID,
			Username:  telegramDisplayName(msg.From),
			ChannelID: chatID,
			Question:  strings.TrimSpace(msg.CommandArguments()),
		})
		return
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	if content == "" {
		return
	}

	var guildID string
	if !msg.Chat.IsPrivate() {
		guildID = chatID
	}

	t.ingest(t.ctx, moderation.Message{
		ID:          chatID + ":" + strconv.Itoa(msg.MessageID),
		GuildID:     guildID,
		ChannelID:   chatID,
		AuthorID:    senderID,
		AuthorName:  msg.From.UserName,
		DisplayName: telegramDisplayName(msg.From),
		AuthorIsBot: msg.From.IsBot,
		Content:     content,
	})
}

func telegramDisplayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.UserName
	}
	return name
}

func (t *TelegramChannel) handleAsk(chatID int64, req assist.Request) {
	if req.Question == "" {
		_ = t.Send(chatID, "Usage: /ask <question>")
		return
	}
	reply, ok := t.ask(t.ctx, req)
	if !ok {
		reply = assist.FailureReply
	}
	if err := t.Send(chatID, reply); err != nil {
		t.logger.Error("telegram.reply_failed", "chat_id", chatID, "err", err)
	}
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	t.logger.Info("telegram.stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

func (t *TelegramChannel) Send(chatID int64, content string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	html := toTelegramHTML(content)

	// Telegram has a 4096 char limit per message
	const maxLen = 4000
	for len(html) > 0 {
		chunk := html
		if len(chunk) > maxLen {
			idx := strings.LastIndex(chunk[:maxLen], "\n")
			if idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:maxLen]
			}
		}
		html = html[len(chunk):]

		tgMsg := tgbotapi.NewMessage(chatID, chunk)
		tgMsg.ParseMode = tgbotapi.ModeHTML
		if _, err := t.bot.Send(tgMsg); err != nil {
			// Retry the whole text without HTML parse mode
			tgMsg.ParseMode = ""
			tgMsg.Text = content
			if _, err2 := t.bot.Send(tgMsg); err2 != nil {
				return fmt.Errorf("send telegram message: %w", err2)
			}
			return nil
		}
	}
	return nil
}

func parseTelegramID(kind, id string) (int64, error) {
	v, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram %s id %q: %w", kind, id, err)
	}
	return v, nil
}

func memberConfig(m moderation.Member) (tgbotapi.ChatMemberConfig, error) {
	chatID, err := parseTelegramID("chat", m.GuildID)
	if err != nil {
		return tgbotapi.ChatMemberConfig{}, err
	}
	userID, err := parseTelegramID("user", m.UserID)
	if err != nil {
		return tgbotapi.ChatMemberConfig{}, err
	}
	return tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID}, nil
}

// request runs one admin call. Telegram has no audit log, so reasons are
// only logged.
func (t *TelegramChannel) request(ctx context.Context, c tgbotapi.Chattable, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}
	if _, err := t.bot.Request(c); err != nil {
		return err
	}
	t.logger.Info("telegram.enforced", "reason", reason)
	return nil
}

// MemberElevated reports whether the member administers the group chat.
func (t *TelegramChannel) MemberElevated(ctx context.Context, m moderation.Member, _ string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if t.bot == nil {
		return false, fmt.Errorf("telegram bot not initialized")
	}
	cm, err := memberConfig(m)
	if err != nil {
		return false, err
	}
	member, err := t.bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: cm.ChatID, UserID: cm.UserID},
	})
	if err != nil {
		return false, fmt.Errorf("chat member %s: %w", m.UserID, err)
	}
	return member.IsAdministrator() || member.IsCreator(), nil
}

// SendDirectNotice only reaches users who have started a private chat with
// the bot.
func (t *TelegramChannel) SendDirectNotice(ctx context.Context, m moderation.Member, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	userID, err := parseTelegramID("user", m.UserID)
	if err != nil {
		return err
	}
	return t.Send(userID, text)
}

// AddRestrictionRole has no role to grant on Telegram; it applies an
// open-ended restriction instead.
func (t *TelegramChannel) AddRestrictionRole(ctx context.Context, m moderation.Member, _ string, reason string) error {
	cm, err := memberConfig(m)
	if err != nil {
		return err
	}
	return t.request(ctx, tgbotapi.RestrictChatMemberConfig{
		ChatMemberConfig: cm,
		Permissions:      &tgbotapi.ChatPermissions{},
	}, reason)
}

func (t *TelegramChannel) AddTimedRestriction(ctx context.Context, m moderation.Member, until time.Time, reason string) error {
	cm, err := memberConfig(m)
	if err != nil {
		return err
	}
	return t.request(ctx, tgbotapi.RestrictChatMemberConfig{
		ChatMemberConfig: cm,
		UntilDate:        until.Unix(),
		Permissions:      &tgbotapi.ChatPermissions{},
	}, reason)
}

// RemoveMember kicks by banning and immediately unbanning, so the user may
// rejoin.
func (t *TelegramChannel) RemoveMember(ctx context.Context, m moderation.Member, reason string) error {
	cm, err := memberConfig(m)
	if err != nil {
		return err
	}
	if err := t.request(ctx, tgbotapi.BanChatMemberConfig{ChatMemberConfig: cm}, reason); err != nil {
		return err
	}
	return t.request(ctx, tgbotapi.UnbanChatMemberConfig{ChatMemberConfig: cm, OnlyIfBanned: true}, reason)
}

func (t *TelegramChannel) BanMember(ctx context.Context, m moderation.Member, reason string, retentionDays int) error {
	cm, err := memberConfig(m)
	if err != nil {
		return err
	}
	return t.request(ctx, tgbotapi.BanChatMemberConfig{
		ChatMemberConfig: cm,
		RevokeMessages:   retentionDays > 0,
	}, reason)
}

// PostSummary sends the summary as plain text. Bot API 5.x cannot add
// reactions, so the footer only invites staff to react.
func (t *TelegramChannel) PostSummary(ctx context.Context, channelID string, s moderation.Summary, acknowledgeable bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, err := parseTelegramID("chat", channelID)
	if err != nil {
		return err
	}
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	msg := tgbotapi.NewMessage(chatID, formatSummary(s, acknowledgeable))
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("post staff summary: %w", err)
	}
	return nil
}

func formatSummary(s moderation.Summary, acknowledgeable bool) string {
	var sb strings.Builder
	sb.WriteString(s.Title())
	sb.WriteString("\n")
	for _, f := range s.Fields() {
		sb.WriteString(f.Name)
		sb.WriteString(": ")
		sb.WriteString(f.Value)
		sb.WriteString("\n")
	}
	if acknowledgeable {
		sb.WriteString(moderation.AckFooter)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// toTelegramHTML converts basic markdown to Telegram HTML.
func toTelegramHTML(s string) string {
	// Escape HTML entities first
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")

	// Code blocks: ```...``` -> <pre>...</pre>
	for {
		start := strings.Index(s, "```")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+3:], "```")
		if end == -1 {
			break
		}
		end += start + 3
		code := s[start+3 : end]
		// Strip optional language tag on first line
		if nl := strings.Index(code, "\n"); nl >= 0 {
			firstLine := strings.TrimSpace(code[:nl])
			if len(firstLine) > 0 && !strings.Contains(firstLine, " ") {
				code = code[nl+1:]
			}
		}
		s = s[:start] + "<pre>" + code + "</pre>" + s[end+3:]
	}

	// Inline code: `...` -> <code>...</code>
	s = replacePairs(s, "`", "<code>", "</code>")
	// Bold before italic so ** is not read as two *
	s = replacePairs(s, "**", "<b>", "</b>")
	s = replacePairs(s, "*", "<i>", "</i>")

	return s
}

func replacePairs(s, marker, openTag, closeTag string) string {
	for {
		start := strings.Index(s, marker)
		if start == -1 {
			return s
		}
		end := strings.Index(s[start+len(marker):], marker)
		if end == -1 {
			return s
		}
		end += start + len(marker)
		s = s[:start] + openTag + s[start+len(marker):end] + closeTag + s[end+len(marker):]
	}
}
