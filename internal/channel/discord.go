package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/stellarlinkco/nexus/internal/assist"
	"github.com/stellarlinkco/nexus/internal/config"
	"github.com/stellarlinkco/nexus/internal/moderation"
)

const (
	discordChannelName = "discord"

	askCommandGroup = "nexus"
	askCommandName  = "ask"
	askOptionName   = "question"

	colorEscalation = 0xE67E22
	colorAction     = 0xE74C3C
)

// elevatedPermissions exempt a member from timed restrictions.
const elevatedPermissions = discordgo.PermissionModerateMembers | discordgo.PermissionAdministrator

// DiscordSession is the subset of *discordgo.Session the adapter uses.
type DiscordSession interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	UserChannelPermissions(userID, channelID string, fetchOptions ...discordgo.RequestOption) (int64, error)
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	GuildMemberRoleAdd(guildID, userID, roleID string, options ...discordgo.RequestOption) error
	GuildMemberTimeout(guildID string, userID string, until *time.Time, options ...discordgo.RequestOption) error
	GuildMemberDeleteWithReason(guildID, userID, reason string, options ...discordgo.RequestOption) error
	GuildBanCreateWithReason(guildID, userID, reason string, days int, options ...discordgo.RequestOption) error
	ApplicationCommandCreate(appID string, guildID string, cmd *discordgo.ApplicationCommand, options ...discordgo.RequestOption) (*discordgo.ApplicationCommand, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// SessionFactory creates DiscordSession instances (allows mocking)
type SessionFactory func(token string) (DiscordSession, error)

var defaultSessionFactory SessionFactory = func(token string) (DiscordSession, error) {
	return newDiscordSession(token)
}

// newDiscordSession dispatches gateway events one at a time, so messages
// reach the recent-message ring in arrival order.
func newDiscordSession(token string) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.SyncEvents = true
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMembers
	return s, nil
}

type DiscordChannel struct {
	BaseChannel
	token          string
	session        DiscordSession
	sessionFactory SessionFactory
	ctx            context.Context
	cancel         context.CancelFunc
	removers       []func()
	interactions   sync.WaitGroup
}

var (
	_ Adapter                     = (*DiscordChannel)(nil)
	_ moderation.ElevationChecker = (*DiscordChannel)(nil)
)

func NewDiscordChannel(cfg config.DiscordConfig, deps Deps) (*DiscordChannel, error) {
	return NewDiscordChannelWithFactory(cfg, deps, defaultSessionFactory)
}

// NewDiscordChannelWithFactory creates a DiscordChannel with a custom session factory (for testing)
func NewDiscordChannelWithFactory(cfg config.DiscordConfig, deps Deps, factory SessionFactory) (*DiscordChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	return &DiscordChannel{
		BaseChannel:    NewBaseChannel(discordChannelName, deps, nil),
		token:          cfg.Token,
		sessionFactory: factory,
		ctx:            context.Background(),
	}, nil
}

func (d *DiscordChannel) Start(ctx context.Context) error {
	if d.session == nil {
		s, err := d.sessionFactory(d.token)
		if err != nil {
			return fmt.Errorf("create discord session: %w", err)
		}
		d.session = s
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.removers = append(d.removers,
		d.session.AddHandler(d.onReady),
		d.session.AddHandler(d.onMessageCreate),
		d.session.AddHandler(d.onInteractionCreate),
	)

	if err := d.session.Open(); err != nil {
		d.cancel()
		return fmt.Errorf("open discord session: %w", err)
	}
	d.logger.Info("discord.started")
	return nil
}

func (d *DiscordChannel) Stop() error {
	if d.cancel != nil {
		d.cancel()
	}
	for _, remove := range d.removers {
		remove()
	}
	d.removers = nil
	d.interactions.Wait()
	if d.session == nil {
		return nil
	}
	if err := d.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	d.logger.Info("discord.stopped")
	return nil
}

// SetSession sets the session (for testing)
func (d *DiscordChannel) SetSession(s DiscordSession) {
	d.session = s
}

func (d *DiscordChannel) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User == nil {
		return
	}
	d.logger.Info("discord.ready", "user", r.User.Username)
	if err := d.registerCommands(r.User.ID); err != nil {
		d.logger.Error("discord.command_register_failed", "err", err)
	}
}

func (d *DiscordChannel) registerCommands(appID string) error {
	_, err := d.session.ApplicationCommandCreate(appID, "", &discordgo.ApplicationCommand{
		Name:        askCommandGroup,
		Description: "NEXUS slash command group",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        askCommandName,
			Description: "Ask NEXUS anything gaming related",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        askOptionName,
				Description: "Your question",
				Required:    true,
			}},
		}},
	})
	return err
}

func (d *DiscordChannel) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil {
		return
	}
	d.handleMessage(m.Message)
}

func (d *DiscordChannel) handleMessage(m *discordgo.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("discord.message_panic", "message_id", m.ID, "err", r)
		}
	}()

	if m.Author == nil || m.Author.Bot {
		return
	}

	d.ingest(d.ctx, moderation.Message{
		ID:          m.ID,
		GuildID:     m.GuildID,
		ChannelID:   m.ChannelID,
		AuthorID:    m.Author.ID,
		AuthorName:  m.Author.Username,
		DisplayName: messageDisplayName(m),
		AuthorIsBot: m.Author.Bot,
		Content:     m.Content,
	})
}

func messageDisplayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	return m.Author.DisplayName()
}

// onInteractionCreate answers off the event loop; an ask waits on the model.
func (d *DiscordChannel) onInteractionCreate(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Interaction == nil {
		return
	}
	d.interactions.Add(1)
	go func() {
		defer d.interactions.Done()
		d.handleInteraction(i.Interaction)
	}()
}

func (d *DiscordChannel) handleInteraction(i *discordgo.Interaction) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("discord.interaction_panic", "err", r)
		}
	}()

	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	if data.Name != askCommandGroup {
		return
	}
	question, ok := askQuestion(data)
	if !ok {
		return
	}

	ctx := d.ctx
	if err := d.session.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}, discordgo.WithContext(ctx)); err != nil {
		d.logger.Error("discord.defer_failed", "err", err)
		return
	}

	user := interactionUser(i)
	req := assist.Request{ChannelID: i.ChannelID, Question: question}
	if user != nil {
		req.UserID = user.ID
		req.Username = user.DisplayName()
		if i.Member != nil && i.Member.Nick != "" {
			req.Username = i.Member.Nick
		}
	}

	if d.asker == nil {
		d.sendEphemeral(ctx, i, assist.FailureReply)
		return
	}
	reply, err := d.asker.Ask(ctx, req)
	if err != nil {
		d.sendEphemeral(ctx, i, reply)
		return
	}
	if _, err := d.session.InteractionResponseEdit(i, &discordgo.WebhookEdit{Content: &reply}, discordgo.WithContext(ctx)); err != nil {
		d.logger.Error("discord.reply_failed", "err", err)
	}
}

func (d *DiscordChannel) sendEphemeral(ctx context.Context, i *discordgo.Interaction, content string) {
	_, err := d.session.FollowupMessageCreate(i, false, &discordgo.WebhookParams{
		Content: content,
		Flags:   discordgo.MessageFlagsEphemeral,
	}, discordgo.WithContext(ctx))
	if err != nil {
		d.logger.Error("discord.reply_failed", "err", err)
	}
}

func askQuestion(data discordgo.ApplicationCommandInteractionData) (string, bool) {
	for _, sub := range data.Options {
		if sub.Name != askCommandName {
			continue
		}
		for _, opt := range sub.Options {
			if opt.Name == askOptionName && opt.Type == discordgo.ApplicationCommandOptionString {
				return opt.StringValue(), true
			}
		}
	}
	return "", false
}

func interactionUser(i *discordgo.Interaction) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

// MemberElevated reports whether the member may moderate others in channelID.
func (d *DiscordChannel) MemberElevated(ctx context.Context, m moderation.Member, channelID string) (bool, error) {
	perms, err := d.session.UserChannelPermissions(m.UserID, channelID, discordgo.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("permissions for %s: %w", m.UserID, err)
	}
	return perms&elevatedPermissions != 0, nil
}

func (d *DiscordChannel) SendDirectNotice(ctx context.Context, m moderation.Member, text string) error {
	dm, err := d.session.UserChannelCreate(m.UserID, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("open dm with %s: %w", m.UserID, err)
	}
	if _, err := d.session.ChannelMessageSend(dm.ID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("send dm to %s: %w", m.UserID, err)
	}
	return nil
}

func (d *DiscordChannel) AddRestrictionRole(ctx context.Context, m moderation.Member, roleID, reason string) error {
	return d.session.GuildMemberRoleAdd(m.GuildID, m.UserID, roleID,
		discordgo.WithContext(ctx), discordgo.WithAuditLogReason(reason))
}

func (d *DiscordChannel) AddTimedRestriction(ctx context.Context, m moderation.Member, until time.Time, reason string) error {
	return d.session.GuildMemberTimeout(m.GuildID, m.UserID, &until,
		discordgo.WithContext(ctx), discordgo.WithAuditLogReason(reason))
}

func (d *DiscordChannel) RemoveMember(ctx context.Context, m moderation.Member, reason string) error {
	return d.session.GuildMemberDeleteWithReason(m.GuildID, m.UserID, reason, discordgo.WithContext(ctx))
}

func (d *DiscordChannel) BanMember(ctx context.Context, m moderation.Member, reason string, retentionDays int) error {
	return d.session.GuildBanCreateWithReason(m.GuildID, m.UserID, reason, retentionDays, discordgo.WithContext(ctx))
}

// PostSummary posts an embed to the staff channel and, when acknowledgeable,
// seeds the approve and override reactions. Reaction failures are logged only.
func (d *DiscordChannel) PostSummary(ctx context.Context, channelID string, s moderation.Summary, acknowledgeable bool) error {
	embed := &discordgo.MessageEmbed{
		Title:     s.Title(),
		Color:     colorAction,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if s.Escalated {
		embed.Color = colorEscalation
	}
	for _, f := range s.Fields() {
		value := f.Value
		if f.Name == "Channel" {
			value = "<#" + value + ">"
		}
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: value, Inline: f.Inline})
	}
	if acknowledgeable {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: moderation.AckFooter}
	}

	posted, err := d.session.ChannelMessageSendEmbed(channelID, embed, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("post staff summary: %w", err)
	}
	if !acknowledgeable || posted == nil {
		return nil
	}
	for _, emoji := range []string{moderation.ReactApprove, moderation.ReactOverride} {
		if err := d.session.MessageReactionAdd(channelID, posted.ID, emoji, discordgo.WithContext(ctx)); err != nil {
			d.logger.Warn("discord.reaction_failed", "emoji", emoji, "err", err)
		}
	}
	return nil
}
