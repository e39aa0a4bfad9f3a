package bot

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/Acacia-Ma/Rule-Bot/internal/classifier"
	"github.com/Acacia-Ma/Rule-Bot/internal/config"
	"github.com/Acacia-Ma/Rule-Bot/internal/domainutil"
	"github.com/Acacia-Ma/Rule-Bot/internal/rulestore"
)

// Bot drives the long-polling loop and dispatches incoming messages to the
// private-chat and whitelisted-group flows.
type Bot struct {
	tg         *Client
	classifier *classifier.Classifier
	rules      rulestore.Store
	cfg        *config.Config
	limiter    *RateLimiter

	botUsername string
}

// New wires a Bot from its collaborators. Run performs the getMe call that
// resolves the bot's own username for group-mention matching.
func New(tg *Client, cls *classifier.Classifier, rules rulestore.Store, cfg *config.Config) *Bot {
	return &Bot{
		tg:         tg,
		classifier: cls,
		rules:      rules,
		cfg:        cfg,
		limiter:    NewRateLimiter(defaultMaxAddsPerHour, time.Hour),
	}
}

// Run blocks, long-polling for updates until ctx is cancelled. A getUpdates
// failure is logged and retried after a short backoff rather than
// terminating the loop, mirroring the original bot's tolerance for
// transient Telegram API hiccups.
func (b *Bot) Run(ctx context.Context) error {
	me, err := b.tg.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("bot: getMe: %w", err)
	}
	b.botUsername = me.Username
	log.Printf("bot: polling as @%s", b.botUsername)

	var offset int64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		updates, err := b.tg.GetUpdates(ctx, offset, 30)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("bot: getUpdates failed, retrying: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
			continue
		}

		for _, u := range updates {
			offset = u.UpdateID + 1
			b.handleUpdate(ctx, u)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, u Update) {
	msg := u.Message
	if msg == nil || msg.From == nil || msg.Text == "" {
		return
	}
	switch msg.Chat.Type {
	case "private":
		b.handlePrivate(ctx, msg)
	case "group", "supergroup":
		b.handleGroup(ctx, msg)
	}
}

func (b *Bot) handlePrivate(ctx context.Context, msg *Message) {
	if b.cfg.GroupCheckEnabled() {
		member, err := b.tg.GetChatMember(ctx, b.cfg.RequiredGroup.ID, msg.From.ID)
		if err != nil || !member.IsMember() {
			b.reply(ctx, msg.Chat.ID,
				fmt.Sprintf("Join %s first: %s", b.cfg.RequiredGroup.Name, b.cfg.RequiredGroup.Link))
			return
		}
	}
	b.processDomainRequest(ctx, msg, msg.Text)
}

func (b *Bot) handleGroup(ctx context.Context, msg *Message) {
	if !b.isAllowedGroup(msg.Chat.ID) {
		return
	}
	if !strings.Contains(strings.ToLower(msg.Text), "@"+strings.ToLower(b.botUsername)) {
		return
	}

	text := domainutil.StripMention(msg.Text, b.botUsername)
	if strings.TrimSpace(text) == "" && msg.ReplyToMessage != nil {
		text = msg.ReplyToMessage.Text
	}
	b.processDomainRequest(ctx, msg, text)
}

func (b *Bot) isAllowedGroup(chatID int64) bool {
	for _, id := range b.cfg.AllowedGroups {
		if id == chatID {
			return true
		}
	}
	return false
}

func (b *Bot) processDomainRequest(ctx context.Context, msg *Message, text string) {
	if allowed, remaining := b.limiter.Check(msg.From.ID, time.Now()); !allowed {
		b.reply(ctx, msg.Chat.ID, fmt.Sprintf("Rate limit reached for this hour (%d remaining in the current window).", remaining))
		return
	}

	verdict := b.classifier.Classify(ctx, text)
	switch verdict.Decision {
	case classifier.DecisionAdd:
		author := authorIdentity(msg.From)
		commitID, err := b.rules.Append(ctx, verdict.Target, author)
		if err != nil {
			b.reply(ctx, msg.Chat.ID, fmt.Sprintf("Failed to add %s: %v", verdict.Target, err))
			return
		}
		b.limiter.Record(msg.From.ID, time.Now())
		b.reply(ctx, msg.Chat.ID, fmt.Sprintf("Added %s to the direct list (commit %s).", verdict.Target, commitID))
	case classifier.DecisionAlreadyCovered:
		b.reply(ctx, msg.Chat.ID, fmt.Sprintf("%s is already covered: %s", verdict.SecondLevelDomain, verdict.Reason))
	case classifier.DecisionReject:
		b.reply(ctx, msg.Chat.ID, fmt.Sprintf("Not adding %s: %s", verdict.SecondLevelDomain, verdict.Reason))
	default:
		b.reply(ctx, msg.Chat.ID, fmt.Sprintf("Couldn't process that: %s", verdict.Reason))
	}
}

func authorIdentity(u *User) string {
	if u.Username != "" {
		return u.Username
	}
	if u.FirstName != "" {
		return u.FirstName
	}
	return strconv.FormatInt(u.ID, 10)
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if err := b.tg.SendMessage(ctx, chatID, text); err != nil {
		log.Printf("bot: reply to chat %d failed: %v", chatID, err)
	}
}
