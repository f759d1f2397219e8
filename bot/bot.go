package bot

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"hn-herald/digest"
)

const (
	defaultDigestTime = "09:00"
	defaultMaxItems   = "10"

	settingChatID     = "chat_id"
	settingDigestTime = "digest_time"
	settingMaxItems   = "max_items"
)

var digestTimeRegex = regexp.MustCompile(`^([01][0-9]|2[0-3]):([0-5][0-9])$`)

// MessageSender delivers one HTML-formatted message and returns the sent
// message's ID.
type MessageSender interface {
	SendHTML(ctx context.Context, chatID int64, text string) (int, error)
}

// SettingsStore persists user-tunable settings. GetSetting returns an
// error when the key has never been set.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// RunSummary is one past digest run, for /stats.
type RunSummary struct {
	Kind        string
	Returned    int
	Listed      int
	ErrorCount  int
	ElapsedMS   int64
	GeneratedAt time.Time
}

// StatsProvider reports recent digest runs.
type StatsProvider interface {
	RecentRuns(ctx context.Context, limit int) ([]RunSummary, error)
}

// DigestTrigger starts a digest run for a chat. It returns an error when
// a run cannot be started (for example one is already in progress).
type DigestTrigger interface {
	TriggerDigest(ctx context.Context, chatID int64) error
}

// ScheduleUpdater moves the daily digest to a new HH:MM time.
type ScheduleUpdater interface {
	UpdateSchedule(digestTime string) error
}

// SentItem records one delivered digest item.
type SentItem struct {
	ItemID    int64
	MessageID int
}

// Bot handles chat commands and digest delivery.
type Bot struct {
	sender   MessageSender
	settings SettingsStore
	stats    StatsProvider
	trigger  DigestTrigger
	schedule ScheduleUpdater
}

// New creates a Bot around its collaborators.
func New(sender MessageSender, settings SettingsStore, stats StatsProvider, trigger DigestTrigger, schedule ScheduleUpdater) *Bot {
	return &Bot{
		sender:   sender,
		settings: settings,
		stats:    stats,
		trigger:  trigger,
		schedule: schedule,
	}
}

// HandleCommand dispatches one bot command. The returned error reports
// delivery problems; user mistakes are answered in-chat.
func (b *Bot) HandleCommand(ctx context.Context, chatID int64, command, args string) error {
	switch command {
	case "start":
		return b.handleStart(ctx, chatID)
	case "digest":
		return b.handleDigest(ctx, chatID)
	case "settings":
		return b.handleSettings(ctx, chatID, args)
	case "stats":
		return b.handleStats(ctx, chatID)
	default:
		return b.reply(ctx, chatID, "Unknown command. Try /digest, /settings, or /stats.")
	}
}

func (b *Bot) handleStart(ctx context.Context, chatID int64) error {
	if err := b.settings.SetSetting(ctx, settingChatID, strconv.FormatInt(chatID, 10)); err != nil {
		return fmt.Errorf("register chat: %w", err)
	}

	return b.reply(ctx, chatID, `👋 You're set up. I'll send a personalized Hacker News digest every day.

Commands:
/digest — generate a digest now
/settings — show settings; "time HH:MM" or "count N" to change
/stats — recent run statistics`)
}

func (b *Bot) handleDigest(ctx context.Context, chatID int64) error {
	if err := b.trigger.TriggerDigest(ctx, chatID); err != nil {
		return b.reply(ctx, chatID, fmt.Sprintf("Can't start a digest: %s", html.EscapeString(err.Error())))
	}
	return b.reply(ctx, chatID, "⏳ Generating your digest. This takes a minute or two.")
}

func (b *Bot) handleSettings(ctx context.Context, chatID int64, args string) error {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return b.showSettings(ctx, chatID)
	}

	switch fields[0] {
	case "time":
		if len(fields) != 2 || !digestTimeRegex.MatchString(fields[1]) {
			return b.reply(ctx, chatID, "Usage: /settings time HH:MM (24-hour)")
		}
		if err := b.settings.SetSetting(ctx, settingDigestTime, fields[1]); err != nil {
			return fmt.Errorf("save digest time: %w", err)
		}
		if err := b.schedule.UpdateSchedule(fields[1]); err != nil {
			return fmt.Errorf("reschedule: %w", err)
		}
		return b.reply(ctx, chatID, fmt.Sprintf("Daily digest moved to %s.", fields[1]))

	case "count":
		if len(fields) != 2 {
			return b.reply(ctx, chatID, "Usage: /settings count N (1-100)")
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 || n > 100 {
			return b.reply(ctx, chatID, "Usage: /settings count N (1-100)")
		}
		if err := b.settings.SetSetting(ctx, settingMaxItems, fields[1]); err != nil {
			return fmt.Errorf("save max items: %w", err)
		}
		return b.reply(ctx, chatID, fmt.Sprintf("Digests will contain up to %d stories.", n))

	default:
		return b.reply(ctx, chatID, "Usage: /settings, /settings time HH:MM, or /settings count N")
	}
}

func (b *Bot) showSettings(ctx context.Context, chatID int64) error {
	digestTime := b.settingOr(ctx, settingDigestTime, defaultDigestTime)
	maxItems := b.settingOr(ctx, settingMaxItems, defaultMaxItems)

	return b.reply(ctx, chatID, fmt.Sprintf(`⚙️ Settings

Digest time: %s
Max stories: %s

Change with "/settings time HH:MM" or "/settings count N".`, digestTime, maxItems))
}

func (b *Bot) handleStats(ctx context.Context, chatID int64) error {
	runs, err := b.stats.RecentRuns(ctx, 5)
	if err != nil {
		return fmt.Errorf("load run stats: %w", err)
	}
	if len(runs) == 0 {
		return b.reply(ctx, chatID, "No digest runs yet. Try /digest.")
	}

	var sb strings.Builder
	sb.WriteString("📊 <b>Recent digest runs</b>\n")
	for _, run := range runs {
		fmt.Fprintf(&sb, "\n%s — %d stories from %d listed (%s), %d errors, %.1fs",
			run.GeneratedAt.Format("Jan 2 15:04"),
			run.Returned, run.Listed, run.Kind, run.ErrorCount,
			float64(run.ElapsedMS)/1000)
	}
	return b.reply(ctx, chatID, sb.String())
}

// SendDigest delivers a digest as a stats header followed by one message
// per item. A failed item send is logged and skipped; the rest of the
// digest still goes out. Canceling ctx stops the loop and returns the
// items sent so far along with the context error, so the caller can
// still record them.
func (b *Bot) SendDigest(ctx context.Context, chatID int64, d *digest.Digest) ([]SentItem, error) {
	if _, err := b.sender.SendHTML(ctx, chatID, FormatDigestHeader(d)); err != nil {
		return nil, fmt.Errorf("send digest header: %w", err)
	}

	if len(d.Items) == 0 {
		if err := b.reply(ctx, chatID, "No new stories for you today."); err != nil {
			return nil, err
		}
		return nil, nil
	}

	var sent []SentItem
	for _, item := range d.Items {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		msgID, err := b.sender.SendHTML(ctx, chatID, FormatDigestItem(item))
		if err != nil {
			slog.Warn("send digest item", "item", item.ID, "error", err)
			continue
		}
		sent = append(sent, SentItem{ItemID: item.ID, MessageID: msgID})
	}
	return sent, nil
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) error {
	if _, err := b.sender.SendHTML(ctx, chatID, text); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

func (b *Bot) settingOr(ctx context.Context, key, fallback string) string {
	value, err := b.settings.GetSetting(ctx, key)
	if err != nil || value == "" {
		return fallback
	}
	return value
}

// FormatDigestHeader renders the digest header. The story count reflects
// the items actually attached to the digest, which may be fewer than the
// pipeline returned once repeats are dropped.
func FormatDigestHeader(d *digest.Digest) string {
	s := d.Stats
	return fmt.Sprintf("🗞 <b>Hacker News digest</b> — %d stories\n<i>%d listed · %d extracted · %d summarized · %d errors · %.1fs</i>",
		len(d.Items), s.Listed, s.Extracted, s.Summarized, s.ErrorCount,
		float64(s.ElapsedMS)/1000)
}

// FormatDigestItem renders one digest item as Telegram HTML.
func FormatDigestItem(item digest.Item) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "📰 <b>%s</b>\n\n", html.EscapeString(item.Title))
	if item.Summary != "" {
		fmt.Fprintf(&sb, "<i>%s</i>\n\n", html.EscapeString(item.Summary))
	}
	for _, point := range item.KeyPoints {
		fmt.Fprintf(&sb, "• %s\n", html.EscapeString(point))
	}
	if len(item.KeyPoints) > 0 {
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "⬆️ %d points | 💬 %d comments | ⭐ %.2f\n", item.SourceScore, item.CommentCount, item.FinalScore)
	fmt.Fprintf(&sb, "<i>%s</i>\n", html.EscapeString(item.RelevanceReason))

	if item.URL != "" {
		fmt.Fprintf(&sb, "<a href=\"%s\">Article</a> | <a href=\"%s\">HN Discussion</a>", item.URL, item.CommentsURL)
	} else {
		fmt.Fprintf(&sb, "<a href=\"%s\">HN Discussion</a>", item.CommentsURL)
	}

	return sb.String()
}
