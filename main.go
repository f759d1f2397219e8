package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"hn-herald/bot"
	"hn-herald/config"
	"hn-herald/digest"
	"hn-herald/hn"
	"hn-herald/scheduler"
	"hn-herald/scraper"
	"hn-herald/storage"
	"hn-herald/summarizer"
)

// deliveryWindow is how long a delivered story stays excluded from
// subsequent digests.
const deliveryWindow = 7 * 24 * time.Hour

func main() {
	cfg, err := config.Load(config.GetConfigPath())
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return fmt.Errorf("connect to Telegram: %w", err)
	}
	slog.Info("connected to Telegram", "bot", api.Self.UserName)

	summarize, err := summarizer.NewSummarizer(cfg.AnthropicAPIKey,
		summarizer.WithModel(cfg.SummarizerModel),
		summarizer.WithCache(&summaryCache{store: store}),
	)
	if err != nil {
		return fmt.Errorf("create summarizer: %w", err)
	}

	fetchTimeout := time.Duration(cfg.FetchTimeoutSecs) * time.Second
	pipeline := digest.NewPipeline(
		&hnSource{client: hn.NewClient()},
		&scraperFetcher{scraper: scraper.NewScraper(scraper.WithTimeout(fetchTimeout))},
		&batchSummarizer{summarizer: summarize},
		digest.WithFetchTimeout(fetchTimeout),
		digest.WithRunTimeout(time.Duration(cfg.RunTimeoutSecs)*time.Second),
	)

	app := &App{
		ctx:      ctx,
		cfg:      cfg,
		store:    store,
		pipeline: pipeline,
		sender:   &telegramSender{api: api},
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	app.scheduler = scheduler.New(loc, app.scheduledDigest)
	app.bot = bot.New(app.sender, store, &statsProvider{store: store}, app, app)

	digestTime := cfg.DigestTime
	if stored, err := store.GetSetting(ctx, storage.SettingDigestTime); err == nil && stored != "" {
		digestTime = stored
	}
	if err := app.scheduler.Schedule(digestTime); err != nil {
		return fmt.Errorf("schedule digest: %w", err)
	}
	app.scheduler.Start()
	defer app.scheduler.Stop()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := api.GetUpdatesChan(u)
	go app.handleUpdates(updates)

	slog.Info("hn-herald running", "digest_time", digestTime, "timezone", cfg.Timezone)
	<-ctx.Done()

	slog.Info("shutting down")
	api.StopReceivingUpdates()
	return nil
}

// App wires the pipeline, storage, bot, and scheduler together.
type App struct {
	ctx       context.Context
	cfg       *config.Config
	store     *storage.Store
	pipeline  *digest.Pipeline
	bot       *bot.Bot
	scheduler *scheduler.Scheduler
	sender    *telegramSender

	digestRunning atomic.Bool
}

func (a *App) handleUpdates(updates tgbotapi.UpdatesChannel) {
	for update := range updates {
		if update.Message == nil || !update.Message.IsCommand() {
			continue
		}

		chatID := update.Message.Chat.ID
		command := update.Message.Command()
		slog.Info("command received", "chat", chatID, "command", command)

		if err := a.bot.HandleCommand(a.ctx, chatID, command, update.Message.CommandArguments()); err != nil {
			slog.Error("handle command", "command", command, "error", err)
		}
	}
}

// TriggerDigest starts a digest run in the background. Only one run may be
// in flight at a time.
func (a *App) TriggerDigest(ctx context.Context, chatID int64) error {
	if !a.digestRunning.CompareAndSwap(false, true) {
		return errors.New("a digest run is already in progress")
	}

	go func() {
		defer a.digestRunning.Store(false)
		a.runDigest(ctx, chatID)
	}()
	return nil
}

// UpdateSchedule moves the daily digest to a new time.
func (a *App) UpdateSchedule(digestTime string) error {
	return a.scheduler.Schedule(digestTime)
}

// scheduledDigest is the cron job body: run a digest for the registered
// chat, if any.
func (a *App) scheduledDigest() {
	chatID := a.chatID(a.ctx)
	if chatID == 0 {
		slog.Warn("no chat registered, skipping scheduled digest")
		return
	}
	if err := a.TriggerDigest(a.ctx, chatID); err != nil {
		slog.Warn("scheduled digest skipped", "error", err)
	}
}

func (a *App) runDigest(ctx context.Context, chatID int64) {
	prof, err := a.cfg.Profile()
	if err != nil {
		slog.Error("build profile", "error", err)
		return
	}

	kind := digest.ListingKind(a.cfg.ListingKind)
	d, err := a.pipeline.Run(ctx, prof, kind, a.cfg.ListingCount, a.maxItemsOverride(ctx))
	if err != nil {
		slog.Error("digest run failed", "error", err)
		if _, sendErr := a.sender.SendHTML(ctx, chatID, "⚠️ Digest failed: could not fetch the story listing."); sendErr != nil {
			slog.Error("send failure notice", "error", sendErr)
		}
		return
	}

	if _, err := a.store.RecordRun(ctx, storage.RunRecord{
		Kind:        a.cfg.ListingKind,
		Listed:      d.Stats.Listed,
		Extracted:   d.Stats.Extracted,
		Summarized:  d.Stats.Summarized,
		Scored:      d.Stats.Scored,
		Returned:    d.Stats.Returned,
		ErrorCount:  d.Stats.ErrorCount,
		ElapsedMS:   d.Stats.ElapsedMS,
		GeneratedAt: d.GeneratedAt,
	}); err != nil {
		slog.Warn("record run", "error", err)
	}

	a.deliver(ctx, chatID, d)
}

// deliver sends the digest, skipping stories already delivered within the
// delivery window, and records what went out. A send error does not stop
// the bookkeeping for items that did go out.
func (a *App) deliver(ctx context.Context, chatID int64, d *digest.Digest) {
	delivered, err := a.store.RecentlyDelivered(ctx, time.Now().Add(-deliveryWindow))
	if err != nil {
		slog.Warn("load delivery history", "error", err)
		delivered = map[int64]bool{}
	}

	var fresh []digest.Item
	for _, item := range d.Items {
		if !delivered[item.ID] {
			fresh = append(fresh, item)
		}
	}
	if skipped := len(d.Items) - len(fresh); skipped > 0 {
		slog.Info("skipping recently delivered stories", "count", skipped)
	}

	trimmed := *d
	trimmed.Items = fresh

	sent, err := a.bot.SendDigest(ctx, chatID, &trimmed)
	if err != nil {
		slog.Error("send digest", "error", err)
	}

	byID := make(map[int64]digest.Item, len(fresh))
	for _, item := range fresh {
		byID[item.ID] = item
	}
	for _, s := range sent {
		item := byID[s.ItemID]
		if err := a.store.RecordDelivery(ctx, storage.Delivery{
			ItemID:        s.ItemID,
			Title:         item.Title,
			URL:           item.URL,
			FinalScore:    item.FinalScore,
			DeliveredAt:   time.Now(),
			TelegramMsgID: int64(s.MessageID),
		}); err != nil {
			slog.Warn("record delivery", "item", s.ItemID, "error", err)
		}
	}

	slog.Info("digest delivered", "chat", chatID, "items", len(sent))
}

// maxItemsOverride returns the /settings count override, or 0 to use the
// profile's limit.
func (a *App) maxItemsOverride(ctx context.Context) int {
	value, err := a.store.GetSetting(ctx, storage.SettingMaxItems)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 || n > 100 {
		return 0
	}
	return n
}

// chatID resolves the delivery chat: the chat registered via /start wins,
// then the configured fallback.
func (a *App) chatID(ctx context.Context) int64 {
	if value, err := a.store.GetSetting(ctx, storage.SettingChatID); err == nil {
		if id, err := strconv.ParseInt(value, 10, 64); err == nil && id != 0 {
			return id
		}
	}
	return a.cfg.ChatID
}

// hnSource adapts hn.Client to digest.ListingSource.
type hnSource struct {
	client *hn.Client
}

func (s *hnSource) FetchRanked(ctx context.Context, kind digest.ListingKind, count int) ([]digest.ListedItem, error) {
	stories, err := s.client.FetchRanked(ctx, hn.Kind(kind), count)
	if err != nil {
		return nil, err
	}

	items := make([]digest.ListedItem, len(stories))
	for i, story := range stories {
		items[i] = digest.ListedItem{
			ID:           story.ID,
			Title:        story.Title,
			URL:          story.URL,
			RawText:      story.Text,
			SourceScore:  story.Score,
			Author:       story.By,
			CreatedAt:    time.Unix(story.Time, 0),
			CommentCount: story.Descendants,
		}
	}
	return items, nil
}

var extractionStates = map[scraper.Status]digest.ExtractionState{
	scraper.StatusSuccess: digest.ExtractionSuccess,
	scraper.StatusSkipped: digest.ExtractionSkipped,
	scraper.StatusFailed:  digest.ExtractionFailed,
	scraper.StatusNoURL:   digest.ExtractionNoURL,
	scraper.StatusEmpty:   digest.ExtractionEmpty,
}

// scraperFetcher adapts scraper.Scraper to digest.ContentFetcher.
type scraperFetcher struct {
	scraper *scraper.Scraper
}

func (f *scraperFetcher) Fetch(ctx context.Context, item digest.ListedItem) digest.ExtractedItem {
	result := f.scraper.Extract(ctx, item.URL, item.RawText)
	return digest.ExtractedItem{
		ListedItem:      item,
		Content:         result.Content,
		ExtractionState: extractionStates[result.Status],
		ErrorDetail:     result.Detail,
	}
}

// batchSummarizer adapts summarizer.Summarizer to digest.Summarizer.
type batchSummarizer struct {
	summarizer *summarizer.Summarizer
}

func (b *batchSummarizer) SummarizeBatch(ctx context.Context, items []digest.ExtractedItem) ([]digest.SummaryResult, error) {
	articles := make([]summarizer.Article, len(items))
	for i, item := range items {
		articles[i] = summarizer.Article{
			ID:      item.ID,
			Title:   item.Title,
			Content: item.Content,
		}
	}

	summaries, err := b.summarizer.SummarizeBatch(ctx, articles)
	if err != nil {
		return nil, err
	}

	results := make([]digest.SummaryResult, len(summaries))
	for i, s := range summaries {
		results[i] = digest.SummaryResult{
			Summary:   s.Summary,
			KeyPoints: s.KeyPoints,
			Tags:      s.Tags,
		}
	}
	return results, nil
}

// summaryCache adapts storage.Store to summarizer.Cache. Cache problems
// are logged and treated as misses.
type summaryCache struct {
	store *storage.Store
}

func (c *summaryCache) Get(ctx context.Context, storyID int64) (summarizer.Summary, bool) {
	cached, err := c.store.GetSummary(ctx, storyID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			slog.Warn("summary cache read", "item", storyID, "error", err)
		}
		return summarizer.Summary{}, false
	}
	return summarizer.Summary{
		Summary:   cached.Summary,
		KeyPoints: cached.KeyPoints,
		Tags:      cached.Tags,
	}, true
}

func (c *summaryCache) Put(ctx context.Context, storyID int64, summary summarizer.Summary) {
	err := c.store.PutSummary(ctx, storage.CachedSummary{
		ItemID:    storyID,
		Summary:   summary.Summary,
		KeyPoints: summary.KeyPoints,
		Tags:      summary.Tags,
		CachedAt:  time.Now(),
	})
	if err != nil {
		slog.Warn("summary cache write", "item", storyID, "error", err)
	}
}

// telegramSender adapts tgbotapi to bot.MessageSender. The API client has
// no per-request context support, so ctx is not consulted here.
type telegramSender struct {
	api *tgbotapi.BotAPI
}

func (s *telegramSender) SendHTML(ctx context.Context, chatID int64, text string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	sent, err := s.api.Send(msg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// statsProvider adapts storage run history to bot.StatsProvider.
type statsProvider struct {
	store *storage.Store
}

func (p *statsProvider) RecentRuns(ctx context.Context, limit int) ([]bot.RunSummary, error) {
	runs, err := p.store.RecentRuns(ctx, limit)
	if err != nil {
		return nil, err
	}

	summaries := make([]bot.RunSummary, len(runs))
	for i, run := range runs {
		summaries[i] = bot.RunSummary{
			Kind:        run.Kind,
			Returned:    run.Returned,
			Listed:      run.Listed,
			ErrorCount:  run.ErrorCount,
			ElapsedMS:   run.ElapsedMS,
			GeneratedAt: run.GeneratedAt,
		}
	}
	return summaries, nil
}
