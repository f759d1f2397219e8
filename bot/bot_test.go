package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"hn-herald/digest"
)

type mockSender struct {
	messages []string
	chatIDs  []int64
	failOn   int
	nextID   int
	onSend   func(n int)
}

func (m *mockSender) SendHTML(_ context.Context, chatID int64, text string) (int, error) {
	m.nextID++
	if m.failOn != 0 && m.nextID == m.failOn {
		return 0, errors.New("telegram unavailable")
	}
	m.messages = append(m.messages, text)
	m.chatIDs = append(m.chatIDs, chatID)
	if m.onSend != nil {
		m.onSend(m.nextID)
	}
	return m.nextID, nil
}

func (m *mockSender) lastMessage() string {
	if len(m.messages) == 0 {
		return ""
	}
	return m.messages[len(m.messages)-1]
}

type mockSettings struct {
	values map[string]string
}

func (m *mockSettings) GetSetting(_ context.Context, key string) (string, error) {
	if v, ok := m.values[key]; ok {
		return v, nil
	}
	return "", errors.New("not found")
}

func (m *mockSettings) SetSetting(_ context.Context, key, value string) error {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	m.values[key] = value
	return nil
}

type mockStats struct {
	runs []RunSummary
}

func (m *mockStats) RecentRuns(_ context.Context, limit int) ([]RunSummary, error) {
	if len(m.runs) > limit {
		return m.runs[:limit], nil
	}
	return m.runs, nil
}

type mockTrigger struct {
	calls []int64
	err   error
}

func (m *mockTrigger) TriggerDigest(_ context.Context, chatID int64) error {
	if m.err != nil {
		return m.err
	}
	m.calls = append(m.calls, chatID)
	return nil
}

type mockSchedule struct {
	updates []string
}

func (m *mockSchedule) UpdateSchedule(digestTime string) error {
	m.updates = append(m.updates, digestTime)
	return nil
}

func newTestBot() (*Bot, *mockSender, *mockSettings, *mockTrigger, *mockSchedule) {
	sender := &mockSender{}
	settings := &mockSettings{}
	trigger := &mockTrigger{}
	schedule := &mockSchedule{}
	b := New(sender, settings, &mockStats{}, trigger, schedule)
	return b, sender, settings, trigger, schedule
}

func digestItem(id int64, title string) digest.Item {
	return digest.Item{
		ID:              id,
		Title:           title,
		URL:             fmt.Sprintf("https://example.com/%d", id),
		CommentsURL:     fmt.Sprintf("https://news.ycombinator.com/item?id=%d", id),
		SourceScore:     120,
		CommentCount:    34,
		Summary:         "A short summary of the story.",
		KeyPoints:       []string{"first takeaway", "second takeaway"},
		RelevanceReason: "Matches interests: go",
		FinalScore:      0.82,
	}
}

func TestHandleStartRegistersChat(t *testing.T) {
	b, sender, settings, _, _ := newTestBot()
	ctx := context.Background()

	if err := b.HandleCommand(ctx, 42, "start", ""); err != nil {
		t.Fatalf("HandleCommand() error = %v", err)
	}
	if settings.values["chat_id"] != "42" {
		t.Errorf("chat_id = %q, want %q", settings.values["chat_id"], "42")
	}
	if !strings.Contains(sender.lastMessage(), "/digest") {
		t.Errorf("welcome message missing command list: %q", sender.lastMessage())
	}
}

func TestHandleDigestTriggersRun(t *testing.T) {
	b, sender, _, trigger, _ := newTestBot()
	ctx := context.Background()

	if err := b.HandleCommand(ctx, 42, "digest", ""); err != nil {
		t.Fatalf("HandleCommand() error = %v", err)
	}
	if len(trigger.calls) != 1 || trigger.calls[0] != 42 {
		t.Errorf("trigger calls = %v, want [42]", trigger.calls)
	}
	if !strings.Contains(sender.lastMessage(), "Generating") {
		t.Errorf("missing acknowledgement: %q", sender.lastMessage())
	}
}

func TestHandleDigestAlreadyRunning(t *testing.T) {
	b, sender, _, trigger, _ := newTestBot()
	trigger.err = errors.New("a run is already in progress")

	if err := b.HandleCommand(context.Background(), 42, "digest", ""); err != nil {
		t.Fatalf("HandleCommand() error = %v", err)
	}
	if !strings.Contains(sender.lastMessage(), "already in progress") {
		t.Errorf("missing failure explanation: %q", sender.lastMessage())
	}
}

func TestHandleSettingsShowsDefaults(t *testing.T) {
	b, sender, _, _, _ := newTestBot()

	if err := b.HandleCommand(context.Background(), 42, "settings", ""); err != nil {
		t.Fatalf("HandleCommand() error = %v", err)
	}
	msg := sender.lastMessage()
	if !strings.Contains(msg, "09:00") {
		t.Errorf("settings missing default time: %q", msg)
	}
	if !strings.Contains(msg, "10") {
		t.Errorf("settings missing default count: %q", msg)
	}
}

func TestHandleSettingsTime(t *testing.T) {
	b, sender, settings, _, schedule := newTestBot()

	if err := b.HandleCommand(context.Background(), 42, "settings", "time 21:30"); err != nil {
		t.Fatalf("HandleCommand() error = %v", err)
	}
	if settings.values["digest_time"] != "21:30" {
		t.Errorf("digest_time = %q, want 21:30", settings.values["digest_time"])
	}
	if len(schedule.updates) != 1 || schedule.updates[0] != "21:30" {
		t.Errorf("schedule updates = %v, want [21:30]", schedule.updates)
	}
	if !strings.Contains(sender.lastMessage(), "21:30") {
		t.Errorf("missing confirmation: %q", sender.lastMessage())
	}
}

func TestHandleSettingsTimeRejectsInvalid(t *testing.T) {
	b, sender, settings, _, schedule := newTestBot()
	ctx := context.Background()

	for _, bad := range []string{"time 25:00", "time 9am", "time", "time 12:60"} {
		if err := b.HandleCommand(ctx, 42, "settings", bad); err != nil {
			t.Fatalf("HandleCommand(%q) error = %v", bad, err)
		}
		if !strings.Contains(sender.lastMessage(), "Usage") {
			t.Errorf("HandleCommand(%q) reply = %q, want usage hint", bad, sender.lastMessage())
		}
	}
	if len(settings.values) != 0 {
		t.Errorf("invalid input stored settings: %v", settings.values)
	}
	if len(schedule.updates) != 0 {
		t.Errorf("invalid input updated schedule: %v", schedule.updates)
	}
}

func TestHandleSettingsCount(t *testing.T) {
	b, _, settings, _, _ := newTestBot()

	if err := b.HandleCommand(context.Background(), 42, "settings", "count 25"); err != nil {
		t.Fatalf("HandleCommand() error = %v", err)
	}
	if settings.values["max_items"] != "25" {
		t.Errorf("max_items = %q, want 25", settings.values["max_items"])
	}
}

func TestHandleSettingsCountRejectsInvalid(t *testing.T) {
	b, sender, settings, _, _ := newTestBot()
	ctx := context.Background()

	for _, bad := range []string{"count 0", "count 101", "count many", "count"} {
		if err := b.HandleCommand(ctx, 42, "settings", bad); err != nil {
			t.Fatalf("HandleCommand(%q) error = %v", bad, err)
		}
		if !strings.Contains(sender.lastMessage(), "Usage") {
			t.Errorf("HandleCommand(%q) reply = %q, want usage hint", bad, sender.lastMessage())
		}
	}
	if len(settings.values) != 0 {
		t.Errorf("invalid input stored settings: %v", settings.values)
	}
}

func TestHandleStats(t *testing.T) {
	sender := &mockSender{}
	stats := &mockStats{runs: []RunSummary{
		{Kind: "top", Returned: 10, Listed: 30, ErrorCount: 4, ElapsedMS: 42500,
			GeneratedAt: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)},
	}}
	b := New(sender, &mockSettings{}, stats, &mockTrigger{}, &mockSchedule{})

	if err := b.HandleCommand(context.Background(), 42, "stats", ""); err != nil {
		t.Fatalf("HandleCommand() error = %v", err)
	}
	msg := sender.lastMessage()
	for _, want := range []string{"Feb 1 09:00", "10 stories", "30 listed", "4 errors", "42.5s"} {
		if !strings.Contains(msg, want) {
			t.Errorf("stats message missing %q:\n%s", want, msg)
		}
	}
}

func TestHandleStatsEmpty(t *testing.T) {
	b, sender, _, _, _ := newTestBot()

	if err := b.HandleCommand(context.Background(), 42, "stats", ""); err != nil {
		t.Fatalf("HandleCommand() error = %v", err)
	}
	if !strings.Contains(sender.lastMessage(), "No digest runs yet") {
		t.Errorf("reply = %q", sender.lastMessage())
	}
}

func TestHandleUnknownCommand(t *testing.T) {
	b, sender, _, _, _ := newTestBot()

	if err := b.HandleCommand(context.Background(), 42, "frobnicate", ""); err != nil {
		t.Fatalf("HandleCommand() error = %v", err)
	}
	if !strings.Contains(sender.lastMessage(), "Unknown command") {
		t.Errorf("reply = %q", sender.lastMessage())
	}
}

func TestFormatDigestItem(t *testing.T) {
	item := digestItem(17, "Ampersands & <angles> in titles")
	msg := FormatDigestItem(item)

	if !strings.Contains(msg, "Ampersands &amp; &lt;angles&gt; in titles") {
		t.Errorf("title not HTML-escaped:\n%s", msg)
	}
	if !strings.Contains(msg, "• first takeaway") || !strings.Contains(msg, "• second takeaway") {
		t.Errorf("key points missing:\n%s", msg)
	}
	if !strings.Contains(msg, "⬆️ 120 points | 💬 34 comments | ⭐ 0.82") {
		t.Errorf("score line missing:\n%s", msg)
	}
	if !strings.Contains(msg, `<a href="https://example.com/17">Article</a>`) {
		t.Errorf("article link missing:\n%s", msg)
	}
	if !strings.Contains(msg, `<a href="https://news.ycombinator.com/item?id=17">HN Discussion</a>`) {
		t.Errorf("discussion link missing:\n%s", msg)
	}
	if !strings.Contains(msg, "Matches interests: go") {
		t.Errorf("relevance reason missing:\n%s", msg)
	}
}

func TestFormatDigestItemWithoutURL(t *testing.T) {
	item := digestItem(18, "Ask HN: how do you test bots?")
	item.URL = ""
	msg := FormatDigestItem(item)

	if strings.Contains(msg, ">Article</a>") {
		t.Errorf("text-only item should not have an article link:\n%s", msg)
	}
	if !strings.Contains(msg, "HN Discussion") {
		t.Errorf("discussion link missing:\n%s", msg)
	}
}

func TestFormatDigestHeader(t *testing.T) {
	d := &digest.Digest{
		Items: []digest.Item{digestItem(1, "First"), digestItem(2, "Second")},
		Stats: digest.Stats{
			Listed: 30, Extracted: 22, Summarized: 20, Returned: 2,
			ErrorCount: 8, ElapsedMS: 41300,
		},
	}
	msg := FormatDigestHeader(d)

	for _, want := range []string{"2 stories", "30 listed", "22 extracted", "20 summarized", "8 errors", "41.3s"} {
		if !strings.Contains(msg, want) {
			t.Errorf("header missing %q:\n%s", want, msg)
		}
	}
}

func TestFormatDigestHeaderCountsAttachedItems(t *testing.T) {
	// Items can be trimmed after the pipeline runs, e.g. when recently
	// delivered stories are dropped. The headline count must follow.
	d := &digest.Digest{
		Items: []digest.Item{digestItem(1, "First"), digestItem(2, "Second")},
		Stats: digest.Stats{Listed: 30, Returned: 5},
	}
	msg := FormatDigestHeader(d)

	if !strings.Contains(msg, "2 stories") {
		t.Errorf("header should count attached items:\n%s", msg)
	}
	if strings.Contains(msg, "5 stories") {
		t.Errorf("header counts pipeline stat instead of attached items:\n%s", msg)
	}
}

func TestSendDigest(t *testing.T) {
	b, sender, _, _, _ := newTestBot()
	d := &digest.Digest{Items: []digest.Item{
		digestItem(1, "First"),
		digestItem(2, "Second"),
	}}

	sent, err := b.SendDigest(context.Background(), 42, d)
	if err != nil {
		t.Fatalf("SendDigest() error = %v", err)
	}
	if len(sender.messages) != 3 {
		t.Fatalf("sent %d messages, want 3 (header + 2 items)", len(sender.messages))
	}
	if len(sent) != 2 {
		t.Fatalf("got %d sent items, want 2", len(sent))
	}
	if sent[0].ItemID != 1 || sent[1].ItemID != 2 {
		t.Errorf("sent = %+v", sent)
	}
	if sent[0].MessageID == 0 {
		t.Error("message ID not recorded")
	}
}

func TestSendDigestSkipsFailedSends(t *testing.T) {
	b, sender, _, _, _ := newTestBot()
	sender.failOn = 3 // header, item 1 fine; item 2 fails
	d := &digest.Digest{Items: []digest.Item{
		digestItem(1, "First"),
		digestItem(2, "Second"),
		digestItem(3, "Third"),
	}}

	sent, err := b.SendDigest(context.Background(), 42, d)
	if err != nil {
		t.Fatalf("SendDigest() error = %v", err)
	}
	if len(sent) != 2 {
		t.Fatalf("got %d sent items, want 2", len(sent))
	}
	if sent[0].ItemID != 1 || sent[1].ItemID != 3 {
		t.Errorf("sent = %+v, want items 1 and 3", sent)
	}
}

func TestSendDigestStopsWhenCanceled(t *testing.T) {
	b, sender, _, _, _ := newTestBot()
	ctx, cancel := context.WithCancel(context.Background())
	sender.onSend = func(n int) {
		if n == 2 { // header and first item are out
			cancel()
		}
	}
	d := &digest.Digest{Items: []digest.Item{
		digestItem(1, "First"),
		digestItem(2, "Second"),
		digestItem(3, "Third"),
	}}

	sent, err := b.SendDigest(ctx, 42, d)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("SendDigest() error = %v, want context.Canceled", err)
	}
	if len(sent) != 1 || sent[0].ItemID != 1 {
		t.Errorf("sent = %+v, want only item 1", sent)
	}
	if len(sender.messages) != 2 {
		t.Errorf("sent %d messages after cancel, want 2 (header + first item)", len(sender.messages))
	}
}

func TestSendDigestEmpty(t *testing.T) {
	b, sender, _, _, _ := newTestBot()
	d := &digest.Digest{Stats: digest.Stats{Listed: 30}}

	sent, err := b.SendDigest(context.Background(), 42, d)
	if err != nil {
		t.Fatalf("SendDigest() error = %v", err)
	}
	if sent != nil {
		t.Errorf("sent = %v, want nil", sent)
	}
	if len(sender.messages) != 2 {
		t.Fatalf("sent %d messages, want 2 (header + empty note)", len(sender.messages))
	}
	if !strings.Contains(sender.lastMessage(), "No new stories") {
		t.Errorf("missing empty-digest note: %q", sender.lastMessage())
	}
}
