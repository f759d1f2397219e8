package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Setting keys used by the bot and scheduler.
const (
	SettingChatID     = "chat_id"
	SettingDigestTime = "digest_time"
	SettingMaxItems   = "max_items"
)

const schema = `
CREATE TABLE IF NOT EXISTS digest_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	listed INTEGER NOT NULL,
	extracted INTEGER NOT NULL,
	summarized INTEGER NOT NULL,
	scored INTEGER NOT NULL,
	returned INTEGER NOT NULL,
	error_count INTEGER NOT NULL,
	elapsed_ms INTEGER NOT NULL,
	generated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS deliveries (
	item_id INTEGER PRIMARY KEY,
	title TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	final_score REAL NOT NULL,
	delivered_at TIMESTAMP NOT NULL,
	telegram_msg_id INTEGER
);

CREATE INDEX IF NOT EXISTS idx_deliveries_delivered_at ON deliveries(delivered_at);

CREATE TABLE IF NOT EXISTS summary_cache (
	item_id INTEGER PRIMARY KEY,
	summary TEXT NOT NULL,
	key_points TEXT NOT NULL,
	tags TEXT NOT NULL,
	cached_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store wraps the SQLite database holding run history, deliveries, the
// summary cache, and settings.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunRecord is one pipeline run's statistics.
type RunRecord struct {
	ID          int64
	Kind        string
	Listed      int
	Extracted   int
	Summarized  int
	Scored      int
	Returned    int
	ErrorCount  int
	ElapsedMS   int64
	GeneratedAt time.Time
}

// RecordRun inserts a run record and returns its ID.
func (s *Store) RecordRun(ctx context.Context, run RunRecord) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO digest_runs (kind, listed, extracted, summarized, scored, returned, error_count, elapsed_ms, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Kind, run.Listed, run.Extracted, run.Summarized, run.Scored,
		run.Returned, run.ErrorCount, run.ElapsedMS, run.GeneratedAt)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get run id: %w", err)
	}
	return id, nil
}

// RecentRuns returns the most recent runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, listed, extracted, summarized, scored, returned, error_count, elapsed_ms, generated_at
		FROM digest_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var run RunRecord
		if err := rows.Scan(&run.ID, &run.Kind, &run.Listed, &run.Extracted, &run.Summarized,
			&run.Scored, &run.Returned, &run.ErrorCount, &run.ElapsedMS, &run.GeneratedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Delivery is one digest item sent to the chat.
type Delivery struct {
	ItemID        int64
	Title         string
	URL           string
	FinalScore    float64
	DeliveredAt   time.Time
	TelegramMsgID int64
}

// RecordDelivery upserts a delivery. Re-delivering an item refreshes its
// timestamp and message ID.
func (s *Store) RecordDelivery(ctx context.Context, d Delivery) error {
	var msgID sql.NullInt64
	if d.TelegramMsgID != 0 {
		msgID = sql.NullInt64{Int64: d.TelegramMsgID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries (item_id, title, url, final_score, delivered_at, telegram_msg_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			final_score = excluded.final_score,
			delivered_at = excluded.delivered_at,
			telegram_msg_id = excluded.telegram_msg_id`,
		d.ItemID, d.Title, d.URL, d.FinalScore, d.DeliveredAt, msgID)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// RecentlyDelivered returns the IDs of items delivered at or after since.
func (s *Store) RecentlyDelivered(ctx context.Context, since time.Time) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT item_id FROM deliveries WHERE delivered_at >= ?`, since)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	delivered := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		delivered[id] = true
	}
	return delivered, rows.Err()
}

// CachedSummary is one stored summarizer result.
type CachedSummary struct {
	ItemID    int64
	Summary   string
	KeyPoints []string
	Tags      []string
	CachedAt  time.Time
}

// GetSummary returns the cached summary for an item, or ErrNotFound.
func (s *Store) GetSummary(ctx context.Context, itemID int64) (*CachedSummary, error) {
	var (
		cached        CachedSummary
		keyPointsJSON string
		tagsJSON      string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT item_id, summary, key_points, tags, cached_at
		FROM summary_cache WHERE item_id = ?`, itemID).
		Scan(&cached.ItemID, &cached.Summary, &keyPointsJSON, &tagsJSON, &cached.CachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}

	if err := json.Unmarshal([]byte(keyPointsJSON), &cached.KeyPoints); err != nil {
		return nil, fmt.Errorf("parse key points: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &cached.Tags); err != nil {
		return nil, fmt.Errorf("parse tags: %w", err)
	}
	return &cached, nil
}

// PutSummary upserts a cached summary.
func (s *Store) PutSummary(ctx context.Context, cached CachedSummary) error {
	keyPointsJSON, err := json.Marshal(cached.KeyPoints)
	if err != nil {
		return fmt.Errorf("marshal key points: %w", err)
	}
	tagsJSON, err := json.Marshal(cached.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO summary_cache (item_id, summary, key_points, tags, cached_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			summary = excluded.summary,
			key_points = excluded.key_points,
			tags = excluded.tags,
			cached_at = excluded.cached_at`,
		cached.ItemID, cached.Summary, string(keyPointsJSON), string(tagsJSON), cached.CachedAt)
	if err != nil {
		return fmt.Errorf("put summary: %w", err)
	}
	return nil
}

// GetSetting returns a setting value, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query setting: %w", err)
	}
	return value, nil
}

// SetSetting upserts a setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}
