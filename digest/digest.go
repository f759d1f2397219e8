package digest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hn-herald/profile"
	"hn-herald/ranker"
)

const (
	defaultConcurrency   = 10
	defaultFetchTimeout  = 15 * time.Second
	defaultRunTimeout    = 90 * time.Second
	defaultBatchSize     = 5
	defaultMinContentLen = 100

	relevanceWeight  = 0.7
	popularityWeight = 0.3

	discussionURLFormat = "https://news.ycombinator.com/item?id=%d"
)

// ListingKind selects which ranked story list feeds a digest run.
type ListingKind string

const (
	ListTop  ListingKind = "top"
	ListNew  ListingKind = "new"
	ListBest ListingKind = "best"
)

// ExtractionState classifies the outcome of fetching one item's content.
type ExtractionState string

const (
	ExtractionSuccess ExtractionState = "success"
	ExtractionSkipped ExtractionState = "skipped"
	ExtractionFailed  ExtractionState = "failed"
	ExtractionNoURL   ExtractionState = "no_url"
	ExtractionEmpty   ExtractionState = "empty"
)

// SummarizationState classifies the outcome of summarizing one item.
type SummarizationState string

const (
	SummarizationSuccess SummarizationState = "success"
	SummarizationFailed  SummarizationState = "failed"
)

// ListedItem is one entry from a ranked story listing.
type ListedItem struct {
	ID           int64
	Title        string
	URL          string
	RawText      string
	SourceScore  int
	Author       string
	CreatedAt    time.Time
	CommentCount int
}

// ExtractedItem is a ListedItem plus the result of content extraction.
// Content is non-empty only when ExtractionState is ExtractionSuccess.
type ExtractedItem struct {
	ListedItem
	Content         string
	ExtractionState ExtractionState
	ErrorDetail     string
}

// SummarizedItem is an ExtractedItem plus the model's summary output.
type SummarizedItem struct {
	ExtractedItem
	Summary            string
	KeyPoints          []string
	Tags               []string
	SummarizationState SummarizationState
}

// ScoredItem is a SummarizedItem plus its profile match scores.
type ScoredItem struct {
	SummarizedItem
	Relevance          float64
	RelevanceReason    string
	MatchedInterest    []string
	MatchedDisinterest []string
	Popularity         float64
	FinalScore         float64
}

// SummaryResult is one summarizer output, index-aligned with its batch.
type SummaryResult struct {
	Summary   string
	KeyPoints []string
	Tags      []string
}

// ListingSource fetches ranked story listings. A returned error is fatal
// to the digest run.
type ListingSource interface {
	FetchRanked(ctx context.Context, kind ListingKind, count int) ([]ListedItem, error)
}

// ContentFetcher extracts readable content for one item. It never returns
// an error: every failure mode is encoded in the ExtractionState.
type ContentFetcher interface {
	Fetch(ctx context.Context, item ListedItem) ExtractedItem
}

// Summarizer summarizes a batch of extracted items, returning one result
// per input in the same order. An error fails the whole batch; the run
// degrades those items and continues.
type Summarizer interface {
	SummarizeBatch(ctx context.Context, items []ExtractedItem) ([]SummaryResult, error)
}

// Item is one digest entry, flattened for delivery and persistence.
type Item struct {
	ID                 int64
	Title              string
	URL                string
	CommentsURL        string
	Author             string
	CreatedAt          time.Time
	SourceScore        int
	CommentCount       int
	Summary            string
	KeyPoints          []string
	Tags               []string
	Relevance          float64
	RelevanceReason    string
	MatchedInterest    []string
	MatchedDisinterest []string
	Popularity         float64
	FinalScore         float64
}

// Stats describes one pipeline run. Extracted and Summarized count
// successful outcomes only.
type Stats struct {
	Listed     int
	Extracted  int
	Summarized int
	Scored     int
	Returned   int
	ErrorCount int
	ElapsedMS  int64
}

// Digest is the final output of one pipeline run.
type Digest struct {
	Items       []Item
	Stats       Stats
	Errors      []string
	GeneratedAt time.Time
}

// pipelineState carries one run's intermediate lists. Each list is written
// by exactly one stage; extracted and errors are the only fields written
// concurrently and go through the collector.
type pipelineState struct {
	profile    *profile.Profile
	listed     []ListedItem
	extracted  []ExtractedItem
	filtered   []ExtractedItem
	summarized []SummarizedItem
	scored     []ScoredItem
	ranked     []ScoredItem
	items      []Item
	errors     []string
	startedAt  time.Time
}

// collector merges fan-out results. Append order is arrival order, which
// is unspecified; later stages must not assume listing order.
type collector struct {
	mu        sync.Mutex
	extracted []ExtractedItem
	errors    []string
}

func (c *collector) add(item ExtractedItem) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.extracted = append(c.extracted, item)
	switch item.ExtractionState {
	case ExtractionFailed, ExtractionSkipped, ExtractionEmpty:
		c.errors = append(c.errors, fmt.Sprintf("item %d: %s", item.ID, item.ErrorDetail))
	}
}

// Pipeline runs the digest workflow: fetch a ranked listing, extract
// content in parallel, summarize in batches, score against the profile,
// rank, and truncate.
type Pipeline struct {
	source     ListingSource
	fetcher    ContentFetcher
	summarizer Summarizer
	scorer     *ranker.Scorer

	concurrency   int
	fetchTimeout  time.Duration
	runTimeout    time.Duration
	batchSize     int
	minContentLen int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConcurrency bounds the number of parallel content fetches.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		p.concurrency = n
	}
}

// WithFetchTimeout sets the per-item extraction deadline.
func WithFetchTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.fetchTimeout = d
	}
}

// WithRunTimeout sets the overall run deadline.
func WithRunTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.runTimeout = d
	}
}

// WithBatchSize sets how many items go into one summarization call.
func WithBatchSize(n int) Option {
	return func(p *Pipeline) {
		p.batchSize = n
	}
}

// WithMinContentLength sets the minimum extracted content length an item
// needs to be worth summarizing.
func WithMinContentLength(n int) Option {
	return func(p *Pipeline) {
		p.minContentLen = n
	}
}

// NewPipeline creates a digest pipeline around the given collaborators.
func NewPipeline(source ListingSource, fetcher ContentFetcher, summarizer Summarizer, opts ...Option) *Pipeline {
	p := &Pipeline{
		source:        source,
		fetcher:       fetcher,
		summarizer:    summarizer,
		scorer:        ranker.NewScorer(relevanceWeight, popularityWeight),
		concurrency:   defaultConcurrency,
		fetchTimeout:  defaultFetchTimeout,
		runTimeout:    defaultRunTimeout,
		batchSize:     defaultBatchSize,
		minContentLen: defaultMinContentLen,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes one digest run. maxItems overrides the profile's MaxItems
// when positive. The returned error is non-nil only when the listing fetch
// fails; every later failure degrades the digest instead of aborting it.
func (p *Pipeline) Run(ctx context.Context, prof *profile.Profile, kind ListingKind, listingCount, maxItems int) (*Digest, error) {
	if prof == nil {
		return nil, errors.New("profile is required")
	}

	ctx, cancel := context.WithTimeout(ctx, p.runTimeout)
	defer cancel()

	state := &pipelineState{profile: prof, startedAt: time.Now()}

	if err := p.fetchListing(ctx, state, kind, listingCount); err != nil {
		return nil, err
	}
	p.extractFanOut(ctx, state)
	p.filter(state)
	p.summarize(ctx, state)
	p.score(state)
	p.rank(state)
	p.truncate(state, maxItems)

	return p.assemble(state), nil
}

func (p *Pipeline) fetchListing(ctx context.Context, state *pipelineState, kind ListingKind, count int) error {
	listed, err := p.source.FetchRanked(ctx, kind, count)
	if err != nil {
		return fmt.Errorf("fetch listing: %w", err)
	}
	state.listed = listed
	slog.Info("listing fetched", "kind", string(kind), "count", len(listed))
	return nil
}

// extractFanOut fetches content for every listed item with bounded
// concurrency. The stage ends only when every dispatched task has either
// finished or been abandoned at its deadline.
func (p *Pipeline) extractFanOut(ctx context.Context, state *pipelineState) {
	col := &collector{}

	var g errgroup.Group
	g.SetLimit(p.concurrency)

	for _, item := range state.listed {
		g.Go(func() error {
			col.add(p.fetchOne(ctx, item))
			return nil
		})
	}
	// Tasks never return errors; failures are recorded per item.
	_ = g.Wait()

	state.extracted = col.extracted
	state.errors = append(state.errors, col.errors...)
	slog.Info("extraction complete",
		"succeeded", countExtracted(state.extracted),
		"total", len(state.extracted))
}

// fetchOne runs a single fetch under its own deadline. The fetcher
// contract forbids panics and unbounded blocking, but a misbehaving
// implementation must not stall the join barrier, so the call runs in its
// own goroutine and is abandoned when the deadline passes.
func (p *Pipeline) fetchOne(ctx context.Context, item ListedItem) ExtractedItem {
	fetchCtx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()

	done := make(chan ExtractedItem, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- ExtractedItem{
					ListedItem:      item,
					ExtractionState: ExtractionFailed,
					ErrorDetail:     fmt.Sprintf("fetcher panic: %v", r),
				}
			}
		}()
		done <- p.fetcher.Fetch(fetchCtx, item)
	}()

	select {
	case extracted := <-done:
		return extracted
	case <-fetchCtx.Done():
		slog.Warn("extraction abandoned", "item", item.ID, "title", item.Title)
		return ExtractedItem{
			ListedItem:      item,
			ExtractionState: ExtractionFailed,
			ErrorDetail:     "extraction timed out",
		}
	}
}

func (p *Pipeline) filter(state *pipelineState) {
	for _, item := range state.extracted {
		if item.ExtractionState == ExtractionSuccess && len(item.Content) >= p.minContentLen {
			state.filtered = append(state.filtered, item)
		}
	}
	slog.Info("filtered",
		"kept", len(state.filtered),
		"dropped", len(state.extracted)-len(state.filtered))
}

// summarize processes filtered items in fixed-size batches, sequentially.
// A failed batch degrades its items to SummarizationFailed and the run
// moves on to the next batch.
func (p *Pipeline) summarize(ctx context.Context, state *pipelineState) {
	for start := 0; start < len(state.filtered); start += p.batchSize {
		end := start + p.batchSize
		if end > len(state.filtered) {
			end = len(state.filtered)
		}
		batch := state.filtered[start:end]

		results, err := p.summarizer.SummarizeBatch(ctx, batch)
		if err == nil && len(results) != len(batch) {
			err = fmt.Errorf("got %d summaries for %d items", len(results), len(batch))
		}
		if err != nil {
			for _, item := range batch {
				state.summarized = append(state.summarized, SummarizedItem{
					ExtractedItem:      item,
					SummarizationState: SummarizationFailed,
				})
			}
			state.errors = append(state.errors, fmt.Sprintf("summarize batch of %d: %v", len(batch), err))
			slog.Warn("summarization batch failed", "size", len(batch), "error", err)
			continue
		}

		for i, item := range batch {
			state.summarized = append(state.summarized, SummarizedItem{
				ExtractedItem:      item,
				Summary:            results[i].Summary,
				KeyPoints:          results[i].KeyPoints,
				Tags:               results[i].Tags,
				SummarizationState: SummarizationSuccess,
			})
		}
	}
	slog.Info("summarization complete",
		"succeeded", countSummarized(state.summarized),
		"total", len(state.summarized))
}

// score applies the relevance scorer and drops items that failed
// summarization or fall below the profile's relevance floor.
func (p *Pipeline) score(state *pipelineState) {
	var candidates []SummarizedItem
	var articles []ranker.Article
	for _, item := range state.summarized {
		if item.SummarizationState != SummarizationSuccess {
			continue
		}
		candidates = append(candidates, item)
		articles = append(articles, ranker.Article{
			Tags:        item.Tags,
			SourceScore: item.SourceScore,
		})
	}

	for i, scored := range p.scorer.ScoreAll(articles, state.profile) {
		if scored.Relevance < state.profile.MinRelevance {
			continue
		}

		state.scored = append(state.scored, ScoredItem{
			SummarizedItem:     candidates[i],
			Relevance:          scored.Relevance,
			RelevanceReason:    scored.RelevanceReason,
			MatchedInterest:    scored.MatchedInterest,
			MatchedDisinterest: scored.MatchedDisinterest,
			Popularity:         scored.Popularity,
			FinalScore:         scored.FinalScore,
		})
	}
	slog.Info("scored", "kept", len(state.scored), "considered", len(state.summarized))
}

// rank orders scored items by final score, highest first. Ties keep their
// pre-sort order.
func (p *Pipeline) rank(state *pipelineState) {
	state.ranked = append(state.ranked, state.scored...)
	sort.SliceStable(state.ranked, func(i, j int) bool {
		return state.ranked[i].FinalScore > state.ranked[j].FinalScore
	})
}

func (p *Pipeline) truncate(state *pipelineState, maxItems int) {
	limit := state.profile.MaxItems
	if maxItems > 0 {
		limit = maxItems
	}

	ranked := state.ranked
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	for _, item := range ranked {
		state.items = append(state.items, flatten(item))
	}
}

func (p *Pipeline) assemble(state *pipelineState) *Digest {
	stats := Stats{
		Listed:     len(state.listed),
		Extracted:  countExtracted(state.extracted),
		Summarized: countSummarized(state.summarized),
		Scored:     len(state.scored),
		Returned:   len(state.items),
		ErrorCount: len(state.errors),
		ElapsedMS:  time.Since(state.startedAt).Milliseconds(),
	}

	slog.Info("digest assembled",
		"returned", stats.Returned,
		"errors", stats.ErrorCount,
		"elapsed_ms", stats.ElapsedMS)

	return &Digest{
		Items:       state.items,
		Stats:       stats,
		Errors:      state.errors,
		GeneratedAt: time.Now(),
	}
}

func flatten(item ScoredItem) Item {
	return Item{
		ID:                 item.ID,
		Title:              item.Title,
		URL:                item.URL,
		CommentsURL:        fmt.Sprintf(discussionURLFormat, item.ID),
		Author:             item.Author,
		CreatedAt:          item.CreatedAt,
		SourceScore:        item.SourceScore,
		CommentCount:       item.CommentCount,
		Summary:            item.Summary,
		KeyPoints:          item.KeyPoints,
		Tags:               item.Tags,
		Relevance:          item.Relevance,
		RelevanceReason:    item.RelevanceReason,
		MatchedInterest:    item.MatchedInterest,
		MatchedDisinterest: item.MatchedDisinterest,
		Popularity:         item.Popularity,
		FinalScore:         item.FinalScore,
	}
}

func countExtracted(items []ExtractedItem) int {
	n := 0
	for _, item := range items {
		if item.ExtractionState == ExtractionSuccess {
			n++
		}
	}
	return n
}

func countSummarized(items []SummarizedItem) int {
	n := 0
	for _, item := range items {
		if item.SummarizationState == SummarizationSuccess {
			n++
		}
	}
	return n
}
