package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aktagon/llmkit/anthropic"
	"github.com/aktagon/llmkit/anthropic/types"
)

const (
	defaultModel       = "claude-3-5-haiku-latest"
	defaultMaxTokens   = 2048
	defaultTemperature = 0.3
)

const systemPrompt = `You are a news digest assistant. You will receive a numbered list of articles.
For each article produce:
- summary: 2-3 sentences capturing what the article says and why it matters
- key_points: 2-4 short standalone takeaways
- tags: 3-6 lowercase topic tags (single words or hyphenated phrases)

Return one entry per article, in the same order as the input. Do not skip articles.`

const batchSchema = `{
  "type": "object",
  "properties": {
    "summaries": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "summary": {
            "type": "string",
            "description": "2-3 sentence summary of the article"
          },
          "key_points": {
            "type": "array",
            "items": {"type": "string"},
            "description": "2-4 short takeaways"
          },
          "tags": {
            "type": "array",
            "items": {"type": "string"},
            "description": "3-6 lowercase topic tags"
          }
        },
        "required": ["summary", "key_points", "tags"]
      }
    }
  },
  "required": ["summaries"]
}`

var codeBlockRegex = regexp.MustCompile("(?s)^\\s*```(?:json)?\\s*(.+?)\\s*```\\s*$")

// Article is one piece of extracted content to summarize.
type Article struct {
	ID      int64
	Title   string
	Content string
}

// Summary is the model's output for one article.
type Summary struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
	Tags      []string `json:"tags"`
}

type batchResponse struct {
	Summaries []Summary `json:"summaries"`
}

// Cache stores summaries keyed by story ID so re-runs skip the model call.
type Cache interface {
	Get(ctx context.Context, storyID int64) (Summary, bool)
	Put(ctx context.Context, storyID int64, summary Summary)
}

// Summarizer produces article summaries in batches using the Anthropic API.
type Summarizer struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	cache       Cache
}

// Option configures a Summarizer.
type Option func(*Summarizer)

// WithModel sets the model to use for summarization.
func WithModel(model string) Option {
	return func(s *Summarizer) {
		s.model = model
	}
}

// WithMaxTokens sets the maximum response tokens per batch.
func WithMaxTokens(n int) Option {
	return func(s *Summarizer) {
		s.maxTokens = n
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(s *Summarizer) {
		s.temperature = t
	}
}

// WithCache attaches a summary cache consulted before calling the model.
func WithCache(c Cache) Option {
	return func(s *Summarizer) {
		s.cache = c
	}
}

// NewSummarizer creates a new Summarizer with the given API key.
func NewSummarizer(apiKey string, opts ...Option) (*Summarizer, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	s := &Summarizer{
		apiKey:      apiKey,
		model:       defaultModel,
		maxTokens:   defaultMaxTokens,
		temperature: defaultTemperature,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SummarizeBatch summarizes all articles in one model call and returns
// summaries index-aligned with the input. Cached articles are not re-sent.
// An error means the whole batch failed; no partial results are returned.
func (s *Summarizer) SummarizeBatch(ctx context.Context, articles []Article) ([]Summary, error) {
	if len(articles) == 0 {
		return nil, nil
	}

	out := make([]Summary, len(articles))
	var misses []int
	for i, a := range articles {
		if s.cache != nil {
			if cached, ok := s.cache.Get(ctx, a.ID); ok {
				out[i] = cached
				continue
			}
		}
		misses = append(misses, i)
	}
	if len(misses) == 0 {
		return out, nil
	}

	batch := make([]Article, len(misses))
	for j, idx := range misses {
		batch[j] = articles[idx]
	}

	fresh, err := s.prompt(ctx, buildBatchPrompt(batch))
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(misses) {
		return nil, fmt.Errorf("model returned %d summaries, want %d", len(fresh), len(misses))
	}

	for j, idx := range misses {
		out[idx] = fresh[j]
		if s.cache != nil {
			s.cache.Put(ctx, articles[idx].ID, fresh[j])
		}
	}
	return out, nil
}

// prompt runs one model call. The underlying client has no context support,
// so the call is raced against ctx and abandoned when ctx expires.
func (s *Summarizer) prompt(ctx context.Context, userPrompt string) ([]Summary, error) {
	type outcome struct {
		text string
		err  error
	}
	ch := make(chan outcome, 1)

	go func() {
		settings := types.RequestSettings{
			Model:       s.model,
			MaxTokens:   s.maxTokens,
			Temperature: s.temperature,
		}
		resp, err := anthropic.PromptWithSettings(systemPrompt, userPrompt, batchSchema, s.apiKey, settings)
		if err != nil {
			ch <- outcome{err: fmt.Errorf("prompt model: %w", err)}
			return
		}
		if len(resp.Content) == 0 {
			ch <- outcome{err: errors.New("empty model response")}
			return
		}
		ch <- outcome{text: resp.Content[0].Text}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return parseBatchResponse(res.text)
	}
}

func buildBatchPrompt(articles []Article) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize the following %d articles.\n", len(articles))
	for i, a := range articles {
		fmt.Fprintf(&b, "\nArticle %d: %s\n\n%s\n", i+1, a.Title, a.Content)
	}
	return b.String()
}

func parseBatchResponse(text string) ([]Summary, error) {
	cleaned := stripMarkdownCodeBlock(text)

	var parsed batchResponse
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, fmt.Errorf("parse summary response: %w", err)
	}
	return parsed.Summaries, nil
}

// stripMarkdownCodeBlock removes a surrounding ```json fence when the model
// wraps its output in one.
func stripMarkdownCodeBlock(text string) string {
	if matches := codeBlockRegex.FindStringSubmatch(text); len(matches) == 2 {
		return matches[1]
	}
	return strings.TrimSpace(text)
}
