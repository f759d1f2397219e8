package summarizer

import (
	"context"
	"strings"
	"testing"
)

type fakeCache struct {
	entries map[int64]Summary
	puts    map[int64]Summary
}

func (c *fakeCache) Get(_ context.Context, storyID int64) (Summary, bool) {
	s, ok := c.entries[storyID]
	return s, ok
}

func (c *fakeCache) Put(_ context.Context, storyID int64, summary Summary) {
	if c.puts == nil {
		c.puts = make(map[int64]Summary)
	}
	c.puts[storyID] = summary
}

func TestNewSummarizerRequiresAPIKey(t *testing.T) {
	if _, err := NewSummarizer(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNewSummarizerDefaults(t *testing.T) {
	s, err := NewSummarizer("test-key")
	if err != nil {
		t.Fatalf("NewSummarizer() error = %v", err)
	}
	if s.model != defaultModel {
		t.Errorf("model = %q, want %q", s.model, defaultModel)
	}
	if s.maxTokens != defaultMaxTokens {
		t.Errorf("maxTokens = %d, want %d", s.maxTokens, defaultMaxTokens)
	}
}

func TestNewSummarizerOptions(t *testing.T) {
	cache := &fakeCache{}
	s, err := NewSummarizer("test-key",
		WithModel("claude-sonnet-4-5"),
		WithMaxTokens(512),
		WithTemperature(0.7),
		WithCache(cache),
	)
	if err != nil {
		t.Fatalf("NewSummarizer() error = %v", err)
	}
	if s.model != "claude-sonnet-4-5" {
		t.Errorf("model = %q, want %q", s.model, "claude-sonnet-4-5")
	}
	if s.maxTokens != 512 {
		t.Errorf("maxTokens = %d, want 512", s.maxTokens)
	}
	if s.temperature != 0.7 {
		t.Errorf("temperature = %v, want 0.7", s.temperature)
	}
	if s.cache != cache {
		t.Error("cache option not applied")
	}
}

func TestSummarizeBatchEmpty(t *testing.T) {
	s, _ := NewSummarizer("test-key")
	summaries, err := s.SummarizeBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("SummarizeBatch() error = %v", err)
	}
	if summaries != nil {
		t.Errorf("expected nil summaries for empty input, got %v", summaries)
	}
}

func TestSummarizeBatchAllCached(t *testing.T) {
	cache := &fakeCache{entries: map[int64]Summary{
		1: {Summary: "first", Tags: []string{"go"}},
		2: {Summary: "second", Tags: []string{"db"}},
	}}
	s, _ := NewSummarizer("test-key", WithCache(cache))

	articles := []Article{
		{ID: 1, Title: "A", Content: "content a"},
		{ID: 2, Title: "B", Content: "content b"},
	}
	summaries, err := s.SummarizeBatch(context.Background(), articles)
	if err != nil {
		t.Fatalf("SummarizeBatch() error = %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("got %d summaries, want 2", len(summaries))
	}
	if summaries[0].Summary != "first" || summaries[1].Summary != "second" {
		t.Errorf("summaries out of order: %v", summaries)
	}
}

func TestBuildBatchPrompt(t *testing.T) {
	prompt := buildBatchPrompt([]Article{
		{ID: 10, Title: "Go 1.26 released", Content: "The release adds generics improvements."},
		{ID: 11, Title: "SQLite at scale", Content: "How one team runs SQLite in production."},
	})

	if !strings.Contains(prompt, "Summarize the following 2 articles.") {
		t.Errorf("prompt missing count line:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Article 1: Go 1.26 released") {
		t.Errorf("prompt missing first article header:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Article 2: SQLite at scale") {
		t.Errorf("prompt missing second article header:\n%s", prompt)
	}
	if !strings.Contains(prompt, "generics improvements") {
		t.Errorf("prompt missing article content:\n%s", prompt)
	}
}

func TestParseBatchResponse(t *testing.T) {
	text := `{"summaries": [
		{"summary": "First summary.", "key_points": ["point one"], "tags": ["go", "release"]},
		{"summary": "Second summary.", "key_points": ["point two", "point three"], "tags": ["sqlite"]}
	]}`

	summaries, err := parseBatchResponse(text)
	if err != nil {
		t.Fatalf("parseBatchResponse() error = %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("got %d summaries, want 2", len(summaries))
	}
	if summaries[0].Summary != "First summary." {
		t.Errorf("summaries[0].Summary = %q", summaries[0].Summary)
	}
	if len(summaries[1].KeyPoints) != 2 {
		t.Errorf("summaries[1].KeyPoints = %v, want 2 points", summaries[1].KeyPoints)
	}
	if summaries[0].Tags[0] != "go" {
		t.Errorf("summaries[0].Tags = %v", summaries[0].Tags)
	}
}

func TestParseBatchResponseFenced(t *testing.T) {
	text := "```json\n{\"summaries\": [{\"summary\": \"Fenced.\", \"key_points\": [], \"tags\": []}]}\n```"

	summaries, err := parseBatchResponse(text)
	if err != nil {
		t.Fatalf("parseBatchResponse() error = %v", err)
	}
	if len(summaries) != 1 || summaries[0].Summary != "Fenced." {
		t.Errorf("unexpected summaries: %v", summaries)
	}
}

func TestParseBatchResponseInvalidJSON(t *testing.T) {
	if _, err := parseBatchResponse("not json at all"); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestStripMarkdownCodeBlock(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"json fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"bare fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"no fence", `{"a": 1}`, `{"a": 1}`},
		{"surrounding whitespace", "  {\"a\": 1}\n", `{"a": 1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripMarkdownCodeBlock(tt.input); got != tt.want {
				t.Errorf("stripMarkdownCodeBlock(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
