package profile

import (
	"fmt"
	"strings"
)

const (
	// DefaultMaxItems is used when a caller passes maxItems = 0.
	DefaultMaxItems = 10

	maxItemsLimit = 100
)

// Profile describes a reader's content preferences. Tags are stored
// lowercased and deduplicated; matching elsewhere is case-insensitive.
type Profile struct {
	InterestTags    []string
	DisinterestTags []string
	MinRelevance    float64
	MaxItems        int
}

// New builds a validated profile. Tags are trimmed, lowercased, and
// deduplicated in input order. maxItems = 0 selects DefaultMaxItems.
func New(interests, disinterests []string, minRelevance float64, maxItems int) (*Profile, error) {
	interestTags, err := normalizeTags(interests)
	if err != nil {
		return nil, fmt.Errorf("interest tags: %w", err)
	}
	disinterestTags, err := normalizeTags(disinterests)
	if err != nil {
		return nil, fmt.Errorf("disinterest tags: %w", err)
	}

	if overlap := intersect(interestTags, disinterestTags); len(overlap) > 0 {
		return nil, fmt.Errorf("tags cannot be both interest and disinterest: %s", strings.Join(overlap, ", "))
	}

	if minRelevance < 0 || minRelevance > 1 {
		return nil, fmt.Errorf("min_relevance must be between 0 and 1, got %g", minRelevance)
	}

	if maxItems == 0 {
		maxItems = DefaultMaxItems
	}
	if maxItems < 1 || maxItems > maxItemsLimit {
		return nil, fmt.Errorf("max_items must be between 1 and %d, got %d", maxItemsLimit, maxItems)
	}

	return &Profile{
		InterestTags:    interestTags,
		DisinterestTags: disinterestTags,
		MinRelevance:    minRelevance,
		MaxItems:        maxItems,
	}, nil
}

// normalizeTags lowercases and deduplicates, rejecting tags that are empty
// after trimming so they can never silently match everything downstream.
func normalizeTags(tags []string) ([]string, error) {
	normalized := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))

	for _, tag := range tags {
		t := strings.ToLower(strings.TrimSpace(tag))
		if t == "" {
			return nil, fmt.Errorf("empty or whitespace-only tag %q", tag)
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		normalized = append(normalized, t)
	}
	return normalized, nil
}

func intersect(a, b []string) []string {
	inB := make(map[string]bool, len(b))
	for _, t := range b {
		inB[t] = true
	}
	var common []string
	for _, t := range a {
		if inB[t] {
			common = append(common, t)
		}
	}
	return common
}
