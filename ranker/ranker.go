package ranker

import (
	"strings"

	"hn-herald/profile"
)

const (
	disinterestRelevance = 0.1
	neutralRelevance     = 0.5

	// Community scores at or above this value count as maximum popularity.
	maxSourceScore = 500.0
)

// Article contains the data needed to score one item.
type Article struct {
	Tags        []string
	SourceScore int
}

// ScoredArticle is an article with its computed score breakdown.
type ScoredArticle struct {
	Article
	Relevance          float64
	RelevanceReason    string
	MatchedInterest    []string
	MatchedDisinterest []string
	Popularity         float64
	FinalScore         float64
}

// Scorer computes deterministic preference scores for articles.
// Scoring is a pure function of the article tags, the community score,
// and the profile; repeated calls produce identical results.
type Scorer struct {
	relevanceWeight  float64
	popularityWeight float64
}

// NewScorer creates a scorer with the given weighting factors.
func NewScorer(relevanceWeight, popularityWeight float64) *Scorer {
	return &Scorer{
		relevanceWeight:  relevanceWeight,
		popularityWeight: popularityWeight,
	}
}

// Score computes the relevance, popularity, and final score for one article.
// Tag comparison is case-insensitive; matched tags keep the article's
// original casing. A disinterest match caps relevance at 0.1 regardless of
// any interest overlap.
func (s *Scorer) Score(article Article, p *profile.Profile) ScoredArticle {
	scored := ScoredArticle{Article: article}

	scored.MatchedDisinterest = matchTags(article.Tags, p.DisinterestTags)
	if len(scored.MatchedDisinterest) > 0 {
		scored.Relevance = disinterestRelevance
		scored.RelevanceReason = "Matches disinterest tags: " + strings.Join(scored.MatchedDisinterest, ", ")
	} else {
		scored.MatchedInterest = matchTags(article.Tags, p.InterestTags)
		if len(scored.MatchedInterest) > 0 {
			ratio := float64(len(scored.MatchedInterest)) / float64(len(p.InterestTags))
			scored.Relevance = 0.5 + 0.5*ratio
			scored.RelevanceReason = "Matches interests: " + strings.Join(scored.MatchedInterest, ", ")
		} else {
			scored.Relevance = neutralRelevance
			scored.RelevanceReason = "No specific tag matches"
		}
	}

	scored.Popularity = popularity(article.SourceScore)
	scored.FinalScore = clamp01(s.relevanceWeight*scored.Relevance + s.popularityWeight*scored.Popularity)

	return scored
}

// ScoreAll scores every article, index for index.
func (s *Scorer) ScoreAll(articles []Article, p *profile.Profile) []ScoredArticle {
	scored := make([]ScoredArticle, len(articles))
	for i, a := range articles {
		scored[i] = s.Score(a, p)
	}
	return scored
}

// matchTags returns the article tags present in the profile tag list,
// compared lowercased, deduplicated, in article order with original casing.
func matchTags(articleTags, profileTags []string) []string {
	if len(profileTags) == 0 {
		return nil
	}

	wanted := make(map[string]bool, len(profileTags))
	for _, t := range profileTags {
		wanted[t] = true
	}

	var matched []string
	seen := make(map[string]bool)
	for _, tag := range articleTags {
		key := strings.ToLower(strings.TrimSpace(tag))
		if key == "" || !wanted[key] || seen[key] {
			continue
		}
		seen[key] = true
		matched = append(matched, tag)
	}
	return matched
}

// popularity normalizes a community score to [0,1] against a fixed
// absolute ceiling, keeping scores comparable across runs.
func popularity(sourceScore int) float64 {
	pop := float64(sourceScore) / maxSourceScore
	if pop > 1 {
		return 1
	}
	if pop < 0 {
		return 0
	}
	return pop
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
