package scraper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
)

const (
	defaultMaxContentLen = 8000
	defaultUserAgent     = "Mozilla/5.0 (compatible; HN-Herald/1.0)"

	maxBodyBytes = 5 << 20
)

// Status classifies the outcome of one extraction attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
	StatusNoURL   Status = "no_url"
	StatusEmpty   Status = "empty"
)

// Result is the outcome of one extraction attempt. Failures are encoded in
// Status and Detail; Content is non-empty only when Status is StatusSuccess.
type Result struct {
	Content string
	Status  Status
	Detail  string
}

// Domains that never yield readable article text: social networks, video
// hosts, code forges, document viewers, and hard paywalls.
var blockedDomains = map[string]bool{
	"twitter.com":        true,
	"x.com":              true,
	"reddit.com":         true,
	"facebook.com":       true,
	"instagram.com":      true,
	"youtube.com":        true,
	"youtu.be":           true,
	"vimeo.com":          true,
	"tiktok.com":         true,
	"github.com":         true,
	"gitlab.com":         true,
	"bitbucket.org":      true,
	"docs.google.com":    true,
	"drive.google.com":   true,
	"sheets.google.com":  true,
	"medium.com":         true,
	"bloomberg.com":      true,
	"wsj.com":            true,
	"nytimes.com":        true,
	"ft.com":             true,
	"economist.com":      true,
	"washingtonpost.com": true,
	"linkedin.com":       true,
}

var blockedExtensions = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true, ".zip": true, ".tar": true, ".gz": true,
	".rar": true, ".7z": true, ".mp4": true, ".mp3": true, ".wav": true,
	".avi": true, ".mov": true, ".mkv": true, ".webm": true, ".jpg": true,
	".jpeg": true, ".png": true, ".gif": true, ".svg": true, ".webp": true,
	".bmp": true, ".ico": true,
}

var paywallMarkers = []string{
	"subscribe to continue",
	"subscription required",
	"sign in to read",
	"create a free account",
	"already a subscriber",
}

// Scraper extracts readable article content from web pages.
type Scraper struct {
	httpClient    *http.Client
	userAgent     string
	maxContentLen int
	converter     *md.Converter
}

// Option configures a Scraper.
type Option func(*Scraper)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Scraper) {
		s.httpClient.Timeout = d
	}
}

// WithMaxContentLength sets the maximum content length to return.
func WithMaxContentLength(n int) Option {
	return func(s *Scraper) {
		s.maxContentLen = n
	}
}

// WithUserAgent sets the User-Agent header sent with fetches.
func WithUserAgent(ua string) Option {
	return func(s *Scraper) {
		s.userAgent = ua
	}
}

// NewScraper creates a new content scraper.
func NewScraper(opts ...Option) *Scraper {
	s := &Scraper{
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		userAgent:     defaultUserAgent,
		maxContentLen: defaultMaxContentLen,
		converter:     md.NewConverter("", true, nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Extract fetches and extracts readable text for one story. It never
// returns an error: every failure mode is encoded in the Result status.
// Stories without a URL use rawText (self posts) when present.
func (s *Scraper) Extract(ctx context.Context, rawURL, rawText string) Result {
	if rawURL == "" {
		return s.extractRawText(rawText)
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return Result{Status: StatusFailed, Detail: fmt.Sprintf("invalid URL: %s", rawURL)}
	}

	if reason, blocked := blockReason(parsedURL); blocked {
		return Result{Status: StatusSkipped, Detail: reason}
	}

	body, result := s.fetch(ctx, rawURL)
	if result != nil {
		return *result
	}

	content := s.extractBody(body, parsedURL)
	content = strings.TrimSpace(content)
	if content == "" {
		return Result{Status: StatusEmpty, Detail: "no readable content"}
	}

	if paywallSuspected(content) {
		return Result{Status: StatusSkipped, Detail: "paywall suspected"}
	}

	return Result{
		Status:  StatusSuccess,
		Content: truncateAtSentence(content, s.maxContentLen),
	}
}

// extractRawText handles stories that carry their own text instead of a URL.
func (s *Scraper) extractRawText(rawText string) Result {
	if strings.TrimSpace(rawText) == "" {
		return Result{Status: StatusNoURL, Detail: "story has no URL or text"}
	}

	content := rawText
	if converted, err := s.converter.ConvertString(rawText); err == nil {
		content = converted
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Result{Status: StatusEmpty, Detail: "no readable content"}
	}

	return Result{
		Status:  StatusSuccess,
		Content: truncateAtSentence(content, s.maxContentLen),
	}
}

// fetch downloads the page body. A non-nil Result means the fetch failed.
func (s *Scraper) fetch(ctx context.Context, rawURL string) ([]byte, *Result) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Result{Status: StatusFailed, Detail: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("User-Agent", s.userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		detail := fmt.Sprintf("fetch URL: %v", err)
		if ctx.Err() != nil {
			detail = "fetch timed out"
		}
		return nil, &Result{Status: StatusFailed, Detail: detail}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Result{Status: StatusFailed, Detail: fmt.Sprintf("unexpected status: %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &Result{Status: StatusFailed, Detail: fmt.Sprintf("read body: %v", err)}
	}
	return body, nil
}

// extractBody runs readability over the page, falling back to a bare
// container scan when readability finds nothing.
func (s *Scraper) extractBody(body []byte, pageURL *url.URL) string {
	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err == nil {
		if content := s.toMarkdown(article.Content, article.TextContent); content != "" {
			return content
		}
	}
	return extractFallback(body)
}

// toMarkdown converts extracted article HTML to markdown for LLM
// consumption, falling back to the plain text rendering.
func (s *Scraper) toMarkdown(articleHTML, articleText string) string {
	if strings.TrimSpace(articleHTML) != "" {
		if converted, err := s.converter.ConvertString(articleHTML); err == nil {
			if trimmed := strings.TrimSpace(converted); trimmed != "" {
				return trimmed
			}
		}
	}
	return strings.TrimSpace(articleText)
}

// extractFallback pulls text from common content containers when
// readability cannot parse the page.
func extractFallback(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	doc.Find("script, style, nav, header, footer, aside").Remove()

	for _, selector := range []string{"article", "main", "[role=main]"} {
		if sel := doc.Find(selector); sel.Length() > 0 {
			return strings.Join(strings.Fields(sel.First().Text()), " ")
		}
	}

	var paragraphs []string
	doc.Find("p").Each(func(_ int, p *goquery.Selection) {
		if text := strings.TrimSpace(p.Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})
	return strings.Join(paragraphs, "\n\n")
}

// blockReason reports whether the URL points at a domain or file type that
// never yields readable article text.
func blockReason(u *url.URL) (string, bool) {
	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")

	for domain := range blockedDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return fmt.Sprintf("blocked domain: %s", domain), true
		}
	}

	if ext := strings.ToLower(path.Ext(u.Path)); blockedExtensions[ext] {
		return fmt.Sprintf("blocked file type: %s", ext), true
	}

	return "", false
}

// paywallSuspected scans the start of the extracted text for subscription
// wall phrasings.
func paywallSuspected(content string) bool {
	head := content
	if len(head) > 1500 {
		head = head[:1500]
	}
	head = strings.ToLower(head)

	for _, marker := range paywallMarkers {
		if strings.Contains(head, marker) {
			return true
		}
	}
	return false
}

// truncateAtSentence cuts content to at most max bytes, preferring the
// last sentence end past the halfway point and never splitting a rune.
func truncateAtSentence(content string, max int) string {
	if len(content) <= max {
		return content
	}

	for max > 0 && !utf8.RuneStart(content[max]) {
		max--
	}
	cut := content[:max]
	if idx := strings.LastIndexAny(cut, ".!?"); idx > max/2 {
		return cut[:idx+1]
	}
	return cut
}
