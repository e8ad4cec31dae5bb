package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/xhad/capture/internal/models"
	"github.com/xhad/capture/internal/types"
)

type FetcherConfig struct {
	RateLimit float64 // requests per second
	Timeout   time.Duration
	DocType   string
}

// Fetcher turns a web page into an ingestion submission: it fetches the
// page, extracts the main text content and packages it for the
// coordinator. Fetches are rate limited across callers.
type Fetcher struct {
	config  FetcherConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewWithConfig(config FetcherConfig) *Fetcher {
	if config.RateLimit == 0 {
		config.RateLimit = 2
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.DocType == "" {
		config.DocType = "article"
	}

	return &Fetcher{
		config: config,
		client: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
	}
}

// Fetch downloads a single page and returns a submission ready for
// Coordinator.Submit.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (*models.Submission, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil || !parsed.IsAbs() {
		return nil, types.Validationf("invalid URL %q", pageURL)
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, types.Unavailable("fetch page", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, types.Unavailable("fetch page",
			fmt.Errorf("received status code %d for URL: %s", resp.StatusCode, pageURL))
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}

	content := extractMainContent(doc)
	if content == "" {
		return nil, types.Validationf("page %s has no extractable content", pageURL)
	}

	title := strings.TrimSpace(doc.Find("title").Text())
	if title == "" {
		title = pageURL
	}

	return &models.Submission{
		Title:     title,
		Content:   content,
		DocType:   f.config.DocType,
		SourceURL: pageURL,
		Metadata: map[string]interface{}{
			"contentType":  resp.Header.Get("Content-Type"),
			"lastModified": resp.Header.Get("Last-Modified"),
		},
	}, nil
}

func extractMainContent(doc *goquery.Document) string {
	// Try to find main content area
	selectors := []string{
		"main",
		"article",
		".content",
		"#content",
		".documentation",
		"#documentation",
	}

	var content string
	for _, selector := range selectors {
		if selected := doc.Find(selector); selected.Length() > 0 {
			content = selected.Text()
			break
		}
	}

	// Fallback to body if no main content found
	if content == "" {
		doc.Find("script, style, nav, footer").Remove()
		content = doc.Find("body").Text()
	}

	return cleanContent(content)
}

func cleanContent(content string) string {
	// Remove common noise
	noisePatterns := []string{
		"Cookie Policy",
		"Accept Cookies",
		"Privacy Policy",
		"Terms of Service",
	}
	for _, pattern := range noisePatterns {
		content = strings.ReplaceAll(content, pattern, "")
	}

	// Collapse runs of whitespace but keep paragraph breaks for the
	// chunker.
	var paragraphs []string
	for _, para := range strings.Split(content, "\n\n") {
		para = strings.Join(strings.Fields(para), " ")
		if para != "" {
			paragraphs = append(paragraphs, para)
		}
	}

	return strings.TrimSpace(strings.Join(paragraphs, "\n\n"))
}
