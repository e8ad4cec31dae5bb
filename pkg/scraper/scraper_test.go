package scraper_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/capture/internal/types"
	"github.com/xhad/capture/pkg/scraper"
)

func TestFetcher_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html>
<head><title>Release Notes</title></head>
<body>
<nav>Home About</nav>
<main><p>The new release improves failover handling.</p><p>Upgrades are backwards compatible.</p></main>
<footer>Privacy Policy</footer>
</body></html>`))
	}))
	defer srv.Close()

	f := scraper.NewWithConfig(scraper.FetcherConfig{RateLimit: 100})

	sub, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, "Release Notes", sub.Title)
	assert.Equal(t, "article", sub.DocType)
	assert.Equal(t, srv.URL, sub.SourceURL)
	assert.Contains(t, sub.Content, "failover handling")
	// Only the main content area is extracted.
	assert.NotContains(t, sub.Content, "Home About")
	assert.Equal(t, "text/html", sub.Metadata["contentType"])
}

func TestFetcher_BodyFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>
<script>var tracking = true;</script>
<p>Plain page without semantic markup.</p>
</body></html>`))
	}))
	defer srv.Close()

	f := scraper.NewWithConfig(scraper.FetcherConfig{RateLimit: 100})

	sub, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Contains(t, sub.Content, "Plain page")
	assert.NotContains(t, sub.Content, "tracking")
	// No title tag: the URL stands in.
	assert.Equal(t, srv.URL, sub.Title)
}

func TestFetcher_InvalidURL(t *testing.T) {
	f := scraper.NewWithConfig(scraper.FetcherConfig{RateLimit: 100})

	for _, u := range []string{"", "not-a-url", "/relative/path"} {
		_, err := f.Fetch(context.Background(), u)
		assert.True(t, errors.Is(err, types.ErrValidation), "url %q", u)
	}
}

func TestFetcher_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := scraper.NewWithConfig(scraper.FetcherConfig{RateLimit: 100})

	_, err := f.Fetch(context.Background(), srv.URL)
	assert.True(t, errors.Is(err, types.ErrUnavailable))
}

func TestFetcher_EmptyPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body></body></html>`))
	}))
	defer srv.Close()

	f := scraper.NewWithConfig(scraper.FetcherConfig{RateLimit: 100})

	_, err := f.Fetch(context.Background(), srv.URL)
	assert.True(t, errors.Is(err, types.ErrValidation))
}
