// Package fetch retrieves source pages and extracts their readable text,
// used to enrich a run's final references with full content. The plain
// HTTP path covers most pages; a headless browser path handles pages that
// only render with JavaScript.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"

	"github.com/mohammad-safakhou/prosearch/config"
)

const userAgent = "prosearch/1.0 (+https://github.com/mohammad-safakhou/prosearch)"

// Fetcher downloads a page and reduces it to readable article text.
type Fetcher struct {
	timeout    time.Duration
	useBrowser bool
	maxBytes   int64
	client     *http.Client
}

func New(cfg config.FetchConfig) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}
	return &Fetcher{
		timeout:    timeout,
		useBrowser: cfg.UseBrowser,
		maxBytes:   maxBytes,
		client:     &http.Client{Timeout: timeout},
	}
}

// Fetch returns the readable text content of the page at rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	if strings.TrimSpace(rawURL) == "" {
		return "", errors.New("empty url")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var html string
	if f.useBrowser {
		html, err = f.fetchRendered(ctx, rawURL)
	} else {
		html, err = f.fetchPlain(ctx, rawURL)
	}
	if err != nil {
		return "", err
	}

	article, err := readability.FromReader(strings.NewReader(html), parsed)
	if err != nil {
		return "", fmt.Errorf("extracting readable content: %w", err)
	}
	text := strings.TrimSpace(article.TextContent)
	if int64(len(text)) > f.maxBytes {
		text = text[:f.maxBytes]
	}
	return text, nil
}

func (f *Fetcher) fetchPlain(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("http %d fetching %s", resp.StatusCode, rawURL)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (f *Fetcher) fetchRendered(ctx context.Context, rawURL string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(userAgent),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("rendering %s: %w", rawURL, err)
	}
	return html, nil
}
