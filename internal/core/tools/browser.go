// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chromedp/chromedp"
	"github.com/jaycherian/gcp-go-ad-quality-rater/internal/cloud"
)

// BrowserExtractor renders the landing page in a headless Chrome so client
// side content is present before the text is read. Each extraction runs in
// its own browser process.
type BrowserExtractor struct {
	config cloud.ScraperConfig
	logger *slog.Logger
	// ExecPath overrides the Chrome binary, empty uses the one on PATH.
	ExecPath string
}

// NewBrowserExtractor creates a browser extractor using the Chrome on PATH.
// Set ExecPath on the result to use another binary.
func NewBrowserExtractor(config cloud.ScraperConfig, logger *slog.Logger) *BrowserExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrowserExtractor{config: config, logger: logger}
}

// allocatorOptions are the Chrome flags of one extraction: headless, no
// sandbox for containers, and the configured viewport and user agent.
func (b *BrowserExtractor) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if b.config.ViewportWidth > 0 && b.config.ViewportHeight > 0 {
		opts = append(opts, chromedp.WindowSize(b.config.ViewportWidth, b.config.ViewportHeight))
	}
	if b.config.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(b.config.UserAgent))
	}
	if b.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.ExecPath))
	}
	return opts
}

// Extract renders pageURL in a fresh headless Chrome and returns its text.
//
// Inputs:
//   - ctx: cancels the extraction and kills the browser process.
//   - pageURL: an absolute http(s) URL.
//
// Outputs:
//   - ExtractionResult with Method "browser". ExtractLaunch when Chrome
//     cannot start (the fallback extractor then switches to static HTML),
//     ExtractTimeout when navigation exceeds NavigationTimeout, ExtractScrape
//     for other browser errors and ExtractEmpty when no text is found.
//
// Navigation waits for the load event and for <body>. After that a consent
// banner is accepted when one matches ConsentSelector, the page is scrolled
// to the bottom to trigger lazy content, and the text is read after
// SettleDelay. When the rendered markup has no readable text outside page
// chrome, the visible text of <body> is used instead.
func (b *BrowserExtractor) Extract(ctx context.Context, pageURL string) ExtractionResult {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, b.allocatorOptions()...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			b.logger.Debug(fmt.Sprintf(format, args...))
		}),
	)
	defer browserCancel()

	// An empty Run starts the browser, so launch failures are told apart from page failures.
	if err := chromedp.Run(browserCtx); err != nil {
		return extractionFailure(MethodBrowser, pageURL, ExtractLaunch, "Browser launch failed: %v", err)
	}

	b.logger.InfoContext(ctx, "navigating to landing page", "url", pageURL)
	navCtx, navCancel := context.WithTimeout(browserCtx, b.config.NavigationTimeout)
	err := chromedp.Run(navCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	navCancel()
	if err != nil {
		if isTimeout(err) || navCtx.Err() == context.DeadlineExceeded {
			return extractionFailure(MethodBrowser, pageURL, ExtractTimeout, "Page load timeout (%dms)", b.config.NavigationTimeout.Milliseconds())
		}
		return extractionFailure(MethodBrowser, pageURL, ExtractScrape, "Scraping failed: %v", err)
	}

	b.acceptConsent(browserCtx)

	// Scroll to the bottom so lazy loaded sections render before reading.
	var scrolled bool
	if err := chromedp.Run(browserCtx,
		chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight); true`, &scrolled),
		chromedp.Sleep(b.config.SettleDelay),
	); err != nil {
		return extractionFailure(MethodBrowser, pageURL, ExtractScrape, "Scraping failed: %v", err)
	}

	var document string
	if err := chromedp.Run(browserCtx, chromedp.OuterHTML("html", &document, chromedp.ByQuery)); err != nil {
		return extractionFailure(MethodBrowser, pageURL, ExtractScrape, "Scraping failed: %v", err)
	}
	text, err := ExtractText(strings.NewReader(document))
	if err != nil || text == "" {
		var body string
		if err := chromedp.Run(browserCtx, chromedp.Text("body", &body, chromedp.ByQuery)); err != nil {
			return extractionFailure(MethodBrowser, pageURL, ExtractScrape, "Scraping failed: %v", err)
		}
		text = normalizeLines(body)
	}
	if text == "" {
		return extractionFailure(MethodBrowser, pageURL, ExtractEmpty, "No text content found on page")
	}
	return extracted(MethodBrowser, pageURL, text, b.config.MaxTextChars)
}

// acceptConsent clicks the first consent button it finds. A missing banner is not an error.
func (b *BrowserExtractor) acceptConsent(ctx context.Context) {
	if b.config.ConsentSelector == "" || b.config.ConsentTimeout <= 0 {
		return
	}
	clickCtx, cancel := context.WithTimeout(ctx, b.config.ConsentTimeout)
	defer cancel()
	if err := chromedp.Run(clickCtx, chromedp.Click(b.config.ConsentSelector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		b.logger.DebugContext(ctx, "no consent banner accepted", "error", err)
		return
	}
	b.logger.InfoContext(ctx, "consent banner accepted")
}

// NewExtractor builds the extractor chain configured by config.
func NewExtractor(config cloud.ScraperConfig, logger *slog.Logger) Extractor {
	return &FallbackExtractor{
		Primary:   NewBrowserExtractor(config, logger),
		Secondary: NewStaticExtractor(config, logger),
		Bypass:    !config.UseBrowser,
		Logger:    logger,
	}
}
