package scrape

import (
	"context"
	"net/url"
	"regexp"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const fetchTimeout = 10 * time.Second

// Meta tags that advertise a page's social-preview image, in priority order.
var imageMetaPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<meta[^>]+property=["']og:image["'][^>]+content=["']([^"']+)["']`),
	regexp.MustCompile(`(?i)<meta[^>]+content=["']([^"']+)["'][^>]+property=["']og:image["']`),
	regexp.MustCompile(`(?i)<meta[^>]+name=["']twitter:image["'][^>]+content=["']([^"']+)["']`),
	regexp.MustCompile(`(?i)<link[^>]+rel=["']image_src["'][^>]+href=["']([^"']+)["']`),
}

// Scraper resolves a representative image for a product page by scanning its
// HTML for social-preview metadata. Purely best-effort: every failure mode
// yields an empty string, never an error.
type Scraper struct {
	httpClient *resty.Client
}

// New creates a scraper with a bounded fetch timeout.
func New() *Scraper {
	return &Scraper{
		httpClient: resty.New().
			SetTimeout(fetchTimeout).
			SetHeader("User-Agent", "Mozilla/5.0 (compatible; qc-bot/1.0)"),
	}
}

// WithBaseClient replaces the underlying HTTP client. Used by tests.
func (s *Scraper) WithBaseClient(c *resty.Client) *Scraper {
	s.httpClient = c
	return s
}

// RepresentativeImage fetches pageURL and returns the first social-preview
// image URL found in its markup, resolved to an absolute URL. Returns ""
// when the page cannot be fetched or carries no preview image.
func (s *Scraper) RepresentativeImage(ctx context.Context, pageURL string) string {
	resp, err := s.httpClient.R().SetContext(ctx).Get(pageURL)
	if err != nil {
		log.Debug().Err(err).Str("url", pageURL).Msg("scrape fetch failed")
		return ""
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		log.Debug().Int("status", resp.StatusCode()).Str("url", pageURL).Msg("scrape fetch non-2xx")
		return ""
	}

	body := resp.String()
	for _, pattern := range imageMetaPatterns {
		if m := pattern.FindStringSubmatch(body); m != nil {
			return resolveURL(pageURL, m[1])
		}
	}
	return ""
}

// resolveURL makes a possibly-relative image link absolute against the page
// it was found on. Unparseable links resolve to "".
func resolveURL(pageURL, imageURL string) string {
	img, err := url.Parse(imageURL)
	if err != nil {
		return ""
	}
	if img.IsAbs() {
		return imageURL
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	return base.ResolveReference(img).String()
}
