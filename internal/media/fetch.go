package media

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	fetchTimeout = 30 * time.Second
	// maxFetchSize bounds remote media downloads (10MB).
	maxFetchSize = 10 * 1024 * 1024
)

// Fetcher downloads remote media and converts it to the inline data-URI
// representation via the codec.
type Fetcher struct {
	httpClient *resty.Client
}

// NewFetcher creates a fetcher with default timeouts.
func NewFetcher() *Fetcher {
	return &Fetcher{
		httpClient: resty.New().SetTimeout(fetchTimeout),
	}
}

// WithBaseClient replaces the underlying HTTP client. Used by tests.
func (f *Fetcher) WithBaseClient(c *resty.Client) *Fetcher {
	f.httpClient = c
	return f
}

// FetchBytes downloads a remote file and returns its bytes along with the
// response content type (without parameters, may be empty).
func (f *Fetcher) FetchBytes(ctx context.Context, fileURL string) ([]byte, string, error) {
	resp, err := f.httpClient.R().SetContext(ctx).Get(fileURL)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download media: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, "", fmt.Errorf("media download failed: status %d", resp.StatusCode())
	}

	body := resp.Body()
	if len(body) > maxFetchSize {
		return nil, "", fmt.Errorf("media too large: %d bytes exceeds limit of %d bytes", len(body), maxFetchSize)
	}

	contentType := resp.Header().Get("Content-Type")
	if semi := strings.Index(contentType, ";"); semi != -1 {
		contentType = contentType[:semi]
	}
	return body, strings.TrimSpace(contentType), nil
}

// FetchAsDataURI downloads the image at imageURL and returns it encoded as
// an inline data URI, downscaled through the codec.
func (f *Fetcher) FetchAsDataURI(ctx context.Context, imageURL string) (string, error) {
	body, contentType, err := f.FetchBytes(ctx, imageURL)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(contentType, "image/") {
		// Some CDNs omit or mislabel the type; the codec re-encodes to JPEG
		// anyway when the bytes decode as an image.
		contentType = "image/jpeg"
	}
	return Encode(body, contentType), nil
}
