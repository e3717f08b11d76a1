package ai

import (
	"context"
	"fmt"
	"sync"
)

// SettingsSource supplies the model credential for an owner.
type SettingsSource interface {
	APIKeyForUser(ownerID int64) (string, error)
}

// Provider hands out gateways keyed by the owner's API key, creating and
// caching one client per distinct key. A fallback key (typically from the
// environment) serves users who have not stored their own.
type Provider struct {
	mu          sync.Mutex
	settings    SettingsSource
	scraper     ImageScraper
	fallbackKey string
	byKey       map[string]*Gateway
}

// NewProvider creates a provider. fallbackKey may be empty, in which case
// users without a stored key get a synchronous input error.
func NewProvider(settings SettingsSource, scraper ImageScraper, fallbackKey string) *Provider {
	return &Provider{
		settings:    settings,
		scraper:     scraper,
		fallbackKey: fallbackKey,
		byKey:       make(map[string]*Gateway),
	}
}

// ForUser resolves the gateway for an owner. Missing credentials are an
// input error reported before any async work starts.
func (p *Provider) ForUser(ctx context.Context, ownerID int64) (*Gateway, error) {
	key, err := p.settings.APIKeyForUser(ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up API key: %w", err)
	}
	if key == "" {
		key = p.fallbackKey
	}
	if key == "" {
		return nil, fmt.Errorf("no Gemini API key configured; set one with /apikey")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.byKey[key]; ok {
		return g, nil
	}
	g, err := NewGateway(ctx, key, p.scraper)
	if err != nil {
		return nil, err
	}
	p.byKey[key] = g
	return g, nil
}
