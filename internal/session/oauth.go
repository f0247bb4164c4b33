package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/coreos-dash/coreos-client/internal/config"
)

// ErrUnknownProvider is returned for a provider with no registered source.
var ErrUnknownProvider = errors.New("unknown oauth provider")

// Providers maps identity provider names to token sources.
type Providers struct {
	mu      sync.RWMutex
	sources map[string]oauth2.TokenSource
}

// NewProviders builds client-credentials token sources for every configured
// provider. ctx scopes the token HTTP requests.
func NewProviders(ctx context.Context, cfg config.OAuthConfig) *Providers {
	p := &Providers{sources: make(map[string]oauth2.TokenSource)}
	for name, pc := range cfg.Providers {
		cc := &clientcredentials.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			TokenURL:     pc.TokenURL,
			Scopes:       pc.Scopes,
		}
		p.sources[name] = cc.TokenSource(ctx)
	}
	return p
}

// Register adds or replaces the token source for name.
func (p *Providers) Register(name string, ts oauth2.TokenSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sources == nil {
		p.sources = make(map[string]oauth2.TokenSource)
	}
	p.sources[name] = ts
}

// RegisterStatic registers a fixed provider token, e.g. one obtained by an
// external browser flow.
func (p *Providers) RegisterStatic(name, token string) {
	p.Register(name, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
}

// Token returns a provider access token for name.
func (p *Providers) Token(name string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%s: %w", name, ErrUnknownProvider)
	}
	p.mu.RLock()
	ts, ok := p.sources[name]
	p.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%s: %w", name, ErrUnknownProvider)
	}

	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("provider %s token: %w", name, err)
	}
	return tok.AccessToken, nil
}

// Names returns the registered provider names, sorted.
func (p *Providers) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.sources))
	for name := range p.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
