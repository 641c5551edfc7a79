// Package credentials obtains and caches the short-lived identity token used
// to authenticate the pairing channel and synchronous backend calls.
//
// The token is cached for 5 minutes from issuance (or until the upstream
// expiry, whichever is sooner). Concurrent callers never trigger more than
// one outstanding exchange: the fetch path is single-flight and every waiter
// receives the result of the one in-flight call.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrUnavailable is returned when the identity exchange fails. Callers must
// not retry tighter than the upstream's own backoff.
var ErrUnavailable = errors.New("credentials: token exchange unavailable")

// DefaultCacheTTL is the cache deadline offset from token issuance.
const DefaultCacheTTL = 5 * time.Minute

// Token is an opaque bearer value plus its upstream expiry.
type Token struct {
	Value  string
	Expiry time.Time
}

// Fetcher performs the actual identity exchange.
type Fetcher interface {
	Fetch(ctx context.Context) (Token, error)
}

// Provider caches tokens and de-duplicates concurrent fetches.
// Safe for concurrent use.
type Provider struct {
	fetcher Fetcher
	ttl     time.Duration
	now     func() time.Time
	group   singleflight.Group

	mu       sync.RWMutex
	token    string
	deadline time.Time
}

// NewProvider creates a provider around the given fetcher.
// If ttl <= 0, DefaultCacheTTL is used.
func NewProvider(fetcher Fetcher, ttl time.Duration) *Provider {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Provider{
		fetcher: fetcher,
		ttl:     ttl,
		now:     time.Now,
	}
}

// GetToken returns the cached token, or performs exactly one exchange even
// under concurrent callers. A failed exchange never corrupts the cache.
func (p *Provider) GetToken(ctx context.Context) (string, error) {
	if tok, ok := p.cached(); ok {
		return tok, nil
	}

	v, err, _ := p.group.Do("token", func() (any, error) {
		// A concurrent flight may have refreshed the cache while this
		// caller was queued behind the group.
		if tok, ok := p.cached(); ok {
			return tok, nil
		}

		tok, err := p.fetcher.Fetch(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		deadline := p.now().Add(p.ttl)
		if !tok.Expiry.IsZero() && tok.Expiry.Before(deadline) {
			deadline = tok.Expiry
		}

		p.mu.Lock()
		p.token = tok.Value
		p.deadline = deadline
		p.mu.Unlock()

		slog.Debug("credentials: token refreshed", "deadline", deadline)
		return tok.Value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token. The next GetToken performs a fresh
// exchange.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.token = ""
	p.deadline = time.Time{}
	p.mu.Unlock()
}

func (p *Provider) cached() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.token != "" && p.now().Before(p.deadline) {
		return p.token, true
	}
	return "", false
}

// HTTPFetcher exchanges credentials against the identity endpoint.
// The endpoint returns {"token": "...", "expiry": <unix seconds>}.
type HTTPFetcher struct {
	URL    string
	Client *http.Client
}

// NewHTTPFetcher creates a fetcher with the given call timeout.
func NewHTTPFetcher(url string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.URL, nil)
	if err != nil {
		return Token{}, err
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return Token{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Token{}, fmt.Errorf("identity endpoint returned %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Token  string `json:"token"`
		Expiry int64  `json:"expiry"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Token{}, fmt.Errorf("decode token response: %w", err)
	}
	if payload.Token == "" {
		return Token{}, fmt.Errorf("identity endpoint returned empty token")
	}

	tok := Token{Value: payload.Token}
	if payload.Expiry > 0 {
		tok.Expiry = time.Unix(payload.Expiry, 0)
	}
	return tok, nil
}
