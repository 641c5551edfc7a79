// Package backend is the request/response client for the automation backend.
//
// All calls are idempotent from the caller's perspective; the backend
// guarantees a retried pairing request against an already-active session
// does not mint a second concurrent code. Link-status reads are cached for
// a short window and de-duplicated so repeated reconciliation reads don't
// hammer the backend; writes bypass the cache and invalidate it.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ErrRejected is returned when the backend declines a pairing request
// (quota, subject disabled). Not retried automatically.
var ErrRejected = errors.New("backend: pairing request rejected")

// Ack is the response to a pairing-code request.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// LinkStatus is the authoritative backend record for a subject.
type LinkStatus struct {
	Linked    bool   `json:"linked"`
	Identity  string `json:"identity,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix millis
}

// ClearOptions controls what a clear-session call drops server-side.
type ClearOptions struct {
	DropHistory bool `json:"dropHistory,omitempty"`
}

// TokenSource supplies the bearer token for backend calls.
// *credentials.Provider satisfies it.
type TokenSource interface {
	GetToken(ctx context.Context) (string, error)
}

const (
	defaultStatusCacheTTL = 30 * time.Second
	statusCacheSize       = 256
)

// Options tunes the client. Zero values get sensible defaults.
type Options struct {
	HTTPClient     *http.Client
	StatusCacheTTL time.Duration
	ReadsPerMinute int // reconciliation-read budget per subject pool
}

// Client talks to the automation backend over HTTP.
// Safe for concurrent use.
type Client struct {
	base    string
	http    *http.Client
	tokens  TokenSource
	cache   *expirable.LRU[string, LinkStatus]
	group   singleflight.Group
	limiter *rate.Limiter
}

// New creates a backend client rooted at baseURL.
func New(baseURL string, tokens TokenSource, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	ttl := opts.StatusCacheTTL
	if ttl <= 0 {
		ttl = defaultStatusCacheTTL
	}
	rpm := opts.ReadsPerMinute
	if rpm <= 0 {
		rpm = 30
	}
	return &Client{
		base:    baseURL,
		http:    httpClient,
		tokens:  tokens,
		cache:   expirable.NewLRU[string, LinkStatus](statusCacheSize, nil, ttl),
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 5),
	}
}

// RequestPairingCode asks the backend to begin issuing a code for subjectID.
// The code itself arrives asynchronously over the pairing channel, never in
// this response. Returns ErrRejected if the backend declines.
func (c *Client) RequestPairingCode(ctx context.Context, subjectID string) (Ack, error) {
	var ack Ack
	err := c.doJSON(ctx, http.MethodPost, "pairing/"+subjectID, nil, &ack)
	if err != nil {
		return Ack{}, err
	}
	c.cache.Remove(subjectID)
	if !ack.Accepted {
		if ack.Reason != "" {
			return ack, fmt.Errorf("%w: %s", ErrRejected, ack.Reason)
		}
		return ack, ErrRejected
	}
	return ack, nil
}

// GetLinkStatus fetches the backend record for subjectID. Reads are cached
// for the configured window and concurrent reads for the same subject share
// one request.
func (c *Client) GetLinkStatus(ctx context.Context, subjectID string) (LinkStatus, error) {
	if st, ok := c.cache.Get(subjectID); ok {
		return st, nil
	}

	v, err, _ := c.group.Do("status:"+subjectID, func() (any, error) {
		if st, ok := c.cache.Get(subjectID); ok {
			return st, nil
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return LinkStatus{}, err
		}
		var st LinkStatus
		if err := c.doJSON(ctx, http.MethodGet, "status/"+subjectID, nil, &st); err != nil {
			return LinkStatus{}, err
		}
		c.cache.Add(subjectID, st)
		return st, nil
	})
	if err != nil {
		return LinkStatus{}, err
	}
	return v.(LinkStatus), nil
}

// ClearSession drops the subject's pairing session server-side. Used on an
// explicit "start over", never by the automatic state machine.
func (c *Client) ClearSession(ctx context.Context, subjectID string, opts ClearOptions) error {
	var resp struct {
		Cleared bool `json:"cleared"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "clear-session/"+subjectID, opts, &resp); err != nil {
		return err
	}
	c.cache.Remove(subjectID)
	if !resp.Cleared {
		return fmt.Errorf("backend: clear-session for %s not acknowledged", subjectID)
	}
	return nil
}

// Disconnect unlinks a currently linked subject.
func (c *Client) Disconnect(ctx context.Context, subjectID string) error {
	if err := c.doJSON(ctx, http.MethodPost, "disconnect/"+subjectID, nil, nil); err != nil {
		return err
	}
	c.cache.Remove(subjectID)
	return nil
}

// PersistLink records a completed link with the backend. The coordinator
// delegates durable state here; botlink itself persists nothing.
func (c *Client) PersistLink(ctx context.Context, subjectID, identity string) error {
	body := map[string]string{"identity": identity}
	if err := c.doJSON(ctx, http.MethodPost, "linked/"+subjectID, body, nil); err != nil {
		return err
	}
	c.cache.Remove(subjectID)
	return nil
}

// InvalidateStatus drops the cached record for subjectID.
func (c *Client) InvalidateStatus(subjectID string) {
	c.cache.Remove(subjectID)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+"/"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.tokens.GetToken(ctx)
	if err != nil {
		return fmt.Errorf("backend %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Warn("backend call failed", "method", method, "path", path, "status", resp.StatusCode)
		return fmt.Errorf("backend %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("backend %s %s: decode: %w", method, path, err)
		}
	}
	return nil
}
