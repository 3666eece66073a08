// Package authtoken caches a bearer token for auxiliary API clients with a
// single-flight refresh: at most one refresh is in flight at a time, tokens
// are renewed inside a grace window before expiry, and a failed refresh is
// retried once before falling back to an optional static credential.
package authtoken

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/aspect-build/trustgraph/internal/logx"
)

// DefaultGrace renews tokens this long before they actually expire.
const DefaultGrace = 60 * time.Second

// refreshCall is the pending-future slot shared by callers that arrive while
// a refresh is already running.
type refreshCall struct {
	done chan struct{}
	tok  *oauth2.Token
	err  error
}

// Source hands out a valid bearer token, refreshing through fetch as needed.
type Source struct {
	fetch  func(ctx context.Context) (*oauth2.Token, error)
	static string
	grace  time.Duration
	now    func() time.Time

	mu       sync.Mutex
	tok      *oauth2.Token
	inflight *refreshCall
}

// Option configures a Source.
type Option func(*Source)

// WithStaticFallback sets a static credential used when refresh fails twice.
func WithStaticFallback(credential string) Option {
	return func(s *Source) { s.static = credential }
}

// WithGrace overrides the pre-expiry renewal window.
func WithGrace(d time.Duration) Option {
	return func(s *Source) { s.grace = d }
}

func withClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// New builds a Source around a token-fetching function, typically a wrapper
// over an oauth2 token endpoint.
func New(fetch func(ctx context.Context) (*oauth2.Token, error), opts ...Option) *Source {
	s := &Source{fetch: fetch, grace: DefaultGrace, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Token returns a bearer token valid beyond the grace window, starting or
// joining a single in-flight refresh when the cached one is stale.
func (s *Source) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.valid(s.tok) {
		tok := s.tok
		s.mu.Unlock()
		return tok.AccessToken, nil
	}

	if s.inflight != nil {
		call := s.inflight
		s.mu.Unlock()
		select {
		case <-call.done:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if call.err != nil {
			return s.fallback(call.err)
		}
		return call.tok.AccessToken, nil
	}

	call := &refreshCall{done: make(chan struct{})}
	s.inflight = call
	s.mu.Unlock()

	tok, err := s.refresh(ctx)

	s.mu.Lock()
	if err == nil {
		s.tok = tok
	}
	call.tok, call.err = tok, err
	s.inflight = nil
	s.mu.Unlock()
	close(call.done)

	if err != nil {
		return s.fallback(err)
	}
	return tok.AccessToken, nil
}

// refresh fetches a token, retrying once on failure.
func (s *Source) refresh(ctx context.Context) (*oauth2.Token, error) {
	tok, err := s.fetch(ctx)
	if err == nil {
		return tok, nil
	}
	logx.Warnf("authtoken refresh failed, retrying once: %v", err)
	tok, retryErr := s.fetch(ctx)
	if retryErr == nil {
		return tok, nil
	}
	return nil, fmt.Errorf("token refresh failed after retry: %w", retryErr)
}

func (s *Source) fallback(err error) (string, error) {
	if s.static != "" {
		logx.Warnf("authtoken falling back to static credential: %v", err)
		return s.static, nil
	}
	return "", err
}

func (s *Source) valid(tok *oauth2.Token) bool {
	if tok == nil || tok.AccessToken == "" {
		return false
	}
	if tok.Expiry.IsZero() {
		return true
	}
	return s.now().Add(s.grace).Before(tok.Expiry)
}
