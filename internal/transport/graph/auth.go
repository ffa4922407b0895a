package graph

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	graphScope = "https://graph.microsoft.com/.default"

	// tokenExpiryBuffer is how long before its expiry a token stops being
	// handed out.
	tokenExpiryBuffer = 5 * time.Minute
)

// tokenCache holds one client-credentials token for the tenant. Safe for
// concurrent use; concurrent callers share a single in-flight fetch.
type tokenCache struct {
	mu     sync.Mutex
	conf   *clientcredentials.Config
	client *http.Client
	tok    *oauth2.Token
}

func newTokenCache(tokenURL, clientID, clientSecret string, httpClient *http.Client) *tokenCache {
	return &tokenCache{
		conf: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{graphScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		client: httpClient,
	}
}

func (tc *tokenCache) usable(now time.Time) bool {
	if tc.tok == nil || tc.tok.AccessToken == "" {
		return false
	}
	return tc.tok.Expiry.IsZero() || now.Add(tokenExpiryBuffer).Before(tc.tok.Expiry)
}

// Token returns the cached access token, fetching a new one when it is
// missing or about to expire.
func (tc *tokenCache) Token(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.usable(time.Now()) {
		return tc.tok.AccessToken, nil
	}
	return tc.fetch(ctx)
}

// ForceRefresh drops the cached token and fetches a new one. Used after
// Graph answers 401.
func (tc *tokenCache) ForceRefresh(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.tok = nil
	return tc.fetch(ctx)
}

// fetch must be called with tc.mu held.
func (tc *tokenCache) fetch(ctx context.Context) (string, error) {
	if tc.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, tc.client)
	}
	tok, err := tc.conf.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to acquire Graph token: %w", err)
	}
	tc.tok = tok
	return tok.AccessToken, nil
}
