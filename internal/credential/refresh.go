package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/roach88/crmsync/internal/ir"
)

// ErrNotRefreshable is returned for credentials without a refresh mechanism.
var ErrNotRefreshable = errors.New("credential: no refresh mechanism configured")

// Refresher obtains new credential material after the remote side rejected
// the current one.
type Refresher interface {
	Refresh(ctx context.Context, c ir.Credentials) (ir.Credentials, error)
}

// OAuthRefresher refreshes OAuth refresh-token and client-credential grants.
type OAuthRefresher struct {
	// HTTPClient is used for token requests. Nil means http.DefaultClient.
	HTTPClient *http.Client
}

// Refresh always contacts the token endpoint, even when the current access
// token has not reached its expiry: the remote side already rejected it.
func (r OAuthRefresher) Refresh(ctx context.Context, c ir.Credentials) (ir.Credentials, error) {
	if !c.Refreshable() {
		return c, ErrNotRefreshable
	}
	if r.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTPClient)
	}

	var (
		tok *oauth2.Token
		err error
	)
	switch c.Kind {
	case ir.CredentialOAuth:
		cfg := &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: c.TokenURL},
			Scopes:       c.Scopes,
		}
		// An expiry in the past forces the token source to refresh.
		stale := &oauth2.Token{AccessToken: c.AccessToken, RefreshToken: c.RefreshToken, Expiry: time.Unix(1, 0)}
		tok, err = cfg.TokenSource(ctx, stale).Token()
	case ir.CredentialClientCredentials:
		cfg := &clientcredentials.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			TokenURL:     c.TokenURL,
			Scopes:       c.Scopes,
		}
		tok, err = cfg.Token(ctx)
	}
	if err != nil {
		return c, fmt.Errorf("refresh %s credentials: %w", c.Kind, err)
	}

	next := c
	next.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	next.Expiry = tok.Expiry
	return next, nil
}
