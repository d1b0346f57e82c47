package oauthprovider

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Generic implements Provider for any service whose token endpoint speaks
// plain OAuth2 Authorization Code + refresh_token grant via
// golang.org/x/oauth2 (GitHub, Google Drive, Figma, Dropbox).
type Generic struct {
	name       string
	authURL    string
	tokenURL   string
	authParams []oauth2.AuthCodeOption
}

// NewGeneric builds a Generic provider for the given endpoint pair.
func NewGeneric(name, authURL, tokenURL string, authParams ...oauth2.AuthCodeOption) *Generic {
	return &Generic{name: name, authURL: authURL, tokenURL: tokenURL, authParams: authParams}
}

func (g *Generic) Name() string { return g.name }

func (g *Generic) config(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     oauth2.Endpoint{AuthURL: g.authURL, TokenURL: g.tokenURL},
	}
}

func (g *Generic) BuildAuthURL(clientID, redirectURL string, scopes []string, state AuthorizeState) string {
	cfg := g.config(clientID, "", redirectURL)
	cfg.Scopes = scopes
	opts := append([]oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("access_type", "offline"),
		oauth2.SetAuthURLParam("prompt", "consent"),
	}, g.authParams...)
	return cfg.AuthCodeURL(state.Encode(), opts...)
}

func (g *Generic) ExchangeCode(ctx context.Context, clientID, clientSecret, redirectURL, code string) (Token, error) {
	cfg := g.config(clientID, clientSecret, redirectURL)
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return Token{}, err
	}
	return fromOAuth2Token(tok), nil
}

func (g *Generic) RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (Token, *RefreshError) {
	cfg := g.config(clientID, clientSecret, "")
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		return Token{}, classifyRefreshError(err)
	}
	return fromOAuth2Token(tok), nil
}

func fromOAuth2Token(tok *oauth2.Token) Token {
	out := Token{AccessToken: tok.AccessToken, ExpiresAt: tok.Expiry}
	if tok.RefreshToken != "" {
		out.RefreshToken = tok.RefreshToken
	}
	if out.ExpiresAt.IsZero() {
		out.ExpiresAt = time.Now().Add(time.Hour)
	}
	return out
}

// classifyRefreshError distinguishes permanent failures (spec §6:
// "invalid_grant" error code or the literal text "Token has been expired or
// revoked") from transient ones.
func classifyRefreshError(err error) *RefreshError {
	msg := err.Error()

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		body := string(retrieveErr.Body)
		if strings.Contains(body, "invalid_grant") || strings.Contains(body, "Token has been expired or revoked") {
			return &RefreshError{Permanent: true, Detail: body}
		}
		return &RefreshError{Permanent: false, Detail: body}
	}

	if strings.Contains(msg, "invalid_grant") || strings.Contains(msg, "Token has been expired or revoked") {
		return &RefreshError{Permanent: true, Detail: msg}
	}
	return &RefreshError{Permanent: false, Detail: msg}
}
