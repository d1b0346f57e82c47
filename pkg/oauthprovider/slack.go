package oauthprovider

import (
	"context"
	"net/url"
	"strings"
	"time"

	goslack "github.com/slack-go/slack"
)

// Slack implements Provider for the Slack MCP worker's OAuth v2 flow, using
// slack-go/slack's GetOAuthV2Response for the exchange — Slack's token
// response shape doesn't round-trip cleanly through golang.org/x/oauth2's
// generic Token struct (it nests a bot vs. user token pair), so the
// official client library carries that decoding instead.
type Slack struct{}

func NewSlack() *Slack { return &Slack{} }

func (s *Slack) Name() string { return "slack" }

func (s *Slack) BuildAuthURL(clientID, redirectURL string, scopes []string, state AuthorizeState) string {
	v := url.Values{}
	v.Set("client_id", clientID)
	v.Set("redirect_uri", redirectURL)
	v.Set("scope", strings.Join(scopes, ","))
	v.Set("state", state.Encode())
	return "https://slack.com/oauth/v2/authorize?" + v.Encode()
}

func (s *Slack) ExchangeCode(ctx context.Context, clientID, clientSecret, redirectURL, code string) (Token, error) {
	resp, err := goslack.GetOAuthV2ResponseContext(ctx, nil, clientID, clientSecret, code, redirectURL)
	if err != nil {
		return Token{}, err
	}

	tok := Token{AccessToken: resp.AccessToken}
	if resp.AuthedUser.AccessToken != "" {
		tok.AccessToken = resp.AuthedUser.AccessToken
	}
	// Slack's standard bot-token grant does not expire and carries no
	// refresh token; the granted token rotation flow (RefreshToken below)
	// is only exercised for workspaces with token rotation enabled.
	tok.ExpiresAt = time.Now().Add(365 * 24 * time.Hour)
	if resp.AuthedUser.RefreshToken != "" {
		tok.RefreshToken = resp.AuthedUser.RefreshToken
		tok.ExpiresAt = time.Now().Add(time.Duration(resp.AuthedUser.ExpiresIn) * time.Second)
	}
	return tok, nil
}

func (s *Slack) RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (Token, *RefreshError) {
	resp, err := goslack.RefreshOAuthV2TokenContext(ctx, nil, clientID, clientSecret, refreshToken)
	if err != nil {
		msg := err.Error()
		permanent := strings.Contains(msg, "invalid_grant") || strings.Contains(msg, "invalid_refresh_token")
		return Token{}, &RefreshError{Permanent: permanent, Detail: msg}
	}

	return Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
	}, nil
}
