// Package auth bridges OIDC identity providers to local sessions and
// exposes an app-level directory client for group membership lookups.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

// ExternalIdentity is what the provider asserts about the user after a
// successful code exchange.
type ExternalIdentity struct {
	Provider      string
	Sub           string
	Email         string
	EmailVerified bool
	Name          string
}

// BridgeConfig configures one OIDC provider. Zero values fall back to
// the OIDC_* environment variables.
type BridgeConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

func bridgeConfigFromEnv() BridgeConfig {
	return BridgeConfig{
		IssuerURL:    strings.TrimSpace(os.Getenv("OIDC_ISSUER_URL")),
		ClientID:     strings.TrimSpace(os.Getenv("OIDC_CLIENT_ID")),
		ClientSecret: strings.TrimSpace(os.Getenv("OIDC_CLIENT_SECRET")),
		RedirectURL:  strings.TrimSpace(os.Getenv("OIDC_REDIRECT_URL")),
	}
}

// Bridge drives the OIDC authorization code flow. Token exchange and
// discovery share one HTTP client.
type Bridge struct {
	log      *logger.Logger
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	oauth    oauth2.Config
	http     *http.Client
}

func NewBridge(ctx context.Context, log *logger.Logger, cfg BridgeConfig, client *http.Client) (*Bridge, error) {
	if cfg.IssuerURL == "" {
		cfg = bridgeConfigFromEnv()
	}
	if cfg.IssuerURL == "" || cfg.ClientID == "" {
		return nil, fmt.Errorf("oidc bridge requires issuer url and client id")
	}
	if client == nil {
		client = http.DefaultClient
	}
	ctx = oidc.ClientContext(ctx, client)
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery %s: %w", cfg.IssuerURL, err)
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}
	return &Bridge{
		log:      log.With("service", "OIDCBridge"),
		provider: provider,
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
		http: client,
	}, nil
}

// AuthURL returns the provider redirect for a login attempt. The
// returned state carries a random nonce plus the post-login URL; the
// caller persists the nonce (cookie) and checks it on callback.
func (b *Bridge) AuthURL(nextURL string) (url, state string) {
	state = EncodeState(newNonce(), nextURL)
	return b.oauth.AuthCodeURL(state), state
}

// Exchange trades the authorization code for tokens and verifies the
// ID token against the provider's keys.
func (b *Bridge) Exchange(ctx context.Context, code string) (*ExternalIdentity, *oauth2.Token, error) {
	ctx = oidc.ClientContext(ctx, b.http)
	token, err := b.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, nil, fmt.Errorf("oidc code exchange: %w", err)
	}
	rawID, ok := token.Extra("id_token").(string)
	if !ok || rawID == "" {
		return nil, nil, fmt.Errorf("token response has no id_token")
	}
	idToken, err := b.verifier.Verify(ctx, rawID)
	if err != nil {
		return nil, nil, fmt.Errorf("verify id token: %w", err)
	}

	var claims struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, nil, fmt.Errorf("decode id token claims: %w", err)
	}
	if claims.Email == "" {
		return nil, nil, fmt.Errorf("id token has no email claim")
	}
	return &ExternalIdentity{
		Provider:      b.oauth.ClientID,
		Sub:           idToken.Subject,
		Email:         strings.ToLower(claims.Email),
		EmailVerified: claims.EmailVerified,
		Name:          claims.Name,
	}, token, nil
}

// EncodeState packs the CSRF nonce and the post-login redirect into a
// single state value as nonce|next_url, base64url encoded so the pipe
// survives every provider.
func EncodeState(nonce, nextURL string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(nonce + "|" + nextURL))
}

// DecodeState splits a state value back into nonce and next URL. A
// state without a pipe is treated as nonce-only.
func DecodeState(state string) (nonce, nextURL string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return "", "", fmt.Errorf("decode oidc state: %w", err)
	}
	nonce, nextURL, found := strings.Cut(string(raw), "|")
	if !found {
		return string(raw), "", nil
	}
	return nonce, nextURL, nil
}

func newNonce() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("read random nonce: %v", err))
	}
	return hex.EncodeToString(buf[:])
}
