package auth

import (
	"context"
	"fmt"

	"github.com/fathomhq/fathom-backend/internal/data/repos"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/platform/dbctx"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

// Service ties the OIDC bridge to local users and session tokens.
type Service struct {
	log      *logger.Logger
	bridge   *Bridge
	sessions *Sessions
	users    repos.UserRepo
}

func NewService(log *logger.Logger, bridge *Bridge, sessions *Sessions, users repos.UserRepo) *Service {
	return &Service{
		log:      log.With("service", "AuthService"),
		bridge:   bridge,
		sessions: sessions,
		users:    users,
	}
}

// LoginURL starts the code flow. The caller stores the returned state
// (cookie) and compares it on callback before calling CompleteLogin.
func (s *Service) LoginURL(nextURL string) (url, state string) {
	return s.bridge.AuthURL(nextURL)
}

// LoginResult is what a finished code exchange yields.
type LoginResult struct {
	Token   string
	User    *domain.User
	NextURL string
}

// CompleteLogin exchanges the code, upserts the user by verified email
// and issues a session token. The post-login URL is recovered from the
// state value.
func (s *Service) CompleteLogin(ctx context.Context, code, state string) (*LoginResult, error) {
	_, nextURL, err := DecodeState(state)
	if err != nil {
		return nil, err
	}
	ident, _, err := s.bridge.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	if !ident.EmailVerified {
		return nil, fmt.Errorf("provider did not verify email %s", ident.Email)
	}
	user, err := s.users.UpsertByEmail(dbctx.New(ctx), ident.Email, ident.Name)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	token, err := s.sessions.Issue(user)
	if err != nil {
		return nil, err
	}
	s.log.Info("user logged in", "user_id", user.ID, "email", user.Email)
	return &LoginResult{Token: token, User: user, NextURL: nextURL}, nil
}

// Verify resolves a session token back to its user.
func (s *Service) Verify(ctx context.Context, token string) (*domain.User, error) {
	claims, err := s.sessions.Verify(token)
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetByID(dbctx.New(ctx), claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("session user lookup: %w", err)
	}
	return user, nil
}
