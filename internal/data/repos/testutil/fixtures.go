package testutil

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fathomhq/fathom-backend/internal/domain"
)

func SeedUser(tb testing.TB, ctx context.Context, tx *gorm.DB, email string) *domain.User {
	tb.Helper()
	u := &domain.User{ID: uuid.New(), Email: email, Name: "Test User"}
	if err := tx.WithContext(ctx).Create(u).Error; err != nil {
		tb.Fatalf("seed user: %v", err)
	}
	return u
}

func SeedCredential(tb testing.TB, ctx context.Context, tx *gorm.DB, source domain.Source) *domain.Credential {
	tb.Helper()
	c := &domain.Credential{
		ID:          uuid.New(),
		Name:        "cred",
		Source:      source,
		AccessToken: "tok",
		Config:      datatypes.JSON([]byte("{}")),
	}
	if err := tx.WithContext(ctx).Create(c).Error; err != nil {
		tb.Fatalf("seed credential: %v", err)
	}
	return c
}

func SeedPair(tb testing.TB, ctx context.Context, tx *gorm.DB, source domain.Source, credentialID uuid.UUID) *domain.ConnectorCredentialPair {
	tb.Helper()
	p := &domain.ConnectorCredentialPair{
		ID:           uuid.New(),
		Name:         "pair",
		Source:       source,
		CredentialID: credentialID,
		Config:       datatypes.JSON([]byte("{}")),
		Status:       domain.PairStatusActive,
	}
	if err := tx.WithContext(ctx).Create(p).Error; err != nil {
		tb.Fatalf("seed pair: %v", err)
	}
	return p
}

func SeedSearchSettings(tb testing.TB, ctx context.Context, tx *gorm.DB, status domain.SearchSettingsStatus) *domain.SearchSettings {
	tb.Helper()
	s := &domain.SearchSettings{
		ID:        uuid.New(),
		ModelName: "embed-test",
		ModelDim:  16,
		MaxTokens: 512,
		IndexName: "fathom_index_test",
		Status:    status,
	}
	if err := tx.WithContext(ctx).Create(s).Error; err != nil {
		tb.Fatalf("seed search settings: %v", err)
	}
	return s
}

func SeedSession(tb testing.TB, ctx context.Context, tx *gorm.DB, userID uuid.UUID) *domain.ChatSession {
	tb.Helper()
	s := &domain.ChatSession{ID: uuid.New(), UserID: userID}
	if err := tx.WithContext(ctx).Create(s).Error; err != nil {
		tb.Fatalf("seed session: %v", err)
	}
	return s
}
