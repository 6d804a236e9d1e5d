package repos

import (
	"gorm.io/gorm"

	"github.com/fathomhq/fathom-backend/internal/data/repos/chat"
	"github.com/fathomhq/fathom-backend/internal/data/repos/connector"
	"github.com/fathomhq/fathom-backend/internal/data/repos/docs"
	"github.com/fathomhq/fathom-backend/internal/data/repos/user"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

type CredentialRepo = connector.CredentialRepo
type PairRepo = connector.PairRepo
type SearchSettingsRepo = connector.SearchSettingsRepo
type IndexAttemptRepo = connector.IndexAttemptRepo

type DocumentRepo = docs.DocumentRepo
type DocAccessRepo = docs.DocAccessRepo
type ExternalGroupRepo = docs.ExternalGroupRepo
type AccessSnapshot = docs.AccessSnapshot

type SessionRepo = chat.SessionRepo
type MessageRepo = chat.MessageRepo
type SummaryRepo = chat.SummaryRepo

type UserRepo = user.UserRepo

// All bundles every repo; wiring code passes this around instead of a
// dozen constructor results.
type All struct {
	Credentials    CredentialRepo
	Pairs          PairRepo
	SearchSettings SearchSettingsRepo
	IndexAttempts  IndexAttemptRepo

	Documents      DocumentRepo
	DocAccess      DocAccessRepo
	ExternalGroups ExternalGroupRepo

	Sessions  SessionRepo
	Messages  MessageRepo
	Summaries SummaryRepo

	Users UserRepo
}

func New(db *gorm.DB, baseLog *logger.Logger) *All {
	return &All{
		Credentials:    connector.NewCredentialRepo(db, baseLog),
		Pairs:          connector.NewPairRepo(db, baseLog),
		SearchSettings: connector.NewSearchSettingsRepo(db, baseLog),
		IndexAttempts:  connector.NewIndexAttemptRepo(db, baseLog),

		Documents:      docs.NewDocumentRepo(db, baseLog),
		DocAccess:      docs.NewDocAccessRepo(db, baseLog),
		ExternalGroups: docs.NewExternalGroupRepo(db, baseLog),

		Sessions:  chat.NewSessionRepo(db, baseLog),
		Messages:  chat.NewMessageRepo(db, baseLog),
		Summaries: chat.NewSummaryRepo(db, baseLog),

		Users: user.NewUserRepo(db, baseLog),
	}
}
