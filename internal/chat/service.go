// Package chat orchestrates one user message end to end: retrieval,
// answer streaming, persistence and summary upkeep.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/fathomhq/fathom-backend/internal/answer"
	"github.com/fathomhq/fathom-backend/internal/answer/summary"
	"github.com/fathomhq/fathom-backend/internal/auth"
	"github.com/fathomhq/fathom-backend/internal/data/repos"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/permissions"
	"github.com/fathomhq/fathom-backend/internal/platform/apperr"
	"github.com/fathomhq/fathom-backend/internal/platform/dbctx"
	"github.com/fathomhq/fathom-backend/internal/platform/llm"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
	"github.com/fathomhq/fathom-backend/internal/platform/searchindex"
	"github.com/fathomhq/fathom-backend/internal/platform/tokencount"
	"github.com/fathomhq/fathom-backend/internal/retrieval"
)

const (
	defaultContextBudget = 3000
	descriptionMaxRunes  = 60
)

// Service ties the retrieval pipeline and the answer engine to chat
// persistence.
type Service struct {
	log       *logger.Logger
	repos     *repos.All
	pipeline  *retrieval.Pipeline
	engine    *answer.Engine
	summaries *summary.Cache
	// directory resolves the user's group memberships for ACL filtering.
	// Nil means users only see documents shared with them directly or
	// publicly.
	directory *auth.DirectoryClient

	contextBudget int
}

func New(log *logger.Logger, all *repos.All, pipeline *retrieval.Pipeline, engine *answer.Engine, summaries *summary.Cache, directory *auth.DirectoryClient) *Service {
	budget := defaultContextBudget
	if raw := strings.TrimSpace(os.Getenv("CHAT_CONTEXT_BUDGET_TOKENS")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			budget = v
		}
	}
	return &Service{
		log:           log.With("service", "ChatService"),
		repos:         all,
		pipeline:      pipeline,
		engine:        engine,
		summaries:     summaries,
		directory:     directory,
		contextBudget: budget,
	}
}

// SendRequest is one inbound chat message.
type SendRequest struct {
	SessionID uuid.UUID
	Message   string

	// FileContent is pasted or uploaded text accompanying the message.
	FileContent string

	Tools []answer.Tool
	Force *answer.ForceUseTool

	// IsConnected is polled during streaming; false aborts the answer.
	IsConnected func() bool
}

// Send runs the full pipeline for one message and forwards every
// answer event to onEvent. The assistant message is persisted from the
// accumulated stream once it finishes.
func (s *Service) Send(ctx context.Context, user *domain.User, req SendRequest, onEvent func(answer.Event)) error {
	if strings.TrimSpace(req.Message) == "" {
		return fmt.Errorf("%w: empty message", apperr.ErrInvalidArgument)
	}
	dbc := dbctx.New(ctx)
	session, err := s.repos.Sessions.GetByID(dbc, req.SessionID)
	if err != nil {
		return fmt.Errorf("%w: session %s", apperr.ErrNotFound, req.SessionID)
	}
	if session.UserID != user.ID {
		return fmt.Errorf("%w: session belongs to another user", apperr.ErrUnauthorized)
	}

	summaryText, recent, err := s.summaries.Context(ctx, req.SessionID)
	if err != nil {
		return err
	}
	history := toLLMMessages(recent)

	if err := s.appendMessage(dbc, session, domain.MessageRoleUser, req.Message, nil); err != nil {
		return err
	}
	if session.Description == "" {
		if err := s.repos.Sessions.SetDescription(dbc, session.ID, truncateDescription(req.Message)); err != nil {
			s.log.Warn("session description update failed", "session_id", session.ID, "error", err)
		}
	}

	res, err := s.pipeline.Retrieve(ctx, retrieval.Request{
		Query:         req.Message,
		History:       historyStrings(recent),
		Filters:       searchindex.Filters{AccessList: s.accessList(ctx, user.Email)},
		ContextBudget: s.contextBudget,
	})
	if err != nil {
		return fmt.Errorf("retrieve context: %w", err)
	}
	// Sources whose ACL model cannot be projected into the access list
	// filter their chunks here, after the index query.
	chunks := permissions.CensorChunks(ctx, user.Email, res.Chunks)

	docs := make([]answer.ContextDoc, 0, len(chunks))
	for _, c := range chunks {
		docs = append(docs, answer.ContextDoc{
			DocumentID: c.DocumentID,
			Link:       c.Link,
			Title:      c.Title,
			Content:    c.Content,
		})
	}

	events := s.engine.Stream(ctx, answer.Request{
		Question:             req.Message,
		Summary:              summaryText,
		History:              history,
		Docs:                 docs,
		Tools:                req.Tools,
		Force:                req.Force,
		FileContent:          req.FileContent,
		PreventHallucination: len(docs) == 0,
		IsConnected:          req.IsConnected,
	})

	var answerText strings.Builder
	var cited []answer.CitationInfo
	finished := false
	for ev := range events {
		switch v := ev.(type) {
		case answer.AnswerPiece:
			answerText.WriteString(v.Text)
		case answer.CitationInfo:
			cited = append(cited, v)
		case answer.StreamStopInfo:
			finished = v.Reason == answer.StopFinished
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}

	// A cancelled stream still persists what was produced so the user
	// sees a consistent transcript on reload.
	if answerText.Len() > 0 || finished {
		if err := s.appendMessage(dbc, session, domain.MessageRoleAssistant, answerText.String(), cited); err != nil {
			return err
		}
	}

	if err := s.summaries.MaybeUpdate(ctx, session.ID, user.Email); err != nil {
		s.log.Warn("summary update failed", "session_id", session.ID, "error", err)
	}
	return nil
}

// CreateSession opens a new empty session for the user.
func (s *Service) CreateSession(ctx context.Context, user *domain.User) (*domain.ChatSession, error) {
	row := &domain.ChatSession{ID: uuid.New(), UserID: user.ID}
	if err := s.repos.Sessions.Create(dbctx.New(ctx), row); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return row, nil
}

// ListSessions returns the user's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, user *domain.User) ([]*domain.ChatSession, error) {
	return s.repos.Sessions.ListByUser(dbctx.New(ctx), user.ID)
}

// Messages returns the full ordered transcript of one owned session.
func (s *Service) Messages(ctx context.Context, user *domain.User, sessionID uuid.UUID) ([]*domain.ChatMessage, error) {
	dbc := dbctx.New(ctx)
	session, err := s.repos.Sessions.GetByID(dbc, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: session %s", apperr.ErrNotFound, sessionID)
	}
	if session.UserID != user.ID {
		return nil, fmt.Errorf("%w: session belongs to another user", apperr.ErrUnauthorized)
	}
	return s.repos.Messages.ListBySession(dbc, sessionID)
}

// DeleteSession removes an owned session.
func (s *Service) DeleteSession(ctx context.Context, user *domain.User, sessionID uuid.UUID) error {
	dbc := dbctx.New(ctx)
	session, err := s.repos.Sessions.GetByID(dbc, sessionID)
	if err != nil {
		return fmt.Errorf("%w: session %s", apperr.ErrNotFound, sessionID)
	}
	if session.UserID != user.ID {
		return fmt.Errorf("%w: session belongs to another user", apperr.ErrUnauthorized)
	}
	return s.repos.Sessions.Delete(dbc, sessionID)
}

// accessList builds the retrieval ACL: the user's email, their group
// memberships and the public marker. Directory failures degrade to
// email-only access rather than blocking the question.
func (s *Service) accessList(ctx context.Context, email string) []string {
	acl := []string{email, "PUBLIC"}
	if s.directory == nil {
		return acl
	}
	groups, err := s.directory.GroupsForUser(ctx, email)
	if err != nil {
		s.log.Warn("group lookup failed, answering with direct access only", "email", email, "error", err)
		return acl
	}
	return append(acl, groups...)
}

func (s *Service) appendMessage(dbc dbctx.Context, session *domain.ChatSession, role, content string, cited []answer.CitationInfo) error {
	count, err := s.repos.Messages.CountBySession(dbc, session.ID)
	if err != nil {
		return err
	}
	row := &domain.ChatMessage{
		ID:         uuid.New(),
		SessionID:  session.ID,
		Seq:        count + 1,
		Role:       role,
		Content:    content,
		TokenCount: tokencount.Estimate(content),
	}
	if len(cited) > 0 {
		raw, err := json.Marshal(cited)
		if err != nil {
			return fmt.Errorf("encode cited docs: %w", err)
		}
		row.CitedDocs = raw
	}
	if err := s.repos.Messages.Append(dbc, row); err != nil {
		return fmt.Errorf("append %s message: %w", strings.ToLower(role), err)
	}
	return nil
}

func toLLMMessages(rows []*domain.ChatMessage) []llm.Message {
	out := make([]llm.Message, 0, len(rows))
	for _, m := range rows {
		role := llm.RoleUser
		switch m.Role {
		case domain.MessageRoleAssistant:
			role = llm.RoleAssistant
		case domain.MessageRoleSystem:
			role = llm.RoleSystem
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

func historyStrings(rows []*domain.ChatMessage) []string {
	out := make([]string, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.Role+": "+m.Content)
	}
	return out
}

func truncateDescription(message string) string {
	runes := []rune(strings.TrimSpace(message))
	if len(runes) <= descriptionMaxRunes {
		return string(runes)
	}
	return string(runes[:descriptionMaxRunes])
}
