package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/fathomhq/fathom-backend/internal/data/repos"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/http/response"
	"github.com/fathomhq/fathom-backend/internal/platform/dbctx"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

// PairHandler is the connector administration surface: credentials,
// pairs, manual triggers and attempt history.
type PairHandler struct {
	log   *logger.Logger
	repos *repos.All
}

func NewPairHandler(log *logger.Logger, all *repos.All) *PairHandler {
	return &PairHandler{log: log.With("handler", "PairHandler"), repos: all}
}

type createCredentialRequest struct {
	Name         string         `json:"name" binding:"required"`
	Source       domain.Source  `json:"source" binding:"required"`
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	TokenURL     string         `json:"token_url"`
	Config       map[string]any `json:"config"`
}

func (h *PairHandler) CreateCredential(c *gin.Context) {
	var req createCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	row := &domain.Credential{
		ID:           uuid.New(),
		Name:         req.Name,
		Source:       req.Source,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		TokenURL:     req.TokenURL,
	}
	if req.Config != nil {
		raw, err := jsonColumn(req.Config)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "bad_config", err)
			return
		}
		row.Config = raw
	}
	if err := h.repos.Credentials.Create(dbctx.New(c.Request.Context()), row); err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, row)
}

type createPairRequest struct {
	Name         string         `json:"name" binding:"required"`
	Source       domain.Source  `json:"source" binding:"required"`
	CredentialID uuid.UUID      `json:"credential_id" binding:"required"`
	RefreshFreq  *int64         `json:"refresh_freq"`
	Config       map[string]any `json:"config"`
}

func (h *PairHandler) CreatePair(c *gin.Context) {
	var req createPairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	dbc := dbctx.New(c.Request.Context())
	if _, err := h.repos.Credentials.GetByID(dbc, req.CredentialID); err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_credential", err)
		return
	}
	row := &domain.ConnectorCredentialPair{
		ID:           uuid.New(),
		Name:         req.Name,
		Source:       req.Source,
		CredentialID: req.CredentialID,
		RefreshFreq:  req.RefreshFreq,
		Status:       domain.PairStatusActive,
	}
	if req.Config != nil {
		raw, err := jsonColumn(req.Config)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "bad_config", err)
			return
		}
		row.Config = raw
	}
	if err := h.repos.Pairs.Create(dbc, row); err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, row)
}

func (h *PairHandler) ListPairs(c *gin.Context) {
	pairs, err := h.repos.Pairs.List(dbctx.New(c.Request.Context()))
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"pairs": pairs})
}

func (h *PairHandler) Pause(c *gin.Context) {
	h.setStatus(c, domain.PairStatusPaused)
}

func (h *PairHandler) Resume(c *gin.Context) {
	h.setStatus(c, domain.PairStatusActive)
}

func (h *PairHandler) setStatus(c *gin.Context, status domain.PairStatus) {
	pairID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_pair_id", err)
		return
	}
	if err := h.repos.Pairs.SetStatus(dbctx.New(c.Request.Context()), pairID, status); err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"id": pairID, "status": status})
}

type triggerRequest struct {
	Reindex bool `json:"reindex"`
}

// Trigger requests an out-of-cadence run; the scheduler picks it up on
// its next pass and clears the trigger.
func (h *PairHandler) Trigger(c *gin.Context) {
	pairID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_pair_id", err)
		return
	}
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		response.RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	trigger := domain.TriggerUpdate
	if req.Reindex {
		trigger = domain.TriggerReindex
	}
	if err := h.repos.Pairs.SetIndexingTrigger(dbctx.New(c.Request.Context()), pairID, &trigger); err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"id": pairID, "trigger": trigger})
}

func (h *PairHandler) ListAttempts(c *gin.Context) {
	pairID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_pair_id", err)
		return
	}
	attempts, err := h.repos.IndexAttempts.ListByPair(dbctx.New(c.Request.Context()), pairID, 50)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"attempts": attempts})
}

func jsonColumn(v map[string]any) (datatypes.JSON, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
