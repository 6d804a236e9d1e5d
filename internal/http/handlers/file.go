package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/fathomhq/fathom-backend/internal/data/repos"
	"github.com/fathomhq/fathom-backend/internal/domain"
	"github.com/fathomhq/fathom-backend/internal/http/response"
	"github.com/fathomhq/fathom-backend/internal/platform/dbctx"
	"github.com/fathomhq/fathom-backend/internal/platform/filestore"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

const maxUploadBytes = 64 << 20

// FileHandler accepts user uploads: the file lands in the blob store
// and a user-uploaded pair is created so the indexing scheduler picks
// it up on its next pass.
type FileHandler struct {
	log   *logger.Logger
	files filestore.Store
	repos *repos.All
}

func NewFileHandler(log *logger.Logger, files filestore.Store, all *repos.All) *FileHandler {
	return &FileHandler{log: log.With("handler", "FileHandler"), files: files, repos: all}
}

func (h *FileHandler) Upload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "missing_file", err)
		return
	}
	if header.Size > maxUploadBytes {
		response.RespondError(c, http.StatusRequestEntityTooLarge, "file_too_large", err)
		return
	}
	f, err := header.Open()
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_file", err)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_file", err)
		return
	}

	ctx := c.Request.Context()
	storedID, err := h.files.Save(ctx, data, header.Header.Get("Content-Type"), header.Filename)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}

	dbc := dbctx.New(ctx)
	cred := &domain.Credential{ID: uuid.New(), Name: "file upload", Source: domain.SourceFile}
	if err := h.repos.Credentials.Create(dbc, cred); err != nil {
		response.RespondFromError(c, err)
		return
	}
	cfg, err := json.Marshal(map[string]any{
		"files": []map[string]string{{"id": storedID, "name": header.Filename}},
	})
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	trigger := domain.TriggerUpdate
	pair := &domain.ConnectorCredentialPair{
		ID:              uuid.New(),
		Name:            header.Filename,
		Source:          domain.SourceFile,
		CredentialID:    cred.ID,
		Config:          datatypes.JSON(cfg),
		Status:          domain.PairStatusActive,
		UserUploaded:    true,
		IndexingTrigger: &trigger,
	}
	if err := h.repos.Pairs.Create(dbc, pair); err != nil {
		response.RespondFromError(c, err)
		return
	}

	h.log.Info("file uploaded", "file_id", storedID, "pair_id", pair.ID)
	response.RespondOK(c, gin.H{"file_id": storedID, "pair_id": pair.ID})
}
