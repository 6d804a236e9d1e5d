package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/fathomhq/fathom-backend/internal/answer"
	"github.com/fathomhq/fathom-backend/internal/chat"
	httpMW "github.com/fathomhq/fathom-backend/internal/http/middleware"
	"github.com/fathomhq/fathom-backend/internal/http/response"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

type ChatHandler struct {
	log *logger.Logger
	svc *chat.Service
	// tools are the custom tools exposed to every answer; configured at
	// startup from the tool schema registry.
	tools []answer.Tool
}

func NewChatHandler(log *logger.Logger, svc *chat.Service, tools []answer.Tool) *ChatHandler {
	return &ChatHandler{log: log.With("handler", "ChatHandler"), svc: svc, tools: tools}
}

func (h *ChatHandler) CreateSession(c *gin.Context) {
	session, err := h.svc.CreateSession(c.Request.Context(), httpMW.CurrentUser(c))
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, session)
}

func (h *ChatHandler) ListSessions(c *gin.Context) {
	sessions, err := h.svc.ListSessions(c.Request.Context(), httpMW.CurrentUser(c))
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"sessions": sessions})
}

func (h *ChatHandler) GetMessages(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_session_id", err)
		return
	}
	msgs, err := h.svc.Messages(c.Request.Context(), httpMW.CurrentUser(c), sessionID)
	if err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"messages": msgs})
}

func (h *ChatHandler) DeleteSession(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_session_id", err)
		return
	}
	if err := h.svc.DeleteSession(c.Request.Context(), httpMW.CurrentUser(c), sessionID); err != nil {
		response.RespondFromError(c, err)
		return
	}
	response.RespondOK(c, gin.H{"deleted": sessionID})
}

type sendRequest struct {
	SessionID   uuid.UUID `json:"session_id" binding:"required"`
	Message     string    `json:"message" binding:"required"`
	FileContent string    `json:"file_content"`
}

// Send streams the answer back as server-sent events, one event per
// engine event, in engine order.
func (h *ChatHandler) Send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	flusher, _ := c.Writer.(http.Flusher)

	err := h.svc.Send(c.Request.Context(), httpMW.CurrentUser(c), chat.SendRequest{
		SessionID:   req.SessionID,
		Message:     req.Message,
		FileContent: req.FileContent,
		Tools:       h.tools,
		IsConnected: func() bool { return c.Request.Context().Err() == nil },
	}, func(ev answer.Event) {
		c.SSEvent(eventName(ev), ev)
		if flusher != nil {
			flusher.Flush()
		}
	})
	if err != nil {
		// Headers are already written; surface the failure in-stream.
		c.SSEvent("error", gin.H{"message": err.Error()})
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func eventName(ev answer.Event) string {
	switch ev.(type) {
	case answer.AnswerPiece:
		return "answer_piece"
	case answer.CitationInfo:
		return "citation"
	case answer.ToolKickoff:
		return "tool_kickoff"
	case answer.ToolResponse:
		return "tool_response"
	case answer.StreamStopInfo:
		return "stop"
	case answer.StreamingError:
		return "error"
	default:
		return fmt.Sprintf("%T", ev)
	}
}
