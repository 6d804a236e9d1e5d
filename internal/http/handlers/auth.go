package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fathomhq/fathom-backend/internal/auth"
	httpMW "github.com/fathomhq/fathom-backend/internal/http/middleware"
	"github.com/fathomhq/fathom-backend/internal/http/response"
	"github.com/fathomhq/fathom-backend/internal/platform/logger"
)

const stateCookie = "oidc_state"

type AuthHandler struct {
	log *logger.Logger
	svc *auth.Service
}

func NewAuthHandler(log *logger.Logger, svc *auth.Service) *AuthHandler {
	return &AuthHandler{log: log.With("handler", "AuthHandler"), svc: svc}
}

// Login kicks off the code flow. The state is mirrored into a short
// lived cookie so Callback can reject forged states.
func (h *AuthHandler) Login(c *gin.Context) {
	url, state := h.svc.LoginURL(c.Query("next"))
	c.SetCookie(stateCookie, state, 300, "/", "", false, true)
	c.Redirect(http.StatusFound, url)
}

func (h *AuthHandler) Callback(c *gin.Context) {
	state := c.Query("state")
	expected, err := c.Cookie(stateCookie)
	if err != nil || expected == "" || state != expected {
		response.RespondError(c, http.StatusBadRequest, "bad_state", fmt.Errorf("oidc state mismatch"))
		return
	}
	c.SetCookie(stateCookie, "", -1, "/", "", false, true)

	result, err := h.svc.CompleteLogin(c.Request.Context(), c.Query("code"), state)
	if err != nil {
		h.log.Warn("login failed", "error", err)
		response.RespondError(c, http.StatusUnauthorized, "login_failed", err)
		return
	}
	if result.NextURL != "" {
		c.SetCookie("session", result.Token, 0, "/", "", false, true)
		c.Redirect(http.StatusFound, result.NextURL)
		return
	}
	response.RespondOK(c, gin.H{"token": result.Token, "user": result.User})
}

func (h *AuthHandler) Me(c *gin.Context) {
	response.RespondOK(c, httpMW.CurrentUser(c))
}
