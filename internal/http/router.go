package http

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/fathomhq/fathom-backend/internal/http/handlers"
	httpMW "github.com/fathomhq/fathom-backend/internal/http/middleware"
)

type RouterConfig struct {
	AuthHandler    *httpH.AuthHandler
	AuthMiddleware *httpMW.AuthMiddleware

	ChatHandler *httpH.ChatHandler
	PairHandler *httpH.PairHandler
	FileHandler *httpH.FileHandler

	HealthHandler *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.Default()
	r.Use(httpMW.CORS())

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	{
		// Auth (public)
		if cfg.AuthHandler != nil {
			api.GET("/auth/login", cfg.AuthHandler.Login)
			api.GET("/auth/callback", cfg.AuthHandler.Callback)
		}
	}

	protected := api.Group("/")
	{
		if cfg.AuthMiddleware != nil {
			protected.Use(cfg.AuthMiddleware.RequireAuth())
		}

		if cfg.AuthHandler != nil {
			protected.GET("/me", cfg.AuthHandler.Me)
		}

		// Chat
		if cfg.ChatHandler != nil {
			protected.POST("/chat/sessions", cfg.ChatHandler.CreateSession)
			protected.GET("/chat/sessions", cfg.ChatHandler.ListSessions)
			protected.GET("/chat/sessions/:id/messages", cfg.ChatHandler.GetMessages)
			protected.DELETE("/chat/sessions/:id", cfg.ChatHandler.DeleteSession)
			protected.POST("/chat/send", cfg.ChatHandler.Send)
		}

		// Uploads
		if cfg.FileHandler != nil {
			protected.POST("/files/upload", cfg.FileHandler.Upload)
		}

		// Connector administration
		if cfg.PairHandler != nil {
			protected.POST("/admin/credentials", cfg.PairHandler.CreateCredential)
			protected.POST("/admin/pairs", cfg.PairHandler.CreatePair)
			protected.GET("/admin/pairs", cfg.PairHandler.ListPairs)
			protected.POST("/admin/pairs/:id/pause", cfg.PairHandler.Pause)
			protected.POST("/admin/pairs/:id/resume", cfg.PairHandler.Resume)
			protected.POST("/admin/pairs/:id/trigger", cfg.PairHandler.Trigger)
			protected.GET("/admin/pairs/:id/attempts", cfg.PairHandler.ListAttempts)
		}
	}

	return r
}
