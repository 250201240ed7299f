// Package router provides studymate service routing.
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/studymate/internal/studymate/handler"
	"github.com/kart-io/studymate/pkg/utils/errors"
	"github.com/kart-io/studymate/pkg/utils/response"
)

// Handlers groups the HTTP handlers of the service.
type Handlers struct {
	Document *handler.DocumentHandler
	Search   *handler.SearchHandler
	Chat     *handler.ChatHandler
	Quiz     *handler.QuizHandler
	System   *handler.SystemHandler
}

// Paths configures the operational endpoints.
type Paths struct {
	Health  string
	Ready   string
	Metrics string
}

// DefaultPaths are the operational endpoints used when none are configured.
var DefaultPaths = Paths{Health: "/healthz", Ready: "/readyz", Metrics: "/metrics"}

// Register registers the studymate routes on router.
func Register(router *gin.Engine, h *Handlers, paths Paths) {
	logger.Info("Registering studymate routes...")

	router.NoRoute(func(c *gin.Context) {
		response.Fail(c, errors.ErrRouteNotFound.WithMessagef("no route for %s %s", c.Request.Method, c.Request.URL.Path))
	})

	if paths.Health != "" {
		router.Handle(http.MethodGet, paths.Health, h.System.Health)
	}
	if paths.Ready != "" {
		router.Handle(http.MethodGet, paths.Ready, h.System.Ready)
	}
	if paths.Metrics != "" {
		router.Handle(http.MethodGet, paths.Metrics, h.System.Metrics)
	}

	v1 := router.Group("/v1", handler.Principal())
	{
		documents := v1.Group("/documents")
		{
			documents.Handle(http.MethodPost, "", h.Document.Upload)
			documents.Handle(http.MethodGet, "", h.Document.List)
			documents.Handle(http.MethodGet, "/:id", h.Document.Get)
			documents.Handle(http.MethodDelete, "/:id", h.Document.Delete)
			documents.Handle(http.MethodPost, "/:id/reprocess", h.Document.Reprocess)
		}

		v1.Handle(http.MethodPost, "/search", h.Search.Search)

		chat := v1.Group("/chat")
		{
			chat.Handle(http.MethodPost, "/ask", h.Chat.Ask)
			chat.Handle(http.MethodPost, "/ask/stream", h.Chat.AskStream)
			chat.Handle(http.MethodGet, "/sessions", h.Chat.ListSessions)
			chat.Handle(http.MethodGet, "/sessions/:id/messages", h.Chat.History)
			chat.Handle(http.MethodDelete, "/sessions/:id", h.Chat.DeleteSession)
		}

		v1.Handle(http.MethodPost, "/quizzes", h.Quiz.Generate)
		v1.Handle(http.MethodGet, "/stats", h.System.Stats)
	}

	logger.Info("HTTP routes registered")
}
