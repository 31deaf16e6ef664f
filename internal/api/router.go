package api

import (
	"github.com/gin-gonic/gin"

	"github.com/okcvm/okcvm/internal/common/logger"
	"github.com/okcvm/okcvm/internal/config"
	"github.com/okcvm/okcvm/internal/session"
	"github.com/okcvm/okcvm/internal/storage"
)

// NewRouter builds the gin engine with middleware and all routes.
func NewRouter(sessions *session.Store, store *storage.ConversationStore, runtime *config.Runtime, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	router.Use(ErrorHandler(log))
	router.Use(CORS())

	handler := NewHandler(sessions, store, runtime, log)
	SetupRoutes(router, handler)
	return router
}

// SetupRoutes registers the API routes plus the deployment asset
// fallback.
func SetupRoutes(router *gin.Engine, handler *Handler) {
	api := router.Group("/api")
	{
		api.GET("/config", handler.GetConfig)
		api.POST("/config", handler.UpdateConfig)

		api.POST("/chat", handler.Chat)

		sessionGroup := api.Group("/session")
		{
			sessionGroup.GET("/info", handler.SessionInfo)
			sessionGroup.GET("/boot", handler.SessionBoot)
			sessionGroup.GET("/history", handler.ListHistory)
			sessionGroup.GET("/history/:id", handler.GetHistoryEntry)
			sessionGroup.DELETE("/history", handler.DeleteHistory)
			sessionGroup.GET("/files", handler.ListFiles)
			sessionGroup.POST("/files", handler.UploadFiles)
			sessionGroup.GET("/workspace/snapshots", handler.ListSnapshots)
			sessionGroup.POST("/workspace/snapshots", handler.CreateSnapshot)
			sessionGroup.POST("/workspace/restore", handler.RestoreWorkspace)
			sessionGroup.POST("/workspace/branch", handler.AssignBranch)
		}

		api.GET("/conversations", handler.ListConversations)
		api.POST("/conversations", handler.SaveConversation)
		api.PUT("/conversations/:id", handler.UpdateConversation)
		api.DELETE("/conversations/:id", handler.DeleteConversation)
	}

	// Everything else is treated as a deployment asset request.
	router.NoRoute(handler.ServeDeploymentAsset)
}
