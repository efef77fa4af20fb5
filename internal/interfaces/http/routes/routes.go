package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/aikesi233/qzone-transfer/internal/application/services"
	"github.com/aikesi233/qzone-transfer/internal/interfaces/http/handlers"
	"github.com/aikesi233/qzone-transfer/internal/interfaces/http/middleware"
)

// RoutesConfig 路由配置
type RoutesConfig struct {
	container   *services.ServiceContainer
	broadcaster *handlers.EventBroadcaster
}

// NewRoutesConfig 创建路由配置
func NewRoutesConfig(container *services.ServiceContainer, broadcaster *handlers.EventBroadcaster) *RoutesConfig {
	return &RoutesConfig{container: container, broadcaster: broadcaster}
}

// SetupRoutes 注册全部路由。命令面是封闭集合：
// 未列出的操作一律404，不做动态分发
func (rc *RoutesConfig) SetupRoutes(router *gin.Engine) {
	router.Use(middleware.RecoverMiddleware())
	router.Use(middleware.CORSMiddleware())
	router.Use(middleware.LoggerMiddleware())

	downloadHandler := handlers.NewDownloadHandler(rc.container)
	uploadHandler := handlers.NewUploadHandler(rc.container)
	sessionHandler := handlers.NewSessionHandler(rc.container)

	api := router.Group("/api/v1")
	{
		api.GET("/health", handlers.HealthCheck)
		api.GET("/events", rc.broadcaster.Stream)

		session := api.Group("/session")
		{
			session.GET("", sessionHandler.Current)
			session.POST("/login", sessionHandler.Login)
			session.POST("/logout", sessionHandler.Logout)
		}

		downloads := api.Group("/downloads")
		{
			downloads.POST("/tasks", downloadHandler.CreateTask)
			downloads.POST("/batch", downloadHandler.CreateBatch)
			downloads.POST("/albums", downloadHandler.CreateAlbum)
			downloads.GET("/tasks", downloadHandler.ListTasks)
			downloads.GET("/tasks/active", downloadHandler.ListActiveTasks)
			downloads.POST("/tasks-page", downloadHandler.RequestTasksPage)
			downloads.GET("/tasks/:id", downloadHandler.GetTask)
			downloads.DELETE("/tasks/:id", downloadHandler.DeleteTask)
			downloads.POST("/tasks/:id/pause", downloadHandler.PauseTask)
			downloads.POST("/tasks/:id/resume", downloadHandler.ResumeTask)
			downloads.POST("/tasks/:id/retry", downloadHandler.RetryTask)
			downloads.POST("/tasks/:id/cancel", downloadHandler.CancelTask)

			downloads.POST("/pause-all", downloadHandler.PauseAll)
			downloads.POST("/resume-all", downloadHandler.ResumeAll)
			downloads.POST("/cancel-all", downloadHandler.CancelAll)
			downloads.DELETE("/completed", downloadHandler.ClearCompleted)
			downloads.DELETE("/tasks", downloadHandler.ClearAll)

			downloads.GET("/stats", downloadHandler.GetStats)
			downloads.GET("/settings", downloadHandler.GetSettings)
			downloads.PUT("/settings", downloadHandler.UpdateSettings)
			downloads.POST("/manager-open", downloadHandler.SetManagerOpen)
		}

		uploads := api.Group("/uploads")
		{
			uploads.POST("/tasks", uploadHandler.CreateTask)
			uploads.POST("/batch", uploadHandler.CreateBatch)
			uploads.GET("/tasks", uploadHandler.ListTasks)
			uploads.GET("/tasks/active", uploadHandler.ListActiveTasks)
			uploads.POST("/tasks-page", uploadHandler.RequestTasksPage)
			uploads.GET("/tasks/:id", uploadHandler.GetTask)
			uploads.DELETE("/tasks/:id", uploadHandler.DeleteTask)
			uploads.POST("/tasks/:id/pause", uploadHandler.PauseTask)
			uploads.POST("/tasks/:id/resume", uploadHandler.ResumeTask)
			uploads.POST("/tasks/:id/retry", uploadHandler.RetryTask)
			uploads.POST("/tasks/:id/cancel", uploadHandler.CancelTask)

			uploads.POST("/pause-all", uploadHandler.PauseAll)
			uploads.POST("/resume-all", uploadHandler.ResumeAll)
			uploads.POST("/cancel-all", uploadHandler.CancelAll)
			uploads.POST("/retry-failed", uploadHandler.RetryFailed)
			uploads.DELETE("/completed", uploadHandler.ClearCompleted)
			uploads.DELETE("/cancelled", uploadHandler.ClearCancelled)

			uploads.GET("/albums", uploadHandler.ListAlbums)
			uploads.GET("/albums/:albumId/stats", uploadHandler.GetAlbumStats)
			uploads.GET("/albums/:albumId/pending", uploadHandler.GetAlbumPending)
			uploads.POST("/albums/:albumId/cancel", uploadHandler.CancelAlbum)

			uploads.GET("/sessions/:sessionId", uploadHandler.GetSessionTasks)
			uploads.DELETE("/sessions/:sessionId", uploadHandler.DeleteSession)

			uploads.GET("/stats", uploadHandler.GetStats)
			uploads.GET("/settings", uploadHandler.GetSettings)
			uploads.PUT("/settings", uploadHandler.UpdateSettings)
			uploads.POST("/manager-open", uploadHandler.SetManagerOpen)
		}
	}
}
