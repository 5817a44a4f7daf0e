package routes

import (
	"ridechat/internal/middleware"

	handlers "ridechat/internal/handlers/shared"

	"github.com/gin-gonic/gin"
)

// SetupChatRoutes sets up routes for chat functionality
func SetupChatRoutes(r *gin.RouterGroup, chatHandler *handlers.ChatHandler, jwtSecret string) {
	// Connection state is readable without auth for health dashboards
	r.GET("/chat/connection", chatHandler.GetConnectionState)

	rooms := r.Group("/chat/rooms")
	rooms.Use(middleware.AuthRequired(jwtSecret))
	{
		rooms.POST("/", chatHandler.CreateRoom)
		rooms.GET("/", chatHandler.ListRooms)
		rooms.GET("/:id", chatHandler.GetRoom)
		rooms.PUT("/:id/archive", chatHandler.ArchiveRoom)

		rooms.POST("/:id/messages", chatHandler.SendMessage)
		rooms.GET("/:id/messages", chatHandler.GetMessages)
		rooms.DELETE("/:id/messages", chatHandler.ClearMessages)
		rooms.POST("/:id/system-messages", middleware.DriverRequired(), chatHandler.SendSystemMessage)

		rooms.PUT("/:id/read", chatHandler.MarkRoomRead)
		rooms.PUT("/:id/typing", chatHandler.SetTyping)
		rooms.GET("/:id/participants", chatHandler.GetParticipants)
	}

	messages := r.Group("/chat/messages")
	messages.Use(middleware.AuthRequired(jwtSecret))
	{
		messages.POST("/:id/retry", chatHandler.RetryMessage)
		messages.PUT("/:id/read", chatHandler.MarkMessageRead)
	}
}
