package handlers

import (
	"errors"
	"net/http"

	"ridechat/internal/chat"
	"ridechat/internal/models"
	"ridechat/internal/utils"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type ChatHandler struct {
	chatService chat.Service
}

func NewChatHandler(chatService chat.Service) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
	}
}

type createRoomRequest struct {
	BookingID string `json:"booking_id" binding:"required"`
	RiderID   string `json:"rider_id" binding:"required"`
	DriverID  string `json:"driver_id" binding:"required"`
}

type sendMessageRequest struct {
	Content  string                  `json:"content" binding:"required"`
	Type     models.MessageType      `json:"type"`
	Metadata *models.MessageMetadata `json:"metadata,omitempty"`
}

type systemMessageRequest struct {
	SystemType models.SystemEventType `json:"system_type" binding:"required"`
	Content    string                 `json:"content" binding:"required"`
	ActionData map[string]string      `json:"action_data,omitempty"`
}

type typingRequest struct {
	IsTyping bool `json:"is_typing"`
}

// CreateRoom creates the chat room for a booking, or returns the existing one
func (h *ChatHandler) CreateRoom(c *gin.Context) {
	var request createRoomRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		utils.BadRequestResponse(c, "Invalid request: "+err.Error())
		return
	}

	bookingID, err := primitive.ObjectIDFromHex(request.BookingID)
	if err != nil {
		utils.BadRequestResponse(c, "Invalid booking ID")
		return
	}
	riderID, err := primitive.ObjectIDFromHex(request.RiderID)
	if err != nil {
		utils.BadRequestResponse(c, "Invalid rider ID")
		return
	}
	driverID, err := primitive.ObjectIDFromHex(request.DriverID)
	if err != nil {
		utils.BadRequestResponse(c, "Invalid driver ID")
		return
	}

	room, err := h.chatService.CreateOrGetRoom(c.Request.Context(), bookingID, riderID, driverID)
	if err != nil {
		utils.ErrorResponse(c, http.StatusInternalServerError, "ROOM_CREATION_FAILED", "Failed to create room: "+err.Error())
		return
	}

	utils.CreatedResponse(c, "Chat room ready", room)
}

// GetRoom retrieves a chat room
func (h *ChatHandler) GetRoom(c *gin.Context) {
	roomID, ok := objectIDParam(c, "id")
	if !ok {
		return
	}

	room, err := h.chatService.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		utils.NotFoundResponse(c, "Chat room")
		return
	}

	utils.SuccessResponse(c, "Chat room retrieved successfully", room)
}

// ListRooms retrieves the authenticated user's chat rooms
func (h *ChatHandler) ListRooms(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	params := utils.GetPaginationParams(c)
	rooms, total, err := h.chatService.ListRooms(c.Request.Context(), userID, params)
	if err != nil {
		utils.ErrorResponse(c, http.StatusInternalServerError, "ROOM_FETCH_FAILED", "Failed to get rooms: "+err.Error())
		return
	}

	utils.SuccessResponseWithMeta(c, "Chat rooms retrieved successfully", rooms, &utils.Meta{
		Pagination: utils.CreatePaginationMeta(params, total),
	})
}

// ArchiveRoom closes a chat room after ride completion
func (h *ChatHandler) ArchiveRoom(c *gin.Context) {
	roomID, ok := objectIDParam(c, "id")
	if !ok {
		return
	}

	if err := h.chatService.ArchiveRoom(c.Request.Context(), roomID); err != nil {
		utils.ErrorResponse(c, http.StatusInternalServerError, "ROOM_ARCHIVE_FAILED", "Failed to archive room: "+err.Error())
		return
	}

	utils.SuccessResponse(c, "Chat room archived successfully", nil)
}

// SendMessage sends a message into a room
func (h *ChatHandler) SendMessage(c *gin.Context) {
	roomID, ok := objectIDParam(c, "id")
	if !ok {
		return
	}

	var request sendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		utils.BadRequestResponse(c, "Invalid request: "+err.Error())
		return
	}
	if request.Type == "" {
		request.Type = models.MessageTypeText
	}

	senderID, ok := currentUserID(c)
	if !ok {
		return
	}

	message, err := h.chatService.SendMessage(c.Request.Context(), roomID, senderID, request.Content, request.Type, request.Metadata)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrRoomArchived):
			utils.ConflictResponse(c, "Chat room is archived")
		case chat.IsStoreError(err):
			utils.ErrorResponse(c, http.StatusInternalServerError, "MESSAGE_STORE_FAILED", err.Error())
		default:
			utils.BadRequestResponse(c, err.Error())
		}
		return
	}

	utils.CreatedResponse(c, "Message accepted", message)
}

// SendSystemMessage injects a ride lifecycle event into a room
func (h *ChatHandler) SendSystemMessage(c *gin.Context) {
	roomID, ok := objectIDParam(c, "id")
	if !ok {
		return
	}

	var request systemMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		utils.BadRequestResponse(c, "Invalid request: "+err.Error())
		return
	}

	message, err := h.chatService.SendSystemMessage(c.Request.Context(), roomID, request.SystemType, request.Content, request.ActionData)
	if err != nil {
		utils.ErrorResponse(c, http.StatusInternalServerError, "SYSTEM_MESSAGE_FAILED", "Failed to send system message: "+err.Error())
		return
	}

	utils.CreatedResponse(c, "System message sent", message)
}

// RetryMessage re-transmits a failed message
func (h *ChatHandler) RetryMessage(c *gin.Context) {
	messageID, ok := objectIDParam(c, "id")
	if !ok {
		return
	}

	message, err := h.chatService.RetryMessage(c.Request.Context(), messageID)
	if err != nil {
		if chat.IsStoreError(err) {
			utils.NotFoundResponse(c, "Message")
			return
		}
		utils.BadRequestResponse(c, err.Error())
		return
	}

	utils.SuccessResponse(c, "Message retry accepted", message)
}

// GetMessages retrieves room message history
func (h *ChatHandler) GetMessages(c *gin.Context) {
	roomID, ok := objectIDParam(c, "id")
	if !ok {
		return
	}

	params := utils.GetPaginationParams(c)
	messages, total, err := h.chatService.GetMessages(c.Request.Context(), roomID, params)
	if err != nil {
		utils.ErrorResponse(c, http.StatusInternalServerError, "MESSAGE_FETCH_FAILED", "Failed to get messages: "+err.Error())
		return
	}

	utils.SuccessResponseWithMeta(c, "Messages retrieved successfully", messages, &utils.Meta{
		Pagination: utils.CreatePaginationMeta(params, total),
	})
}

// ClearMessages deletes all messages in a room
func (h *ChatHandler) ClearMessages(c *gin.Context) {
	roomID, ok := objectIDParam(c, "id")
	if !ok {
		return
	}

	if err := h.chatService.ClearMessages(c.Request.Context(), roomID); err != nil {
		utils.ErrorResponse(c, http.StatusInternalServerError, "MESSAGE_CLEAR_FAILED", "Failed to clear messages: "+err.Error())
		return
	}

	utils.SuccessResponse(c, "Messages cleared successfully", nil)
}

// MarkMessageRead marks a single message as read
func (h *ChatHandler) MarkMessageRead(c *gin.Context) {
	messageID, ok := objectIDParam(c, "id")
	if !ok {
		return
	}

	if err := h.chatService.MarkMessageRead(c.Request.Context(), messageID); err != nil {
		if chat.IsStoreError(err) {
			utils.NotFoundResponse(c, "Message")
			return
		}
		utils.ErrorResponse(c, http.StatusInternalServerError, "READ_UPDATE_FAILED", err.Error())
		return
	}

	utils.SuccessResponse(c, "Message marked as read", nil)
}

// MarkRoomRead clears the unread counter and marks received messages read
func (h *ChatHandler) MarkRoomRead(c *gin.Context) {
	roomID, ok := objectIDParam(c, "id")
	if !ok {
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	if err := h.chatService.MarkRoomRead(c.Request.Context(), roomID, userID); err != nil {
		utils.ErrorResponse(c, http.StatusInternalServerError, "READ_UPDATE_FAILED", err.Error())
		return
	}

	utils.SuccessResponse(c, "Room marked as read", nil)
}

// SetTyping reports the local user's typing state
func (h *ChatHandler) SetTyping(c *gin.Context) {
	roomID, ok := objectIDParam(c, "id")
	if !ok {
		return
	}

	var request typingRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		utils.BadRequestResponse(c, "Invalid request: "+err.Error())
		return
	}

	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	if err := h.chatService.SetTyping(c.Request.Context(), roomID, userID, request.IsTyping); err != nil {
		utils.ErrorResponse(c, http.StatusInternalServerError, "TYPING_UPDATE_FAILED", err.Error())
		return
	}

	utils.SuccessResponse(c, "Typing status updated", nil)
}

// GetParticipants retrieves room participants with presence and typing state
func (h *ChatHandler) GetParticipants(c *gin.Context) {
	roomID, ok := objectIDParam(c, "id")
	if !ok {
		return
	}

	participants, err := h.chatService.GetParticipants(c.Request.Context(), roomID)
	if err != nil {
		utils.ErrorResponse(c, http.StatusInternalServerError, "PARTICIPANT_FETCH_FAILED", "Failed to get participants: "+err.Error())
		return
	}

	utils.SuccessResponse(c, "Participants retrieved successfully", participants)
}

// GetConnectionState reports the current transport connection state
func (h *ChatHandler) GetConnectionState(c *gin.Context) {
	state, _ := h.chatService.ConnectionStates().Get()
	utils.SuccessResponse(c, "Connection state retrieved successfully", state)
}

func objectIDParam(c *gin.Context, name string) (primitive.ObjectID, bool) {
	id, err := primitive.ObjectIDFromHex(c.Param(name))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid "+name)
		return primitive.NilObjectID, false
	}
	return id, true
}

func currentUserID(c *gin.Context) (primitive.ObjectID, bool) {
	userID, exists := c.Get("user_id")
	if !exists {
		utils.UnauthorizedResponse(c)
		return primitive.NilObjectID, false
	}

	userObjectID, ok := userID.(primitive.ObjectID)
	if !ok {
		utils.BadRequestResponse(c, "Invalid user ID")
		return primitive.NilObjectID, false
	}
	return userObjectID, true
}
