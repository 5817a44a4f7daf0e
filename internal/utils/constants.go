package utils

import "time"

// Application Constants
const (
	AppName    = "RideChat"
	AppVersion = "1.0.0"

	// Pagination
	DefaultPageSize = 20
	MaxPageSize     = 100
	MinPageSize     = 1

	// Chat
	MaxMessageLength     = 1000
	MaxActionDataEntries = 16

	// Notification
	NotificationTimeout = 30 * time.Second
)

// HTTP Status Messages
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Error Messages
const (
	ErrInvalidInput   = "invalid input"
	ErrUnauthorized   = "unauthorized"
	ErrMessageTooLong = "message too long"
)

// Cache Keys
const (
	CacheRoomPrefix     = "chat_room:"
	CacheBookingPrefix  = "chat_booking:"
	CacheSettingsPrefix = "chat_settings:"
)
