package chat

import (
	"context"
	"fmt"

	"ridechat/internal/utils"
	"ridechat/pkg/cache"
	"ridechat/pkg/logger"
	"ridechat/pkg/push"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// RoomNotification is one message arrival surfaced as a user-visible alert.
type RoomNotification struct {
	RoomID      primitive.ObjectID
	MessageID   primitive.ObjectID
	SenderID    primitive.ObjectID
	RecipientID primitive.ObjectID
	Title       string
	Body        string
}

// NotificationSink surfaces a message arrival to the recipient. Invoked
// only when the recipient's notification preference is enabled.
type NotificationSink interface {
	Notify(ctx context.Context, n *RoomNotification) error
}

// Settings is the read-only settings collaborator. The orchestrator only
// consults the per-user notification preference.
type Settings interface {
	NotificationPreference(ctx context.Context, userID primitive.ObjectID) (bool, error)
}

// DeviceTokens resolves a user's push device token.
type DeviceTokens interface {
	Token(ctx context.Context, userID primitive.ObjectID) (string, error)
}

// providerSink delivers room notifications through a push provider
// (FCM or APNS).
type providerSink struct {
	provider push.Provider
	tokens   DeviceTokens
	logger   *logger.Logger
}

func NewProviderSink(provider push.Provider, tokens DeviceTokens, log *logger.Logger) NotificationSink {
	return &providerSink{
		provider: provider,
		tokens:   tokens,
		logger:   log,
	}
}

func (s *providerSink) Notify(ctx context.Context, n *RoomNotification) error {
	token, err := s.tokens.Token(ctx, n.RecipientID)
	if err != nil {
		return fmt.Errorf("failed to resolve device token: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, utils.NotificationTimeout)
	defer cancel()

	_, err = s.provider.SendNotification(ctx, &push.NotificationRequest{
		Token:    token,
		Title:    n.Title,
		Body:     n.Body,
		Priority: "high",
		Data: map[string]string{
			"room_id":    n.RoomID.Hex(),
			"message_id": n.MessageID.Hex(),
			"sender_id":  n.SenderID.Hex(),
		},
	})
	if err != nil {
		return fmt.Errorf("push delivery failed: %w", err)
	}

	s.logger.WithRoomID(n.RoomID).WithMessageID(n.MessageID).Debug("Notification delivered")
	return nil
}

// redisSettings reads notification preferences from redis. A cache miss
// means the user never opted out, so notifications stay enabled.
type redisSettings struct {
	cache *cache.RedisCache
}

func NewRedisSettings(c *cache.RedisCache) Settings {
	return &redisSettings{cache: c}
}

func (s *redisSettings) NotificationPreference(ctx context.Context, userID primitive.ObjectID) (bool, error) {
	var enabled bool
	err := s.cache.Get(ctx, utils.CacheSettingsPrefix+userID.Hex(), &enabled)
	if err != nil {
		return true, nil
	}
	return enabled, nil
}

// redisDeviceTokens resolves device tokens cached by the registration flow.
type redisDeviceTokens struct {
	cache *cache.RedisCache
}

func NewRedisDeviceTokens(c *cache.RedisCache) DeviceTokens {
	return &redisDeviceTokens{cache: c}
}

func (t *redisDeviceTokens) Token(ctx context.Context, userID primitive.ObjectID) (string, error) {
	var token string
	if err := t.cache.Get(ctx, "device_token:"+userID.Hex(), &token); err != nil {
		return "", fmt.Errorf("no device token for user %s: %w", userID.Hex(), err)
	}
	return token, nil
}

// StaticSettings is an in-memory Settings used by tests and demo mode.
type StaticSettings struct {
	Disabled map[primitive.ObjectID]bool
}

func (s *StaticSettings) NotificationPreference(ctx context.Context, userID primitive.ObjectID) (bool, error) {
	if s.Disabled == nil {
		return true, nil
	}
	return !s.Disabled[userID], nil
}
