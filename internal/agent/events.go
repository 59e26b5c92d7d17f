package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"site-agent-go/internal/ops"
)

// Event channels published by the control plane integration.
const (
	OrderEventChannel    = "site-agent:events:order"
	UserRoleEventChannel = "site-agent:events:user-role"
)

type orderEvent struct {
	OfferingUUID string `json:"offering_uuid"`
	OrderUUID    string `json:"order_uuid"`
}

type userRoleEvent struct {
	OfferingUUID string `json:"offering_uuid"`
	UserUUID     string `json:"user_uuid"`
	Granted      bool   `json:"granted"`
}

// OrderHandler handles one order notification.
type OrderHandler func(ctx context.Context, orderUUID string) error

// UserRoleHandler handles one role-change notification.
type UserRoleHandler func(ctx context.Context, userUUID string, granted bool) error

// EventSubscriber consumes control-plane notifications from Redis pub/sub
// and dispatches them to per-offering handlers. Handlers must be idempotent
// with the periodic pass: the same change can arrive on both paths.
type EventSubscriber struct {
	client           *redis.Client
	orderHandlers    map[string]OrderHandler
	userRoleHandlers map[string]UserRoleHandler
	logger           *zap.Logger
}

// NewEventSubscriber connects to Redis and verifies the connection. Handler
// maps are keyed by offering UUID.
func NewEventSubscriber(ctx context.Context, redisURL string, orderHandlers map[string]OrderHandler, userRoleHandlers map[string]UserRoleHandler, logger *zap.Logger) (*EventSubscriber, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &EventSubscriber{
		client:           client,
		orderHandlers:    orderHandlers,
		userRoleHandlers: userRoleHandlers,
		logger:           logger,
	}, nil
}

// Run consumes notifications until the context is cancelled.
func (s *EventSubscriber) Run(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, OrderEventChannel, UserRoleEventChannel)
	defer pubsub.Close()

	s.logger.Info("subscribed to event channels",
		zap.Strings("channels", []string{OrderEventChannel, UserRoleEventChannel}),
	)

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("event subscriber stopped")
			return ctx.Err()
		case message, ok := <-messages:
			if !ok {
				return fmt.Errorf("event channel closed")
			}
			ops.EventsReceivedTotal.WithLabelValues(message.Channel).Inc()
			s.dispatch(ctx, message.Channel, message.Payload)
		}
	}
}

// Close releases the Redis connection.
func (s *EventSubscriber) Close() error {
	return s.client.Close()
}

func (s *EventSubscriber) dispatch(ctx context.Context, channel, payload string) {
	switch channel {
	case OrderEventChannel:
		var event orderEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			s.logger.Error("malformed order event", zap.String("payload", payload), zap.Error(err))
			return
		}
		handler, ok := s.orderHandlers[event.OfferingUUID]
		if !ok {
			s.logger.Debug("order event for unknown offering",
				zap.String("offering_uuid", event.OfferingUUID))
			return
		}
		s.logger.Info("handling order event",
			zap.String("offering_uuid", event.OfferingUUID),
			zap.String("order_uuid", event.OrderUUID),
		)
		if err := handler(ctx, event.OrderUUID); err != nil {
			s.logger.Error("order event handling failed",
				zap.String("order_uuid", event.OrderUUID),
				zap.Error(err),
			)
		}

	case UserRoleEventChannel:
		var event userRoleEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			s.logger.Error("malformed role event", zap.String("payload", payload), zap.Error(err))
			return
		}
		handler, ok := s.userRoleHandlers[event.OfferingUUID]
		if !ok {
			s.logger.Debug("role event for unknown offering",
				zap.String("offering_uuid", event.OfferingUUID))
			return
		}
		s.logger.Info("handling role event",
			zap.String("offering_uuid", event.OfferingUUID),
			zap.String("user_uuid", event.UserUUID),
			zap.Bool("granted", event.Granted),
		)
		if err := handler(ctx, event.UserUUID, event.Granted); err != nil {
			s.logger.Error("role event handling failed",
				zap.String("user_uuid", event.UserUUID),
				zap.Error(err),
			)
		}
	}
}
