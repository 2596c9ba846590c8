package notifications

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-platform/pkg/logging"
)

// RelayChannel is the Redis channel frames travel on between processes.
const RelayChannel = "notifications:frames"

type relayMessage struct {
	UserID uuid.UUID `json:"userId"`
	Frame  Frame     `json:"frame"`
}

// RedisRelay publishes frames to Redis so every API replica can push them to
// its own websocket clients. It satisfies Publisher.
type RedisRelay struct {
	client *redis.Client
	logger *logging.Logger
}

func NewRedisRelay(client *redis.Client, logger *logging.Logger) *RedisRelay {
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisRelay{client: client, logger: logger}
}

func (r *RedisRelay) Publish(n *Notification) {
	r.publish(n.RecipientID, Frame{Type: "notification", Notification: n})
}

func (r *RedisRelay) PublishUnread(userID uuid.UUID, count int) {
	r.publish(userID, Frame{Type: "unread-count", UnreadCount: &count})
}

func (r *RedisRelay) publish(userID uuid.UUID, f Frame) {
	data, err := json.Marshal(relayMessage{UserID: userID, Frame: f})
	if err != nil {
		r.logger.Warn("notifications: marshal relay frame", "error", err)
		return
	}
	if err := r.client.Publish(context.Background(), RelayChannel, data).Err(); err != nil {
		r.logger.Warn("notifications: relay publish failed", "user_id", userID, "type", f.Type, "error", err)
	}
}

// Forward delivers relayed frames to hub until ctx ends.
func (r *RedisRelay) Forward(ctx context.Context, hub *Hub) error {
	sub := r.client.Subscribe(ctx, RelayChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m relayMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				r.logger.Warn("notifications: bad relay frame", "error", err)
				continue
			}
			hub.send(m.UserID, m.Frame)
		}
	}
}
