package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisNotifier fans events out to every instance: Notify publishes, Run
// relays what it receives into the local Hub.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	hub     *Hub
	log     *zap.Logger
}

func NewRedisNotifier(client *redis.Client, channel string, hub *Hub, log *zap.Logger) *RedisNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisNotifier{client: client, channel: channel, hub: hub, log: log}
}

func (n *RedisNotifier) Notify(ctx context.Context, paymentID uint, ev Event) error {
	ev.PaymentID = paymentID
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, n.channel, data).Err(); err != nil {
		return fmt.Errorf("publish payment event: %w", err)
	}
	return nil
}

// Run blocks until ctx is cancelled or the subscription fails.
func (n *RedisNotifier) Run(ctx context.Context) error {
	sub := n.client.Subscribe(ctx, n.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", n.channel, err)
	}
	n.log.Info("relaying payment events", zap.String("channel", n.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil || ev.PaymentID == 0 {
				n.log.Warn("malformed payment event", zap.String("payload", msg.Payload))
				continue
			}
			n.hub.Notify(ctx, ev.PaymentID, ev)
		}
	}
}
