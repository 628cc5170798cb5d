package googleplaywebhook

import (
	"context"
	"encoding/base64"
	"errors"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/pixmint/credits-backend/pkg/logger"
)

type notificationHandler interface {
	HandleNotification(ctx context.Context, messageID string, notification *DeveloperNotification) error
}

// Consumer drains the RTDN Pub/Sub subscription directly, for deployments
// that pull instead of exposing the HTTP push endpoint.
type Consumer struct {
	subscriber *pubsub.Subscriber
	handler    notificationHandler
	logg       *logger.Logger
}

// NewConsumer builds the RTDN pull consumer.
func NewConsumer(subscriber *pubsub.Subscriber, handler notificationHandler, logg *logger.Logger) (*Consumer, error) {
	if subscriber == nil {
		return nil, errors.New("subscriber required")
	}
	if handler == nil {
		return nil, errors.New("notification handler required")
	}
	if logg == nil {
		return nil, errors.New("logger required")
	}
	return &Consumer{subscriber: subscriber, handler: handler, logg: logg}, nil
}

// Run blocks receiving messages until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logg.Info(ctx, "rtdn consumer starting")
	return c.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		notification, err := c.decode(msg.Data)
		if err != nil {
			// Malformed payloads never become valid; drop them.
			c.logg.Error(ctx, "drop undecodable rtdn message", err)
			msg.Ack()
			return
		}

		if err := c.handler.HandleNotification(ctx, msg.ID, notification); err != nil {
			c.logg.Error(ctx, "rtdn handling failed; nacking for redelivery", err)
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

// decode accepts both raw JSON payloads (pull subscriptions deliver the
// notification body directly) and base64 text from forwarding setups.
func (c *Consumer) decode(data []byte) (*DeveloperNotification, error) {
	notification, err := DecodeNotification(base64.StdEncoding.EncodeToString(data))
	if err == nil {
		return notification, nil
	}
	return DecodeNotification(string(data))
}
