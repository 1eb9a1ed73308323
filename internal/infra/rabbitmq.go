// README: RabbitMQ connection with bounded exponential backoff.
package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

func NewRabbitMQ(ctx context.Context, url string, log *zap.Logger) (*amqp.Connection, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 8 * time.Second

	conn, err := backoff.Retry(ctx, func() (*amqp.Connection, error) {
		return amqp.DialConfig(url, amqp.Config{
			Heartbeat: 10 * time.Second,
			Dial:      amqp.DefaultDial(5 * time.Second),
		})
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(4),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Info("rabbitmq not yet ready", zap.Error(err), zap.Duration("retry_in", next))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	log.Info("connected to rabbitmq")
	return conn, nil
}
