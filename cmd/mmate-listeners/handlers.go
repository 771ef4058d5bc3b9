package main

import (
	"context"
	"log/slog"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-listeners/bootstrap"
	"github.com/glimte/mmate-listeners/listener"
)

// registerBuiltins makes the handlers shipped with the binary available to
// listener definitions by name
func registerBuiltins(catalog *bootstrap.Catalog, logger *slog.Logger) error {
	if err := catalog.RegisterListener("log", logListener(logger)); err != nil {
		return err
	}
	return catalog.RegisterMethod("uppercase", listener.NewHandlerMethod(uppercase))
}

// logListener logs every delivery and sends no reply
func logListener(logger *slog.Logger) listener.MessageListener {
	return listener.MessageListenerFunc(func(ctx context.Context, d amqp.Delivery) (*amqp.Publishing, error) {
		logger.Info("message received",
			"exchange", d.Exchange,
			"routingKey", d.RoutingKey,
			"messageId", d.MessageId,
			"contentType", d.ContentType,
			"bytes", len(d.Body),
		)
		return nil, nil
	})
}

func uppercase(_ context.Context, s string) (string, error) {
	return strings.ToUpper(s), nil
}
