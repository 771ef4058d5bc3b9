package interceptors

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"

	"github.com/glimte/mmate-listeners/listener"
)

// RateLimitInterceptor paces deliveries through a token bucket shared by
// every listener it wraps. Deliveries wait for a token rather than being
// rejected, so the broker's prefetch window absorbs the backlog.
type RateLimitInterceptor struct {
	limiter *rate.Limiter
}

// NewRateLimitInterceptor allows perSecond deliveries per second with the
// given burst. A burst below one is raised to one.
func NewRateLimitInterceptor(perSecond float64, burst int) *RateLimitInterceptor {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitInterceptor{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Intercept implements Interceptor
func (i *RateLimitInterceptor) Intercept(ctx context.Context, delivery amqp.Delivery, next listener.MessageListener) (*amqp.Publishing, error) {
	if err := i.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait for message %s: %w", delivery.MessageId, err)
	}
	return next.OnMessage(ctx, delivery)
}

// Name implements Interceptor
func (i *RateLimitInterceptor) Name() string {
	return "RateLimitInterceptor"
}
