package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-listeners/internal/rabbitmq"
	"github.com/glimte/mmate-listeners/listener"
)

// ErrFiltered is returned for deliveries dropped by a SkipWithError filter.
// It is joined with the transport's reject marker so the delivery is not
// requeued.
var ErrFiltered = errors.New("interceptors: delivery filtered")

// DeliveryFilter decides whether a delivery reaches the listener
type DeliveryFilter interface {
	// ShouldProcess returns true if the delivery should be processed
	ShouldProcess(ctx context.Context, delivery amqp.Delivery) (bool, error)
}

// DeliveryFilterFunc is a function adapter for DeliveryFilter
type DeliveryFilterFunc func(ctx context.Context, delivery amqp.Delivery) (bool, error)

// ShouldProcess implements DeliveryFilter
func (f DeliveryFilterFunc) ShouldProcess(ctx context.Context, delivery amqp.Delivery) (bool, error) {
	return f(ctx, delivery)
}

// SkipBehavior defines what happens when a delivery is filtered out
type SkipBehavior int

const (
	// SkipSilently acknowledges the delivery without calling the listener
	SkipSilently SkipBehavior = iota
	// SkipWithError rejects the delivery without requeueing it
	SkipWithError
	// SkipWithLog acknowledges the delivery and logs that it was skipped
	SkipWithLog
)

// FilteringInterceptor drops deliveries its filter rejects
type FilteringInterceptor struct {
	filter       DeliveryFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter DeliveryFilter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, delivery amqp.Delivery, next listener.MessageListener) (*amqp.Publishing, error) {
	shouldProcess, err := i.filter.ShouldProcess(ctx, delivery)
	if err != nil {
		return nil, fmt.Errorf("filter error: %w", err)
	}

	if !shouldProcess {
		switch i.skipBehavior {
		case SkipWithError:
			return nil, errors.Join(
				fmt.Errorf("%w: id=%s contentType=%s", ErrFiltered, delivery.MessageId, delivery.ContentType),
				rabbitmq.ErrRejectAndDontRequeue,
			)
		case SkipWithLog:
			i.logger.Info("delivery skipped by filter",
				"messageId", delivery.MessageId,
				"contentType", delivery.ContentType,
				"routingKey", delivery.RoutingKey,
			)
		}
		return nil, nil
	}

	return next.OnMessage(ctx, delivery)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// CompositeFilter combines multiple filters with AND logic
type CompositeFilter struct {
	filters []DeliveryFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...DeliveryFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements DeliveryFilter - all filters must return true
func (f *CompositeFilter) ShouldProcess(ctx context.Context, delivery amqp.Delivery) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, delivery)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// OrFilter combines multiple filters with OR logic
type OrFilter struct {
	filters []DeliveryFilter
}

// NewOrFilter creates a new OR filter
func NewOrFilter(filters ...DeliveryFilter) *OrFilter {
	return &OrFilter{filters: filters}
}

// ShouldProcess implements DeliveryFilter - at least one filter must return true
func (f *OrFilter) ShouldProcess(ctx context.Context, delivery amqp.Delivery) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, delivery)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// ContentTypeFilter accepts deliveries whose media type is in the allowed
// set. Parameters such as charset are ignored; an empty content type only
// matches when "" is allowed.
type ContentTypeFilter struct {
	allowed map[string]bool
}

// NewContentTypeFilter creates a filter for the given media types
func NewContentTypeFilter(contentTypes ...string) *ContentTypeFilter {
	allowed := make(map[string]bool, len(contentTypes))
	for _, ct := range contentTypes {
		allowed[mediaType(ct)] = true
	}
	return &ContentTypeFilter{allowed: allowed}
}

// ShouldProcess implements DeliveryFilter
func (f *ContentTypeFilter) ShouldProcess(_ context.Context, delivery amqp.Delivery) (bool, error) {
	return f.allowed[mediaType(delivery.ContentType)], nil
}

func mediaType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

// HeaderFilter accepts deliveries carrying a header with the given value
type HeaderFilter struct {
	key   string
	value any
}

// NewHeaderFilter creates a filter matching header key against value
func NewHeaderFilter(key string, value any) *HeaderFilter {
	return &HeaderFilter{key: key, value: value}
}

// ShouldProcess implements DeliveryFilter
func (f *HeaderFilter) ShouldProcess(_ context.Context, delivery amqp.Delivery) (bool, error) {
	v, ok := delivery.Headers[f.key]
	if !ok {
		return false, nil
	}
	return v == f.value, nil
}

// ConditionalInterceptor runs an interceptor only for deliveries the
// condition accepts
type ConditionalInterceptor struct {
	condition   DeliveryFilter
	interceptor Interceptor
}

// NewConditionalInterceptor creates a new conditional interceptor
func NewConditionalInterceptor(condition DeliveryFilter, interceptor Interceptor) *ConditionalInterceptor {
	return &ConditionalInterceptor{
		condition:   condition,
		interceptor: interceptor,
	}
}

// Intercept implements Interceptor
func (i *ConditionalInterceptor) Intercept(ctx context.Context, delivery amqp.Delivery, next listener.MessageListener) (*amqp.Publishing, error) {
	ok, err := i.condition.ShouldProcess(ctx, delivery)
	if err != nil {
		return nil, err
	}
	if ok {
		return i.interceptor.Intercept(ctx, delivery, next)
	}
	return next.OnMessage(ctx, delivery)
}

// Name implements Interceptor
func (i *ConditionalInterceptor) Name() string {
	return fmt.Sprintf("ConditionalInterceptor[%s]", i.interceptor.Name())
}
