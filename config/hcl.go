package config

import (
	"fmt"
	"io"
	"math/big"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// hclFile is the top-level structure of an HCL listener file
type hclFile struct {
	DefaultFactory string         `hcl:"default_factory,optional"`
	Connection     *hclConnection `hcl:"connection,block"`
	Factories      []*hclFactory  `hcl:"factory,block"`
	Exchanges      []*hclExchange `hcl:"exchange,block"`
	Queues         []*hclQueue    `hcl:"queue,block"`
	Bindings       []*hclBinding  `hcl:"binding,block"`
	Listeners      []*hclListener `hcl:"listener,block"`
}

type hclConnection struct {
	URL            string `hcl:"url"`
	ReconnectDelay string `hcl:"reconnect_delay,optional"`
	ConnectTimeout string `hcl:"connect_timeout,optional"`
	MaxRetries     *int   `hcl:"max_retries,optional"`
	PoolSize       int    `hcl:"pool_size,optional"`
	ConfirmTimeout string `hcl:"confirm_timeout,optional"`
}

type hclFactory struct {
	Name               string      `hcl:"name,label"`
	Concurrency        int         `hcl:"concurrency,optional"`
	Prefetch           int         `hcl:"prefetch,optional"`
	AckMode            string      `hcl:"ack_mode,optional"`
	RequeueRejected    *bool       `hcl:"requeue_rejected,optional"`
	ConsumerTagPrefix  string      `hcl:"consumer_tag_prefix,optional"`
	HandlerTimeout     string      `hcl:"handler_timeout,optional"`
	ShutdownTimeout    string      `hcl:"shutdown_timeout,optional"`
	MissingQueuesFatal *bool       `hcl:"missing_queues_fatal,optional"`
	LogDeliveries      bool        `hcl:"log_deliveries,optional"`
	AcceptContentTypes []string    `hcl:"accept_content_types,optional"`
	RateLimit          *hclRate    `hcl:"rate_limit,block"`
	CircuitBreaker     *hclBreaker `hcl:"circuit_breaker,block"`
	Retry              *hclRetry   `hcl:"retry,block"`
}

type hclRate struct {
	PerSecond float64 `hcl:"per_second"`
	Burst     int     `hcl:"burst,optional"`
}

type hclBreaker struct {
	FailureThreshold int    `hcl:"failure_threshold"`
	Timeout          string `hcl:"timeout,optional"`
	HalfOpenRequests int    `hcl:"half_open_requests,optional"`
}

type hclRetry struct {
	MaxAttempts  int     `hcl:"max_attempts"`
	InitialDelay string  `hcl:"initial_delay,optional"`
	MaxDelay     string  `hcl:"max_delay,optional"`
	Multiplier   float64 `hcl:"multiplier,optional"`
}

type hclExchange struct {
	Name       string         `hcl:"name,label"`
	Type       string         `hcl:"type,optional"`
	Durable    *bool          `hcl:"durable,optional"`
	AutoDelete bool           `hcl:"auto_delete,optional"`
	Arguments  hcl.Expression `hcl:"arguments,optional"`
}

type hclQueue struct {
	Name       string         `hcl:"name,label"`
	QueueName  string         `hcl:"queue_name,optional"`
	Anonymous  bool           `hcl:"anonymous,optional"`
	Durable    *bool          `hcl:"durable,optional"`
	AutoDelete bool           `hcl:"auto_delete,optional"`
	Exclusive  bool           `hcl:"exclusive,optional"`
	Arguments  hcl.Expression `hcl:"arguments,optional"`
}

type hclBinding struct {
	Exchange   string `hcl:"exchange"`
	Queue      string `hcl:"queue"`
	RoutingKey string `hcl:"routing_key,optional"`
}

type hclListener struct {
	ID                 string   `hcl:"id,label"`
	Factory            string   `hcl:"factory,optional"`
	Queues             []string `hcl:"queues,optional"`
	QueueRefs          []string `hcl:"queue_refs,optional"`
	Exclusive          bool     `hcl:"exclusive,optional"`
	Priority           *int     `hcl:"priority,optional"`
	ResponseRoutingKey string   `hcl:"response_routing_key,optional"`
	Admin              string   `hcl:"admin,optional"`
	Handler            string   `hcl:"handler"`
}

// HCLLoader decodes HCL. Blocks carry their name as a label:
//
//	listener "orders" {
//	  queues  = ["orders.created"]
//	  handler = "log"
//	}
type HCLLoader struct{}

func (h *HCLLoader) Load(name string, reader io.Reader, target *Config) error {
	src, err := io.ReadAll(reader)
	if err != nil {
		return err
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, name)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL: %w", diags)
	}

	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return fmt.Errorf("failed to decode HCL: %w", diags)
	}

	return parsed.apply(target)
}

func (h *HCLLoader) Extensions() []string {
	return []string{"hcl"}
}

func (f *hclFile) apply(cfg *Config) error {
	cfg.DefaultFactory = f.DefaultFactory
	if c := f.Connection; c != nil {
		cfg.Connection = ConnectionConfig{
			URL:            c.URL,
			ReconnectDelay: c.ReconnectDelay,
			ConnectTimeout: c.ConnectTimeout,
			MaxRetries:     c.MaxRetries,
			PoolSize:       c.PoolSize,
			ConfirmTimeout: c.ConfirmTimeout,
		}
	}

	for _, fc := range f.Factories {
		factory := FactoryConfig{
			Name:               fc.Name,
			Concurrency:        fc.Concurrency,
			Prefetch:           fc.Prefetch,
			AckMode:            fc.AckMode,
			RequeueRejected:    fc.RequeueRejected,
			ConsumerTagPrefix:  fc.ConsumerTagPrefix,
			HandlerTimeout:     fc.HandlerTimeout,
			ShutdownTimeout:    fc.ShutdownTimeout,
			MissingQueuesFatal: fc.MissingQueuesFatal,
			LogDeliveries:      fc.LogDeliveries,
			AcceptContentTypes: fc.AcceptContentTypes,
		}
		if r := fc.RateLimit; r != nil {
			factory.RateLimit = &RateLimitConfig{PerSecond: r.PerSecond, Burst: r.Burst}
		}
		if b := fc.CircuitBreaker; b != nil {
			factory.CircuitBreaker = &BreakerConfig{
				FailureThreshold: b.FailureThreshold,
				Timeout:          b.Timeout,
				HalfOpenRequests: b.HalfOpenRequests,
			}
		}
		if r := fc.Retry; r != nil {
			factory.Retry = &RetryConfig{
				MaxAttempts:  r.MaxAttempts,
				InitialDelay: r.InitialDelay,
				MaxDelay:     r.MaxDelay,
				Multiplier:   r.Multiplier,
			}
		}
		cfg.Factories = append(cfg.Factories, factory)
	}

	for _, e := range f.Exchanges {
		args, err := ctyArguments(e.Arguments)
		if err != nil {
			return fmt.Errorf("exchange %q: %w", e.Name, err)
		}
		cfg.Exchanges = append(cfg.Exchanges, ExchangeConfig{
			Name:       e.Name,
			Type:       e.Type,
			Durable:    e.Durable,
			AutoDelete: e.AutoDelete,
			Arguments:  args,
		})
	}

	for _, q := range f.Queues {
		args, err := ctyArguments(q.Arguments)
		if err != nil {
			return fmt.Errorf("queue %q: %w", q.Name, err)
		}
		cfg.Queues = append(cfg.Queues, QueueConfig{
			Name:       q.Name,
			QueueName:  q.QueueName,
			Anonymous:  q.Anonymous,
			Durable:    q.Durable,
			AutoDelete: q.AutoDelete,
			Exclusive:  q.Exclusive,
			Arguments:  args,
		})
	}

	for _, b := range f.Bindings {
		cfg.Bindings = append(cfg.Bindings, BindingConfig{
			Exchange:   b.Exchange,
			Queue:      b.Queue,
			RoutingKey: b.RoutingKey,
		})
	}

	for _, l := range f.Listeners {
		cfg.Listeners = append(cfg.Listeners, ListenerConfig{
			ID:                 l.ID,
			Factory:            l.Factory,
			Queues:             l.Queues,
			QueueRefs:          l.QueueRefs,
			Exclusive:          l.Exclusive,
			Priority:           l.Priority,
			ResponseRoutingKey: l.ResponseRoutingKey,
			Admin:              l.Admin,
			Handler:            l.Handler,
		})
	}

	return nil
}

// ctyArguments evaluates an HCL object of x-arguments to plain Go values
func ctyArguments(expr hcl.Expression) (map[string]any, error) {
	if expr == nil {
		return nil, nil
	}
	v, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, diags
	}
	if v.IsNull() {
		return nil, nil
	}
	ty := v.Type()
	if !ty.IsObjectType() && !ty.IsMapType() {
		return nil, fmt.Errorf("arguments must be an object, got %s", ty.FriendlyName())
	}

	out, err := ctyToGo(v)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func ctyToGo(v cty.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsKnown() {
		return nil, fmt.Errorf("value is not known")
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil
	case ty == cty.Bool:
		return v.True(), nil
	case ty == cty.Number:
		return ctyNumber(v.AsBigFloat()), nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			converted, err := ctyToGo(ev)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k.AsString(), err)
			}
			out[k.AsString()] = converted
		}
		return out, nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		out := make([]any, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			converted, err := ctyToGo(ev)
			if err != nil {
				return nil, err
			}
			out = append(out, converted)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported argument type %s", ty.FriendlyName())
}

// ctyNumber returns an int64 for integral values, float64 otherwise
func ctyNumber(f *big.Float) any {
	if f.IsInt() {
		if i, acc := f.Int64(); acc == big.Exact {
			return i
		}
	}
	v, _ := f.Float64()
	return v
}
