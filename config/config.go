package config

// Config is a listener definition file
type Config struct {
	Connection     ConnectionConfig `yaml:"connection"`
	DefaultFactory string           `yaml:"default_factory"`
	Factories      []FactoryConfig  `yaml:"factories" validate:"dive"`
	Exchanges      []ExchangeConfig `yaml:"exchanges" validate:"dive"`
	Queues         []QueueConfig    `yaml:"queues" validate:"dive"`
	Bindings       []BindingConfig  `yaml:"bindings" validate:"dive"`
	Listeners      []ListenerConfig `yaml:"listeners" validate:"required,min=1,dive"`

	// Source is the file the configuration was loaded from
	Source string `yaml:"-"`
}

// ConnectionConfig configures the broker connection
type ConnectionConfig struct {
	URL            string `yaml:"url" validate:"required,url"`
	ReconnectDelay string `yaml:"reconnect_delay" validate:"omitempty,duration"`
	ConnectTimeout string `yaml:"connect_timeout" validate:"omitempty,duration"`
	MaxRetries     *int   `yaml:"max_retries" validate:"omitempty,min=-1"`
	PoolSize       int    `yaml:"pool_size" validate:"omitempty,min=1"`
	ConfirmTimeout string `yaml:"confirm_timeout" validate:"omitempty,duration"`
}

// FactoryConfig configures a named container factory
type FactoryConfig struct {
	Name               string           `yaml:"name" validate:"required"`
	Concurrency        int              `yaml:"concurrency" validate:"omitempty,min=1"`
	Prefetch           int              `yaml:"prefetch" validate:"omitempty,min=1"`
	AckMode            string           `yaml:"ack_mode" validate:"omitempty,oneof=auto manual none"`
	RequeueRejected    *bool            `yaml:"requeue_rejected"`
	ConsumerTagPrefix  string           `yaml:"consumer_tag_prefix"`
	HandlerTimeout     string           `yaml:"handler_timeout" validate:"omitempty,duration"`
	ShutdownTimeout    string           `yaml:"shutdown_timeout" validate:"omitempty,duration"`
	MissingQueuesFatal *bool            `yaml:"missing_queues_fatal"`
	LogDeliveries      bool             `yaml:"log_deliveries"`
	AcceptContentTypes []string         `yaml:"accept_content_types" validate:"dive,required"`
	RateLimit          *RateLimitConfig `yaml:"rate_limit"`
	CircuitBreaker     *BreakerConfig   `yaml:"circuit_breaker"`
	Retry              *RetryConfig     `yaml:"retry"`
}

// RateLimitConfig paces deliveries across every container of a factory
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second" validate:"gt=0"`
	Burst     int     `yaml:"burst" validate:"omitempty,min=1"`
}

// BreakerConfig configures the per-container circuit breaker
type BreakerConfig struct {
	FailureThreshold int    `yaml:"failure_threshold" validate:"min=1"`
	Timeout          string `yaml:"timeout" validate:"omitempty,duration"`
	HalfOpenRequests int    `yaml:"half_open_requests" validate:"omitempty,min=1"`
}

// RetryConfig configures exponential redelivery of failed messages
type RetryConfig struct {
	MaxAttempts  int     `yaml:"max_attempts" validate:"min=1"`
	InitialDelay string  `yaml:"initial_delay" validate:"omitempty,duration"`
	MaxDelay     string  `yaml:"max_delay" validate:"omitempty,duration"`
	Multiplier   float64 `yaml:"multiplier" validate:"omitempty,gte=1"`
}

// ExchangeConfig declares an exchange
type ExchangeConfig struct {
	Name       string         `yaml:"name" validate:"required"`
	Type       string         `yaml:"type" validate:"omitempty,oneof=direct fanout topic headers"`
	Durable    *bool          `yaml:"durable"`
	AutoDelete bool           `yaml:"auto_delete"`
	Arguments  map[string]any `yaml:"arguments"`
}

// QueueConfig declares a queue listeners can reference by Name. QueueName
// overrides the broker-side name; Anonymous asks the broker to generate one.
type QueueConfig struct {
	Name       string         `yaml:"name" validate:"required"`
	QueueName  string         `yaml:"queue_name" validate:"excluded_with=Anonymous"`
	Anonymous  bool           `yaml:"anonymous"`
	Durable    *bool          `yaml:"durable"`
	AutoDelete bool           `yaml:"auto_delete"`
	Exclusive  bool           `yaml:"exclusive"`
	Arguments  map[string]any `yaml:"arguments"`
}

// BindingConfig binds a queue to an exchange
type BindingConfig struct {
	Exchange   string `yaml:"exchange" validate:"required"`
	Queue      string `yaml:"queue" validate:"required"`
	RoutingKey string `yaml:"routing_key"`
}

// ListenerConfig declares one listener endpoint
type ListenerConfig struct {
	ID                 string   `yaml:"id"`
	Factory            string   `yaml:"factory"`
	Queues             []string `yaml:"queues" validate:"required_without=QueueRefs,dive,required"`
	QueueRefs          []string `yaml:"queue_refs" validate:"dive,required"`
	Exclusive          bool     `yaml:"exclusive"`
	Priority           *int     `yaml:"priority" validate:"omitempty,min=0"`
	ResponseRoutingKey string   `yaml:"response_routing_key"`
	Admin              string   `yaml:"admin"`
	Handler            string   `yaml:"handler" validate:"required"`
}

func (c QueueConfig) brokerName() string {
	switch {
	case c.Anonymous:
		return ""
	case c.QueueName != "":
		return c.QueueName
	}
	return c.Name
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
