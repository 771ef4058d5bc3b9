package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mmate-listeners/listener"
)

// Connectivity reports whether the broker connection is up
type Connectivity interface {
	IsConnected() bool
}

// QueueProber reports which of the named queues do not exist
type QueueProber interface {
	MissingQueues(ctx context.Context, names ...string) ([]string, error)
}

// ConnectionChecker checks the broker connection
type ConnectionChecker struct {
	conn Connectivity
}

// NewConnectionChecker creates a new connection health checker
func NewConnectionChecker(conn Connectivity) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	connected := c.conn.IsConnected()
	result.Details["connection_open"] = connected
	if connected {
		result.Status = StatusHealthy
		result.Message = "connection is healthy"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "connection is closed"
	}

	result.Duration = time.Since(start)
	return result
}

// QueueChecker checks that the queues listeners consume from exist
type QueueChecker struct {
	queues []string
	prober QueueProber
}

// NewQueueChecker creates a new queue health checker
func NewQueueChecker(prober QueueProber, queues ...string) *QueueChecker {
	return &QueueChecker{queues: queues, prober: prober}
}

func (c *QueueChecker) Name() string {
	return "queues"
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"queues": len(c.queues)},
	}

	missing, err := c.prober.MissingQueues(ctx, c.queues...)
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Message = "failed to inspect queues"
		result.Error = err.Error()
	case len(missing) > 0:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%d queue(s) missing", len(missing))
		result.Details["missing"] = missing
	default:
		result.Status = StatusHealthy
		result.Message = "all queues exist"
	}

	result.Duration = time.Since(start)
	return result
}

// ListenerChecker checks the containers of a listener registry. A started
// container that is no longer running makes the check unhealthy; a stopped
// one makes it degraded.
type ListenerChecker struct {
	registry *listener.Registry
}

// NewListenerChecker creates a new listener registry health checker
func NewListenerChecker(registry *listener.Registry) *ListenerChecker {
	return &ListenerChecker{registry: registry}
}

func (c *ListenerChecker) Name() string {
	return "listeners"
}

func (c *ListenerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: start,
		Details:   make(map[string]any),
	}

	var running, stopped, failed []string
	for _, id := range c.registry.IDs() {
		state, err := c.registry.State(id)
		if err != nil {
			continue
		}
		container, err := c.registry.Lookup(id)
		if err != nil {
			continue
		}

		switch {
		case state == listener.StateStarted && container.IsRunning():
			running = append(running, id)
		case state == listener.StateStarted:
			failed = append(failed, id)
		case state == listener.StateStopped:
			stopped = append(stopped, id)
		}
	}

	result.Details["running"] = len(running)
	switch {
	case len(failed) > 0:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("%d listener container(s) stopped unexpectedly", len(failed))
		result.Details["failed"] = failed
	case len(stopped) > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d listener container(s) stopped", len(stopped))
		result.Details["stopped"] = stopped
	default:
		result.Message = fmt.Sprintf("%d listener container(s) running", len(running))
	}

	result.Duration = time.Since(start)
	return result
}
