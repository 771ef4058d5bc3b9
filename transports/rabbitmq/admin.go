package rabbitmq

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-listeners/internal/rabbitmq"
	"github.com/glimte/mmate-listeners/listener"
)

// Admin declares queues for listener endpoints and applies broker topology
type Admin struct {
	topology *rabbitmq.TopologyManager
}

// NewAdmin creates an admin over a topology manager
func NewAdmin(topology *rabbitmq.TopologyManager) *Admin {
	return &Admin{topology: topology}
}

// DeclareQueue declares q and returns its name, which the broker generates
// when q.Name is empty
func (a *Admin) DeclareQueue(ctx context.Context, q *listener.Queue) (string, error) {
	if q == nil {
		return "", fmt.Errorf("%w: queue is nil", listener.ErrInvalidArgument)
	}
	declared, err := a.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:       q.Name,
		Durable:    q.Durable,
		AutoDelete: q.AutoDelete,
		Exclusive:  q.Exclusive,
		Arguments:  q.Arguments,
	})
	if err != nil {
		return "", err
	}
	return declared.Name, nil
}

// DeclareTopology declares exchanges, queues and bindings in one pass
func (a *Admin) DeclareTopology(ctx context.Context, topology rabbitmq.Topology) error {
	return a.topology.DeclareTopology(ctx, topology)
}

// MissingQueues returns the names among names that do not exist on the broker
func (a *Admin) MissingQueues(ctx context.Context, names ...string) ([]string, error) {
	return a.topology.MissingQueues(ctx, names...)
}

var _ listener.Admin = (*Admin)(nil)
