package main

import (
	"context"
	"log/slog"
	"sort"

	"github.com/glimte/mmate-listeners/bootstrap"
	"github.com/glimte/mmate-listeners/config"
	"github.com/glimte/mmate-listeners/listener"
)

// listenerRow is one bound listener as printed by validate
type listenerRow struct {
	ID        string
	Factory   string
	Queues    []string
	Exclusive bool
}

// dryRunContainer records what a real container would have consumed
type dryRunContainer struct {
	row listenerRow
}

func (c *dryRunContainer) Start(context.Context) error { return nil }
func (c *dryRunContainer) Stop(context.Context) error  { return nil }
func (c *dryRunContainer) IsRunning() bool             { return false }

func dryRunFactory(name string) listener.ContainerFactory {
	return listener.ContainerFactoryFunc(func(endpoint listener.Endpoint) (listener.Container, error) {
		row := listenerRow{ID: endpoint.ID(), Factory: name, Exclusive: endpoint.Exclusive()}
		for _, q := range endpoint.Queues() {
			row.Queues = append(row.Queues, q.String())
		}
		return &dryRunContainer{row: row}, nil
	})
}

// dryRun binds every listener in cfg without a broker. Factory, queue and
// handler names are resolved exactly as the run command resolves them.
func dryRun(cfg *config.Config, logger *slog.Logger) ([]listenerRow, error) {
	processor := bootstrap.NewProcessor(bootstrap.WithLogger(logger))
	catalog := processor.Catalog()

	if err := registerBuiltins(catalog, logger); err != nil {
		return nil, err
	}
	if err := catalog.RegisterFactory(bootstrap.DefaultContainerFactoryName, dryRunFactory(bootstrap.DefaultContainerFactoryName)); err != nil {
		return nil, err
	}
	for _, f := range cfg.Factories {
		if _, err := f.FactoryOptions(); err != nil {
			return nil, err
		}
		if err := catalog.RegisterFactory(f.Name, dryRunFactory(f.Name)); err != nil {
			return nil, err
		}
	}
	for _, q := range cfg.Queues {
		if err := catalog.RegisterQueue(q.Name, q.Queue()); err != nil {
			return nil, err
		}
	}
	if cfg.DefaultFactory != "" {
		processor.Registrar().SetDefaultFactoryKey(cfg.DefaultFactory)
	}

	if err := processor.DeclareAll(cfg.Declarations()...); err != nil {
		return nil, err
	}
	if err := processor.Complete(); err != nil {
		return nil, err
	}

	var rows []listenerRow
	for _, c := range processor.Registry().ListAll() {
		if dc, ok := c.(*dryRunContainer); ok {
			rows = append(rows, dc.row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}
