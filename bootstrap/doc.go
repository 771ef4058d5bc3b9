// Package bootstrap turns listener declarations into registered endpoints.
//
// A Declaration names its queues, admin, container factory and handler; the
// Catalog resolves those names. Processor.Declare registers one endpoint per
// declaration and Processor.Complete commits them all to the registry, using
// the factory registered as DefaultContainerFactoryName for declarations
// that name none.
package bootstrap
