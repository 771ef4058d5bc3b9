// Package listener binds message listener endpoints to running containers.
//
// Endpoints are collected by a Registrar during configuration. Commit then
// picks a ContainerFactory for every endpoint, in this order:
//   - the factory passed to Register
//   - the registrar default factory
//   - the registrar default factory key, resolved once per key through a
//     FactoryProvider
//
// and binds each endpoint to the Registry, which creates the container,
// enforces unique endpoint ids and drives start and stop for the whole group.
//
// Commit is fail fast: an unresolved factory aborts before any container is
// created, and a failed bind removes the containers created by the same
// commit. StartAll and StopAll attempt every container and report all
// failures together in a *LifecycleError.
package listener
