// Package interceptors wraps listener invocations with cross-cutting
// behavior.
//
// An Interceptor sees each delivery before the endpoint's listener does and
// decides whether and how to call it. Interceptors run in the order they
// were added, the listener last:
//
//	chain := interceptors.NewInterceptorChain(logger).
//		Add(interceptors.NewRecoveryInterceptor(logger)).
//		Add(interceptors.NewFilteringInterceptor(
//			interceptors.NewContentTypeFilter("application/json"),
//			interceptors.SkipWithError, logger)).
//		Add(interceptors.NewTimeoutInterceptor(5 * time.Second))
//
//	wrapped := chain.Wrap(l)
//
// Container factories apply a chain to every listener they build
// containers for; see rabbitmq.WithInterceptors.
package interceptors
