// Package config loads listener definition files.
//
// YAML (.yaml, .yml) and HCL (.hcl) are supported. A file names the broker
// connection, container factories, exchanges, queues, bindings and the
// listeners themselves; listeners refer to handlers, factories and queues by
// name. Loaded files are validated before use:
//
//	cfg, err := config.LoadFile("listeners.yaml")
//	if err != nil {
//		return err
//	}
//	err = processor.DeclareAll(cfg.Declarations()...)
package config
