// Package telemetry provides observability for a cosmic node.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and an in-process event publisher.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	cfg.NodeID = "node-1"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	tel.Metrics.StartMetricsServer(nil)
//	ctx = tel.WithContext(ctx)
//
// # Events
//
// The job engine publishes job.created, job.completed, join.created,
// join.resolved, wakeup.dispatched and wakeup.failed. The wake scheduler
// subscribes to join.resolved so that a completion observed on this node is
// dispatched without waiting for the next polling interval.
//
// # Nil safety
//
// A nil *Metrics, *Tracer or *EventPublisher is valid and records nothing,
// so components can be built without telemetry in tests.
package telemetry
