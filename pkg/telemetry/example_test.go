package telemetry_test

import (
	"context"
	"fmt"

	"github.com/cosmicstack/cosmic/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.NodeID = "node-1"
	cfg.Metrics.Enabled = false

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	logger := telemetry.FromContext(ctx)
	logger.WithJobID("job-1").Info("job created")

	// Output varies, no output specified
}

// Example_eventPublishing demonstrates subscribing to join resolution events.
func Example_eventPublishing() {
	events, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})

	events.Subscribe(func(e telemetry.Event) {
		fmt.Printf("%s: %s\n", e.Type, e.JoinJobID)
	}, telemetry.FilterByType(telemetry.EventTypeJoinResolved))

	_ = events.PublishJobCreated("job-1", "node-1")
	_ = events.PublishJoinResolved("job-1", "succeeded", "node-1", 2)

	// Output: join.resolved: job-1
}

// Example_operation demonstrates a traced operation.
func Example_operation() {
	tel := telemetry.Nop()
	ctx := tel.WithContext(context.Background())

	op := telemetry.StartOperation(ctx, "job.complete", telemetry.AttrJobID.String("job-1"))
	op.Logger.Debug("completing job")
	op.End(nil)

	fmt.Println("done")
	// Output: done
}
