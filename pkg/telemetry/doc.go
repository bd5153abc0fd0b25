// Package telemetry provides logging, tracing, metrics and the event side
// channel for builds and deployments.
//
// Engine components publish engine.Event values through an
// EventPublisher. The publisher delivers them in order from a single
// goroutine to its subscribers:
//
//   - LogSubscriber writes them to the zerolog logger;
//   - Metrics.Record feeds the Prometheus collectors;
//   - RedisSink appends them to a Redis stream.
//
// Publishing never blocks a build. When the buffer is full the event is
// dropped and counted.
//
// Typical setup:
//
//	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	go tel.Metrics.Serve(ctx, tel.Logger)
//
//	ctx, span := tel.Tracer.StartBuildSpan(ctx, root, ops)
//	report := scheduler.Run(ctx, projects, ops, parallel)
//	telemetry.EndBuildSpan(span, report)
package telemetry
