package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/unibuild/unibuild/pkg/deploy"
	"github.com/unibuild/unibuild/pkg/engine"
)

// Tracer wraps the OpenTelemetry tracer.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer creates a tracer. A disabled configuration yields a no-op
// tracer.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion string) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer(serviceName)}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		// Spans are recorded but not exported.
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
	}, nil
}

func createOTLPExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	return otlptracegrpc.New(context.Background(), opts...)
}

// StartBuildSpan starts the span around a build run.
func (t *Tracer) StartBuildSpan(ctx context.Context, root string, operations []string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "build.run", trace.WithAttributes(
		AttrRoot.String(root),
		AttrOperations.StringSlice(operations),
	))
}

// EndBuildSpan records the report's counts on span and ends it.
func EndBuildSpan(span trace.Span, report *engine.BuildReport) {
	span.SetAttributes(
		AttrRunID.String(report.ID),
		AttrRunStatus.String(string(report.Status)),
		AttrProjectsTotal.Int(report.TotalProjects),
		AttrProjectsFailed.Int(report.Failed),
		AttrSuccessRate.Float64(report.SuccessRate),
	)
	for _, p := range report.Projects {
		span.AddEvent("project", trace.WithAttributes(
			AttrProjectID.String(p.Project.ID),
			AttrLanguage.String(string(p.Project.Language)),
			AttrProjectStatus.String(string(p.Status)),
		))
	}
	if report.HasFailures() {
		span.SetStatus(codes.Error, fmt.Sprintf("%d projects failed", report.Failed))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// StartDeploymentSpan starts the span around a deployment.
func (t *Tracer) StartDeploymentSpan(ctx context.Context, plan deploy.Plan) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "deploy.run", trace.WithAttributes(
		AttrDeploymentID.String(plan.ID),
		AttrEnvironment.String(plan.Environment.Name),
		AttrStrategy.String(string(plan.Strategy)),
		AttrService.String(plan.Service),
	))
}

// EndDeploymentSpan records the final phase on span and ends it.
func EndDeploymentSpan(span trace.Span, state *deploy.State, err error) {
	if state != nil {
		span.SetAttributes(
			AttrPhase.String(string(state.Phase)),
			AttrRolledBack.Bool(state.RolledBack),
		)
		for _, tr := range state.History {
			span.AddEvent(string(tr.To), trace.WithTimestamp(tr.At), trace.WithAttributes(
				attribute.String("reason", tr.Reason),
			))
		}
	}
	RecordError(span, err)
	span.End()
}

// RecordError records an error on the span.
func RecordError(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// TraceID returns the trace ID of the current span in the context.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// Span attribute keys.
var (
	AttrRoot           = attribute.Key("build.root")
	AttrOperations     = attribute.Key("build.operations")
	AttrRunID          = attribute.Key("run.id")
	AttrRunStatus      = attribute.Key("run.status")
	AttrProjectsTotal  = attribute.Key("projects.total")
	AttrProjectsFailed = attribute.Key("projects.failed")
	AttrSuccessRate    = attribute.Key("projects.success_rate")

	AttrProjectID     = attribute.Key("project.id")
	AttrLanguage      = attribute.Key("project.language")
	AttrProjectStatus = attribute.Key("project.status")

	AttrDeploymentID = attribute.Key("deployment.id")
	AttrEnvironment  = attribute.Key("deployment.environment")
	AttrStrategy     = attribute.Key("deployment.strategy")
	AttrService      = attribute.Key("deployment.service")
	AttrPhase        = attribute.Key("deployment.phase")
	AttrRolledBack   = attribute.Key("deployment.rolled_back")
)
