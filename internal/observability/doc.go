// Package observability provides metrics and distributed tracing for the
// assistant's tool-dispatch and LLM-call paths.
//
// # Metrics
//
// Metrics are implemented using the Prometheus client libraries and track
// LLM request latency/token usage, tool execution performance, and error
// rates by component.
//
//	metrics := observability.NewMetrics()
//
//	start := time.Now()
//	// ... make LLM request ...
//	metrics.RecordLLMRequest("anthropic", "claude-sonnet-4-5", "success",
//	    time.Since(start).Seconds(), promptTokens, completionTokens)
//
//	start = time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("exec", "success", time.Since(start).Seconds())
//
// # Tracing
//
// Distributed tracing uses OpenTelemetry to track a turn's LLM calls and
// tool executions as spans under a common trace.
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "assistant",
//	    Endpoint:    os.Getenv("OTEL_ENDPOINT"),
//	})
//	defer shutdown(context.Background())
//
//	ctx, span := tracer.TraceToolExecution(ctx, "exec")
//	defer span.End()
//	if err != nil {
//	    tracer.RecordError(span, err)
//	}
package observability
