package observer

import (
	"context"
	"time"

	mirage "github.com/ardelia/mirage"

	"go.opentelemetry.io/otel/attribute"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// RecordRun records metrics and a structured log for one completed agent
// run. Callers invoke it after Loop.Run returns; the run's inner spans
// (provider calls, tool executions) are already children of the run span
// via context propagation.
func (inst *Instruments) RecordRun(ctx context.Context, res mirage.RunResult, err error, duration time.Duration) {
	status := "ok"
	switch {
	case ctx.Err() != nil && err != nil:
		status = "cancelled"
	case err != nil:
		status = "error"
	}

	inst.RunExecutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	inst.RunDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(
		attribute.String("status", status),
	))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("agent run completed"))
	rec.AddAttributes(
		otellog.String("session.id", res.SessionID),
		otellog.String("run.id", res.RunID),
		otellog.String("run.status", status),
		otellog.String("run.stop_reason", string(res.StopReason)),
		otellog.Int("run.turns", res.Turns),
		otellog.Int("llm.tokens.input", res.Usage.InputTokens),
		otellog.Int("llm.tokens.output", res.Usage.OutputTokens),
		otellog.Float64("run.duration_ms", float64(duration.Milliseconds())),
	)
	inst.Logger.Emit(ctx, rec)
}

// RecordApproval counts one approval decision for dashboards. The full
// audit record lives in the ApprovalLog store.
func (inst *Instruments) RecordApproval(ctx context.Context, rec mirage.ApprovalRecord) {
	decision := "denied"
	if rec.Approved {
		decision = "approved"
	}
	inst.ApprovalDecisions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(rec.ToolName),
		attribute.String("decision", decision),
		attribute.String("risk", rec.Risk.String()),
	))
}
