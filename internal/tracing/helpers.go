package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Instrumentation scope names.
const (
	TracerName   = "custodyledger"
	DBTracerName = "custodyledger/db"
)

// Span attributes for ledger operations.
const (
	AttrUnitID    = attribute.Key("ledger.unit_id")
	AttrEventKind = attribute.Key("ledger.event_kind")
	AttrActorID   = attribute.Key("ledger.actor_id")
	AttrVerdict   = attribute.Key("ledger.pos_verdict")
)

// DBOperation is the SQL verb recorded as db.operation.
type DBOperation string

const (
	DBOperationQuery  DBOperation = "SELECT"
	DBOperationInsert DBOperation = "INSERT"
	DBOperationUpdate DBOperation = "UPDATE"
	DBOperationExec   DBOperation = "EXEC"
)

// EndFunc finishes a span, marking it failed when err is non-nil.
type EndFunc func(err error)

// StartDBSpan opens a client span named "<VERB> <table>".
//
//	ctx, endSpan := tracing.StartDBSpan(ctx, "trace_events", tracing.DBOperationInsert)
//	defer func() { endSpan(err) }()
func StartDBSpan(ctx context.Context, table string, op DBOperation) (context.Context, EndFunc) {
	attrs := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", string(op)),
	}
	name := string(op)
	if table != "" {
		name += " " + table
		attrs = append(attrs, attribute.String("db.sql.table", table))
	}
	ctx, span := otel.Tracer(DBTracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	return ctx, ender(span)
}

// StartUnitSpan opens an internal span for an operation on one tracked unit.
func StartUnitSpan(ctx context.Context, name, unitID string, attrs ...attribute.KeyValue) (context.Context, EndFunc) {
	attrs = append([]attribute.KeyValue{AttrUnitID.String(unitID)}, attrs...)
	ctx, span := otel.Tracer(TracerName).Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, ender(span)
}

func ender(span trace.Span) EndFunc {
	return func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// SetAttributes annotates the span carried by ctx, if any.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
