package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "tasklist/api"
	tasksEventDomain   = "tasklist.tasks"
	tasksEventName     = "tasks.request"
	observabilityEvent = "observability.event"
	attrPrefix         = "tasklist.tasks."
)

// requestMetrics records one task request as a span plus a structured log
// entry carrying the same attributes.
type requestMetrics struct {
	logger        *log.Logger
	span          trace.Span
	route         string
	operation     string
	start         time.Time
	taskID        int
	tasksReturned int
	errorStage    string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, route, operation string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "tasks."+operation, trace.WithSpanKind(trace.SpanKindServer))
	return &requestMetrics{
		logger:        logger,
		span:          span,
		route:         route,
		operation:     operation,
		start:         time.Now(),
		tasksReturned: -1,
	}, ctx
}

func (m *requestMetrics) SetTaskID(id int) {
	m.taskID = id
}

func (m *requestMetrics) SetTasksReturned(count int) {
	if count < 0 {
		count = 0
	}
	m.tasksReturned = count
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log ends the span and writes the observability event.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	severityText, severityNumber := severityForStatus(status, err)

	total := durationToMillis(time.Since(m.start))

	attrs := map[string]any{
		"http.route":             m.route,
		"http.status_code":       status,
		attrPrefix + "operation": m.operation,
		attrPrefix + "total_ms":  total,
	}
	spanAttrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		attribute.String(attrPrefix+"operation", m.operation),
		attribute.Float64(attrPrefix+"total_ms", total),
	}
	if m.taskID > 0 {
		attrs[attrPrefix+"task_id"] = m.taskID
		spanAttrs = append(spanAttrs, attribute.Int(attrPrefix+"task_id", m.taskID))
	}
	if m.tasksReturned >= 0 {
		attrs[attrPrefix+"tasks_returned"] = m.tasksReturned
		spanAttrs = append(spanAttrs, attribute.Int(attrPrefix+"tasks_returned", m.tasksReturned))
	}
	if m.errorStage != "" {
		attrs[attrPrefix+"error_stage"] = m.errorStage
		spanAttrs = append(spanAttrs, attribute.String(attrPrefix+"error_stage", m.errorStage))
	}
	if err != nil {
		attrs["error.message"] = err.Error()
		spanAttrs = append(spanAttrs, attribute.String("error.message", err.Error()))
	}

	if m.span != nil {
		m.span.SetAttributes(spanAttrs...)
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", tasksEventName),
			attribute.String("event.domain", tasksEventDomain),
			attribute.String("severity_text", severityText),
		}, spanAttrs...)
		m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
		switch {
		case err != nil:
			m.span.SetStatus(codes.Error, err.Error())
		case status >= http.StatusInternalServerError:
			m.span.SetStatus(codes.Error, http.StatusText(status))
		case status < http.StatusBadRequest:
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      tasksEventName,
		"event.domain":    tasksEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"attributes":      attrs,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error(observabilityEvent)
	case "WARN":
		entry.Warn(observabilityEvent)
	default:
		entry.Info(observabilityEvent)
	}
}

// severityForStatus maps a response to OpenTelemetry log severity.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
