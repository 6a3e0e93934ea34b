package orchestrator

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/tsunagi/internal/telemetry"
)

const scope = "tsunagi/orchestrator"

type instruments struct {
	turns     metric.Int64Counter
	transfers metric.Int64Counter
	tokens    metric.Int64Counter
	duration  metric.Float64Histogram
	tracer    trace.Tracer
}

func newInstruments() instruments {
	meter := telemetry.Meter(scope)
	turns, _ := meter.Int64Counter("tsunagi.turns",
		metric.WithDescription("Completed conversation turns"),
	)
	transfers, _ := meter.Int64Counter("tsunagi.transfers",
		metric.WithDescription("Agent hand-offs, by from and to agent"),
	)
	tokens, _ := meter.Int64Counter("tsunagi.tokens",
		metric.WithDescription("Model tokens consumed, by kind"),
	)
	duration, _ := meter.Float64Histogram("tsunagi.turn.duration",
		metric.WithDescription("Wall time of a conversation turn (ms)"),
		metric.WithUnit("ms"),
	)
	return instruments{
		turns:     turns,
		transfers: transfers,
		tokens:    tokens,
		duration:  duration,
		tracer:    telemetry.Tracer(scope),
	}
}
