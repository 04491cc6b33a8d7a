package launcher

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "podlauncher/internal/launcher"

type instruments struct {
	launches     metric.Int64Counter
	reapedUnits  metric.Int64Counter
	reapDuration metric.Float64Histogram
}

// newInstruments creates the launcher instruments on mp. Instruments that
// fail to register fall back to no-ops.
func newInstruments(mp metric.MeterProvider) *instruments {
	meter := mp.Meter(instrumentationName)

	launches, err := meter.Int64Counter("podlauncher_launches_total",
		metric.WithDescription("Launches by application and outcome"))
	if err != nil {
		otel.Handle(err)
	}
	reaped, err := meter.Int64Counter("podlauncher_reaped_units_total",
		metric.WithDescription("Distinct stale execution units removed by the reaper"))
	if err != nil {
		otel.Handle(err)
	}
	duration, err := meter.Float64Histogram("podlauncher_reap_duration_seconds",
		metric.WithDescription("Time spent clearing stale execution units"),
		metric.WithUnit("s"))
	if err != nil {
		otel.Handle(err)
	}

	return &instruments{launches: launches, reapedUnits: reaped, reapDuration: duration}
}

func (i *instruments) recordLaunch(ctx context.Context, application, outcome string) {
	if i == nil || i.launches == nil {
		return
	}
	i.launches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("application", application),
		attribute.String("outcome", outcome),
	))
}

func (i *instruments) recordReap(ctx context.Context, d time.Duration, units int) {
	if i == nil {
		return
	}
	if i.reapDuration != nil {
		i.reapDuration.Record(ctx, d.Seconds())
	}
	if i.reapedUnits != nil && units > 0 {
		i.reapedUnits.Add(ctx, int64(units))
	}
}
