package instances

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metrics instruments for VM store operations.
type Metrics struct {
	creates           metric.Int64Counter
	deletes           metric.Int64Counter
	stateTransitions  metric.Int64Counter
	secretDerivations metric.Int64Counter
}

// NewMetrics creates and registers all VM store metrics.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	creates, err := meter.Int64Counter(
		"substrate_vms_created_total",
		metric.WithDescription("Total number of VMs created"),
	)
	if err != nil {
		return nil, err
	}
	deletes, err := meter.Int64Counter(
		"substrate_vms_deleted_total",
		metric.WithDescription("Total number of VMs deleted"),
	)
	if err != nil {
		return nil, err
	}
	stateTransitions, err := meter.Int64Counter(
		"substrate_vms_state_transitions_total",
		metric.WithDescription("Total number of VM state transitions"),
	)
	if err != nil {
		return nil, err
	}
	secretDerivations, err := meter.Int64Counter(
		"substrate_vms_secret_derivations_total",
		metric.WithDescription("Total number of instance secret derivations"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{
		creates:           creates,
		deletes:           deletes,
		stateTransitions:  stateTransitions,
		secretDerivations: secretDerivations,
	}, nil
}

func contextAttrs(octx OwningContext) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("storage_class", string(octx.Class)),
		attribute.String("package", octx.Package),
	)
}

func (mx *Metrics) recordCreate(ctx context.Context, octx OwningContext) {
	if mx == nil {
		return
	}
	mx.creates.Add(ctx, 1, contextAttrs(octx))
}

func (mx *Metrics) recordDelete(ctx context.Context, octx OwningContext) {
	if mx == nil {
		return
	}
	mx.deletes.Add(ctx, 1, contextAttrs(octx))
}

func (mx *Metrics) recordTransition(ctx context.Context, octx OwningContext, from, to State) {
	if mx == nil {
		return
	}
	mx.stateTransitions.Add(ctx, 1, contextAttrs(octx),
		metric.WithAttributes(
			attribute.String("from", string(from)),
			attribute.String("to", string(to)),
		))
}

func (mx *Metrics) recordSecretDerivation(ctx context.Context, octx OwningContext) {
	if mx == nil {
		return
	}
	mx.secretDerivations.Add(ctx, 1, contextAttrs(octx))
}
