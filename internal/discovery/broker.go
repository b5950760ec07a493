package discovery

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync/atomic"
	"time"

	brokererrors "github.com/kubeadapt/gpu-broker/internal/errors"
	"github.com/kubeadapt/gpu-broker/internal/inventory"
	"github.com/kubeadapt/gpu-broker/internal/normalize"
	"github.com/kubeadapt/gpu-broker/internal/observability"
	"github.com/kubeadapt/gpu-broker/internal/transport"
	"github.com/kubeadapt/gpu-broker/pkg/model"
)

const component = "discovery"

// Broker discovers GPU inventory from a structured source and a table
// source and reconciles the two views.
type Broker struct {
	structured inventory.StructuredSource
	table      inventory.TableSource
	retrier    *transport.Retrier
	metrics    *observability.Metrics
	errors     *brokererrors.ErrorCollector

	degraded atomic.Bool
}

// NewBroker creates a Broker. structured may be nil, in which case every
// call runs in degraded mode. Both sources are called through retrier; a nil
// retrier uses the default policy without a per-attempt timeout. metrics and
// errs may be nil.
func NewBroker(structured inventory.StructuredSource, table inventory.TableSource,
	retrier *transport.Retrier, metrics *observability.Metrics, errs *brokererrors.ErrorCollector) *Broker {
	if retrier == nil {
		retrier = transport.NewRetrier(transport.DefaultRetryPolicy(), 0, metrics)
	}
	return &Broker{
		structured: structured,
		table:      table,
		retrier:    retrier,
		metrics:    metrics,
		errors:     errs,
	}
}

// Degraded reports whether the last Discover call had to fall back to the
// table source alone.
func (b *Broker) Degraded() bool {
	return b.degraded.Load()
}

// Discover returns the reconciled, filtered and sorted resources for f.
// It fails only when neither source produced data.
func (b *Broker) Discover(ctx context.Context, f Filter) ([]model.Resource, error) {
	q := inventory.Query{GPUType: f.GPUType, GPUCount: f.GPUCount, Regions: f.Regions}

	structured, structErr := b.fetchStructured(ctx, q)
	table, tableErr := b.fetchTable(ctx, q)

	var merged []model.Resource
	switch {
	case len(structured) > 0 && tableErr == nil && len(table) > 0:
		b.setDegraded(false, nil)
		merged = Merge(structured, table)

	case len(structured) > 0:
		// Table source failed or came back empty; structured identifiers are
		// the only ones available.
		b.setDegraded(false, nil)
		if tableErr != nil {
			slog.Warn("discovery: table source failed, using structured identifiers", "error", tableErr)
		}
		merged = structured

	case tableErr == nil:
		b.setDegraded(true, structErr)
		merged = table

	default:
		b.setDegraded(true, structErr)
		err := brokererrors.Wrap(brokererrors.ErrDiscoveryFailed, component,
			stderrors.Join(structErr, tableErr), "no inventory source produced data")
		b.report(*err)
		return nil, err
	}

	out := f.Apply(merged)
	if b.metrics != nil {
		b.metrics.DiscoveryResources.Set(float64(len(out)))
	}
	return out, nil
}

// Compare returns the cheapest matching offer for each requested type.
// Types without any offer are absent from the result.
func (b *Broker) Compare(ctx context.Context, types []model.GPUType, f Filter) (map[model.GPUType]model.Resource, error) {
	f.GPUType = ""
	f.SortBy = SortByCost
	f.Descending = false
	f.Limit = 0

	all, err := b.Discover(ctx, f)
	if err != nil {
		return nil, err
	}

	wanted := make(map[model.GPUType]bool, len(types))
	for _, t := range types {
		wanted[t] = true
	}

	out := make(map[model.GPUType]model.Resource)
	for _, r := range all {
		if _, seen := out[r.GPUType]; seen || !wanted[r.GPUType] {
			continue
		}
		out[r.GPUType] = r
	}
	return out, nil
}

func (b *Broker) fetchStructured(ctx context.Context, q inventory.Query) ([]model.Resource, error) {
	if b.structured == nil {
		return nil, nil
	}
	start := time.Now()
	var payload model.AvailabilityPayload
	err := b.retrier.Do(ctx, "availability_api", func(ctx context.Context) error {
		var err error
		payload, err = b.structured.Availability(ctx, q)
		return err
	})
	b.observe("structured", start)
	if err != nil {
		slog.Warn("discovery: structured source failed", "error", err)
		return nil, err
	}
	return normalize.FromPayload(payload), nil
}

func (b *Broker) fetchTable(ctx context.Context, q inventory.Query) ([]model.Resource, error) {
	start := time.Now()
	var text string
	err := b.retrier.Do(ctx, "availability_table", func(ctx context.Context) error {
		var err error
		text, err = b.table.AvailabilityTable(ctx, q)
		return err
	})
	b.observe("table", start)
	if err != nil {
		return nil, err
	}
	return normalize.ParseAvailabilityTable(text), nil
}

func (b *Broker) setDegraded(degraded bool, cause error) {
	b.degraded.Store(degraded)
	if b.metrics != nil {
		v := 0.0
		if degraded {
			v = 1
		}
		b.metrics.DiscoveryDegraded.Set(v)
	}

	if !degraded {
		if b.errors != nil {
			b.errors.Resolve(brokererrors.ErrDegraded, component)
		}
		return
	}

	slog.Warn("discovery: degraded mode, using table source only", "cause", cause)
	e := brokererrors.Wrap(brokererrors.ErrDegraded, component, cause,
		"structured inventory unavailable, identifiers and prices come from the table source")
	b.report(*e)
}

func (b *Broker) report(e brokererrors.BrokerError) {
	if b.errors != nil {
		b.errors.Report(e)
	}
}

func (b *Broker) observe(source string, start time.Time) {
	if b.metrics != nil {
		b.metrics.DiscoveryDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
	}
}
