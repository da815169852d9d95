package graph

import (
	"context"
	"log/slog"

	"github.com/araddon/dateparse"
	"go.opentelemetry.io/otel/codes"

	"github.com/brunobiangulo/docgraph/apperr"
	"github.com/brunobiangulo/docgraph/store"
)

// InferTemporalBounds sets valid_from and valid_until on every co_located
// edge with exactly one date endpoint and no bounds yet. Both bounds get
// the date node's value as YYYY-MM-DD when it parses, or its normalized
// text otherwise. Edges that already carry bounds are skipped, so repeated
// runs are no-ops. Databases below the temporal schema version yield 0.
func (b *Builder) InferTemporalBounds(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "graph.InferTemporalBounds")
	defer span.End()

	if b.store.Version() < store.TemporalSchemaVersion {
		slog.Info("graph: temporal inference skipped, schema has no validity columns",
			"version", b.store.Version())
		return 0, nil
	}

	candidates, err := b.store.TemporalCandidates(ctx, RelCoLocated, EntityDate)
	if err != nil {
		err = apperr.Store(err, "loading temporal candidates")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	updated := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		date := NormalizeDate(c.DateValue)
		ok, err := b.store.SetEdgeBounds(ctx, c.EdgeID, date, date)
		if err != nil {
			err = apperr.Store(err, "setting edge bounds")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return updated, err
		}
		if ok {
			updated++
		}
	}
	slog.Info("graph: temporal bounds inferred", "candidates", len(candidates), "updated", updated)
	return updated, nil
}

// NormalizeDate renders value as YYYY-MM-DD when dateparse understands it,
// and returns it unchanged otherwise.
func NormalizeDate(value string) string {
	t, err := dateparse.ParseAny(value)
	if err != nil {
		return value
	}
	return t.Format("2006-01-02")
}
