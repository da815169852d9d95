package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Edge represents a row in the knowledge_edges table. ValidFrom and
// ValidUntil are nil until temporal inference (or an operator) sets them.
type Edge struct {
	ID               string    `json:"id"`
	SourceNodeID     string    `json:"source_node_id"`
	TargetNodeID     string    `json:"target_node_id"`
	RelationshipType string    `json:"relationship_type"`
	Weight           float64   `json:"weight"`
	EvidenceCount    int       `json:"evidence_count"`
	DocumentIDs      StringSet `json:"document_ids"`
	ValidFrom        *string   `json:"valid_from,omitempty"`
	ValidUntil       *string   `json:"valid_until,omitempty"`
	ProvenanceID     string    `json:"provenance_id,omitempty"`
	CreatedAt        string    `json:"created_at"`
	UpdatedAt        string    `json:"updated_at"`
}

// EdgeUpsert carries one observation of a (source, target, type) triple.
// Endpoint ordering is the caller's responsibility.
type EdgeUpsert struct {
	SourceNodeID     string
	TargetNodeID     string
	RelationshipType string

	// Weight is the base weight of the observation.
	Weight float64

	// EvidenceDelta is the number of supporting observations; at least 1.
	EvidenceDelta int

	// WeightBump is added per unit of evidence when the edge already exists.
	WeightBump float64

	DocumentIDs  []string
	ProvenanceID string

	// Evidence, when set, gives the units per document and takes the place
	// of EvidenceDelta; its documents join DocumentIDs.
	Evidence DocumentEvidence
}

// perDocument returns the observation's evidence split by document and its
// total (at least 1). Without Evidence, EvidenceDelta is spread over
// DocumentIDs in sorted order.
func (u EdgeUpsert) perDocument() (DocumentEvidence, StringSet, int) {
	if len(u.Evidence) > 0 {
		docs := NewStringSet(u.DocumentIDs...)
		for d := range u.Evidence {
			docs = docs.Union(d)
		}
		return u.Evidence, docs, max(1, u.Evidence.Total())
	}
	delta := max(1, u.EvidenceDelta)
	docs := NewStringSet(u.DocumentIDs...)
	per := make(DocumentEvidence, len(docs))
	for i, d := range docs {
		n := delta / len(docs)
		if i < delta%len(docs) {
			n++
		}
		if n > 0 {
			per[d] = n
		}
	}
	return per, docs, delta
}

// edgeColumns lists the selected columns. Schemas older than
// TemporalSchemaVersion yield NULL validity bounds.
func edgeColumns(version uint, alias string) string {
	p := ""
	if alias != "" {
		p = alias + "."
	}
	validity := "NULL, NULL"
	if version >= TemporalSchemaVersion {
		validity = p + "valid_from, " + p + "valid_until"
	}
	return p + "id, " + p + "source_node_id, " + p + "target_node_id, " + p + "relationship_type, " +
		p + "weight, " + p + "evidence_count, " + p + "document_ids, " + validity + ", " +
		p + "provenance_id, " + p + "created_at, " + p + "updated_at"
}

func scanEdge(r rowScanner) (Edge, error) {
	var e Edge
	var from, until, prov sql.NullString
	err := r.Scan(&e.ID, &e.SourceNodeID, &e.TargetNodeID, &e.RelationshipType, &e.Weight,
		&e.EvidenceCount, &e.DocumentIDs, &from, &until, &prov, &e.CreatedAt, &e.UpdatedAt)
	if from.Valid {
		e.ValidFrom = &from.String
	}
	if until.Valid {
		e.ValidUntil = &until.String
	}
	e.ProvenanceID = prov.String
	return e, err
}

func queryEdges(ctx context.Context, q querier, query string, args ...any) ([]Edge, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// --- Transactional writes ---

// UpsertEdge inserts the edge or strengthens the existing one with the same
// (source, target, type) key: evidence_count grows by EvidenceDelta, the
// documents are merged, and weight becomes
// min(1, max(old, Weight) + WeightBump*EvidenceDelta).
func (t *Tx) UpsertEdge(ctx context.Context, u EdgeUpsert) (bool, error) {
	perDoc, newDocs, delta := u.perDocument()
	tracked := t.version >= EvidenceSchemaVersion
	evidenceColumn := "'{}'"
	if tracked {
		evidenceColumn = "document_evidence"
	}

	var id string
	var weight float64
	var evidence int
	var docs StringSet
	var stored DocumentEvidence
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, weight, evidence_count, document_ids, `+evidenceColumn+` FROM knowledge_edges
		WHERE source_node_id = ? AND target_node_id = ? AND relationship_type = ?
	`, u.SourceNodeID, u.TargetNodeID, u.RelationshipType).Scan(&id, &weight, &evidence, &docs, &stored)

	ts := now()
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if tracked {
			_, err = t.tx.ExecContext(ctx, `
				INSERT INTO knowledge_edges (id, source_node_id, target_node_id, relationship_type,
					weight, evidence_count, document_ids, document_evidence, provenance_id, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, newID(), u.SourceNodeID, u.TargetNodeID, u.RelationshipType, clamp01(u.Weight),
				delta, newDocs, perDoc, nullString(u.ProvenanceID), ts, ts)
		} else {
			_, err = t.tx.ExecContext(ctx, `
				INSERT INTO knowledge_edges (id, source_node_id, target_node_id, relationship_type,
					weight, evidence_count, document_ids, provenance_id, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, newID(), u.SourceNodeID, u.TargetNodeID, u.RelationshipType, clamp01(u.Weight),
				delta, newDocs, nullString(u.ProvenanceID), ts, ts)
		}
		if err != nil {
			return false, fmt.Errorf("inserting %s edge: %w", u.RelationshipType, err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("looking up %s edge: %w", u.RelationshipType, err)
	}

	weight = clamp01(math.Max(weight, u.Weight) + u.WeightBump*float64(delta))
	if tracked {
		_, err = t.tx.ExecContext(ctx, `
			UPDATE knowledge_edges SET weight = ?, evidence_count = ?, document_ids = ?,
				document_evidence = ?, provenance_id = COALESCE(?, provenance_id), updated_at = ?
			WHERE id = ?
		`, weight, evidence+delta, docs.Union(newDocs...), stored.Merge(perDoc), nullString(u.ProvenanceID), ts, id)
	} else {
		_, err = t.tx.ExecContext(ctx, `
			UPDATE knowledge_edges SET weight = ?, evidence_count = ?, document_ids = ?,
				provenance_id = COALESCE(?, provenance_id), updated_at = ?
			WHERE id = ?
		`, weight, evidence+delta, docs.Union(newDocs...), nullString(u.ProvenanceID), ts, id)
	}
	if err != nil {
		return false, fmt.Errorf("updating edge %s: %w", id, err)
	}
	return false, nil
}

// removeEdgeDocument drops docID from every edge's document_ids and
// withdraws the evidence units recorded for it (one unit when none were
// recorded), never going below the remaining document count. Edges left
// with no documents are deleted.
func (t *Tx) removeEdgeDocument(ctx context.Context, docID string) (updated, deleted int, err error) {
	tracked := t.version >= EvidenceSchemaVersion
	evidenceColumn := "'{}'"
	if tracked {
		evidenceColumn = "document_evidence"
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, evidence_count, document_ids, `+evidenceColumn+` FROM knowledge_edges
		WHERE EXISTS (SELECT 1 FROM json_each(knowledge_edges.document_ids) d WHERE d.value = ?)
	`, docID)
	if err != nil {
		return 0, 0, fmt.Errorf("loading edges of document %s: %w", docID, err)
	}
	type affected struct {
		id       string
		evidence int
		docs     StringSet
		perDoc   DocumentEvidence
	}
	var edges []affected
	for rows.Next() {
		var a affected
		if err := rows.Scan(&a.id, &a.evidence, &a.docs, &a.perDoc); err != nil {
			rows.Close()
			return 0, 0, err
		}
		edges = append(edges, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	ts := now()
	for _, a := range edges {
		remaining := a.docs.Without(docID)
		if len(remaining) == 0 {
			if _, err := t.tx.ExecContext(ctx, "DELETE FROM knowledge_edges WHERE id = ?", a.id); err != nil {
				return updated, deleted, err
			}
			deleted++
			continue
		}
		withdrawn, ok := a.perDoc[docID]
		if !ok {
			withdrawn = 1
		}
		evidence := max(a.evidence-withdrawn, len(remaining))
		if tracked {
			delete(a.perDoc, docID)
			_, err = t.tx.ExecContext(ctx, `
				UPDATE knowledge_edges SET document_ids = ?, evidence_count = ?, document_evidence = ?,
					updated_at = ?
				WHERE id = ?
			`, remaining, evidence, a.perDoc, ts, a.id)
		} else {
			_, err = t.tx.ExecContext(ctx, `
				UPDATE knowledge_edges SET document_ids = ?, evidence_count = ?, updated_at = ? WHERE id = ?
			`, remaining, evidence, ts, a.id)
		}
		if err != nil {
			return updated, deleted, err
		}
		updated++
	}
	return updated, deleted, nil
}

// --- Reads ---

// GetEdge retrieves an edge by ID.
func (s *Store) GetEdge(ctx context.Context, id string) (Edge, bool, error) {
	e, err := scanEdge(s.db.QueryRowContext(ctx,
		"SELECT "+edgeColumns(s.version, "")+" FROM knowledge_edges WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return Edge{}, false, nil
	}
	if err != nil {
		return Edge{}, false, err
	}
	return e, true, nil
}

// EdgeFilter narrows ListEdges. Among keeps edges with both endpoints in the
// set; Touching keeps edges with at least one endpoint in it.
type EdgeFilter struct {
	Among        []string
	Touching     []string
	Types        []string
	ExcludeTypes []string
	// TemporalOnly keeps edges carrying at least one validity bound.
	TemporalOnly bool
	MinWeight    float64
}

// ListEdges returns the edges matching f ordered by ID. An empty filter
// returns every edge.
func (s *Store) ListEdges(ctx context.Context, f EdgeFilter) ([]Edge, error) {
	var where []string
	var args []any
	if f.Among != nil {
		if len(f.Among) == 0 {
			return nil, nil
		}
		set := NewStringSet(f.Among...)
		where = append(where, inList("source_node_id")+" AND "+inList("target_node_id"))
		args = append(args, set, set)
	}
	if f.Touching != nil {
		if len(f.Touching) == 0 {
			return nil, nil
		}
		set := NewStringSet(f.Touching...)
		where = append(where, "("+inList("source_node_id")+" OR "+inList("target_node_id")+")")
		args = append(args, set, set)
	}
	if len(f.Types) > 0 {
		where = append(where, inList("relationship_type"))
		args = append(args, NewStringSet(f.Types...))
	}
	if len(f.ExcludeTypes) > 0 {
		where = append(where, "NOT "+inList("relationship_type"))
		args = append(args, NewStringSet(f.ExcludeTypes...))
	}
	if f.TemporalOnly {
		if s.version < TemporalSchemaVersion {
			return nil, nil
		}
		where = append(where, "(valid_from IS NOT NULL OR valid_until IS NOT NULL)")
	}
	if f.MinWeight > 0 {
		where = append(where, "weight >= ?")
		args = append(args, f.MinWeight)
	}

	query := "SELECT " + edgeColumns(s.version, "") + " FROM knowledge_edges"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	return queryEdges(ctx, s.db, query, args...)
}

// ErrNoTemporalSchema is returned when validity bounds are written to a
// database migrated below TemporalSchemaVersion.
var ErrNoTemporalSchema = errors.New("store: schema has no edge validity columns")

// SetEdgeValidity sets or clears an edge's validity bounds. found is false
// when the edge does not exist.
func (s *Store) SetEdgeValidity(ctx context.Context, id string, from, until *string) (bool, error) {
	if s.version < TemporalSchemaVersion {
		return false, ErrNoTemporalSchema
	}
	r, err := s.db.ExecContext(ctx,
		"UPDATE knowledge_edges SET valid_from = ?, valid_until = ?, updated_at = ? WHERE id = ?",
		from, until, now(), id)
	if err != nil {
		return false, err
	}
	return rowsAffected(r) > 0, nil
}

// TemporalCandidate is a co_located edge with exactly one date endpoint and
// no validity bounds yet.
type TemporalCandidate struct {
	EdgeID    string
	DateValue string
}

// TemporalCandidates returns the edges eligible for temporal inference.
func (s *Store) TemporalCandidates(ctx context.Context, relationshipType, dateType string) ([]TemporalCandidate, error) {
	if s.version < TemporalSchemaVersion {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id,
			CASE WHEN src.entity_type = ? THEN src.normalized_name ELSE dst.normalized_name END
		FROM knowledge_edges e
		JOIN knowledge_nodes src ON src.id = e.source_node_id
		JOIN knowledge_nodes dst ON dst.id = e.target_node_id
		WHERE e.relationship_type = ?
			AND e.valid_from IS NULL AND e.valid_until IS NULL
			AND ((src.entity_type = ?) + (dst.entity_type = ?)) = 1
		ORDER BY e.id
	`, dateType, relationshipType, dateType, dateType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TemporalCandidate
	for rows.Next() {
		var c TemporalCandidate
		if err := rows.Scan(&c.EdgeID, &c.DateValue); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetEdgeBounds sets both validity bounds of an edge that has none yet.
// It reports whether the edge was updated.
func (s *Store) SetEdgeBounds(ctx context.Context, id, from, until string) (bool, error) {
	if s.version < TemporalSchemaVersion {
		return false, ErrNoTemporalSchema
	}
	r, err := s.db.ExecContext(ctx, `
		UPDATE knowledge_edges SET valid_from = ?, valid_until = ?, updated_at = ?
		WHERE id = ? AND valid_from IS NULL AND valid_until IS NULL
	`, from, until, now(), id)
	if err != nil {
		return false, err
	}
	return rowsAffected(r) > 0, nil
}

// DeleteEdgesBelow deletes edges whose weight is strictly below minWeight.
// Nodes are never touched.
func (s *Store) DeleteEdgesBelow(ctx context.Context, minWeight float64) (int, error) {
	r, err := s.db.ExecContext(ctx, "DELETE FROM knowledge_edges WHERE weight < ?", minWeight)
	if err != nil {
		return 0, err
	}
	return rowsAffected(r), nil
}

// EdgeWeightRange returns the minimum and maximum edge weight and the edge
// count.
func (s *Store) EdgeWeightRange(ctx context.Context) (lo, hi float64, count int, err error) {
	var minW, maxW sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		"SELECT MIN(weight), MAX(weight), COUNT(*) FROM knowledge_edges").Scan(&minW, &maxW, &count)
	return minW.Float64, maxW.Float64, count, err
}

// RescaleEdgeWeights sets every weight to (weight - offset) / scale, clamped
// into [0, 1]. scale must be positive.
func (s *Store) RescaleEdgeWeights(ctx context.Context, offset, scale float64) (int, error) {
	if scale <= 0 {
		return 0, fmt.Errorf("rescale factor must be positive, got %g", scale)
	}
	r, err := s.db.ExecContext(ctx, `
		UPDATE knowledge_edges SET weight = MIN(1.0, MAX(0.0, (weight - ?) / ?)), updated_at = ?
	`, offset, scale, now())
	if err != nil {
		return 0, err
	}
	return rowsAffected(r), nil
}

// SetAllEdgeWeights sets every edge weight to w.
func (s *Store) SetAllEdgeWeights(ctx context.Context, w float64) (int, error) {
	r, err := s.db.ExecContext(ctx,
		"UPDATE knowledge_edges SET weight = ?, updated_at = ?", clamp01(w), now())
	if err != nil {
		return 0, err
	}
	return rowsAffected(r), nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
