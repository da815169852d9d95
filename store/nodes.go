package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Node represents a row in the knowledge_nodes table: the canonical form of
// an entity across the corpus. Counts, canonical name and aliases are
// derived from the node's entity links by RecomputeNodeStats.
type Node struct {
	ID             string    `json:"id"`
	EntityType     string    `json:"entity_type"`
	CanonicalName  string    `json:"canonical_name"`
	NormalizedName string    `json:"normalized_name"`
	Aliases        StringSet `json:"aliases"`
	DocumentCount  int       `json:"document_count"`
	MentionCount   int       `json:"mention_count"`
	AvgConfidence  float64   `json:"avg_confidence"`
	Metadata       Metadata  `json:"metadata,omitempty"`
	ProvenanceID   string    `json:"provenance_id,omitempty"`
	CreatedAt      string    `json:"created_at"`
	UpdatedAt      string    `json:"updated_at"`
}

// NodeEntityLink represents a row in the node_entity_links table.
type NodeEntityLink struct {
	ID              string  `json:"id"`
	NodeID          string  `json:"node_id"`
	EntityID        string  `json:"entity_id"`
	DocumentID      string  `json:"document_id"`
	SimilarityScore float64 `json:"similarity_score"`
}

// SurfaceForm is one raw spelling of an entity with its extraction confidence.
type SurfaceForm struct {
	Text       string
	Confidence float64
}

// ChooseCanonical picks the canonical name among forms: the most frequent
// text, then the highest summed confidence, then the lexically smallest.
func ChooseCanonical(forms []SurfaceForm) string {
	type tally struct {
		count int
		conf  float64
	}
	tallies := make(map[string]*tally)
	for _, f := range forms {
		t := tallies[f.Text]
		if t == nil {
			t = &tally{}
			tallies[f.Text] = t
		}
		t.count++
		t.conf += f.Confidence
	}

	best := ""
	var bt *tally
	for text, t := range tallies {
		switch {
		case bt == nil,
			t.count > bt.count,
			t.count == bt.count && t.conf > bt.conf,
			t.count == bt.count && t.conf == bt.conf && text < best:
			best, bt = text, t
		}
	}
	return best
}

const nodeColumns = `id, entity_type, canonical_name, normalized_name, aliases, document_count,
	mention_count, avg_confidence, metadata, provenance_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(r rowScanner) (Node, error) {
	var n Node
	var prov sql.NullString
	err := r.Scan(&n.ID, &n.EntityType, &n.CanonicalName, &n.NormalizedName, &n.Aliases,
		&n.DocumentCount, &n.MentionCount, &n.AvgConfidence, &n.Metadata, &prov,
		&n.CreatedAt, &n.UpdatedAt)
	n.ProvenanceID = prov.String
	return n, err
}

func queryNodes(ctx context.Context, q querier, query string, args ...any) ([]Node, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func getNodeByKey(ctx context.Context, q querier, normalizedName, entityType string) (Node, bool, error) {
	n, err := scanNode(q.QueryRowContext(ctx,
		"SELECT "+nodeColumns+" FROM knowledge_nodes WHERE normalized_name = ? AND entity_type = ?",
		normalizedName, entityType))
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, false, nil
	}
	if err != nil {
		return Node{}, false, err
	}
	return n, true, nil
}

// --- Transactional writes ---

// UpsertNode inserts a node keyed by (normalized_name, entity_type), or
// touches the existing one. It returns the node ID and whether it was created.
func (t *Tx) UpsertNode(ctx context.Context, n Node) (string, bool, error) {
	existing, found, err := getNodeByKey(ctx, t.tx, n.NormalizedName, n.EntityType)
	if err != nil {
		return "", false, fmt.Errorf("looking up node %q: %w", n.NormalizedName, err)
	}
	ts := now()
	if found {
		if _, err := t.tx.ExecContext(ctx, `
			UPDATE knowledge_nodes SET provenance_id = COALESCE(?, provenance_id), updated_at = ?
			WHERE id = ?
		`, nullString(n.ProvenanceID), ts, existing.ID); err != nil {
			return "", false, fmt.Errorf("updating node %s: %w", existing.ID, err)
		}
		return existing.ID, false, nil
	}

	if n.ID == "" {
		n.ID = newID()
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO knowledge_nodes (id, entity_type, canonical_name, normalized_name, aliases,
			metadata, provenance_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.EntityType, n.CanonicalName, n.NormalizedName, n.Aliases, n.Metadata,
		nullString(n.ProvenanceID), ts, ts); err != nil {
		return "", false, fmt.Errorf("inserting node %q: %w", n.NormalizedName, err)
	}
	return n.ID, true, nil
}

// LinkEntity records that an entity belongs to a node. An entity belongs to
// at most one node, so links to other nodes are removed; the IDs of those
// nodes are returned so their stats can be recomputed.
func (t *Tx) LinkEntity(ctx context.Context, l NodeEntityLink) ([]string, error) {
	displaced, err := queryStrings(ctx, t.tx,
		"SELECT node_id FROM node_entity_links WHERE entity_id = ? AND node_id <> ?",
		l.EntityID, l.NodeID)
	if err != nil {
		return nil, err
	}
	if len(displaced) > 0 {
		if _, err := t.tx.ExecContext(ctx,
			"DELETE FROM node_entity_links WHERE entity_id = ? AND node_id <> ?",
			l.EntityID, l.NodeID); err != nil {
			return nil, err
		}
	}

	if l.ID == "" {
		l.ID = newID()
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO node_entity_links (id, node_id, entity_id, document_id, similarity_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id, entity_id) DO UPDATE SET
			document_id = excluded.document_id,
			similarity_score = excluded.similarity_score
	`, l.ID, l.NodeID, l.EntityID, l.DocumentID, l.SimilarityScore, now())
	if err != nil {
		return nil, fmt.Errorf("linking entity %s to node %s: %w", l.EntityID, l.NodeID, err)
	}
	return displaced, nil
}

// RecomputeNodeStats derives mention_count, document_count, avg_confidence,
// canonical_name and aliases from the node's current entity links. A node
// with no links keeps its names and gets zero counts.
func (t *Tx) RecomputeNodeStats(ctx context.Context, nodeID string) error {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT e.raw_text, e.confidence, l.document_id
		FROM node_entity_links l
		JOIN entities e ON e.id = l.entity_id
		WHERE l.node_id = ?
	`, nodeID)
	if err != nil {
		return fmt.Errorf("loading links of node %s: %w", nodeID, err)
	}
	var forms []SurfaceForm
	docs := make(map[string]bool)
	var sum float64
	for rows.Next() {
		var f SurfaceForm
		var docID string
		if err := rows.Scan(&f.Text, &f.Confidence, &docID); err != nil {
			rows.Close()
			return err
		}
		forms = append(forms, f)
		docs[docID] = true
		sum += f.Confidence
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if len(forms) == 0 {
		_, err := t.tx.ExecContext(ctx, `
			UPDATE knowledge_nodes SET mention_count = 0, document_count = 0, avg_confidence = 0,
				updated_at = ?
			WHERE id = ?
		`, now(), nodeID)
		return err
	}

	canonical := ChooseCanonical(forms)
	var aliases []string
	for _, f := range forms {
		if f.Text != canonical {
			aliases = append(aliases, f.Text)
		}
	}
	_, err = t.tx.ExecContext(ctx, `
		UPDATE knowledge_nodes SET
			canonical_name = ?, aliases = ?, mention_count = ?, document_count = ?,
			avg_confidence = ?, updated_at = ?
		WHERE id = ?
	`, canonical, NewStringSet(aliases...), len(forms), len(docs), sum/float64(len(forms)), now(), nodeID)
	if err != nil {
		return fmt.Errorf("updating stats of node %s: %w", nodeID, err)
	}
	return nil
}

// DeleteOrphanNodes removes those of nodeIDs that have no entity links left,
// together with every edge touching them.
func (t *Tx) DeleteOrphanNodes(ctx context.Context, nodeIDs []string) (nodes, edges int, err error) {
	for _, id := range nodeIDs {
		var links int
		if err := t.tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM node_entity_links WHERE node_id = ?", id).Scan(&links); err != nil {
			return nodes, edges, err
		}
		if links > 0 {
			continue
		}
		r, err := t.tx.ExecContext(ctx,
			"DELETE FROM knowledge_edges WHERE source_node_id = ? OR target_node_id = ?", id, id)
		if err != nil {
			return nodes, edges, fmt.Errorf("deleting edges of node %s: %w", id, err)
		}
		edges += rowsAffected(r)
		r, err = t.tx.ExecContext(ctx, "DELETE FROM knowledge_nodes WHERE id = ?", id)
		if err != nil {
			return nodes, edges, fmt.Errorf("deleting node %s: %w", id, err)
		}
		nodes += rowsAffected(r)
	}
	return nodes, edges, nil
}

// --- Reads ---

// GetNode retrieves a node by ID.
func (s *Store) GetNode(ctx context.Context, id string) (Node, bool, error) {
	n, err := scanNode(s.db.QueryRowContext(ctx,
		"SELECT "+nodeColumns+" FROM knowledge_nodes WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, false, nil
	}
	if err != nil {
		return Node{}, false, err
	}
	return n, true, nil
}

// GetNodeByKey retrieves the node with the given identity.
func (s *Store) GetNodeByKey(ctx context.Context, normalizedName, entityType string) (Node, bool, error) {
	return getNodeByKey(ctx, s.db, normalizedName, entityType)
}

// NodesByNormalizedName returns every node of any type with the given
// normalized name.
func (s *Store) NodesByNormalizedName(ctx context.Context, normalizedName string) ([]Node, error) {
	return queryNodes(ctx, s.db,
		"SELECT "+nodeColumns+" FROM knowledge_nodes WHERE normalized_name = ? ORDER BY entity_type, id",
		normalizedName)
}

// GetNodes returns the nodes with the given IDs, ordered by ID.
func (s *Store) GetNodes(ctx context.Context, ids []string) ([]Node, error) {
	var nodes []Node
	err := inBatches(ids, batchSize, func(batch []string) error {
		got, err := queryNodes(ctx, s.db,
			"SELECT "+nodeColumns+" FROM knowledge_nodes WHERE id IN ("+placeholders(len(batch))+")",
			stringArgs(batch)...)
		nodes = append(nodes, got...)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

// NodeFilter narrows ListNodes.
type NodeFilter struct {
	EntityType string
	Limit      int
}

// ListNodes returns nodes ordered by mention count (descending), then ID.
func (s *Store) ListNodes(ctx context.Context, f NodeFilter) ([]Node, error) {
	query := "SELECT " + nodeColumns + " FROM knowledge_nodes"
	var args []any
	if f.EntityType != "" {
		query += " WHERE entity_type = ?"
		args = append(args, f.EntityType)
	}
	query += " ORDER BY mention_count DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return queryNodes(ctx, s.db, query, args...)
}

// FindNodes returns nodes whose normalized name or any alias matches one of
// names (after normalization), restricted to types when given. An empty
// names list matches every node of the given types.
func (s *Store) FindNodes(ctx context.Context, names, types []string) ([]Node, error) {
	var where []string
	var args []any
	if len(names) > 0 {
		var alts []string
		for _, name := range names {
			norm := NormalizeText(name)
			if norm == "" {
				continue
			}
			alts = append(alts, "normalized_name = ?",
				"EXISTS (SELECT 1 FROM json_each(knowledge_nodes.aliases) a WHERE lower(a.value) = ?)")
			args = append(args, norm, norm)
		}
		if len(alts) == 0 {
			return nil, nil
		}
		where = append(where, "("+strings.Join(alts, " OR ")+")")
	}
	if len(types) > 0 {
		where = append(where, inList("entity_type"))
		args = append(args, NewStringSet(types...))
	}
	if len(where) == 0 {
		return nil, nil
	}
	return queryNodes(ctx, s.db,
		"SELECT "+nodeColumns+" FROM knowledge_nodes WHERE "+strings.Join(where, " AND ")+" ORDER BY id",
		args...)
}

// UpdateNodeMetadata replaces a node's metadata. found is false when the
// node does not exist.
func (s *Store) UpdateNodeMetadata(ctx context.Context, id string, md Metadata) (bool, error) {
	r, err := s.db.ExecContext(ctx,
		"UPDATE knowledge_nodes SET metadata = ?, updated_at = ? WHERE id = ?", md, now(), id)
	if err != nil {
		return false, err
	}
	return rowsAffected(r) > 0, nil
}

// DocumentIDsForNodes returns the distinct documents linked to any of the
// nodes, sorted.
func (s *Store) DocumentIDsForNodes(ctx context.Context, nodeIDs []string) ([]string, error) {
	set := make(map[string]bool)
	err := inBatches(nodeIDs, batchSize, func(batch []string) error {
		ids, err := queryStrings(ctx, s.db,
			"SELECT DISTINCT document_id FROM node_entity_links WHERE node_id IN ("+placeholders(len(batch))+")",
			stringArgs(batch)...)
		for _, id := range ids {
			set[id] = true
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return sortedKeys(set), nil
}

// ChunkIDsForNodes returns the distinct chunks in which any entity linked to
// the nodes is mentioned, sorted.
func (s *Store) ChunkIDsForNodes(ctx context.Context, nodeIDs []string) ([]string, error) {
	set := make(map[string]bool)
	err := inBatches(nodeIDs, batchSize, func(batch []string) error {
		ids, err := queryStrings(ctx, s.db, `
			SELECT DISTINCT m.chunk_id
			FROM node_entity_links l
			JOIN entity_mentions m ON m.entity_id = l.entity_id
			WHERE l.node_id IN (`+placeholders(len(batch))+`) AND m.chunk_id IS NOT NULL
		`, stringArgs(batch)...)
		for _, id := range ids {
			set[id] = true
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return sortedKeys(set), nil
}

// NodesForChunks returns, per chunk, the nodes whose entities are mentioned
// in it.
func (s *Store) NodesForChunks(ctx context.Context, chunkIDs []string) (map[string][]Node, error) {
	out := make(map[string][]Node)
	err := inBatches(chunkIDs, batchSize, func(batch []string) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT DISTINCT m.chunk_id, n.id, n.entity_type, n.canonical_name, n.normalized_name,
				n.aliases, n.document_count, n.mention_count, n.avg_confidence, n.metadata,
				n.provenance_id, n.created_at, n.updated_at
			FROM entity_mentions m
			JOIN node_entity_links l ON l.entity_id = m.entity_id
			JOIN knowledge_nodes n ON n.id = l.node_id
			WHERE m.chunk_id IN (`+placeholders(len(batch))+`)
			ORDER BY m.chunk_id, n.id
		`, stringArgs(batch)...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var chunkID string
			var n Node
			var prov sql.NullString
			if err := rows.Scan(&chunkID, &n.ID, &n.EntityType, &n.CanonicalName, &n.NormalizedName,
				&n.Aliases, &n.DocumentCount, &n.MentionCount, &n.AvgConfidence, &n.Metadata,
				&prov, &n.CreatedAt, &n.UpdatedAt); err != nil {
				return err
			}
			n.ProvenanceID = prov.String
			out[chunkID] = append(out[chunkID], n)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NodeDegree is a node with the number of edges touching it.
type NodeDegree struct {
	Node
	EdgeCount int `json:"edge_count"`
}

// TopNodesByEdgeCount returns up to n nodes with the most edges, optionally
// restricted to one entity type. Ties are broken by ID.
func (s *Store) TopNodesByEdgeCount(ctx context.Context, entityType string, n int) ([]NodeDegree, error) {
	query := `
		SELECT ` + prefixed("k", nodeColumns) + `, COUNT(e.id) AS degree
		FROM knowledge_nodes k
		JOIN knowledge_edges e ON e.source_node_id = k.id OR e.target_node_id = k.id`
	var args []any
	if entityType != "" {
		query += " WHERE k.entity_type = ?"
		args = append(args, entityType)
	}
	query += " GROUP BY k.id ORDER BY degree DESC, k.id LIMIT ?"
	args = append(args, n)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NodeDegree
	for rows.Next() {
		var d NodeDegree
		var prov sql.NullString
		if err := rows.Scan(&d.ID, &d.EntityType, &d.CanonicalName, &d.NormalizedName, &d.Aliases,
			&d.DocumentCount, &d.MentionCount, &d.AvgConfidence, &d.Metadata, &prov,
			&d.CreatedAt, &d.UpdatedAt, &d.EdgeCount); err != nil {
			return nil, err
		}
		d.ProvenanceID = prov.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteGraph removes every node, edge and node-entity link. Entities and
// documents are untouched.
func (s *Store) DeleteGraph(ctx context.Context) (nodes, edges int, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM node_entity_links"); err != nil {
			return err
		}
		r, err := tx.ExecContext(ctx, "DELETE FROM knowledge_edges")
		if err != nil {
			return err
		}
		edges = rowsAffected(r)
		r, err = tx.ExecContext(ctx, "DELETE FROM knowledge_nodes")
		if err != nil {
			return err
		}
		nodes = rowsAffected(r)
		return nil
	})
	return nodes, edges, err
}

// prefixed qualifies each comma-separated column with alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
