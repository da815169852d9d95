//go:build cgo

package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"
)

// Store-backed tests need cgo and FTS5. Run with:
//
//	CGO_ENABLED=1 go test -tags sqlite_fts5 ./...
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4) // dim=4 for test vectors
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustDoc(t *testing.T, s *Store, name string) string {
	t.Helper()
	id, err := s.InsertDocument(context.Background(), Document{FilePath: "/docs/" + name, FileName: name})
	if err != nil {
		t.Fatalf("inserting document %s: %v", name, err)
	}
	return id
}

func mustChunk(t *testing.T, s *Store, docID, text string) string {
	t.Helper()
	ids, err := s.InsertChunks(context.Background(), []Chunk{{DocumentID: docID, Text: text, PageNumber: 1}})
	if err != nil {
		t.Fatalf("inserting chunk: %v", err)
	}
	return ids[0]
}

func mustEntity(t *testing.T, s *Store, e Entity) string {
	t.Helper()
	ids, err := s.InsertEntities(context.Background(), []Entity{e})
	if err != nil {
		t.Fatalf("inserting entity %q: %v", e.RawText, err)
	}
	return ids[0]
}

// mustNode upserts a node and links the given entities (entity ID -> document ID).
func mustNode(t *testing.T, s *Store, entityType, name string, links map[string]string) string {
	t.Helper()
	var nodeID string
	err := s.InTx(context.Background(), func(tx *Tx) error {
		id, _, err := tx.UpsertNode(context.Background(), Node{
			EntityType:     entityType,
			CanonicalName:  name,
			NormalizedName: NormalizeText(name),
		})
		if err != nil {
			return err
		}
		nodeID = id
		for entityID, docID := range links {
			if _, err := tx.LinkEntity(context.Background(), NodeEntityLink{
				NodeID: id, EntityID: entityID, DocumentID: docID, SimilarityScore: 1,
			}); err != nil {
				return err
			}
		}
		return tx.RecomputeNodeStats(context.Background(), id)
	})
	if err != nil {
		t.Fatalf("creating node %q: %v", name, err)
	}
	return nodeID
}

func mustEdge(t *testing.T, s *Store, u EdgeUpsert) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx *Tx) error {
		_, err := tx.UpsertEdge(context.Background(), u)
		return err
	})
	if err != nil {
		t.Fatalf("upserting edge: %v", err)
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// ---------------------------------------------------------------------------
// Schema / construction
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	s := newTestStore(t)
	if s.EmbeddingDim() != 4 {
		t.Fatalf("expected embedding dim 4, got %d", s.EmbeddingDim())
	}
	if s.DB() == nil {
		t.Fatal("expected non-nil *sql.DB")
	}
}

func TestNewCreatesParentDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub", "dir")
	dbPath := filepath.Join(dir, "test.db")
	s, err := New(dbPath, 4)
	if err != nil {
		t.Fatalf("creating store in nested dir: %v", err)
	}
	s.Close()
}

func TestNewRejectsZeroDim(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "x.db"), 0); err == nil {
		t.Fatal("expected error for zero embedding dimension")
	}
}

func TestSchemaVersionLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v != LatestSchemaVersion {
		t.Errorf("version = %d, want %d", v, LatestSchemaVersion)
	}
	ok, err := s.HasTemporalEdges(ctx)
	if err != nil || !ok {
		t.Errorf("HasTemporalEdges = %v, %v; want true", ok, err)
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	s, err := New(dbPath, 4)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	mustDoc(t, s, "a.pdf")
	s.Close()

	s2, err := New(dbPath, 4)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()
	docs, err := s2.ListDocuments(context.Background())
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(docs) != 1 {
		t.Errorf("expected 1 document after reopen, got %d", len(docs))
	}
}

func TestPinnedSchemaWithoutTemporalColumns(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "v1.db"), Options{EmbeddingDim: 4, SchemaVersion: 1})
	if err != nil {
		t.Fatalf("opening at version 1: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	ok, err := s.HasTemporalEdges(ctx)
	if err != nil {
		t.Fatalf("HasTemporalEdges: %v", err)
	}
	if ok {
		t.Fatal("version 1 schema should not report temporal edges")
	}

	doc := mustDoc(t, s, "a.pdf")
	e1 := mustEntity(t, s, Entity{DocumentID: doc, EntityType: "person", RawText: "Alice", Confidence: 1})
	e2 := mustEntity(t, s, Entity{DocumentID: doc, EntityType: "date", RawText: "2024-01-01", Confidence: 1})
	a := mustNode(t, s, "person", "Alice", map[string]string{e1: doc})
	b := mustNode(t, s, "date", "2024-01-01", map[string]string{e2: doc})
	mustEdge(t, s, EdgeUpsert{SourceNodeID: a, TargetNodeID: b, RelationshipType: "co_located", Weight: 0.7})

	edges, err := s.ListEdges(ctx, EdgeFilter{})
	if err != nil {
		t.Fatalf("listing edges on v1 schema: %v", err)
	}
	if len(edges) != 1 || edges[0].ValidFrom != nil {
		t.Fatalf("unexpected edges: %+v", edges)
	}
	if _, err := s.SetEdgeValidity(ctx, edges[0].ID, nil, nil); !errors.Is(err, ErrNoTemporalSchema) {
		t.Errorf("SetEdgeValidity error = %v, want ErrNoTemporalSchema", err)
	}
	cands, err := s.TemporalCandidates(ctx, "co_located", "date")
	if err != nil || len(cands) != 0 {
		t.Errorf("TemporalCandidates = %v, %v; want empty", cands, err)
	}
}

// ---------------------------------------------------------------------------
// Documents, chunks, entities
// ---------------------------------------------------------------------------

func TestInsertAndGetDocument(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := mustDoc(t, s, "report.pdf")
	got, ok, err := s.GetDocument(ctx, id)
	if err != nil || !ok {
		t.Fatalf("GetDocument = %v, %v", ok, err)
	}
	if got.FileName != "report.pdf" || got.Status != "complete" {
		t.Errorf("unexpected document: %+v", got)
	}

	_, ok, err = s.GetDocument(ctx, "missing")
	if err != nil {
		t.Fatalf("GetDocument(missing): %v", err)
	}
	if ok {
		t.Error("expected not found for missing id")
	}
}

func TestExistingDocumentIDs(t *testing.T) {
	s := newTestStore(t)
	a := mustDoc(t, s, "a.pdf")
	b := mustDoc(t, s, "b.pdf")

	got, err := s.ExistingDocumentIDs(context.Background(), []string{b, "nope", a, b})
	if err != nil {
		t.Fatalf("ExistingDocumentIDs: %v", err)
	}
	if len(got) != 2 || got[0] != b || got[1] != a {
		t.Errorf("got %v, want [%s %s]", got, b, a)
	}
}

func TestInsertAndListEntities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d1 := mustDoc(t, s, "a.pdf")
	d2 := mustDoc(t, s, "b.pdf")
	c1 := mustChunk(t, s, d1, "Alice Smith works at Acme.")

	mustEntity(t, s, Entity{
		DocumentID: d1, EntityType: "person", RawText: "  Alice   SMITH ", Confidence: 0.9,
		Mentions: []Mention{{ChunkID: c1, PageNumber: 1, CharacterStart: 0, CharacterEnd: 11}},
	})
	mustEntity(t, s, Entity{DocumentID: d2, EntityType: "organization", RawText: "Acme", Confidence: 0.8})

	all, err := s.ListEntities(ctx, nil)
	if err != nil {
		t.Fatalf("ListEntities: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(all))
	}

	only, err := s.ListEntities(ctx, []string{d1})
	if err != nil {
		t.Fatalf("ListEntities(d1): %v", err)
	}
	if len(only) != 1 {
		t.Fatalf("expected 1 entity for d1, got %d", len(only))
	}
	e := only[0]
	if e.NormalizedText != "alice smith" {
		t.Errorf("normalized text = %q, want %q", e.NormalizedText, "alice smith")
	}
	if len(e.Mentions) != 1 || e.Mentions[0].ChunkID != c1 || e.Mentions[0].DocumentID != d1 {
		t.Errorf("unexpected mentions: %+v", e.Mentions)
	}
}

// ---------------------------------------------------------------------------
// Graph writes
// ---------------------------------------------------------------------------

func TestUpsertNodeIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := mustDoc(t, s, "a.pdf")
	e1 := mustEntity(t, s, Entity{DocumentID: doc, EntityType: "person", RawText: "Alice Smith", Confidence: 0.9})

	first := mustNode(t, s, "person", "Alice Smith", map[string]string{e1: doc})
	second := mustNode(t, s, "person", "alice smith", map[string]string{e1: doc})
	if first != second {
		t.Fatalf("expected same node identity, got %s and %s", first, second)
	}

	stats, err := s.DBStats(ctx)
	if err != nil {
		t.Fatalf("DBStats: %v", err)
	}
	if stats.Nodes != 1 || stats.NodeEntityLinks != 1 {
		t.Errorf("nodes=%d links=%d, want 1 and 1", stats.Nodes, stats.NodeEntityLinks)
	}
}

func TestRecomputeNodeStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d1 := mustDoc(t, s, "a.pdf")
	d2 := mustDoc(t, s, "b.pdf")
	e1 := mustEntity(t, s, Entity{DocumentID: d1, EntityType: "person", RawText: "Alice Smith", Confidence: 0.9})
	e2 := mustEntity(t, s, Entity{DocumentID: d1, EntityType: "person", RawText: "Alice Smith", Confidence: 0.6})
	e3 := mustEntity(t, s, Entity{DocumentID: d2, EntityType: "person", RawText: "ALICE SMITH", Confidence: 0.9})

	id := mustNode(t, s, "person", "alice smith", map[string]string{e1: d1, e2: d1, e3: d2})
	n, ok, err := s.GetNode(ctx, id)
	if err != nil || !ok {
		t.Fatalf("GetNode = %v, %v", ok, err)
	}
	if n.MentionCount != 3 {
		t.Errorf("mention_count = %d, want 3", n.MentionCount)
	}
	if n.DocumentCount != 2 {
		t.Errorf("document_count = %d, want 2", n.DocumentCount)
	}
	if !approx(n.AvgConfidence, 0.8) {
		t.Errorf("avg_confidence = %f, want 0.8", n.AvgConfidence)
	}
	if n.CanonicalName != "Alice Smith" {
		t.Errorf("canonical = %q, want most frequent form %q", n.CanonicalName, "Alice Smith")
	}
	if len(n.Aliases) != 1 || n.Aliases[0] != "ALICE SMITH" {
		t.Errorf("aliases = %v, want [ALICE SMITH]", n.Aliases)
	}
}

func TestLinkEntityMovesBetweenNodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := mustDoc(t, s, "a.pdf")
	e1 := mustEntity(t, s, Entity{DocumentID: doc, EntityType: "person", RawText: "Jon", Confidence: 1})

	a := mustNode(t, s, "person", "Jon", map[string]string{e1: doc})

	var displaced []string
	err := s.InTx(ctx, func(tx *Tx) error {
		b, _, err := tx.UpsertNode(ctx, Node{EntityType: "person", CanonicalName: "John", NormalizedName: "john"})
		if err != nil {
			return err
		}
		displaced, err = tx.LinkEntity(ctx, NodeEntityLink{NodeID: b, EntityID: e1, DocumentID: doc, SimilarityScore: 0.9})
		return err
	})
	if err != nil {
		t.Fatalf("relinking: %v", err)
	}
	if len(displaced) != 1 || displaced[0] != a {
		t.Errorf("displaced = %v, want [%s]", displaced, a)
	}
}

func TestUpsertEdgeIncrementsEvidence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := mustDoc(t, s, "a.pdf")
	doc2 := mustDoc(t, s, "b.pdf")
	e1 := mustEntity(t, s, Entity{DocumentID: doc, EntityType: "person", RawText: "Alice", Confidence: 1})
	e2 := mustEntity(t, s, Entity{DocumentID: doc, EntityType: "organization", RawText: "Acme", Confidence: 1})
	a := mustNode(t, s, "person", "Alice", map[string]string{e1: doc})
	b := mustNode(t, s, "organization", "Acme", map[string]string{e2: doc})

	up := EdgeUpsert{SourceNodeID: a, TargetNodeID: b, RelationshipType: "works_at",
		Weight: 0.75, EvidenceDelta: 1, WeightBump: 0.05, DocumentIDs: []string{doc}}
	mustEdge(t, s, up)
	up.DocumentIDs = []string{doc2, doc}
	mustEdge(t, s, up)

	edges, err := s.ListEdges(ctx, EdgeFilter{Types: []string{"works_at"}})
	if err != nil {
		t.Fatalf("ListEdges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected 1 edge after two upserts, got %d", len(edges))
	}
	e := edges[0]
	if e.EvidenceCount != 2 {
		t.Errorf("evidence_count = %d, want 2", e.EvidenceCount)
	}
	if !approx(e.Weight, 0.8) {
		t.Errorf("weight = %f, want 0.8", e.Weight)
	}
	if len(e.DocumentIDs) != 2 {
		t.Errorf("document_ids = %v, want both documents", e.DocumentIDs)
	}
}

// ---------------------------------------------------------------------------
// Cascade delete
// ---------------------------------------------------------------------------

func TestDeleteDocumentCascade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d1 := mustDoc(t, s, "a.pdf")
	d2 := mustDoc(t, s, "b.pdf")
	mustChunk(t, s, d1, "Alice Smith of Acme")

	e1 := mustEntity(t, s, Entity{DocumentID: d1, EntityType: "person", RawText: "Alice Smith", Confidence: 0.9})
	e2 := mustEntity(t, s, Entity{DocumentID: d2, EntityType: "person", RawText: "Alice Smith", Confidence: 0.7})
	e3 := mustEntity(t, s, Entity{DocumentID: d1, EntityType: "organization", RawText: "Acme", Confidence: 0.8})
	e4 := mustEntity(t, s, Entity{DocumentID: d2, EntityType: "location", RawText: "Paris", Confidence: 1})

	alice := mustNode(t, s, "person", "Alice Smith", map[string]string{e1: d1, e2: d2})
	acme := mustNode(t, s, "organization", "Acme", map[string]string{e3: d1})
	paris := mustNode(t, s, "location", "Paris", map[string]string{e4: d2})

	mustEdge(t, s, EdgeUpsert{SourceNodeID: alice, TargetNodeID: acme, RelationshipType: "co_mentioned",
		Weight: 0.5, DocumentIDs: []string{d1}})
	mustEdge(t, s, EdgeUpsert{SourceNodeID: alice, TargetNodeID: paris, RelationshipType: "co_mentioned",
		Weight: 0.5, Evidence: DocumentEvidence{d1: 1, d2: 2}})

	res, found, err := s.DeleteDocument(ctx, d1)
	if err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if !found {
		t.Fatal("expected document to be found")
	}
	if res.EntitiesDeleted != 2 || res.LinksDeleted != 2 {
		t.Errorf("entities=%d links=%d, want 2 and 2", res.EntitiesDeleted, res.LinksDeleted)
	}
	if res.NodesDeleted != 1 || res.NodesUpdated != 1 {
		t.Errorf("nodes deleted=%d updated=%d, want 1 and 1", res.NodesDeleted, res.NodesUpdated)
	}
	if res.EdgesDeleted != 1 || res.EdgesUpdated != 1 {
		t.Errorf("edges deleted=%d updated=%d, want 1 and 1", res.EdgesDeleted, res.EdgesUpdated)
	}

	if _, ok, _ := s.GetNode(ctx, acme); ok {
		t.Error("node supported only by the deleted document should be gone")
	}
	n, ok, err := s.GetNode(ctx, alice)
	if err != nil || !ok {
		t.Fatalf("surviving node: %v, %v", ok, err)
	}
	if n.MentionCount != 1 || n.DocumentCount != 1 || !approx(n.AvgConfidence, 0.7) {
		t.Errorf("surviving node stats = %d/%d/%f, want 1/1/0.7", n.MentionCount, n.DocumentCount, n.AvgConfidence)
	}

	edges, err := s.ListEdges(ctx, EdgeFilter{})
	if err != nil {
		t.Fatalf("ListEdges: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected 1 surviving edge, got %d", len(edges))
	}
	if edges[0].EvidenceCount != 2 || len(edges[0].DocumentIDs) != 1 || edges[0].DocumentIDs[0] != d2 {
		t.Errorf("surviving edge = %+v", edges[0])
	}

	stats, err := s.DBStats(ctx)
	if err != nil {
		t.Fatalf("DBStats: %v", err)
	}
	if stats.Documents != 1 || stats.Chunks != 0 || stats.Entities != 2 {
		t.Errorf("stats after delete = %+v", stats)
	}
}

func TestDeleteDocumentWithdrawsRecordedEvidence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d1 := mustDoc(t, s, "a.pdf")
	d2 := mustDoc(t, s, "b.pdf")
	e1 := mustEntity(t, s, Entity{DocumentID: d1, EntityType: "person", RawText: "Alice", Confidence: 1})
	e2 := mustEntity(t, s, Entity{DocumentID: d2, EntityType: "person", RawText: "Alice", Confidence: 1})
	e3 := mustEntity(t, s, Entity{DocumentID: d1, EntityType: "organization", RawText: "Acme", Confidence: 1})
	e4 := mustEntity(t, s, Entity{DocumentID: d2, EntityType: "organization", RawText: "Acme", Confidence: 1})
	alice := mustNode(t, s, "person", "Alice", map[string]string{e1: d1, e2: d2})
	acme := mustNode(t, s, "organization", "Acme", map[string]string{e3: d1, e4: d2})

	// Three shared chunks in d1, one in d2, observed over two builds.
	for i := 0; i < 2; i++ {
		mustEdge(t, s, EdgeUpsert{SourceNodeID: alice, TargetNodeID: acme, RelationshipType: "co_located",
			Weight: 0.7, Evidence: DocumentEvidence{d1: 3, d2: 1}})
	}
	edges, err := s.ListEdges(ctx, EdgeFilter{})
	if err != nil || len(edges) != 1 {
		t.Fatalf("ListEdges = %v, %v", edges, err)
	}
	if edges[0].EvidenceCount != 8 {
		t.Fatalf("EvidenceCount = %d, want 8", edges[0].EvidenceCount)
	}

	if _, _, err := s.DeleteDocument(ctx, d1); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	e, ok, err := s.GetEdge(ctx, edges[0].ID)
	if err != nil || !ok {
		t.Fatalf("GetEdge = %v, %v", ok, err)
	}
	if e.EvidenceCount != 2 {
		t.Errorf("EvidenceCount after delete = %d, want 2", e.EvidenceCount)
	}
	if len(e.DocumentIDs) != 1 || e.DocumentIDs[0] != d2 {
		t.Errorf("DocumentIDs = %v, want [%s]", e.DocumentIDs, d2)
	}
}

func TestDeleteDocumentNotFound(t *testing.T) {
	s := newTestStore(t)
	_, found, err := s.DeleteDocument(context.Background(), "missing")
	if err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if found {
		t.Error("expected found=false for unknown document")
	}
}

func TestDeleteGraph(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := mustDoc(t, s, "a.pdf")
	e1 := mustEntity(t, s, Entity{DocumentID: doc, EntityType: "person", RawText: "Alice", Confidence: 1})
	e2 := mustEntity(t, s, Entity{DocumentID: doc, EntityType: "person", RawText: "Bob", Confidence: 1})
	a := mustNode(t, s, "person", "Alice", map[string]string{e1: doc})
	b := mustNode(t, s, "person", "Bob", map[string]string{e2: doc})
	mustEdge(t, s, EdgeUpsert{SourceNodeID: a, TargetNodeID: b, RelationshipType: "co_mentioned", Weight: 0.5})

	nodes, edges, err := s.DeleteGraph(ctx)
	if err != nil {
		t.Fatalf("DeleteGraph: %v", err)
	}
	if nodes != 2 || edges != 1 {
		t.Errorf("deleted nodes=%d edges=%d, want 2 and 1", nodes, edges)
	}
	stats, _ := s.DBStats(ctx)
	if stats.Entities != 2 {
		t.Errorf("entities should survive a graph delete, got %d", stats.Entities)
	}
}

// ---------------------------------------------------------------------------
// Edge maintenance
// ---------------------------------------------------------------------------

func seedWeightedEdges(t *testing.T, s *Store, weights ...float64) {
	t.Helper()
	doc := mustDoc(t, s, "w.pdf")
	var nodes []string
	for i := 0; i <= len(weights); i++ {
		name := string(rune('a' + i))
		e := mustEntity(t, s, Entity{DocumentID: doc, EntityType: "person", RawText: name, Confidence: 1})
		nodes = append(nodes, mustNode(t, s, "person", name, map[string]string{e: doc}))
	}
	for i, w := range weights {
		mustEdge(t, s, EdgeUpsert{SourceNodeID: nodes[i], TargetNodeID: nodes[i+1],
			RelationshipType: "co_mentioned", Weight: w, DocumentIDs: []string{doc}})
	}
}

func TestDeleteEdgesBelow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWeightedEdges(t, s, 0.1, 0.3, 0.3, 0.9)

	n, err := s.DeleteEdgesBelow(ctx, 0.3)
	if err != nil {
		t.Fatalf("DeleteEdgesBelow: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d edges, want 1 (strictly below threshold)", n)
	}
	stats, _ := s.DBStats(ctx)
	if stats.Nodes != 5 || stats.Edges != 3 {
		t.Errorf("nodes=%d edges=%d, want 5 and 3", stats.Nodes, stats.Edges)
	}
}

func TestRescaleEdgeWeights(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWeightedEdges(t, s, 0.2, 0.4)

	lo, hi, count, err := s.EdgeWeightRange(ctx)
	if err != nil {
		t.Fatalf("EdgeWeightRange: %v", err)
	}
	if !approx(lo, 0.2) || !approx(hi, 0.4) || count != 2 {
		t.Fatalf("range = %f..%f (%d)", lo, hi, count)
	}
	if _, err := s.RescaleEdgeWeights(ctx, 0, hi); err != nil {
		t.Fatalf("RescaleEdgeWeights: %v", err)
	}
	lo, hi, _, _ = s.EdgeWeightRange(ctx)
	if !approx(lo, 0.5) || !approx(hi, 1.0) {
		t.Errorf("rescaled range = %f..%f, want 0.5..1.0", lo, hi)
	}
	if _, err := s.RescaleEdgeWeights(ctx, 0, 0); err == nil {
		t.Error("expected error for zero scale")
	}
}

func TestTemporalCandidatesAndBounds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := mustDoc(t, s, "a.pdf")
	e1 := mustEntity(t, s, Entity{DocumentID: doc, EntityType: "person", RawText: "Alice", Confidence: 1})
	e2 := mustEntity(t, s, Entity{DocumentID: doc, EntityType: "date", RawText: "March 3, 2021", Confidence: 1})
	e3 := mustEntity(t, s, Entity{DocumentID: doc, EntityType: "date", RawText: "2022-01-01", Confidence: 1})
	alice := mustNode(t, s, "person", "Alice", map[string]string{e1: doc})
	d1 := mustNode(t, s, "date", "March 3, 2021", map[string]string{e2: doc})
	d2 := mustNode(t, s, "date", "2022-01-01", map[string]string{e3: doc})

	mustEdge(t, s, EdgeUpsert{SourceNodeID: alice, TargetNodeID: d1, RelationshipType: "co_located", Weight: 0.7})
	// date-date edges are not candidates
	mustEdge(t, s, EdgeUpsert{SourceNodeID: d1, TargetNodeID: d2, RelationshipType: "co_located", Weight: 0.7})

	cands, err := s.TemporalCandidates(ctx, "co_located", "date")
	if err != nil {
		t.Fatalf("TemporalCandidates: %v", err)
	}
	if len(cands) != 1 || cands[0].DateValue != "march 3, 2021" {
		t.Fatalf("candidates = %+v", cands)
	}

	ok, err := s.SetEdgeBounds(ctx, cands[0].EdgeID, "2021-03-03", "2021-03-03")
	if err != nil || !ok {
		t.Fatalf("SetEdgeBounds = %v, %v", ok, err)
	}
	ok, err = s.SetEdgeBounds(ctx, cands[0].EdgeID, "1999-01-01", "1999-01-01")
	if err != nil || ok {
		t.Errorf("second SetEdgeBounds = %v, %v; want no update", ok, err)
	}

	e, found, err := s.GetEdge(ctx, cands[0].EdgeID)
	if err != nil || !found {
		t.Fatalf("GetEdge: %v, %v", found, err)
	}
	if e.ValidFrom == nil || *e.ValidFrom != "2021-03-03" {
		t.Errorf("valid_from = %v, want 2021-03-03", e.ValidFrom)
	}

	temporal, err := s.ListEdges(ctx, EdgeFilter{TemporalOnly: true})
	if err != nil || len(temporal) != 1 {
		t.Errorf("temporal edges = %d, %v; want 1", len(temporal), err)
	}
}

// ---------------------------------------------------------------------------
// Graph reads
// ---------------------------------------------------------------------------

func TestFindNodesByNameAndAlias(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := mustDoc(t, s, "a.pdf")
	e1 := mustEntity(t, s, Entity{DocumentID: doc, EntityType: "organization", RawText: "Acme Corp", Confidence: 1})
	e2 := mustEntity(t, s, Entity{DocumentID: doc, EntityType: "organization", RawText: "Acme Corp", Confidence: 1})
	e3 := mustEntity(t, s, Entity{DocumentID: doc, EntityType: "organization", RawText: "ACME Corporation", Confidence: 1})
	id := mustNode(t, s, "organization", "Acme Corp", map[string]string{e1: doc, e2: doc, e3: doc})

	for _, name := range []string{"acme corp", "  ACME   corp", "Acme Corporation"} {
		got, err := s.FindNodes(ctx, []string{name}, nil)
		if err != nil {
			t.Fatalf("FindNodes(%q): %v", name, err)
		}
		if len(got) != 1 || got[0].ID != id {
			t.Errorf("FindNodes(%q) = %v, want node %s", name, got, id)
		}
	}

	got, err := s.FindNodes(ctx, []string{"acme corp"}, []string{"person"})
	if err != nil {
		t.Fatalf("FindNodes with type: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("type restriction ignored: %v", got)
	}

	none, err := s.FindNodes(ctx, []string{"NoSuchEntity"}, nil)
	if err != nil || len(none) != 0 {
		t.Errorf("FindNodes(NoSuchEntity) = %v, %v", none, err)
	}
}

func TestChunkAndDocumentLookupsForNodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := mustDoc(t, s, "a.pdf")
	c1 := mustChunk(t, s, doc, "Alice signed.")
	c2 := mustChunk(t, s, doc, "Nothing here.")
	e1 := mustEntity(t, s, Entity{DocumentID: doc, EntityType: "person", RawText: "Alice", Confidence: 1,
		Mentions: []Mention{{ChunkID: c1}}})
	alice := mustNode(t, s, "person", "Alice", map[string]string{e1: doc})

	chunks, err := s.ChunkIDsForNodes(ctx, []string{alice})
	if err != nil || len(chunks) != 1 || chunks[0] != c1 {
		t.Errorf("ChunkIDsForNodes = %v, %v", chunks, err)
	}
	docs, err := s.DocumentIDsForNodes(ctx, []string{alice})
	if err != nil || len(docs) != 1 || docs[0] != doc {
		t.Errorf("DocumentIDsForNodes = %v, %v", docs, err)
	}
	byChunk, err := s.NodesForChunks(ctx, []string{c1, c2})
	if err != nil {
		t.Fatalf("NodesForChunks: %v", err)
	}
	if len(byChunk[c1]) != 1 || byChunk[c1][0].ID != alice || len(byChunk[c2]) != 0 {
		t.Errorf("NodesForChunks = %v", byChunk)
	}
}

func TestTopNodesByEdgeCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedWeightedEdges(t, s, 0.5, 0.5, 0.5)

	top, err := s.TopNodesByEdgeCount(ctx, "", 2)
	if err != nil {
		t.Fatalf("TopNodesByEdgeCount: %v", err)
	}
	if len(top) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(top))
	}
	for _, d := range top {
		if d.EdgeCount != 2 {
			t.Errorf("node %s has %d edges, want 2 (middle of the chain)", d.CanonicalName, d.EdgeCount)
		}
	}
}

// ---------------------------------------------------------------------------
// Search
// ---------------------------------------------------------------------------

func TestFTSSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d1 := mustDoc(t, s, "a.pdf")
	d2 := mustDoc(t, s, "b.pdf")
	c1 := mustChunk(t, s, d1, "The contract was signed by Acme Corporation.")
	mustChunk(t, s, d2, "The weather report for Tuesday.")
	mustChunk(t, s, d2, "A second contract amendment.")

	hits, err := s.FTSSearch(ctx, `"contract"`, 10, nil)
	if err != nil {
		t.Fatalf("FTSSearch: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	for _, h := range hits {
		if h.Score <= 0 {
			t.Errorf("hit %s has non-positive score %f", h.ChunkID, h.Score)
		}
	}

	hits, err = s.FTSSearch(ctx, `"contract"`, 10, []string{d1})
	if err != nil {
		t.Fatalf("FTSSearch filtered: %v", err)
	}
	if len(hits) != 1 || hits[0].ChunkID != c1 {
		t.Errorf("filtered hits = %+v, want only %s", hits, c1)
	}
}

func TestVectorSearchThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := mustDoc(t, s, "a.pdf")
	c1 := mustChunk(t, s, doc, "exact")
	c2 := mustChunk(t, s, doc, "orthogonal")
	c3 := mustChunk(t, s, doc, "close")

	for id, v := range map[string][]float32{
		c1: {1, 0, 0, 0},
		c2: {0, 1, 0, 0},
		c3: {0.9, 0.1, 0, 0},
	} {
		if err := s.InsertChunkEmbedding(ctx, id, v); err != nil {
			t.Fatalf("inserting embedding: %v", err)
		}
	}

	hits, err := s.VectorSearch(ctx, []float32{1, 0, 0, 0}, 3, 0.3, nil)
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits above 0.3, got %d: %+v", len(hits), hits)
	}
	if hits[0].ChunkID != c1 || hits[1].ChunkID != c3 {
		t.Errorf("order = %s, %s; want %s, %s", hits[0].ChunkID, hits[1].ChunkID, c1, c3)
	}
	if hits[0].Score < 0.99 {
		t.Errorf("identical vector similarity = %f, want ~1", hits[0].Score)
	}

	if _, err := s.VectorSearch(ctx, []float32{1, 0}, 3, 0.3, nil); err == nil {
		t.Error("expected dimension mismatch error")
	}
}

func TestVectorSearchDocumentFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	other := mustDoc(t, s, "other.pdf")
	target := mustDoc(t, s, "target.pdf")

	// Every off-filter chunk is closer to the query than the target chunk.
	var chunks []Chunk
	for i := 0; i < 40; i++ {
		chunks = append(chunks, Chunk{DocumentID: other, Text: fmt.Sprintf("other %d", i), ChunkIndex: i})
	}
	otherIDs, err := s.InsertChunks(ctx, chunks)
	if err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}
	for _, id := range otherIDs {
		if err := s.InsertChunkEmbedding(ctx, id, []float32{1, 0, 0, 0}); err != nil {
			t.Fatalf("inserting embedding: %v", err)
		}
	}
	targetChunk := mustChunk(t, s, target, "target")
	if err := s.InsertChunkEmbedding(ctx, targetChunk, []float32{0.9, 0.45, 0, 0}); err != nil {
		t.Fatalf("inserting embedding: %v", err)
	}

	hits, err := s.VectorSearch(ctx, []float32{1, 0, 0, 0}, 4, 0.3, []string{target})
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if len(hits) != 1 || hits[0].ChunkID != targetChunk || hits[0].DocumentID != target {
		t.Fatalf("filtered hits = %+v, want only %s", hits, targetChunk)
	}
	if hits[0].Score < 0.88 || hits[0].Score > 0.9 {
		t.Errorf("similarity = %f, want ~0.894", hits[0].Score)
	}

	hits, err = s.VectorSearch(ctx, []float32{1, 0, 0, 0}, 4, 0.3, nil)
	if err != nil {
		t.Fatalf("VectorSearch: %v", err)
	}
	if len(hits) != 4 {
		t.Fatalf("unfiltered hits = %d, want 4", len(hits))
	}
	for _, h := range hits {
		if h.DocumentID != other {
			t.Errorf("unfiltered hit from %s, want %s", h.DocumentID, other)
		}
	}
}

// Allowlists far beyond SQLite's bound-parameter limit.
func TestLargeIDFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := mustDoc(t, s, "a.pdf")
	mustChunk(t, s, doc, "The lease expires in March.")
	a := mustNode(t, s, "person", "Alice", nil)
	b := mustNode(t, s, "organization", "Acme", nil)
	mustEdge(t, s, EdgeUpsert{SourceNodeID: a, TargetNodeID: b, RelationshipType: "co_mentioned", Weight: 0.5, DocumentIDs: []string{doc}})

	ids := make([]string, 0, 40001)
	for i := 0; i < 40000; i++ {
		ids = append(ids, fmt.Sprintf("missing-%d", i))
	}
	ids = append(ids, doc)

	hits, err := s.FTSSearch(ctx, "lease", 10, ids)
	if err != nil {
		t.Fatalf("FTSSearch: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("FTS hits = %d, want 1", len(hits))
	}

	nodeIDs := append(append([]string{}, ids[:40000]...), a)
	edges, err := s.ListEdges(ctx, EdgeFilter{Touching: nodeIDs})
	if err != nil {
		t.Fatalf("ListEdges(Touching): %v", err)
	}
	if len(edges) != 1 {
		t.Errorf("touching edges = %d, want 1", len(edges))
	}
	edges, err = s.ListEdges(ctx, EdgeFilter{Among: append(nodeIDs, b)})
	if err != nil {
		t.Fatalf("ListEdges(Among): %v", err)
	}
	if len(edges) != 1 {
		t.Errorf("edges among = %d, want 1", len(edges))
	}
}

func TestVectorSearchImages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := mustDoc(t, s, "a.pdf")
	ids, err := s.InsertImages(ctx, []Image{{DocumentID: doc, PageNumber: 2, Description: "A signed contract"}})
	if err != nil {
		t.Fatalf("InsertImages: %v", err)
	}
	if err := s.InsertImageEmbedding(ctx, ids[0], []float32{0, 0, 1, 0}); err != nil {
		t.Fatalf("InsertImageEmbedding: %v", err)
	}

	hits, err := s.VectorSearchImages(ctx, []float32{0, 0, 1, 0}, 5, 0.3, []string{doc})
	if err != nil {
		t.Fatalf("VectorSearchImages: %v", err)
	}
	if len(hits) != 1 || hits[0].ImageID != ids[0] || hits[0].ChunkID != "" || hits[0].PageNumber != 2 {
		t.Errorf("image hits = %+v", hits)
	}
}

// ---------------------------------------------------------------------------
// Provenance
// ---------------------------------------------------------------------------

func TestProvenanceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertProvenance(ctx, Provenance{
		Type:                 "KNOWLEDGE_GRAPH",
		Processor:            "knowledge-graph-builder",
		ProcessingParams:     map[string]any{"resolution_mode": "fuzzy"},
		ProcessingDurationMs: 42,
	})
	if err != nil {
		t.Fatalf("InsertProvenance: %v", err)
	}
	p, ok, err := s.GetProvenance(ctx, id)
	if err != nil || !ok {
		t.Fatalf("GetProvenance = %v, %v", ok, err)
	}
	if p.ProcessingParams["resolution_mode"] != "fuzzy" || p.ProcessingDurationMs != 42 {
		t.Errorf("unexpected provenance: %+v", p)
	}
}
