package store

import (
	"context"
	"fmt"
)

// SearchHit is one ranked candidate from a search leg. Exactly one of
// ChunkID and ImageID is set.
type SearchHit struct {
	ChunkID    string  `json:"chunk_id,omitempty"`
	ImageID    string  `json:"image_id,omitempty"`
	DocumentID string  `json:"document_id"`
	FileName   string  `json:"file_name"`
	Text       string  `json:"text"`
	PageNumber int     `json:"page_number"`
	Score      float64 `json:"score"`
}

// FTSSearch runs a BM25 full-text match over chunk text. query must already
// be in FTS5 syntax. documentIDs, when non-empty, restricts the documents.
func (s *Store) FTSSearch(ctx context.Context, query string, limit int, documentIDs []string) ([]SearchHit, error) {
	sqlQuery := `
		SELECT c.id, c.document_id, d.file_name, c.text, c.page_number, f.rank
		FROM chunks_fts f
		JOIN chunks c ON c.seq = f.rowid
		JOIN documents d ON d.id = c.document_id
		WHERE chunks_fts MATCH ?`
	args := []any{query}
	if len(documentIDs) > 0 {
		sqlQuery += " AND " + inList("c.document_id")
		args = append(args, NewStringSet(documentIDs...))
	}
	sqlQuery += " ORDER BY f.rank, c.id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		var rank float64
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.FileName, &h.Text, &h.PageNumber, &rank); err != nil {
			return nil, err
		}
		// FTS5 rank is negative (lower = better), convert to positive score
		h.Score = -rank
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// VectorSearch performs a cosine KNN search over chunk embeddings and
// returns hits with similarity (1 - distance) of at least minSimilarity.
func (s *Store) VectorSearch(ctx context.Context, embedding []float32, k int, minSimilarity float64, documentIDs []string) ([]SearchHit, error) {
	return s.vectorSearch(ctx, vecQuery{
		columns:   "c.id, '', c.document_id, d.file_name, c.text, c.page_number",
		from:      "vec_chunks v JOIN chunks c ON c.seq = v.chunk_seq JOIN documents d ON d.id = c.document_id",
		docColumn: "c.document_id",
		idColumn:  "c.id",
	}, embedding, k, minSimilarity, documentIDs)
}

// VectorSearchImages is VectorSearch over image description embeddings.
func (s *Store) VectorSearchImages(ctx context.Context, embedding []float32, k int, minSimilarity float64, documentIDs []string) ([]SearchHit, error) {
	return s.vectorSearch(ctx, vecQuery{
		columns:   "'', i.id, i.document_id, d.file_name, i.description, i.page_number",
		from:      "vec_images v JOIN images i ON i.seq = v.image_seq JOIN documents d ON d.id = i.document_id",
		docColumn: "i.document_id",
		idColumn:  "i.id",
	}, embedding, k, minSimilarity, documentIDs)
}

type vecQuery struct {
	columns   string
	from      string
	docColumn string
	idColumn  string
}

// sql returns the statement and its arguments. Unrestricted searches use the
// vec0 KNN index. The KNN cannot see the document filter, so restricted
// searches compute exact distances over the allowed documents' rows instead.
func (q vecQuery) sql(blob []byte, k int, documentIDs []string) (string, []any) {
	if len(documentIDs) == 0 {
		return "SELECT " + q.columns + ", v.distance FROM " + q.from +
			" WHERE v.embedding MATCH ? AND k = ? ORDER BY v.distance", []any{blob, k}
	}
	return "SELECT " + q.columns + ", vec_distance_cosine(v.embedding, ?) AS distance FROM " + q.from +
			" WHERE " + inList(q.docColumn) + " ORDER BY distance, " + q.idColumn + " LIMIT ?",
		[]any{blob, NewStringSet(documentIDs...), k}
}

func (s *Store) vectorSearch(ctx context.Context, q vecQuery, embedding []float32, k int, minSimilarity float64, documentIDs []string) ([]SearchHit, error) {
	if len(embedding) != s.embeddingDim {
		return nil, fmt.Errorf("query embedding has %d dimensions, want %d", len(embedding), s.embeddingDim)
	}

	query, args := q.sql(serializeFloat32(embedding), k, documentIDs)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		var distance float64
		if err := rows.Scan(&h.ChunkID, &h.ImageID, &h.DocumentID, &h.FileName, &h.Text,
			&h.PageNumber, &distance); err != nil {
			return nil, err
		}
		h.Score = 1.0 - distance
		if h.Score < minSimilarity {
			continue
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
