package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Document represents a row in the documents table.
type Document struct {
	ID        string `json:"id"`
	FilePath  string `json:"file_path"`
	FileName  string `json:"file_name"`
	Status    string `json:"status"`
	PageCount int    `json:"page_count"`
	CreatedAt string `json:"created_at"`
}

// Chunk represents a row in the chunks table.
type Chunk struct {
	ID             string `json:"id"`
	DocumentID     string `json:"document_id"`
	Text           string `json:"text"`
	ChunkIndex     int    `json:"chunk_index"`
	PageNumber     int    `json:"page_number"`
	CharacterStart int    `json:"character_start"`
	CharacterEnd   int    `json:"character_end"`
}

// Image represents a row in the images table. Description is the
// generated caption that the image embedding was computed from.
type Image struct {
	ID          string `json:"id"`
	DocumentID  string `json:"document_id"`
	PageNumber  int    `json:"page_number"`
	Description string `json:"description"`
}

// --- Document operations ---

// InsertDocument inserts a document record and returns its ID. An empty ID
// is assigned a new UUID.
func (s *Store) InsertDocument(ctx context.Context, doc Document) (string, error) {
	if doc.ID == "" {
		doc.ID = newID()
	}
	if doc.Status == "" {
		doc.Status = "complete"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, file_path, file_name, status, page_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.FilePath, doc.FileName, doc.Status, doc.PageCount, now())
	if err != nil {
		return "", err
	}
	return doc.ID, nil
}

// GetDocument retrieves a document by ID.
func (s *Store) GetDocument(ctx context.Context, id string) (Document, bool, error) {
	var d Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, file_path, file_name, status, page_count, created_at
		FROM documents WHERE id = ?
	`, id).Scan(&d.ID, &d.FilePath, &d.FileName, &d.Status, &d.PageCount, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, err
	}
	return d, true, nil
}

// ListDocuments returns all documents ordered by creation time.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, file_path, file_name, status, page_count, created_at
		FROM documents ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.FilePath, &d.FileName, &d.Status, &d.PageCount, &d.CreatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// ExistingDocumentIDs returns the subset of ids that name stored documents,
// in input order.
func (s *Store) ExistingDocumentIDs(ctx context.Context, ids []string) ([]string, error) {
	found := make(map[string]bool, len(ids))
	err := inBatches(ids, batchSize, func(batch []string) error {
		rows, err := s.db.QueryContext(ctx,
			"SELECT id FROM documents WHERE id IN ("+placeholders(len(batch))+")",
			stringArgs(batch)...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			found[id] = true
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	var out []string
	for _, id := range ids {
		if found[id] {
			out = append(out, id)
			delete(found, id)
		}
	}
	return out, nil
}

// --- Chunk and image operations ---

// InsertChunks inserts a batch of chunks and returns their IDs.
func (s *Store) InsertChunks(ctx context.Context, chunks []Chunk) ([]string, error) {
	ids := make([]string, len(chunks))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (id, document_id, text, chunk_index, page_number, character_start, character_end)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, c := range chunks {
			if c.ID == "" {
				c.ID = newID()
			}
			if _, err := stmt.ExecContext(ctx, c.ID, c.DocumentID, c.Text, c.ChunkIndex,
				c.PageNumber, c.CharacterStart, c.CharacterEnd); err != nil {
				return fmt.Errorf("inserting chunk %d: %w", i, err)
			}
			ids[i] = c.ID
		}
		return nil
	})
	return ids, err
}

// GetChunk retrieves a chunk by ID.
func (s *Store) GetChunk(ctx context.Context, id string) (Chunk, bool, error) {
	var c Chunk
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, text, chunk_index, page_number, character_start, character_end
		FROM chunks WHERE id = ?
	`, id).Scan(&c.ID, &c.DocumentID, &c.Text, &c.ChunkIndex, &c.PageNumber,
		&c.CharacterStart, &c.CharacterEnd)
	if errors.Is(err, sql.ErrNoRows) {
		return Chunk{}, false, nil
	}
	if err != nil {
		return Chunk{}, false, err
	}
	return c, true, nil
}

// InsertImages inserts a batch of images and returns their IDs.
func (s *Store) InsertImages(ctx context.Context, images []Image) ([]string, error) {
	ids := make([]string, len(images))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for i, img := range images {
			if img.ID == "" {
				img.ID = newID()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO images (id, document_id, page_number, description) VALUES (?, ?, ?, ?)
			`, img.ID, img.DocumentID, img.PageNumber, img.Description); err != nil {
				return fmt.Errorf("inserting image %d: %w", i, err)
			}
			ids[i] = img.ID
		}
		return nil
	})
	return ids, err
}

// --- Embedding operations ---

// InsertChunkEmbedding stores a vector embedding for a chunk.
func (s *Store) InsertChunkEmbedding(ctx context.Context, chunkID string, embedding []float32) error {
	if len(embedding) != s.embeddingDim {
		return fmt.Errorf("embedding has %d dimensions, want %d", len(embedding), s.embeddingDim)
	}
	var seq int64
	err := s.db.QueryRowContext(ctx, "SELECT seq FROM chunks WHERE id = ?", chunkID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("chunk %s not found", chunkID)
	}
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO vec_chunks (chunk_seq, embedding) VALUES (?, ?)",
		seq, serializeFloat32(embedding))
	return err
}

// InsertImageEmbedding stores a vector embedding for an image description.
func (s *Store) InsertImageEmbedding(ctx context.Context, imageID string, embedding []float32) error {
	if len(embedding) != s.embeddingDim {
		return fmt.Errorf("embedding has %d dimensions, want %d", len(embedding), s.embeddingDim)
	}
	var seq int64
	err := s.db.QueryRowContext(ctx, "SELECT seq FROM images WHERE id = ?", imageID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("image %s not found", imageID)
	}
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO vec_images (image_seq, embedding) VALUES (?, ?)",
		seq, serializeFloat32(embedding))
	return err
}

// --- Cascade delete ---

// DeleteResult reports what a document cascade delete removed.
type DeleteResult struct {
	DocumentID      string `json:"document_id"`
	EntitiesDeleted int    `json:"entities_deleted"`
	LinksDeleted    int    `json:"links_deleted"`
	NodesDeleted    int    `json:"nodes_deleted"`
	NodesUpdated    int    `json:"nodes_updated"`
	EdgesDeleted    int    `json:"edges_deleted"`
	EdgesUpdated    int    `json:"edges_updated"`
}

// DeleteDocument removes a document with its chunks, images, embeddings,
// entities, mentions and node links. Nodes it supported are recomputed;
// nodes left without links are removed with their edges. The document is
// dropped from every edge's document_ids and edges left with no supporting
// document are removed. found is false when id names no document.
func (s *Store) DeleteDocument(ctx context.Context, id string) (res *DeleteResult, found bool, err error) {
	res = &DeleteResult{DocumentID: id}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents WHERE id = ?", id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return nil
		}
		found = true

		nodeIDs, err := queryStrings(ctx, tx,
			"SELECT DISTINCT node_id FROM node_entity_links WHERE document_id = ? ORDER BY node_id", id)
		if err != nil {
			return fmt.Errorf("loading affected nodes: %w", err)
		}

		r, err := tx.ExecContext(ctx, "DELETE FROM node_entity_links WHERE document_id = ?", id)
		if err != nil {
			return fmt.Errorf("deleting links: %w", err)
		}
		res.LinksDeleted = rowsAffected(r)

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_chunks WHERE chunk_seq IN (SELECT seq FROM chunks WHERE document_id = ?)
		`, id); err != nil {
			return fmt.Errorf("deleting chunk embeddings: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM vec_images WHERE image_seq IN (SELECT seq FROM images WHERE document_id = ?)
		`, id); err != nil {
			return fmt.Errorf("deleting image embeddings: %w", err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM entity_mentions WHERE document_id = ?", id); err != nil {
			return fmt.Errorf("deleting mentions: %w", err)
		}
		r, err = tx.ExecContext(ctx, "DELETE FROM entities WHERE document_id = ?", id)
		if err != nil {
			return fmt.Errorf("deleting entities: %w", err)
		}
		res.EntitiesDeleted = rowsAffected(r)

		gtx := &Tx{tx: tx, version: s.version}
		for _, nodeID := range nodeIDs {
			if err := gtx.RecomputeNodeStats(ctx, nodeID); err != nil {
				return err
			}
		}
		deleted, orphanEdges, err := gtx.DeleteOrphanNodes(ctx, nodeIDs)
		if err != nil {
			return err
		}
		res.NodesDeleted = deleted
		res.EdgesDeleted = orphanEdges
		res.NodesUpdated = len(nodeIDs) - deleted

		updated, removed, err := gtx.removeEdgeDocument(ctx, id)
		if err != nil {
			return err
		}
		res.EdgesUpdated = updated
		res.EdgesDeleted += removed

		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", id); err != nil {
			return fmt.Errorf("deleting chunks: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM images WHERE document_id = ?", id); err != nil {
			return fmt.Errorf("deleting images: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id); err != nil {
			return fmt.Errorf("deleting document: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return res, found, nil
}

func queryStrings(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if v.Valid {
			out = append(out, v.String)
		}
	}
	return out, rows.Err()
}

func rowsAffected(r sql.Result) int {
	n, err := r.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}
