package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Entity represents a row in the entities table: one extracted occurrence of
// a named thing in one document. Entities are written by extraction and are
// read-only to graph construction.
type Entity struct {
	ID             string    `json:"id"`
	DocumentID     string    `json:"document_id"`
	EntityType     string    `json:"entity_type"`
	RawText        string    `json:"raw_text"`
	NormalizedText string    `json:"normalized_text"`
	Confidence     float64   `json:"confidence"`
	ProvenanceID   string    `json:"provenance_id,omitempty"`
	Mentions       []Mention `json:"mentions,omitempty"`
}

// Mention represents a row in the entity_mentions table.
type Mention struct {
	ID             string `json:"id"`
	EntityID       string `json:"entity_id"`
	DocumentID     string `json:"document_id"`
	ChunkID        string `json:"chunk_id,omitempty"`
	PageNumber     int    `json:"page_number"`
	CharacterStart int    `json:"character_start"`
	CharacterEnd   int    `json:"character_end"`
	ContextText    string `json:"context_text,omitempty"`
}

// InsertEntities stores extracted entities together with their mentions and
// returns the entity IDs. NormalizedText defaults to NormalizeText(RawText).
func (s *Store) InsertEntities(ctx context.Context, entities []Entity) ([]string, error) {
	ids := make([]string, len(entities))
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		ts := now()
		for i, e := range entities {
			if e.ID == "" {
				e.ID = newID()
			}
			if e.NormalizedText == "" {
				e.NormalizedText = NormalizeText(e.RawText)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO entities (id, document_id, entity_type, raw_text, normalized_text,
					confidence, provenance_id, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, e.ID, e.DocumentID, e.EntityType, e.RawText, e.NormalizedText,
				e.Confidence, nullString(e.ProvenanceID), ts); err != nil {
				return fmt.Errorf("inserting entity %q: %w", e.RawText, err)
			}
			for _, m := range e.Mentions {
				if m.ID == "" {
					m.ID = newID()
				}
				if m.DocumentID == "" {
					m.DocumentID = e.DocumentID
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO entity_mentions (id, entity_id, document_id, chunk_id, page_number,
						character_start, character_end, context_text)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				`, m.ID, e.ID, m.DocumentID, nullString(m.ChunkID), m.PageNumber,
					m.CharacterStart, m.CharacterEnd, m.ContextText); err != nil {
					return fmt.Errorf("inserting mention of %q: %w", e.RawText, err)
				}
			}
			ids[i] = e.ID
		}
		return nil
	})
	return ids, err
}

// ListEntities returns the entities of the given documents, or of the whole
// corpus when documentIDs is empty, with their mentions attached. Rows are
// ordered by document then id so callers see a stable sequence.
func (s *Store) ListEntities(ctx context.Context, documentIDs []string) ([]Entity, error) {
	var entities []Entity
	scan := func(query string, args ...any) error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e Entity
			var prov sql.NullString
			if err := rows.Scan(&e.ID, &e.DocumentID, &e.EntityType, &e.RawText,
				&e.NormalizedText, &e.Confidence, &prov); err != nil {
				return err
			}
			e.ProvenanceID = prov.String
			entities = append(entities, e)
		}
		return rows.Err()
	}

	const cols = `SELECT id, document_id, entity_type, raw_text, normalized_text, confidence, provenance_id FROM entities`
	if len(documentIDs) == 0 {
		if err := scan(cols + " ORDER BY document_id, id"); err != nil {
			return nil, err
		}
	} else {
		err := inBatches(documentIDs, batchSize, func(batch []string) error {
			return scan(cols+" WHERE document_id IN ("+placeholders(len(batch))+") ORDER BY document_id, id",
				stringArgs(batch)...)
		})
		if err != nil {
			return nil, err
		}
	}

	if len(entities) == 0 {
		return nil, nil
	}

	index := make(map[string]int, len(entities))
	ids := make([]string, len(entities))
	for i, e := range entities {
		index[e.ID] = i
		ids[i] = e.ID
	}
	err := inBatches(ids, batchSize, func(batch []string) error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, entity_id, document_id, chunk_id, page_number, character_start,
				character_end, context_text
			FROM entity_mentions WHERE entity_id IN (`+placeholders(len(batch))+`)
			ORDER BY entity_id, character_start, id
		`, stringArgs(batch)...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var m Mention
			var chunkID sql.NullString
			if err := rows.Scan(&m.ID, &m.EntityID, &m.DocumentID, &chunkID, &m.PageNumber,
				&m.CharacterStart, &m.CharacterEnd, &m.ContextText); err != nil {
				return err
			}
			m.ChunkID = chunkID.String
			i := index[m.EntityID]
			entities[i].Mentions = append(entities[i].Mentions, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("loading mentions: %w", err)
	}
	return entities, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
