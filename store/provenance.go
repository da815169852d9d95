package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Provenance is an append-only lineage record for one processing step.
type Provenance struct {
	ID                   string         `json:"id"`
	Type                 string         `json:"type"`
	Processor            string         `json:"processor"`
	ProcessingParams     map[string]any `json:"processing_params"`
	ProcessingDurationMs int64          `json:"processing_duration_ms"`
	ParentID             string         `json:"parent_id,omitempty"`
	RootDocumentID       string         `json:"root_document_id,omitempty"`
	CreatedAt            string         `json:"created_at"`
}

// InsertProvenance appends a provenance record. An empty ID is assigned a
// new UUID; the ID is returned.
func (s *Store) InsertProvenance(ctx context.Context, p Provenance) (string, error) {
	if p.ID == "" {
		p.ID = newID()
	}
	params, err := Metadata(p.ProcessingParams).Value()
	if err != nil {
		return "", fmt.Errorf("encoding processing params: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO provenance (id, type, processor, processing_params, processing_duration_ms,
			parent_id, root_document_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Type, p.Processor, params, p.ProcessingDurationMs, nullString(p.ParentID),
		nullString(p.RootDocumentID), now())
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// GetProvenance retrieves a provenance record by ID.
func (s *Store) GetProvenance(ctx context.Context, id string) (Provenance, bool, error) {
	var p Provenance
	var params string
	var parent, root sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, type, processor, processing_params, processing_duration_ms, parent_id,
			root_document_id, created_at
		FROM provenance WHERE id = ?
	`, id).Scan(&p.ID, &p.Type, &p.Processor, &params, &p.ProcessingDurationMs, &parent, &root, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Provenance{}, false, nil
	}
	if err != nil {
		return Provenance{}, false, err
	}
	if err := json.Unmarshal([]byte(params), &p.ProcessingParams); err != nil {
		return Provenance{}, false, fmt.Errorf("decoding processing params: %w", err)
	}
	p.ParentID = parent.String
	p.RootDocumentID = root.String
	return p, true, nil
}
