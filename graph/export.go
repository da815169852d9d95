package graph

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/brunobiangulo/docgraph/apperr"
	"github.com/brunobiangulo/docgraph/store"
)

// Format is a node export/import serialization.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat maps a case-insensitive name to a Format.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case FormatJSON, FormatCSV, FormatXLSX:
		return f, nil
	}
	return "", apperr.Newf(apperr.Validation, "unsupported format %q", name)
}

// aliasSeparator joins aliases in the flat CSV and XLSX layouts.
const aliasSeparator = "|"

const xlsxSheet = "nodes"

// NodeRecord is the portable form of a knowledge node.
type NodeRecord struct {
	CanonicalName  string   `json:"canonical_name"`
	NormalizedName string   `json:"normalized_name"`
	EntityType     string   `json:"entity_type"`
	DocumentCount  int      `json:"document_count"`
	MentionCount   int      `json:"mention_count"`
	AvgConfidence  float64  `json:"avg_confidence"`
	Aliases        []string `json:"aliases"`
}

var exportColumns = []string{
	"canonical_name", "normalized_name", "entity_type", "document_count",
	"mention_count", "avg_confidence", "aliases",
}

func (r NodeRecord) row() []string {
	return []string{
		r.CanonicalName,
		r.NormalizedName,
		r.EntityType,
		strconv.Itoa(r.DocumentCount),
		strconv.Itoa(r.MentionCount),
		strconv.FormatFloat(r.AvgConfidence, 'f', 4, 64),
		strings.Join(r.Aliases, aliasSeparator),
	}
}

// ExportOptions narrows an export. Limit <= 0 exports every node.
type ExportOptions struct {
	EntityType string
	Limit      int
}

// ExportNodes writes the nodes to w in the given format, ordered by mention
// count, and returns how many were written.
func ExportNodes(ctx context.Context, s *store.Store, w io.Writer, format Format, opts ExportOptions) (int, error) {
	nodes, err := s.ListNodes(ctx, store.NodeFilter{EntityType: opts.EntityType, Limit: opts.Limit})
	if err != nil {
		return 0, apperr.Store(err, "loading nodes for export")
	}
	records := make([]NodeRecord, len(nodes))
	for i, n := range nodes {
		aliases := []string(n.Aliases)
		if aliases == nil {
			aliases = []string{}
		}
		records[i] = NodeRecord{
			CanonicalName:  n.CanonicalName,
			NormalizedName: n.NormalizedName,
			EntityType:     n.EntityType,
			DocumentCount:  n.DocumentCount,
			MentionCount:   n.MentionCount,
			AvgConfidence:  n.AvgConfidence,
			Aliases:        aliases,
		}
	}

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err = enc.Encode(records)
	case FormatCSV:
		err = writeCSV(w, records)
	case FormatXLSX:
		err = writeXLSX(w, records)
	default:
		return 0, apperr.Newf(apperr.Validation, "unsupported export format %q", format)
	}
	if err != nil {
		return 0, fmt.Errorf("writing %s export: %w", format, err)
	}
	return len(records), nil
}

func writeCSV(w io.Writer, records []NodeRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportColumns); err != nil {
		return err
	}
	for _, r := range records {
		if err := cw.Write(r.row()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeXLSX(w io.Writer, records []NodeRecord) error {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", xlsxSheet); err != nil {
		return err
	}

	header := make([]any, len(exportColumns))
	for i, c := range exportColumns {
		header[i] = c
	}
	if err := f.SetSheetRow(xlsxSheet, "A1", &header); err != nil {
		return err
	}
	for i, r := range records {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []any{
			r.CanonicalName, r.NormalizedName, r.EntityType, r.DocumentCount,
			r.MentionCount, r.AvgConfidence, strings.Join(r.Aliases, aliasSeparator),
		}
		if err := f.SetSheetRow(xlsxSheet, cell, &row); err != nil {
			return err
		}
	}
	_, err := f.WriteTo(w)
	return err
}

// ImportRecord is a node record from another database, carrying the
// identity of the node there.
type ImportRecord struct {
	NodeRecord
	SourceDatabase string `json:"source_database" validate:"required"`
	ExternalID     string `json:"external_id" validate:"required"`
}

// key returns the normalized name the record matches on.
func (r ImportRecord) key() string {
	if r.NormalizedName != "" {
		return store.NormalizeText(r.NormalizedName)
	}
	return store.NormalizeText(r.CanonicalName)
}

// DecodeImport reads import records in the given format. CSV and XLSX input
// needs a header row naming the columns; unknown columns are ignored.
func DecodeImport(r io.Reader, format Format) ([]ImportRecord, error) {
	switch format {
	case FormatJSON:
		var records []ImportRecord
		if err := json.NewDecoder(r).Decode(&records); err != nil {
			return nil, apperr.Wrap(apperr.Validation, err, "decoding JSON import")
		}
		return records, nil
	case FormatCSV:
		rows, err := csv.NewReader(r).ReadAll()
		if err != nil {
			return nil, apperr.Wrap(apperr.Validation, err, "decoding CSV import")
		}
		return recordsFromRows(rows)
	case FormatXLSX:
		f, err := excelize.OpenReader(r)
		if err != nil {
			return nil, apperr.Wrap(apperr.Validation, err, "opening XLSX import")
		}
		defer f.Close()
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, nil
		}
		rows, err := f.GetRows(sheets[0])
		if err != nil {
			return nil, apperr.Wrap(apperr.Validation, err, "reading XLSX import")
		}
		return recordsFromRows(rows)
	}
	return nil, apperr.Newf(apperr.Validation, "unsupported import format %q", format)
}

func recordsFromRows(rows [][]string) ([]ImportRecord, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	col := make(map[string]int)
	for i, name := range rows[0] {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	get := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	records := make([]ImportRecord, 0, len(rows)-1)
	for n, row := range rows[1:] {
		rec := ImportRecord{
			NodeRecord: NodeRecord{
				CanonicalName:  get(row, "canonical_name"),
				NormalizedName: get(row, "normalized_name"),
				EntityType:     get(row, "entity_type"),
			},
			SourceDatabase: get(row, "source_database"),
			ExternalID:     get(row, "external_id"),
		}
		if v := get(row, "aliases"); v != "" {
			rec.Aliases = strings.Split(v, aliasSeparator)
		}
		var err error
		if rec.DocumentCount, err = atoiOrZero(get(row, "document_count")); err != nil {
			return nil, apperr.Wrap(apperr.Validation, err, fmt.Sprintf("row %d: document_count", n+2))
		}
		if rec.MentionCount, err = atoiOrZero(get(row, "mention_count")); err != nil {
			return nil, apperr.Wrap(apperr.Validation, err, fmt.Sprintf("row %d: mention_count", n+2))
		}
		if v := get(row, "avg_confidence"); v != "" {
			if rec.AvgConfidence, err = strconv.ParseFloat(v, 64); err != nil {
				return nil, apperr.Wrap(apperr.Validation, err, fmt.Sprintf("row %d: avg_confidence", n+2))
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func atoiOrZero(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// ImportOptions configures ImportNodes.
type ImportOptions struct {
	// DryRun reports matches without writing.
	DryRun bool
}

// ImportMatch pairs an import record with a local node.
type ImportMatch struct {
	SourceDatabase string `json:"source_database"`
	ExternalID     string `json:"external_id"`
	NodeID         string `json:"node_id"`
	CanonicalName  string `json:"canonical_name"`
	EntityType     string `json:"entity_type"`
	AlreadyLinked  bool   `json:"already_linked"`
}

// ImportResult summarizes an import.
type ImportResult struct {
	DryRun    bool           `json:"dry_run"`
	Total     int            `json:"total"`
	Matched   int            `json:"matched"`
	Linked    int            `json:"linked"`
	Matches   []ImportMatch  `json:"matches"`
	Unmatched []ImportRecord `json:"unmatched,omitempty"`
}

// ImportNodes matches records to local nodes by (normalized name, entity
// type), or by normalized name alone when the record has no type. Unless
// DryRun is set, each match gets {source_database, external_id, linked_at}
// appended to its metadata.external_links, once per (source_database,
// external_id). Every record is validated before the store is touched.
func ImportNodes(ctx context.Context, s *store.Store, records []ImportRecord, opts ImportOptions) (*ImportResult, error) {
	for i, rec := range records {
		if err := apperr.Validate(rec, fmt.Sprintf("import record %d is invalid", i)); err != nil {
			return nil, err
		}
		if rec.key() == "" {
			return nil, apperr.Newf(apperr.Validation, "import record %d has no name", i)
		}
	}

	res := &ImportResult{DryRun: opts.DryRun, Total: len(records)}
	linkedAt := time.Now().UTC().Format(time.RFC3339)
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		nodes, err := matchNodes(ctx, s, rec)
		if err != nil {
			return nil, apperr.Store(err, "matching import record")
		}
		if len(nodes) == 0 {
			res.Unmatched = append(res.Unmatched, rec)
			continue
		}
		res.Matched++
		for _, n := range nodes {
			md, already := addExternalLink(n.Metadata, rec.SourceDatabase, rec.ExternalID, linkedAt)
			res.Matches = append(res.Matches, ImportMatch{
				SourceDatabase: rec.SourceDatabase,
				ExternalID:     rec.ExternalID,
				NodeID:         n.ID,
				CanonicalName:  n.CanonicalName,
				EntityType:     n.EntityType,
				AlreadyLinked:  already,
			})
			if opts.DryRun || already {
				continue
			}
			if _, err := s.UpdateNodeMetadata(ctx, n.ID, md); err != nil {
				return nil, apperr.Store(err, "recording external link")
			}
			res.Linked++
		}
	}
	slog.Info("graph: import finished", "total", res.Total, "matched", res.Matched,
		"linked", res.Linked, "dry_run", opts.DryRun)
	return res, nil
}

func matchNodes(ctx context.Context, s *store.Store, rec ImportRecord) ([]store.Node, error) {
	if rec.EntityType == "" {
		return s.NodesByNormalizedName(ctx, rec.key())
	}
	n, found, err := s.GetNodeByKey(ctx, rec.key(), rec.EntityType)
	if err != nil || !found {
		return nil, err
	}
	return []store.Node{n}, nil
}

// addExternalLink returns md with the link appended to external_links, and
// whether an equal (source_database, external_id) link was already there.
func addExternalLink(md store.Metadata, sourceDB, externalID, linkedAt string) (store.Metadata, bool) {
	out := make(store.Metadata, len(md)+1)
	for k, v := range md {
		out[k] = v
	}
	links, _ := out["external_links"].([]any)
	for _, l := range links {
		m, ok := l.(map[string]any)
		if ok && m["source_database"] == sourceDB && m["external_id"] == externalID {
			return md, true
		}
	}
	out["external_links"] = append(append([]any{}, links...), map[string]any{
		"source_database": sourceDB,
		"external_id":     externalID,
		"linked_at":       linkedAt,
	})
	return out, false
}
