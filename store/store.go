// Package store persists documents, extracted entities and the knowledge
// graph in SQLite, with sqlite-vec for embeddings. Build with
// -tags sqlite_fts5; without it opening a store fails with
// "no such module: fts5".
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

// Options controls how a store is opened.
type Options struct {
	// EmbeddingDim is the dimension of the vec0 embedding columns.
	EmbeddingDim int

	// SchemaVersion pins the migration target. Zero migrates to the latest
	// version shipped with this package.
	SchemaVersion uint
}

// Store wraps the SQLite database holding documents, extracted entities and
// the knowledge graph built from them.
type Store struct {
	db           *sql.DB
	embeddingDim int
	version      uint
}

// New opens (or creates) a SQLite database at the given path, migrates it to
// the latest schema and creates the vector tables.
func New(dbPath string, embeddingDim int) (*Store, error) {
	return Open(dbPath, Options{EmbeddingDim: embeddingDim})
}

// Open is New with explicit options.
func Open(dbPath string, opts Options) (*Store, error) {
	if opts.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", opts.EmbeddingDim)
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, embeddingDim: opts.EmbeddingDim}

	if err := s.Migrate(context.Background(), opts.SchemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", withFTS5Hint(err))
	}

	if _, err := db.Exec(vectorSchemaSQL(opts.EmbeddingDim)); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating vector tables: %w", err)
	}

	return s, nil
}

// withFTS5Hint names the missing build tag when the driver was compiled
// without FTS5.
func withFTS5Hint(err error) error {
	if err != nil && strings.Contains(err.Error(), "no such module: fts5") {
		return fmt.Errorf("%w (rebuild with -tags sqlite_fts5)", err)
	}
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// EmbeddingDim returns the configured embedding dimension.
func (s *Store) EmbeddingDim() int {
	return s.embeddingDim
}

// Version returns the schema version the store was migrated to.
func (s *Store) Version() uint {
	return s.version
}

// querier is the subset of *sql.DB and *sql.Tx the row helpers need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a write transaction over the graph tables. A node upsert, its links
// and the edges that touch it commit or roll back together.
type Tx struct {
	tx      *sql.Tx
	version uint
}

// InTx runs fn inside a transaction, committing when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(*Tx) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(&Tx{tx: tx, version: s.version})
	})
}

// DBStats holds row counts for the main tables.
type DBStats struct {
	Documents       int `json:"documents"`
	Chunks          int `json:"chunks"`
	Images          int `json:"images"`
	Embeddings      int `json:"embeddings"`
	Entities        int `json:"entities"`
	Nodes           int `json:"nodes"`
	Edges           int `json:"edges"`
	NodeEntityLinks int `json:"node_entity_links"`
}

// DBStats returns row counts for documents, chunks, entities and the graph.
func (s *Store) DBStats(ctx context.Context) (*DBStats, error) {
	stats := &DBStats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM documents", &stats.Documents},
		{"SELECT COUNT(*) FROM chunks", &stats.Chunks},
		{"SELECT COUNT(*) FROM images", &stats.Images},
		{"SELECT COUNT(*) FROM vec_chunks", &stats.Embeddings},
		{"SELECT COUNT(*) FROM entities", &stats.Entities},
		{"SELECT COUNT(*) FROM knowledge_nodes", &stats.Nodes},
		{"SELECT COUNT(*) FROM knowledge_edges", &stats.Edges},
		{"SELECT COUNT(*) FROM node_entity_links", &stats.NodeEntityLinks},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func newID() string {
	return uuid.NewString()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// placeholders returns "?, ?, ?" for n parameters.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// inList returns "column IN (...)" over a single JSON array argument (a
// StringSet), so list length never counts against the parameter limit.
func inList(column string) string {
	return column + " IN (SELECT value FROM json_each(?))"
}

// inBatches calls fn with consecutive slices of at most size ids, keeping
// each statement under SQLite's bound-parameter limit.
func inBatches(ids []string, size int, fn func(batch []string) error) error {
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		if err := fn(ids[i:end]); err != nil {
			return err
		}
	}
	return nil
}

const batchSize = 200

// serializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func serializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
