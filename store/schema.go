package store

import "fmt"

// vectorSchemaSQL returns the DDL for the vec0 tables. They are created
// outside the migrations because their dimension comes from configuration.
// Rows are keyed by the owning table's seq rowid.
func vectorSchemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
    chunk_seq INTEGER PRIMARY KEY,
    embedding float[%d] distance_metric=cosine
);

CREATE VIRTUAL TABLE IF NOT EXISTS vec_images USING vec0(
    image_seq INTEGER PRIMARY KEY,
    embedding float[%d] distance_metric=cosine
);
`, embeddingDim, embeddingDim)
}
