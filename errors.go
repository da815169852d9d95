package docgraph

import (
	"errors"

	"github.com/brunobiangulo/docgraph/apperr"
)

// Category sentinels. errors.Is matches any error of the same category, so
// errors.Is(err, ErrNoEntities) holds for every NO_ENTITIES failure.
var (
	// ErrValidation is returned for malformed input, before the store is touched.
	ErrValidation = apperr.New(apperr.Validation, "validation failed")

	// ErrDocumentNotFound is returned when a document ID does not exist.
	ErrDocumentNotFound = apperr.New(apperr.DocumentNotFound, "document not found")

	// ErrNodeNotFound is returned when a knowledge node ID does not exist.
	ErrNodeNotFound = apperr.New(apperr.NodeNotFound, "node not found")

	// ErrNoEntities is returned when a graph build finds nothing to resolve.
	ErrNoEntities = apperr.New(apperr.NoEntities, "no entities in scope")

	// ErrRetrievalLegFailed is returned when both retrieval legs failed.
	ErrRetrievalLegFailed = apperr.New(apperr.RetrievalLegFailed, "retrieval failed")

	// ErrStore is returned when the underlying store fails.
	ErrStore = apperr.New(apperr.StoreFailure, "store failure")
)

var (
	// ErrStoreClosed is returned when operating on a closed engine.
	ErrStoreClosed = errors.New("docgraph: store is closed")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("docgraph: invalid configuration")
)
