package graph

// Entity types the classifier and maintenance scans know about. Extraction
// may produce other types; they take part in co-occurrence edges only.
const (
	EntityPerson        = "person"
	EntityOrganization  = "organization"
	EntityLocation      = "location"
	EntityDate          = "date"
	EntityAmount        = "amount"
	EntityCaseNumber    = "case_number"
	EntityExhibit       = "exhibit"
	EntityStatute       = "statute"
	EntityMedication    = "medication"
	EntityMedicalDevice = "medical_device"
	EntityDiagnosis     = "diagnosis"
)

// Generic relationship types.
const (
	RelCoMentioned = "co_mentioned"
	RelCoLocated   = "co_located"
	RelReferences  = "references"
	RelRelatedTo   = "related_to"
)

// Classified relationship types.
const (
	RelWorksAt    = "works_at"
	RelFiledIn    = "filed_in"
	RelOccurredAt = "occurred_at"
	RelCites      = "cites"
	RelLocatedIn  = "located_in"
	RelPartyTo    = "party_to"
)

// IsGeneric reports whether relType belongs to the generic vocabulary.
func IsGeneric(relType string) bool {
	switch relType {
	case RelCoMentioned, RelCoLocated, RelReferences, RelRelatedTo:
		return true
	}
	return false
}

// IsCoOccurrence reports whether relType is inferred purely from two
// entities appearing together.
func IsCoOccurrence(relType string) bool {
	return relType == RelCoMentioned || relType == RelCoLocated
}

// IsSymmetric reports whether relType has no direction. Edges of symmetric
// types are stored with the lexically smaller node ID as source.
func IsSymmetric(relType string) bool {
	switch relType {
	case RelCoMentioned, RelCoLocated, RelRelatedTo:
		return true
	}
	return false
}
