package graph

import "sort"

// Rule maps an unordered pair of entity types to a relationship.
// SourceType names which of A and B is the edge source for directional
// relationship types.
type Rule struct {
	A                string  `json:"a" yaml:"a"`
	B                string  `json:"b" yaml:"b"`
	RelationshipType string  `json:"relationship_type" yaml:"relationship_type"`
	Confidence       float64 `json:"confidence" yaml:"confidence"`
	SourceType       string  `json:"source_type,omitempty" yaml:"source_type,omitempty"`
}

// Classification is the result of classifying a type pair.
type Classification struct {
	RelationshipType string
	Confidence       float64
	SourceType       string
}

// DefaultRules returns the built-in rule table.
func DefaultRules() []Rule {
	return []Rule{
		{EntityPerson, EntityOrganization, RelWorksAt, 0.75, EntityPerson},
		{EntityCaseNumber, EntityDate, RelFiledIn, 0.85, EntityCaseNumber},
		{EntityExhibit, EntityCaseNumber, RelReferences, 0.80, EntityExhibit},
		{EntityDate, EntityPerson, RelOccurredAt, 0.70, EntityPerson},
		{EntityDate, EntityOrganization, RelOccurredAt, 0.70, EntityOrganization},
		{EntityDate, EntityLocation, RelOccurredAt, 0.70, EntityLocation},
		{EntityMedication, EntityMedicalDevice, RelRelatedTo, 0.70, ""},
		{EntityMedication, EntityDiagnosis, RelRelatedTo, 0.80, ""},
		{EntityMedicalDevice, EntityDiagnosis, RelRelatedTo, 0.70, ""},
		{EntityPerson, EntityMedication, RelReferences, 0.60, EntityPerson},
		{EntityPerson, EntityDiagnosis, RelReferences, 0.65, EntityPerson},
		{EntityPerson, EntityMedicalDevice, RelReferences, 0.60, EntityPerson},
		{EntityStatute, EntityCaseNumber, RelCites, 0.90, EntityCaseNumber},
		{EntityAmount, EntityPerson, RelReferences, 0.60, EntityPerson},
		{EntityOrganization, EntityLocation, RelLocatedIn, 0.75, EntityOrganization},
		{EntityPerson, EntityLocation, RelLocatedIn, 0.60, EntityPerson},
		{EntityPerson, EntityCaseNumber, RelPartyTo, 0.75, EntityPerson},
		{EntityOrganization, EntityCaseNumber, RelPartyTo, 0.75, EntityOrganization},
		{EntityAmount, EntityOrganization, RelReferences, 0.60, EntityOrganization},
		{EntityAmount, EntityCaseNumber, RelReferences, 0.65, EntityCaseNumber},
		{EntityExhibit, EntityPerson, RelReferences, 0.60, EntityExhibit},
		{EntityExhibit, EntityDate, RelOccurredAt, 0.70, EntityExhibit},
		{EntityStatute, EntityOrganization, RelReferences, 0.60, EntityOrganization},
		{EntityAmount, EntityDate, RelOccurredAt, 0.60, EntityAmount},
		{EntityDiagnosis, EntityDate, RelOccurredAt, 0.70, EntityDiagnosis},
		{EntityMedication, EntityDate, RelOccurredAt, 0.65, EntityMedication},
	}
}

type typePair struct{ a, b string }

func pairKey(a, b string) typePair {
	if b < a {
		a, b = b, a
	}
	return typePair{a, b}
}

// Classifier looks up relationship rules for unordered entity type pairs.
// It is immutable after construction and safe for concurrent use.
type Classifier struct {
	rules map[typePair]Classification
}

// NewClassifier builds a classifier from DefaultRules. Each override
// replaces the default rule for the same unordered pair, or adds a new one.
func NewClassifier(overrides ...Rule) *Classifier {
	c := &Classifier{rules: make(map[typePair]Classification)}
	for _, r := range append(DefaultRules(), overrides...) {
		if r.A == "" || r.B == "" || r.RelationshipType == "" {
			continue
		}
		c.rules[pairKey(r.A, r.B)] = Classification{
			RelationshipType: r.RelationshipType,
			Confidence:       r.Confidence,
			SourceType:       r.SourceType,
		}
	}
	return c
}

// Classify returns the rule for the unordered pair (a, b). The result does
// not depend on argument order.
func (c *Classifier) Classify(a, b string) (Classification, bool) {
	cl, ok := c.rules[pairKey(a, b)]
	return cl, ok
}

// Pairs lists the classified pairs, each with A <= B, sorted.
func (c *Classifier) Pairs() [][2]string {
	out := make([][2]string, 0, len(c.rules))
	for k := range c.rules {
		out = append(out, [2]string{k.a, k.b})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}
