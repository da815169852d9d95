package graph

import (
	"sort"

	"github.com/brunobiangulo/docgraph/store"
)

// ResolutionMode selects how entities are merged into nodes.
type ResolutionMode string

const (
	// ModeExact merges entities with identical (entity_type, normalized_text).
	ModeExact ResolutionMode = "exact"
	// ModeFuzzy additionally merges same-type names whose similarity reaches
	// the fuzzy threshold.
	ModeFuzzy ResolutionMode = "fuzzy"
)

// DefaultFuzzyThreshold is the similarity at which fuzzy mode merges names.
const DefaultFuzzyThreshold = 0.85

// ResolverConfig configures a Resolver. Zero values select the defaults.
type ResolverConfig struct {
	Mode           ResolutionMode
	FuzzyThreshold float64
	Similarity     Similarity
}

// Member is one entity assigned to a cluster.
type Member struct {
	Entity          store.Entity
	SimilarityScore float64
}

// Cluster is a group of entities that denote the same real-world entity,
// with its aggregate profile.
type Cluster struct {
	EntityType     string
	NormalizedName string
	CanonicalName  string
	Aliases        store.StringSet
	Members        []Member
	AvgConfidence  float64
	DocumentCount  int
	MentionCount   int
}

// Resolver clusters entity mentions into canonical nodes.
type Resolver struct {
	mode      ResolutionMode
	threshold float64
	sim       Similarity
}

// NewResolver creates a resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	r := &Resolver{mode: cfg.Mode, threshold: cfg.FuzzyThreshold, sim: cfg.Similarity}
	if r.mode == "" {
		r.mode = ModeExact
	}
	if r.threshold <= 0 {
		r.threshold = DefaultFuzzyThreshold
	}
	if r.sim == nil {
		r.sim = LevenshteinSimilarity
	}
	return r
}

// Anchor is an existing node that fuzzy resolution can merge entities into.
// A cluster that reaches an anchor takes its normalized name, so it resolves
// to that node instead of a new one.
type Anchor struct {
	EntityType     string
	NormalizedName string
	MentionCount   int
}

type exactKey struct {
	entityType string
	normalized string
}

type exactGroup struct {
	key      exactKey
	entities []store.Entity
	conf     float64

	anchor         bool
	anchorMentions int
}

// Resolve clusters entities. The output is deterministic for a given input
// set regardless of input order: clusters are sorted by (entity type,
// normalized name) and members by entity ID. Entities with an empty
// normalized text are ignored.
func (r *Resolver) Resolve(entities []store.Entity) []Cluster {
	return r.ResolveWith(entities, nil)
}

// ResolveWith is Resolve against existing nodes. In fuzzy mode each anchor
// joins the comparison as a group without members, and a cluster containing
// anchors is keyed by the largest one. Anchors are ignored in exact mode,
// where the key alone already identifies the node.
func (r *Resolver) ResolveWith(entities []store.Entity, anchors []Anchor) []Cluster {
	groups := make(map[exactKey]*exactGroup)
	for _, e := range entities {
		norm := e.NormalizedText
		if norm == "" {
			norm = store.NormalizeText(e.RawText)
		}
		if norm == "" {
			continue
		}
		e.NormalizedText = norm
		k := exactKey{e.EntityType, norm}
		g := groups[k]
		if g == nil {
			g = &exactGroup{key: k}
			groups[k] = g
		}
		g.entities = append(g.entities, e)
		g.conf += e.Confidence
	}
	if len(groups) == 0 {
		return nil
	}
	if r.mode == ModeFuzzy {
		for _, a := range anchors {
			if a.NormalizedName == "" {
				continue
			}
			k := exactKey{a.EntityType, a.NormalizedName}
			g := groups[k]
			if g == nil {
				g = &exactGroup{key: k}
				groups[k] = g
			}
			g.anchor = true
			g.anchorMentions = a.MentionCount
		}
	}

	keys := make([]exactKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].entityType != keys[j].entityType {
			return keys[i].entityType < keys[j].entityType
		}
		return keys[i].normalized < keys[j].normalized
	})

	uf := newUnionFind(len(keys))
	if r.mode == ModeFuzzy {
		for i := range keys {
			for j := i + 1; j < len(keys) && keys[j].entityType == keys[i].entityType; j++ {
				// Two existing nodes are never merged with each other here.
				if len(groups[keys[i]].entities) == 0 && len(groups[keys[j]].entities) == 0 {
					continue
				}
				if r.sim(keys[i].normalized, keys[j].normalized) >= r.threshold {
					uf.union(i, j)
				}
			}
		}
	}

	byRoot := make(map[int][]*exactGroup)
	var roots []int
	for i, k := range keys {
		root := uf.find(i)
		if _, ok := byRoot[root]; !ok {
			roots = append(roots, root)
		}
		byRoot[root] = append(byRoot[root], groups[k])
	}

	clusters := make([]Cluster, 0, len(roots))
	for _, root := range roots {
		if !hasEntities(byRoot[root]) {
			continue
		}
		clusters = append(clusters, r.buildCluster(byRoot[root]))
	}
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].EntityType != clusters[j].EntityType {
			return clusters[i].EntityType < clusters[j].EntityType
		}
		return clusters[i].NormalizedName < clusters[j].NormalizedName
	})
	return clusters
}

func hasEntities(groups []*exactGroup) bool {
	for _, g := range groups {
		if len(g.entities) > 0 {
			return true
		}
	}
	return false
}

// leadAnchor returns the anchor with the most mentions corpus-wide, then the
// most members in scope, then the smallest name. Nil when there is none.
func leadAnchor(groups []*exactGroup) *exactGroup {
	var lead *exactGroup
	for _, g := range groups {
		switch {
		case !g.anchor:
		case lead == nil:
			lead = g
		case g.anchorMentions != lead.anchorMentions:
			if g.anchorMentions > lead.anchorMentions {
				lead = g
			}
		case len(g.entities) != len(lead.entities):
			if len(g.entities) > len(lead.entities) {
				lead = g
			}
		case g.key.normalized < lead.key.normalized:
			lead = g
		}
	}
	return lead
}

func (r *Resolver) buildCluster(groups []*exactGroup) Cluster {
	if lead := leadAnchor(groups); lead != nil {
		return r.clusterAround(lead, groups)
	}
	// Otherwise the largest exact group names the cluster.
	lead := groups[0]
	for _, g := range groups[1:] {
		switch {
		case len(g.entities) > len(lead.entities):
			lead = g
		case len(g.entities) < len(lead.entities):
		case g.conf > lead.conf:
			lead = g
		case g.conf == lead.conf && g.key.normalized < lead.key.normalized:
			lead = g
		}
	}
	return r.clusterAround(lead, groups)
}

func (r *Resolver) clusterAround(lead *exactGroup, groups []*exactGroup) Cluster {
	c := Cluster{EntityType: lead.key.entityType, NormalizedName: lead.key.normalized}
	var forms []store.SurfaceForm
	docs := make(map[string]bool)
	var total float64
	for _, g := range groups {
		score := 1.0
		if g != lead {
			score = r.sim(g.key.normalized, lead.key.normalized)
		}
		for _, e := range g.entities {
			c.Members = append(c.Members, Member{Entity: e, SimilarityScore: score})
			forms = append(forms, store.SurfaceForm{Text: e.RawText, Confidence: e.Confidence})
			docs[e.DocumentID] = true
			total += e.Confidence
		}
	}
	sort.Slice(c.Members, func(i, j int) bool { return c.Members[i].Entity.ID < c.Members[j].Entity.ID })

	c.CanonicalName = store.ChooseCanonical(forms)
	aliases := store.NewStringSet()
	for _, f := range forms {
		if f.Text != c.CanonicalName {
			aliases = aliases.Union(f.Text)
		}
	}
	c.Aliases = aliases
	c.MentionCount = len(c.Members)
	c.DocumentCount = len(docs)
	c.AvgConfidence = total / float64(len(c.Members))
	return c
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

// union keeps the smaller index as root so roots follow key order.
func (u *unionFind) union(i, j int) {
	ri, rj := u.find(i), u.find(j)
	if ri == rj {
		return
	}
	if rj < ri {
		ri, rj = rj, ri
	}
	u.parent[rj] = ri
}
