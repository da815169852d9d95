package retrieval

import (
	"sort"
)

// DefaultRRFK is the RRF rank constant.
const DefaultRRFK = 60

// minWeight keeps a zero weight from silencing a leg entirely.
const minWeight = 0.01

// Ranked is one candidate from a retrieval leg, best first. Exactly one of
// ChunkID, ImageID and ExtractionID identifies it.
type Ranked struct {
	ChunkID      string
	ImageID      string
	ExtractionID string
	DocumentID   string
	FileName     string
	Text         string
	PageNumber   int

	// Rank is the 1-based position in the leg. Zero means list position.
	Rank int
	// Score is the leg's native score (BM25 or cosine similarity).
	Score float64
}

// Key identifies the candidate across legs.
func (r Ranked) Key() string {
	switch {
	case r.ChunkID != "":
		return "chunk:" + r.ChunkID
	case r.ImageID != "":
		return "image:" + r.ImageID
	case r.ExtractionID != "":
		return "extraction:" + r.ExtractionID
	}
	return ""
}

// Fused is a candidate after fusion.
type Fused struct {
	Key   string
	Item  Ranked
	Score float64

	// LexicalRank and VectorRank are 1-based, zero when absent from the leg.
	LexicalRank int
	VectorRank  int
}

func (f Fused) minRank() int {
	switch {
	case f.LexicalRank == 0:
		return f.VectorRank
	case f.VectorRank == 0:
		return f.LexicalRank
	}
	return min(f.LexicalRank, f.VectorRank)
}

// FuseOptions configures Fuse. Zero K selects DefaultRRFK; Limit <= 0
// keeps every candidate.
type FuseOptions struct {
	Limit         int
	K             int
	WeightLexical float64
	WeightVector  float64
}

// FuseOutput is the fused list. Degraded is set when exactly one input was
// empty, in which case Mode names the surviving leg.
type FuseOutput struct {
	Results  []Fused
	Degraded bool
	Mode     string
}

// Fuse merges the lexical and vector lists with weighted Reciprocal Rank
// Fusion: each appearance at rank r contributes weight / (k + r). Results
// are sorted by summed score, then by the better of the two ranks, then by
// key. Candidates without an identity are dropped, and a candidate listed
// twice in one leg keeps its best rank.
func Fuse(lexical, vector []Ranked, opts FuseOptions) FuseOutput {
	k := opts.K
	if k <= 0 {
		k = DefaultRRFK
	}
	wLex := max(opts.WeightLexical, minWeight)
	wVec := max(opts.WeightVector, minWeight)

	fused := make(map[string]*Fused)
	add := func(list []Ranked, weight float64, lex bool) {
		seen := make(map[string]bool, len(list))
		for i, r := range list {
			key := r.Key()
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			rank := r.Rank
			if rank <= 0 {
				rank = i + 1
			}
			f := fused[key]
			if f == nil {
				f = &Fused{Key: key, Item: r}
				fused[key] = f
			}
			f.Score += weight / float64(k+rank)
			if lex {
				f.LexicalRank = rank
			} else {
				f.VectorRank = rank
			}
		}
	}
	add(lexical, wLex, true)
	add(vector, wVec, false)

	out := FuseOutput{Mode: ModeHybrid, Results: make([]Fused, 0, len(fused))}
	switch {
	case len(lexical) > 0 && len(vector) == 0:
		out.Mode, out.Degraded = ModeLexicalOnly, true
	case len(vector) > 0 && len(lexical) == 0:
		out.Mode, out.Degraded = ModeVectorOnly, true
	}

	for _, f := range fused {
		out.Results = append(out.Results, *f)
	}
	sort.Slice(out.Results, func(i, j int) bool {
		a, b := out.Results[i], out.Results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if ra, rb := a.minRank(), b.minRank(); ra != rb {
			return ra < rb
		}
		return a.Key < b.Key
	})
	if opts.Limit > 0 && len(out.Results) > opts.Limit {
		out.Results = out.Results[:opts.Limit]
	}
	return out
}
