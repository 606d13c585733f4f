package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Retrieval weights and thresholds.
const (
	weightSimilarity = 0.7
	weightActivation = 0.3
	decayExponent    = 0.5

	nearDupThreshold       = 0.92
	contradictionThreshold = 0.85

	confidenceFloor = 0.1
	graceDays       = 30

	preFilterPerType = 20
)

// Scored is a memory with its retrieval score components.
type Scored struct {
	Memory
	Similarity float64
	Activation float64
	Score      float64
}

// cosine returns the cosine similarity of two vectors, 0 when either is
// empty or mismatched.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// activation computes base-level activation per ACT-R: B = ln(Σ t^-d)
// over the ages in seconds of past accesses, squashed through a sigmoid
// into [0, 1]. A memory that was never accessed has B = -inf and maps
// to 0.
func activation(now time.Time, accesses []time.Time) float64 {
	if len(accesses) == 0 {
		return 0
	}
	var sum float64
	for _, t := range accesses {
		ageSecs := now.Sub(t).Seconds()
		if ageSecs < 1.0 {
			ageSecs = 1.0
		}
		sum += math.Pow(ageSecs, -decayExponent)
	}
	if sum <= 0 {
		return 0
	}
	b := math.Log(sum)
	return 1 / (1 + math.Exp(-b))
}

// decayedConfidence applies the post-grace exponential decay to a
// semantic memory's confidence.
func decayedConfidence(confidence float64, ageDays float64) float64 {
	if ageDays <= graceDays {
		return confidence
	}
	decayed := confidence * math.Pow(0.95, (ageDays-graceDays)/30)
	if decayed < confidenceFloor {
		return confidenceFloor
	}
	return decayed
}

// Retrieve returns the topK memories most relevant to query. With a
// working embedder the ranking is two-phase: a cosine pre-filter per
// type, then activation-weighted scoring. Without one it falls back to
// the FTS index.
func (s *Store) Retrieve(ctx context.Context, embedder Embedder, query string, topK int) ([]Scored, error) {
	if topK <= 0 {
		topK = 5
	}
	var queryVec []float32
	if embedder != nil {
		v, err := embedder.Embed(ctx, query)
		if err != nil {
			s.log.Warn("memory.embed_query_failed", "error", err)
		} else {
			queryVec = v
		}
	}
	if queryVec == nil {
		return s.retrieveFTS(ctx, query, topK)
	}

	now := time.Now().UTC()
	var candidates []Scored
	for _, memType := range []string{TypeEpisodic, TypeSemantic, TypeProcedural} {
		memories, err := s.scan(ctx, memType)
		if err != nil {
			return nil, err
		}
		var typed []Scored
		for _, m := range memories {
			sim := cosine(queryVec, m.Embedding)
			if sim <= 0 {
				continue
			}
			typed = append(typed, Scored{Memory: m, Similarity: sim})
		}
		sort.Slice(typed, func(i, j int) bool { return typed[i].Similarity > typed[j].Similarity })
		if len(typed) > preFilterPerType {
			typed = typed[:preFilterPerType]
		}
		candidates = append(candidates, typed...)
	}

	var scored []Scored
	for _, c := range candidates {
		if c.Type == TypeSemantic {
			// Decay keys off the last access, falling back to creation
			// for rows never retrieved. The floor clamp means rows at
			// the floor stay retrievable.
			last := s.lastAccess(ctx, c.ID)
			if last.IsZero() {
				last = c.CreatedAt
			}
			age := now.Sub(last).Hours() / 24
			decayed := decayedConfidence(c.Confidence, age)
			if decayed < confidenceFloor {
				continue
			}
			c.Confidence = decayed
		}
		accesses, err := s.accessTimes(ctx, c.ID)
		if err != nil {
			s.log.Debug("memory.access_lookup_failed", "id", c.ID, "error", err)
		}
		c.Activation = activation(now, accesses)
		c.Score = weightSimilarity*c.Similarity + weightActivation*c.Activation
		scored = append(scored, c)
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	for _, c := range scored {
		s.RecordAccess(ctx, c.ID, c.Type)
	}
	return scored, nil
}

// retrieveFTS serves retrieval from the full-text index when no query
// embedding is available. Tokens are quoted so user input cannot inject
// FTS query syntax.
func (s *Store) retrieveFTS(ctx context.Context, query string, topK int) ([]Scored, error) {
	tokens := strings.Fields(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	quoted := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		quoted = append(quoted, `"`+strings.ReplaceAll(tok, `"`, `""`)+`"`)
	}
	match := strings.Join(quoted, " OR ")

	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id, memory_type, content, -rank FROM memory_fts
		 WHERE memory_fts MATCH ? ORDER BY rank LIMIT ?`,
		match, topK)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	var out []Scored
	for rows.Next() {
		var c Scored
		if err := rows.Scan(&c.ID, &c.Memory.Type, &c.Content, &c.Score); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// FTS hits only carry id/type/content; enrich semantic rows so
	// formatting can show category and confidence.
	for i := range out {
		if out[i].Memory.Type == TypeSemantic {
			_ = s.db.QueryRowContext(ctx,
				`SELECT category, confidence FROM semantic WHERE id = ?`, out[i].ID).
				Scan(&out[i].Category, &out[i].Confidence)
		}
		s.RecordAccess(ctx, out[i].ID, out[i].Memory.Type)
	}
	return out, nil
}

// FormatMemories renders retrieved memories as the markdown block the
// agent prompt embeds.
func FormatMemories(memories []Scored) string {
	if len(memories) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Relevant memories\n")
	for _, m := range memories {
		switch m.Memory.Type {
		case TypeSemantic:
			if m.Category != "" {
				fmt.Fprintf(&b, "- [semantic](%s) %s (confidence: %.2f)\n", m.Category, m.Content, m.Confidence)
			} else {
				fmt.Fprintf(&b, "- [semantic] %s (confidence: %.2f)\n", m.Content, m.Confidence)
			}
		case TypeEpisodic:
			fmt.Fprintf(&b, "- [episodic] %s\n", m.Content)
		case TypeProcedural:
			fmt.Fprintf(&b, "- [procedural] %s\n", m.Content)
		}
	}
	return b.String()
}
