package retrieval

import "fmt"

// Policy decides whether retrieved chunks are strong enough to ground an
// answer. Retrieval is sufficient iff at least one score reaches Primary and
// at least MinCount scores reach Secondary.
type Policy struct {
	Primary   float32
	Secondary float32
	MinCount  int
}

// DefaultPolicy matches the thresholds the service ships with.
var DefaultPolicy = Policy{Primary: 0.75, Secondary: 0.6, MinCount: 2}

// Validate rejects inconsistent thresholds.
func (p Policy) Validate() error {
	if p.Primary < p.Secondary {
		return fmt.Errorf("primary threshold %.2f is below secondary threshold %.2f", p.Primary, p.Secondary)
	}
	if p.Primary > 1 || p.Secondary < -1 {
		return fmt.Errorf("thresholds must lie within [-1, 1]")
	}
	if p.MinCount < 1 {
		return fmt.Errorf("min count must be at least 1, got %d", p.MinCount)
	}
	return nil
}

// Sufficient reports whether scores satisfy the policy.
func (p Policy) Sufficient(scores []float32) bool {
	var primary bool
	var secondary int
	for _, s := range scores {
		if s >= p.Primary {
			primary = true
		}
		if s >= p.Secondary {
			secondary++
		}
	}
	return primary && secondary >= p.MinCount
}

// Result is the outcome of a retrieval: exactly one of *Sufficient or
// *Insufficient.
type Result interface {
	// Chunks returns every retrieved chunk, best first.
	Chunks() []ContextChunk
	isResult()
}

// Sufficient carries chunks that can ground an answer.
type Sufficient struct {
	Retrieved []ContextChunk
	TopScore  float32
}

// Insufficient records the best score seen when retrieval fell short.
// BestScore is zero when nothing was retrieved.
type Insufficient struct {
	Retrieved []ContextChunk
	BestScore float32
}

func (s *Sufficient) Chunks() []ContextChunk   { return s.Retrieved }
func (s *Insufficient) Chunks() []ContextChunk { return s.Retrieved }
func (*Sufficient) isResult()                  {}
func (*Insufficient) isResult()                {}

// Evaluate applies the policy to chunks sorted by score, highest first.
func (p Policy) Evaluate(chunks []ContextChunk) Result {
	scores := make([]float32, len(chunks))
	var best float32
	for i, c := range chunks {
		scores[i] = c.Score
		if i == 0 || c.Score > best {
			best = c.Score
		}
	}
	if p.Sufficient(scores) {
		return &Sufficient{Retrieved: chunks, TopScore: best}
	}
	return &Insufficient{Retrieved: chunks, BestScore: best}
}
