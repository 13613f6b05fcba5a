package retrieval

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
)

// Embeddings are stored as packed little-endian float32 values.
func encodeFloat32s(v []float32) []byte {
	out := make([]byte, 0, 4*len(v))
	for _, f := range v {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(f))
	}
	return out
}

func decodeFloat32s(b []byte) ([]float32, error) {
	return decodeFloat32sInto(nil, b)
}

// decodeFloat32sInto reuses buf when it is large enough.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob of %d bytes is not a float32 array", len(b))
	}
	buf = slices.Grow(buf[:0], len(b)/4)[:len(b)/4]
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return buf, nil
}

func norm(v []float32) float32 {
	var sq float64
	for _, f := range v {
		sq += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sq))
}

// cosine returns the cosine similarity of a and b given |a|. Mismatched
// lengths and zero vectors score 0.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) || aNorm == 0 {
		return 0
	}
	var dot, bb float64
	for i, x := range a {
		y := float64(b[i])
		dot += float64(x) * y
		bb += y * y
	}
	if bb == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * math.Sqrt(bb)))
}

func byScore(a, b ScoredRecord) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// sortByScore orders results best first, ties by ID.
func sortByScore(results []ScoredRecord) {
	slices.SortFunc(results, byScore)
}

type candidate struct {
	id    string
	score float32
}

// bestN keeps the n highest scoring candidates seen so far, sorted
// descending.
type bestN struct {
	n     int
	items []candidate
}

func (b *bestN) offer(id string, score float32) {
	if len(b.items) == b.n && score <= b.items[len(b.items)-1].score {
		return
	}
	i, _ := slices.BinarySearchFunc(b.items, score, func(c candidate, s float32) int {
		return cmp.Compare(s, c.score)
	})
	b.items = slices.Insert(b.items, i, candidate{id, score})
	if len(b.items) > b.n {
		b.items = b.items[:b.n]
	}
}
