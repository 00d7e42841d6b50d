package loop

import (
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"go.viam.com/rigslam/features"
	"go.viam.com/rigslam/slam/sparsemap"
)

// Index is an inverted file over bag-of-words vectors: for every vocabulary
// word, the set of keyframes whose vector touches it. Safe for concurrent
// use.
type Index struct {
	voc *Vocabulary

	mu      sync.RWMutex
	posting map[int]*roaring64.Bitmap
	vectors map[sparsemap.KeyframeID]Vector
}

// NewIndex returns an empty index over the given vocabulary.
func NewIndex(voc *Vocabulary) *Index {
	return &Index{
		voc:     voc,
		posting: map[int]*roaring64.Bitmap{},
		vectors: map[sparsemap.KeyframeID]Vector{},
	}
}

// Vocabulary returns the vocabulary the index quantizes against.
func (x *Index) Vocabulary() *Vocabulary { return x.voc }

// Len returns the number of indexed keyframes.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.vectors)
}

// Add quantizes the descriptors of a keyframe and indexes the resulting
// vector, returning it.
func (x *Index) Add(kf sparsemap.KeyframeID, descs []features.Descriptor) Vector {
	vec := x.voc.BoW(descs)
	x.mu.Lock()
	defer x.mu.Unlock()
	x.vectors[kf] = vec
	for w := range vec {
		bm, ok := x.posting[w]
		if !ok {
			bm = roaring64.New()
			x.posting[w] = bm
		}
		bm.Add(uint64(kf))
	}
	return vec
}

// Vector returns the indexed vector of a keyframe.
func (x *Index) Vector(kf sparsemap.KeyframeID) (Vector, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	vec, ok := x.vectors[kf]
	return vec, ok
}

// Scored is a retrieval candidate.
type Scored struct {
	Keyframe sparsemap.KeyframeID
	Score    float64
}

// Candidates retrieves every indexed keyframe sharing at least one word
// with the query, scored and sorted best first.
func (x *Index) Candidates(query Vector) []Scored {
	x.mu.RLock()
	defer x.mu.RUnlock()

	hits := roaring64.New()
	for w := range query {
		if bm, ok := x.posting[w]; ok {
			hits.Or(bm)
		}
	}
	out := make([]Scored, 0, hits.GetCardinality())
	it := hits.Iterator()
	for it.HasNext() {
		kf := sparsemap.KeyframeID(it.Next())
		out = append(out, Scored{Keyframe: kf, Score: Similarity(query, x.vectors[kf])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
