// Package loop recognizes previously visited places. Keyframe descriptors
// are quantized against a trained visual vocabulary into bag-of-words
// vectors, candidate keyframes are retrieved through an inverted index, and
// surviving candidates are verified geometrically before a loop constraint
// is emitted.
package loop

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"runtime"

	"github.com/edaniels/golog"
	"github.com/klauspost/compress/gzip"
	"github.com/muesli/clusters"
	"github.com/muesli/kmeans"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.viam.com/rigslam/features"
)

// Vocabulary is a flat visual vocabulary: word centroids over descriptor
// bit vectors plus the inverse document frequency of each word measured on
// the training set.
type Vocabulary struct {
	Words [][]float64 `json:"words"`
	IDF   []float64   `json:"idf"`
}

// Vector is a sparse, L1-normalized tf-idf bag-of-words vector.
type Vector map[int]float64

// Train clusters the training descriptors into k words and measures idf
// weights on the same set.
func Train(ctx context.Context, logger golog.Logger, descs []features.Descriptor, k int) (*Vocabulary, error) {
	if k < 2 {
		return nil, errors.Errorf("vocabulary needs at least 2 words, got %d", k)
	}
	if len(descs) < k {
		return nil, errors.Errorf("cannot train %d words from %d descriptors", k, len(descs))
	}
	obs := make(clusters.Observations, len(descs))
	for i, d := range descs {
		obs[i] = clusters.Coordinates(d.Floats())
	}

	km := kmeans.New()
	cc, err := km.Partition(obs, k)
	if err != nil {
		return nil, errors.Wrap(err, "clustering descriptors")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	voc := &Vocabulary{
		Words: make([][]float64, len(cc)),
		IDF:   make([]float64, len(cc)),
	}
	for i, c := range cc {
		voc.Words[i] = append([]float64(nil), c.Center...)
	}

	// measure document frequency on the training set, sharded across CPUs
	workers := runtime.GOMAXPROCS(0)
	if workers > len(descs) {
		workers = len(descs)
	}
	counts := make([][]int, workers)
	g, gctx := errgroup.WithContext(ctx)
	chunk := (len(descs) + workers - 1) / workers
	for w := 0; w < workers; w++ {
		w := w
		lo, hi := w*chunk, (w+1)*chunk
		if hi > len(descs) {
			hi = len(descs)
		}
		g.Go(func() error {
			local := make([]int, len(voc.Words))
			for _, d := range descs[lo:hi] {
				if err := gctx.Err(); err != nil {
					return err
				}
				local[voc.WordOf(d)]++
			}
			counts[w] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	total := float64(len(descs))
	for w := range voc.Words {
		n := 0
		for _, local := range counts {
			n += local[w]
		}
		voc.IDF[w] = math.Log(total / float64(1+n))
	}
	logger.Infow("trained vocabulary", "words", len(voc.Words), "descriptors", len(descs))
	return voc, nil
}

// WordOf quantizes a descriptor to its nearest word.
func (v *Vocabulary) WordOf(d features.Descriptor) int {
	f := d.Floats()
	best, bestDist := 0, math.Inf(1)
	for w, center := range v.Words {
		var dist float64
		for i := range center {
			diff := f[i] - center[i]
			dist += diff * diff
		}
		if dist < bestDist {
			best, bestDist = w, dist
		}
	}
	return best
}

// BoW quantizes a descriptor set into an L1-normalized tf-idf vector.
func (v *Vocabulary) BoW(descs []features.Descriptor) Vector {
	vec := Vector{}
	for _, d := range descs {
		vec[v.WordOf(d)]++
	}
	var norm float64
	for w := range vec {
		vec[w] *= v.IDF[w]
		norm += math.Abs(vec[w])
	}
	if norm > 0 {
		for w := range vec {
			vec[w] /= norm
		}
	}
	return vec
}

// Similarity scores two L1-normalized vectors in [0, 1].
func Similarity(a, b Vector) float64 {
	var l1 float64
	for w, av := range a {
		l1 += math.Abs(av - b[w])
	}
	for w, bv := range b {
		if _, ok := a[w]; !ok {
			l1 += math.Abs(bv)
		}
	}
	return 1 - 0.5*l1
}

// Save writes the vocabulary as gzipped JSON.
func (v *Vocabulary) Save(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating vocabulary file")
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	zw := gzip.NewWriter(f)
	if err := json.NewEncoder(zw).Encode(v); err != nil {
		return multierr.Combine(errors.Wrap(err, "encoding vocabulary"), zw.Close())
	}
	return zw.Close()
}

// LoadVocabulary reads a vocabulary written by Save.
func LoadVocabulary(path string) (_ *Vocabulary, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening vocabulary file")
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, "reading vocabulary header")
	}
	var v Vocabulary
	if err := json.NewDecoder(zr).Decode(&v); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "decoding vocabulary"), zr.Close())
	}
	if err := zr.Close(); err != nil {
		return nil, err
	}
	if len(v.Words) == 0 || len(v.IDF) != len(v.Words) {
		return nil, errors.New("vocabulary file is malformed")
	}
	return &v, nil
}
