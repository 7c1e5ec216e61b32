package model

import (
	"bytes"
	"math"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/samogod/tagtrain/pkg/dataset"
	"github.com/samogod/tagtrain/pkg/optimizer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinySpec() Spec {
	return Spec{
		Words: 5, Chars: 4, Tags: 3,
		WordDim: 3, Filters: 2, KernelSize: 2,
		Hiddens: 4, Layers: 2, TagSpace: 3,
		NegativeSamples: 5,
	}
}

func tinyBatch() []dataset.Sentence {
	return []dataset.Sentence{
		{
			Words: []int{1, 2, 3, 4},
			Chars: [][]int{{0, 1}, {2, 3, 1}, {3}, {1, 1, 2}},
			Tags:  []int{0, 1, 2, 1},
		},
		{
			Words: []int{4, 3, 2},
			Chars: [][]int{{1, 1, 2}, {3}, {2, 3, 1}},
			Tags:  []int{1, 2, 1},
		},
	}
}

func TestSpecValidate(t *testing.T) {
	require.NoError(t, tinySpec().Validate())

	s := tinySpec()
	s.Layers = 0
	assert.ErrorIs(t, s.Validate(), ErrSpec)

	s = tinySpec()
	s.RecurrentDropout[1] = 1
	assert.ErrorIs(t, s.Validate(), ErrSpec)

	_, err := New(s, nil)
	assert.ErrorIs(t, err, ErrSpec)
}

func TestParamsOrder(t *testing.T) {
	m, err := New(tinySpec(), rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	var names []string
	for _, p := range m.Params() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{
		"embedding", "char.w", "char.b",
		"hidden0.w", "hidden0.b", "hidden1.w", "hidden1.b",
		"tagspace.w", "tagspace.b", "output.w", "output.b",
	}, names)
	assert.Len(t, m.WordEmbeddings(), 5*3)
}

// The analytic gradient of TrainBatch must match central differences of
// Loss when dropout is off and the softmax covers every tag.
func TestGradientsMatchFiniteDifferences(t *testing.T) {
	m, err := New(tinySpec(), rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	batch := tinyBatch()

	// Zero biases leave dead units exactly on the ReLU kink, where a
	// central difference sees half the slope.
	nudge := rand.New(rand.NewSource(13))
	for _, p := range m.Params() {
		if strings.HasSuffix(p.Name, ".b") {
			for i := range p.Value {
				p.Value[i] = 0.1 + 0.05*nudge.Float64()
			}
		}
	}

	_, tokens := m.TrainBatch(batch, rand.New(rand.NewSource(3)))
	require.Equal(t, 7, tokens)

	const eps = 1e-5
	checked, mismatched := 0, 0
	for _, p := range m.Params() {
		grad := append([]float64(nil), p.Grad...)
		for i := range p.Value {
			orig := p.Value[i]
			p.Value[i] = orig + eps
			up, _ := m.Loss(batch)
			p.Value[i] = orig - eps
			down, _ := m.Loss(batch)
			p.Value[i] = orig

			numeric := (up - down) / (2 * eps)
			checked++
			if math.Abs(numeric-grad[i]) > 1e-6+1e-3*math.Abs(numeric) {
				mismatched++
				t.Logf("%s[%d]: analytic %g numeric %g", p.Name, i, grad[i], numeric)
			}
		}
	}
	assert.Greater(t, checked, 100)
	// a perturbation can cross a ReLU or max-pool boundary
	assert.LessOrEqual(t, mismatched, checked/100)
}

func TestLearnsTinyMapping(t *testing.T) {
	s := tinySpec()
	s.Hiddens = 16
	s.TagSpace = 8
	m, err := New(s, rand.New(rand.NewSource(11)))
	require.NoError(t, err)
	opt, err := optimizer.New("adam")
	require.NoError(t, err)

	batch := tinyBatch()
	rng := rand.New(rand.NewSource(5))
	first, _ := m.Loss(batch)
	for i := 0; i < 300; i++ {
		m.TrainBatch(batch, rng)
		opt.Step(m.Params(), 0.02)
	}
	last, _ := m.Loss(batch)
	assert.Less(t, last, first)

	for _, s := range batch {
		assert.Equal(t, s.Tags, m.Predict(s))
	}
}

func TestSampledCandidates(t *testing.T) {
	s := tinySpec()
	s.Tags = 6
	s.NegativeSamples = 2
	m, err := New(s, nil)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 20; i++ {
		c := m.candidates(4, rng)
		require.Len(t, c, 3)
		assert.Equal(t, 4, c[0])
		assert.NotEqual(t, c[1], c[2])
		assert.NotContains(t, c[1:], 4)
	}

	assert.Len(t, m.candidates(4, nil), 6)
}

func TestTrainBatchWithDropoutAndSampling(t *testing.T) {
	s := tinySpec()
	s.Tags = 6
	s.NegativeSamples = 1
	s.EmbeddingDropout = 0.5
	s.OutputDropout = 0.5
	s.RecurrentDropout = [2]float64{0.3, 0.3}
	m, err := New(s, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	loss, tokens := m.TrainBatch(tinyBatch(), rand.New(rand.NewSource(9)))
	assert.Equal(t, 7, tokens)
	assert.Greater(t, loss, 0.0)
	assert.False(t, math.IsNaN(loss))

	loss, tokens = m.TrainBatch(nil, rand.New(rand.NewSource(9)))
	assert.Zero(t, loss)
	assert.Zero(t, tokens)
}

func TestSaveLoad(t *testing.T) {
	m, err := New(tinySpec(), rand.New(rand.NewSource(4)))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, m.Save(&buf))

	loaded, err := Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, m.Spec(), loaded.Spec())
	assert.Equal(t, m.Snapshot(), loaded.Snapshot())

	for _, s := range tinyBatch() {
		assert.Equal(t, m.Predict(s), loaded.Predict(s))
	}

	_, err = Load(bytes.NewBufferString("not a checkpoint"))
	assert.Error(t, err)
}

func TestRestore(t *testing.T) {
	m, err := New(tinySpec(), rand.New(rand.NewSource(4)))
	require.NoError(t, err)
	snap := m.Snapshot()

	m.TrainBatch(tinyBatch(), nil)
	opt, _ := optimizer.New("sgd")
	opt.Step(m.Params(), 1)
	assert.NotEqual(t, snap, m.Snapshot())

	require.NoError(t, m.Restore(snap))
	assert.Equal(t, snap, m.Snapshot())

	delete(snap, "output.b")
	assert.ErrorContains(t, m.Restore(snap), "missing output.b")
}

func TestPredictConcurrent(t *testing.T) {
	m, err := New(tinySpec(), rand.New(rand.NewSource(8)))
	require.NoError(t, err)
	batch := tinyBatch()
	want := m.Predict(batch[0])

	var wg sync.WaitGroup
	results := make([][]int, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.Predict(batch[0])
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, want, got)
	}
}
