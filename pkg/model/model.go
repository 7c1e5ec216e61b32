// Package model holds the reference sequence tagger trained by tagtrain:
// word embeddings joined with a character CNN, a stack of ReLU layers, a
// tag-space projection and a softmax over tags. Parameters live in gonum
// matrices and are exposed to the optimizers as flat slices.
package model

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"

	"github.com/samogod/tagtrain/pkg/dataset"
	"github.com/samogod/tagtrain/pkg/optimizer"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var ErrSpec = errors.New("invalid model spec")

// Tagger is what the trainer drives. TrainBatch accumulates averaged
// gradients into Params; an optimizer step applies them.
type Tagger interface {
	Params() []*optimizer.Param
	TrainBatch(batch []dataset.Sentence, rng *rand.Rand) (loss float64, tokens int)
	Loss(batch []dataset.Sentence) (loss float64, tokens int)
	Predict(s dataset.Sentence) []int

	// Snapshot and Restore copy parameters by name for best-epoch
	// selection; Save writes a checkpoint.
	Snapshot() map[string][]float64
	Restore(snap map[string][]float64) error
	Save(w io.Writer) error
}

var _ Tagger = (*CNNTagger)(nil)

type Spec struct {
	Words int
	Chars int
	Tags  int

	WordDim    int
	Filters    int
	KernelSize int
	Hiddens    int
	Layers     int
	TagSpace   int

	EmbeddingDropout float64
	OutputDropout    float64
	// input dropout between hidden layers, dropout on the last hidden output
	RecurrentDropout [2]float64

	// negatives per token for the sampled softmax
	NegativeSamples int
}

func (s Spec) Validate() error {
	sizes := map[string]int{
		"words": s.Words, "chars": s.Chars, "tags": s.Tags,
		"word dim": s.WordDim, "filters": s.Filters, "kernel size": s.KernelSize,
		"hiddens": s.Hiddens, "layers": s.Layers, "tag space": s.TagSpace,
		"negative samples": s.NegativeSamples,
	}
	for name, v := range sizes {
		if v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrSpec, name, v)
		}
	}
	for _, p := range []float64{s.EmbeddingDropout, s.OutputDropout, s.RecurrentDropout[0], s.RecurrentDropout[1]} {
		if p < 0 || p >= 1 {
			return fmt.Errorf("%w: dropout %v outside [0, 1)", ErrSpec, p)
		}
	}
	return nil
}

type CNNTagger struct {
	spec Spec

	emb, demb *mat.Dense
	chars     *charCNN
	hidden    []*linear
	tagSpace  *linear
	output    *linear

	params []*optimizer.Param
}

func New(spec Spec, rng *rand.Rand) (*CNNTagger, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	m := &CNNTagger{
		spec:  spec,
		emb:   mat.NewDense(spec.Words, spec.WordDim, nil),
		demb:  mat.NewDense(spec.Words, spec.WordDim, nil),
		chars: newCharCNN(spec.Chars, spec.KernelSize, spec.Filters, rng),
	}

	scale := math.Sqrt(3 / float64(spec.WordDim))
	for i, data := 0, m.emb.RawMatrix().Data; i < len(data); i++ {
		data[i] = (rng.Float64()*2 - 1) * scale
	}

	in := spec.WordDim + spec.Filters
	for l := 0; l < spec.Layers; l++ {
		m.hidden = append(m.hidden, newLinear(fmt.Sprintf("hidden%d", l), in, spec.Hiddens, rng))
		in = spec.Hiddens
	}
	m.tagSpace = newLinear("tagspace", spec.Hiddens, spec.TagSpace, rng)
	m.output = newLinear("output", spec.TagSpace, spec.Tags, rng)

	m.params = []*optimizer.Param{
		optimizer.NewParam("embedding", m.emb.RawMatrix().Data, m.demb.RawMatrix().Data),
	}
	m.params = append(m.params, m.chars.params()...)
	for _, h := range m.hidden {
		m.params = append(m.params, h.params()...)
	}
	m.params = append(m.params, m.tagSpace.params()...)
	m.params = append(m.params, m.output.params()...)

	return m, nil
}

func (m *CNNTagger) Spec() Spec {
	return m.spec
}

// Params is stable across calls; optimizers key their state on it.
func (m *CNNTagger) Params() []*optimizer.Param {
	return m.params
}

// WordEmbeddings is the row-major word embedding table, one row per word.
func (m *CNNTagger) WordEmbeddings() []float64 {
	return m.emb.RawMatrix().Data
}

// trace keeps what backward needs from one token's forward pass.
type trace struct {
	word    int
	chars   []int
	charH   []float64
	charArg []int

	ins     []*mat.VecDense
	inMasks [][]float64
	acts    []*mat.VecDense

	last     *mat.VecDense
	lastMask []float64

	ts     *mat.VecDense
	tsIn   *mat.VecDense
	tsMask []float64

	logits *mat.VecDense
}

// forward runs one token. A nil rng disables dropout.
func (m *CNNTagger) forward(word int, chars []int, rng *rand.Rand) *trace {
	t := &trace{word: word, chars: chars}

	d := m.spec.WordDim
	x := make([]float64, d+m.spec.Filters)
	if word >= 0 && word < m.spec.Words {
		copy(x[:d], m.emb.RawRowView(word))
	}
	t.charH, t.charArg = m.chars.forward(chars)
	copy(x[d:], t.charH)

	in, mask := dropout(mat.NewVecDense(len(x), x), m.spec.EmbeddingDropout, rng)
	for l, layer := range m.hidden {
		t.ins = append(t.ins, in)
		t.inMasks = append(t.inMasks, mask)

		a := layer.forward(in)
		relu(a)
		t.acts = append(t.acts, a)

		if l < len(m.hidden)-1 {
			in, mask = dropout(a, m.spec.RecurrentDropout[0], rng)
		}
	}
	t.last, t.lastMask = dropout(t.acts[len(t.acts)-1], m.spec.RecurrentDropout[1], rng)

	t.ts = m.tagSpace.forward(t.last)
	relu(t.ts)
	t.tsIn, t.tsMask = dropout(t.ts, m.spec.OutputDropout, rng)

	t.logits = m.output.forward(t.tsIn)
	return t
}

func (m *CNNTagger) backward(t *trace, dlogits *mat.VecDense) {
	dts := m.output.backward(t.tsIn, dlogits)
	applyMask(dts, t.tsMask)
	reluBackward(t.ts, dts)

	da := m.tagSpace.backward(t.last, dts)
	applyMask(da, t.lastMask)

	for l := len(m.hidden) - 1; l >= 0; l-- {
		reluBackward(t.acts[l], da)
		din := m.hidden[l].backward(t.ins[l], da)
		applyMask(din, t.inMasks[l])
		da = din
	}

	dx := da.RawVector().Data
	d := m.spec.WordDim
	if t.word >= 0 && t.word < m.spec.Words {
		floats.Add(m.demb.RawRowView(t.word), dx[:d])
	}
	m.chars.backward(t.chars, t.charH, t.charArg, dx[d:])
}

// candidates is the gold tag plus NegativeSamples distinct other tags, or
// every tag when there are not enough negatives to sample from.
func (m *CNNTagger) candidates(gold int, rng *rand.Rand) []int {
	n := m.spec.Tags
	if rng == nil || m.spec.NegativeSamples >= n-1 {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return all
	}

	out := make([]int, 0, m.spec.NegativeSamples+1)
	out = append(out, gold)
	for _, c := range rng.Perm(n) {
		if len(out) == cap(out) {
			break
		}
		if c != gold {
			out = append(out, c)
		}
	}
	return out
}

// softmaxLoss returns -log p(gold) over the candidate logits and, when
// grad is non-nil, writes p - onehot(gold) into it for the candidates.
func softmaxLoss(logits []float64, cands []int, gold int, grad []float64) float64 {
	maxLogit := math.Inf(-1)
	for _, c := range cands {
		if logits[c] > maxLogit {
			maxLogit = logits[c]
		}
	}

	probs := make([]float64, len(cands))
	sum := 0.0
	for i, c := range cands {
		probs[i] = math.Exp(logits[c] - maxLogit)
		sum += probs[i]
	}

	loss := 0.0
	for i, c := range cands {
		probs[i] /= sum
		if c == gold {
			loss = -math.Log(math.Max(probs[i], 1e-300))
		}
		if grad != nil {
			grad[c] = probs[i]
			if c == gold {
				grad[c] -= 1
			}
		}
	}
	return loss
}

// TrainBatch clears the gradients, runs every token of the batch with
// dropout and sampled softmax, and leaves the token-averaged gradient in
// Params. It returns the mean loss.
func (m *CNNTagger) TrainBatch(batch []dataset.Sentence, rng *rand.Rand) (float64, int) {
	params := m.Params()
	for _, p := range params {
		p.ZeroGrad()
	}

	total := 0.0
	tokens := 0
	for _, s := range batch {
		for i := range s.Words {
			t := m.forward(s.Words[i], s.Chars[i], rng)
			gold := s.Tags[i]

			dlogits := mat.NewVecDense(m.spec.Tags, nil)
			total += softmaxLoss(t.logits.RawVector().Data, m.candidates(gold, rng), gold, dlogits.RawVector().Data)
			m.backward(t, dlogits)
			tokens++
		}
	}

	if tokens == 0 {
		return 0, 0
	}
	inv := 1 / float64(tokens)
	for _, p := range params {
		floats.Scale(inv, p.Grad)
	}
	return total * inv, tokens
}

// Loss is the mean full-softmax loss without dropout. It does not touch
// gradients.
func (m *CNNTagger) Loss(batch []dataset.Sentence) (float64, int) {
	all := m.candidates(0, nil)
	total := 0.0
	tokens := 0
	for _, s := range batch {
		for i := range s.Words {
			t := m.forward(s.Words[i], s.Chars[i], nil)
			total += softmaxLoss(t.logits.RawVector().Data, all, s.Tags[i], nil)
			tokens++
		}
	}
	if tokens == 0 {
		return 0, 0
	}
	return total / float64(tokens), tokens
}

// Predict returns the argmax tag per token. It only reads parameters and
// is safe to call from several goroutines.
func (m *CNNTagger) Predict(s dataset.Sentence) []int {
	out := make([]int, len(s.Words))
	for i := range s.Words {
		t := m.forward(s.Words[i], s.Chars[i], nil)
		out[i] = floats.MaxIdx(t.logits.RawVector().Data)
	}
	return out
}

// Snapshot copies every parameter, keyed by name.
func (m *CNNTagger) Snapshot() map[string][]float64 {
	snap := make(map[string][]float64)
	for _, p := range m.Params() {
		v := make([]float64, len(p.Value))
		copy(v, p.Value)
		snap[p.Name] = v
	}
	return snap
}

func (m *CNNTagger) Restore(snap map[string][]float64) error {
	for _, p := range m.Params() {
		v, ok := snap[p.Name]
		if !ok {
			return fmt.Errorf("snapshot is missing %s", p.Name)
		}
		if len(v) != len(p.Value) {
			return fmt.Errorf("snapshot %s has %d values, want %d", p.Name, len(v), len(p.Value))
		}
		copy(p.Value, v)
	}
	return nil
}

type checkpoint struct {
	Spec   Spec
	Params map[string][]float64
}

func (m *CNNTagger) Save(w io.Writer) error {
	if err := gob.NewEncoder(w).Encode(checkpoint{Spec: m.spec, Params: m.Snapshot()}); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return nil
}

func Load(r io.Reader) (*CNNTagger, error) {
	var cp checkpoint
	if err := gob.NewDecoder(r).Decode(&cp); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	m, err := New(cp.Spec, nil)
	if err != nil {
		return nil, err
	}
	if err := m.Restore(cp.Params); err != nil {
		return nil, err
	}
	return m, nil
}
