package model

import (
	"math"
	"math/rand"

	"github.com/samogod/tagtrain/pkg/optimizer"

	"gonum.org/v1/gonum/mat"
)

// linear is y = Wx + b with W stored out×in.
type linear struct {
	name    string
	in, out int
	w, dw   *mat.Dense
	b, db   *mat.VecDense
}

func newLinear(name string, in, out int, rng *rand.Rand) *linear {
	l := &linear{
		name: name,
		in:   in,
		out:  out,
		w:    mat.NewDense(out, in, nil),
		dw:   mat.NewDense(out, in, nil),
		b:    mat.NewVecDense(out, nil),
		db:   mat.NewVecDense(out, nil),
	}
	xavier(l.w.RawMatrix().Data, in, out, rng)
	return l
}

func (l *linear) forward(x *mat.VecDense) *mat.VecDense {
	y := mat.NewVecDense(l.out, nil)
	y.MulVec(l.w, x)
	y.AddVec(y, l.b)
	return y
}

// backward accumulates parameter gradients for input x and returns dL/dx.
func (l *linear) backward(x, dy *mat.VecDense) *mat.VecDense {
	l.dw.RankOne(l.dw, 1, dy, x)
	l.db.AddVec(l.db, dy)

	dx := mat.NewVecDense(l.in, nil)
	dx.MulVec(l.w.T(), dy)
	return dx
}

func (l *linear) params() []*optimizer.Param {
	return []*optimizer.Param{
		optimizer.NewParam(l.name+".w", l.w.RawMatrix().Data, l.dw.RawMatrix().Data),
		optimizer.NewParam(l.name+".b", l.b.RawVector().Data, l.db.RawVector().Data),
	}
}

// charCNN convolves filters of a fixed width over the character ids of a
// word and max-pools over positions. A filter weight is indexed by
// (filter, offset, char id), which is a convolution over one-hot
// characters.
type charCNN struct {
	chars, width, filters int
	w, dw                 *mat.Dense
	b, db                 *mat.VecDense
}

func newCharCNN(chars, width, filters int, rng *rand.Rand) *charCNN {
	c := &charCNN{
		chars:   chars,
		width:   width,
		filters: filters,
		w:       mat.NewDense(filters, width*chars, nil),
		dw:      mat.NewDense(filters, width*chars, nil),
		b:       mat.NewVecDense(filters, nil),
		db:      mat.NewVecDense(filters, nil),
	}
	xavier(c.w.RawMatrix().Data, width, filters, rng)
	return c
}

// forward returns tanh of the pooled maxima and, per filter, the winning
// start position.
func (c *charCNN) forward(ids []int) ([]float64, []int) {
	w := c.w.RawMatrix()
	b := c.b.RawVector().Data

	positions := len(ids) - c.width + 1
	if positions < 1 {
		positions = 1
	}

	h := make([]float64, c.filters)
	argmax := make([]int, c.filters)
	for f := 0; f < c.filters; f++ {
		row := w.Data[f*w.Stride : f*w.Stride+c.width*c.chars]
		best := math.Inf(-1)
		for p := 0; p < positions; p++ {
			s := b[f]
			for k := 0; k < c.width && p+k < len(ids); k++ {
				id := ids[p+k]
				if id < 0 || id >= c.chars {
					continue
				}
				s += row[k*c.chars+id]
			}
			if s > best {
				best = s
				argmax[f] = p
			}
		}
		h[f] = math.Tanh(best)
	}
	return h, argmax
}

func (c *charCNN) backward(ids []int, h []float64, argmax []int, dh []float64) {
	dw := c.dw.RawMatrix()
	db := c.db.RawVector().Data

	for f := 0; f < c.filters; f++ {
		g := dh[f] * (1 - h[f]*h[f])
		if g == 0 {
			continue
		}
		p := argmax[f]
		for k := 0; k < c.width && p+k < len(ids); k++ {
			id := ids[p+k]
			if id < 0 || id >= c.chars {
				continue
			}
			dw.Data[f*dw.Stride+k*c.chars+id] += g
		}
		db[f] += g
	}
}

func (c *charCNN) params() []*optimizer.Param {
	return []*optimizer.Param{
		optimizer.NewParam("char.w", c.w.RawMatrix().Data, c.dw.RawMatrix().Data),
		optimizer.NewParam("char.b", c.b.RawVector().Data, c.db.RawVector().Data),
	}
}

func xavier(data []float64, in, out int, rng *rand.Rand) {
	limit := math.Sqrt(6 / float64(in+out))
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
}

func relu(v *mat.VecDense) {
	d := v.RawVector().Data
	for i, x := range d {
		if x < 0 {
			d[i] = 0
		}
	}
}

// reluBackward zeroes grad where the activation was clipped.
func reluBackward(act, grad *mat.VecDense) {
	a := act.RawVector().Data
	g := grad.RawVector().Data
	for i := range g {
		if a[i] <= 0 {
			g[i] = 0
		}
	}
}

// dropout returns v itself and a nil mask when nothing is dropped.
// Kept units are scaled by 1/(1-p).
func dropout(v *mat.VecDense, p float64, rng *rand.Rand) (*mat.VecDense, []float64) {
	if rng == nil || p <= 0 {
		return v, nil
	}
	src := v.RawVector().Data
	mask := make([]float64, len(src))
	out := make([]float64, len(src))
	keep := 1 / (1 - p)
	for i := range src {
		if rng.Float64() >= p {
			mask[i] = keep
			out[i] = src[i] * keep
		}
	}
	return mat.NewVecDense(len(out), out), mask
}

func applyMask(grad *mat.VecDense, mask []float64) {
	if mask == nil {
		return
	}
	g := grad.RawVector().Data
	for i := range g {
		g[i] *= mask[i]
	}
}
