// Package optimizer implements the closed set of first-order update rules a
// run can select with --op_name.
package optimizer

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

var ErrUnknown = errors.New("unknown optimizer")

// Param is a flat view of one parameter tensor and its gradient. Value and
// Grad usually alias the backing arrays of gonum matrices.
type Param struct {
	Name  string
	Value []float64
	Grad  []float64
}

func NewParam(name string, value, grad []float64) *Param {
	if len(value) != len(grad) {
		panic(fmt.Sprintf("optimizer: param %s has %d values but %d gradients", name, len(value), len(grad)))
	}
	return &Param{Name: name, Value: value, Grad: grad}
}

// ZeroGrad clears the gradient in place.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Optimizer applies one update with learning rate lr and clears gradients.
type Optimizer interface {
	Step(params []*Param, lr float64)
	Name() string
}

const (
	momentumBeta = 0.9
	rmsDecay     = 0.9
	adamBeta1    = 0.9
	adamBeta2    = 0.999
	epsilon      = 1e-8
)

var constructors = map[string]func() Optimizer{
	"sgd":      func() Optimizer { return &SGD{} },
	"momentum": func() Optimizer { return &Momentum{Beta: momentumBeta} },
	"nag":      func() Optimizer { return &Momentum{Beta: momentumBeta, Nesterov: true} },
	"adagrad":  func() Optimizer { return &AdaGrad{Epsilon: epsilon} },
	"rmsprop":  func() Optimizer { return &RMSProp{Decay: rmsDecay, Epsilon: epsilon} },
	"adam":     func() Optimizer { return &Adam{Beta1: adamBeta1, Beta2: adamBeta2, Epsilon: epsilon} },
}

func New(name string) (Optimizer, error) {
	ctor, ok := constructors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return ctor(), nil
}

// Names returns the recognised optimizer names, sorted.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for n := range constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func Supported(name string) bool {
	_, ok := constructors[name]
	return ok
}

type SGD struct{}

func (o *SGD) Name() string { return "sgd" }

func (o *SGD) Step(params []*Param, lr float64) {
	for _, p := range params {
		floats.AddScaled(p.Value, -lr, p.Grad)
		p.ZeroGrad()
	}
}

// Momentum is heavy-ball momentum, or Nesterov accelerated gradient when
// Nesterov is set.
type Momentum struct {
	Beta     float64
	Nesterov bool

	velocity map[*Param][]float64
}

func (o *Momentum) Name() string {
	if o.Nesterov {
		return "nag"
	}
	return "momentum"
}

func (o *Momentum) Step(params []*Param, lr float64) {
	if o.velocity == nil {
		o.velocity = make(map[*Param][]float64)
	}
	for _, p := range params {
		v, ok := o.velocity[p]
		if !ok {
			v = make([]float64, len(p.Value))
			o.velocity[p] = v
		}
		for i, g := range p.Grad {
			v[i] = o.Beta*v[i] + g
			if o.Nesterov {
				p.Value[i] -= lr * (g + o.Beta*v[i])
			} else {
				p.Value[i] -= lr * v[i]
			}
		}
		p.ZeroGrad()
	}
}

type AdaGrad struct {
	Epsilon float64

	accum map[*Param][]float64
}

func (o *AdaGrad) Name() string { return "adagrad" }

func (o *AdaGrad) Step(params []*Param, lr float64) {
	if o.accum == nil {
		o.accum = make(map[*Param][]float64)
	}
	for _, p := range params {
		acc, ok := o.accum[p]
		if !ok {
			acc = make([]float64, len(p.Value))
			o.accum[p] = acc
		}
		for i, g := range p.Grad {
			acc[i] += g * g
			p.Value[i] -= lr * g / (math.Sqrt(acc[i]) + o.Epsilon)
		}
		p.ZeroGrad()
	}
}

type RMSProp struct {
	Decay   float64
	Epsilon float64

	meanSquare map[*Param][]float64
}

func (o *RMSProp) Name() string { return "rmsprop" }

func (o *RMSProp) Step(params []*Param, lr float64) {
	if o.meanSquare == nil {
		o.meanSquare = make(map[*Param][]float64)
	}
	for _, p := range params {
		ms, ok := o.meanSquare[p]
		if !ok {
			ms = make([]float64, len(p.Value))
			o.meanSquare[p] = ms
		}
		for i, g := range p.Grad {
			ms[i] = o.Decay*ms[i] + (1-o.Decay)*g*g
			p.Value[i] -= lr * g / (math.Sqrt(ms[i]) + o.Epsilon)
		}
		p.ZeroGrad()
	}
}

// Adam keeps bias-corrected first and second moment estimates per value.
type Adam struct {
	Beta1   float64
	Beta2   float64
	Epsilon float64

	t int
	m map[*Param][]float64
	v map[*Param][]float64
}

func (o *Adam) Name() string { return "adam" }

func (o *Adam) Step(params []*Param, lr float64) {
	if o.m == nil {
		o.m = make(map[*Param][]float64)
		o.v = make(map[*Param][]float64)
	}
	o.t++
	c1 := 1 - math.Pow(o.Beta1, float64(o.t))
	c2 := 1 - math.Pow(o.Beta2, float64(o.t))

	for _, p := range params {
		m, ok := o.m[p]
		if !ok {
			m = make([]float64, len(p.Value))
			o.m[p] = m
			o.v[p] = make([]float64, len(p.Value))
		}
		v := o.v[p]
		for i, g := range p.Grad {
			m[i] = o.Beta1*m[i] + (1-o.Beta1)*g
			v[i] = o.Beta2*v[i] + (1-o.Beta2)*g*g
			mHat := m[i] / c1
			vHat := v[i] / c2
			p.Value[i] -= lr * mHat / (math.Sqrt(vHat) + o.Epsilon)
		}
		p.ZeroGrad()
	}
}
