package bnn

import (
	"math"
	"math/rand"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
)

// variationalParam holds the posterior N(mean, softplus(rawScale)²) of one
// weight matrix or bias vector, as a pair of context variables. The softplus
// transform keeps the scale strictly positive for any finite rawScale.
//
// Variables are named "<name>_mu" and "<name>_rho" in the owning layer's
// scope, which is also the layout checkpoints see.
type variationalParam struct {
	mean, rawScale *context.Variable
	shape          shapes.Shape
}

// newVariationalParam allocates the mean and rawScale variables.
// The mean is initialized host-side from meanInit (one draw per element) and
// rawScale to the constant RawScaleInit. If a checkpoint loader is attached
// to ctx, loaded values take precedence, as for any GoMLX variable.
func newVariationalParam(ctx *context.Context, name string, shape shapes.Shape, meanInit func() float64) *variationalParam {
	size := shape.Size()
	meanFlat := make([]float64, size)
	for i := range meanFlat {
		meanFlat[i] = meanInit()
	}
	rawFlat := make([]float64, size)
	for i := range rawFlat {
		rawFlat[i] = RawScaleInit
	}
	return &variationalParam{
		mean:     ctx.VariableWithValue(name+"_mu", tensorFromFloat64(shape.DType, meanFlat, shape.Dimensions...)),
		rawScale: ctx.VariableWithValue(name+"_rho", tensorFromFloat64(shape.DType, rawFlat, shape.Dimensions...)),
		shape:    shape,
	}
}

// Sample draws one reparameterized sample: mean + softplus(rawScale)·ε with
// ε ~ N(0, I) i.i.d. per element. Gradients flow deterministically through
// mean and rawScale; only ε carries randomness.
func (p *variationalParam) Sample(ctx *context.Context, g *Graph) *Node {
	eps := ctx.RandomNormal(g, p.shape)
	return Add(p.mean.ValueGraph(g), Mul(p.ScaleGraph(g), eps))
}

// LogProb is the element-wise posterior log-density evaluated at value --
// normally the very sample returned by Sample on the same graph, so the KL
// estimate and the layer output share a single draw.
func (p *variationalParam) LogProb(g *Graph, value *Node) *Node {
	return gaussianLogProb(value, p.mean.ValueGraph(g), p.ScaleGraph(g))
}

// MeanGraph returns the mean as a graph node.
func (p *variationalParam) MeanGraph(g *Graph) *Node {
	return p.mean.ValueGraph(g)
}

// ScaleGraph returns softplus(rawScale) as a graph node.
func (p *variationalParam) ScaleGraph(g *Graph) *Node {
	return Softplus(p.rawScale.ValueGraph(g))
}

// MeanValue returns the materialized mean tensor. It is the variable's
// backing tensor: treat it as read-only.
func (p *variationalParam) MeanValue() *tensors.Tensor {
	return p.mean.Value()
}

// ScaleValue materializes softplus(rawScale) as a new tensor.
func (p *variationalParam) ScaleValue() *tensors.Tensor {
	raw := flatAsFloat64(p.rawScale.Value())
	for i, v := range raw {
		raw[i] = softplus(v)
	}
	return tensorFromFloat64(p.shape.DType, raw, p.shape.Dimensions...)
}

// meanScale returns host-side copies of the mean and derived scale.
func (p *variationalParam) meanScale() (mean, scale []float64) {
	mean = flatAsFloat64(p.mean.Value())
	scale = flatAsFloat64(p.rawScale.Value())
	for i, v := range scale {
		scale[i] = softplus(v)
	}
	return
}

// setMeanScale replaces the parameter values: mean is stored as given, and
// rawScale is re-derived from scale through the softplus inverse (scales at
// or below the representable floor are clamped, keeping everything finite).
// This is the single mutation point used by pruning and by compression's
// parameter transplantation.
func (p *variationalParam) setMeanScale(mean, scale []float64) {
	raw := make([]float64, len(scale))
	for i, v := range scale {
		raw[i] = softplusInverse(v)
	}
	p.mean.SetValue(tensorFromFloat64(p.shape.DType, mean, p.shape.Dimensions...))
	p.rawScale.SetValue(tensorFromFloat64(p.shape.DType, raw, p.shape.Dimensions...))
}

// glorotUniform returns a sampler of Glorot-uniform values,
// Uniform(-l, l) with l = sqrt(6/(fanIn+fanOut)), used to initialize the
// posterior means.
func glorotUniform(rng *rand.Rand, fanIn, fanOut int) func() float64 {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	return func() float64 {
		return (2*rng.Float64() - 1) * limit
	}
}
