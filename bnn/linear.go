package bnn

import (
	"math/rand"
	"time"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// Linear is a variational fully-connected layer: y = x·W (+ b), where W and b
// are sampled anew on every Forward pass from learned Gaussian posteriors.
//
// A Linear goes through two explicit states:
//
//   - Unbuilt: right after NewLinear. Only the With* options and Build are
//     valid.
//   - Built: after Build(inputDim) allocated the variational parameters with
//     concrete shapes. Forward, pruning and the parameter accessors become
//     valid; the input width is now fixed.
//
// Any operation invalid in the current state panics with an explicit error.
type Linear struct {
	ctx       *context.Context
	prior     Prior
	outputDim int
	useBias   bool
	dtype     dtypes.DType
	rng       *rand.Rand

	// inputDim != 0 means Built.
	inputDim     int
	weight, bias *variationalParam

	// kl holds the one-sample KL estimate from the last Forward pass, per
	// graph: layers are rebuilt into a new graph for each distinct batch
	// shape or executor.
	kl map[*Graph]*Node
}

// NewLinear creates an Unbuilt variational layer with the given output width.
// The prior is shared by reference, never copied. The context is used as-is
// for the layer's variables, so give each layer its own scope.
//
// Options (WithBias, WithDType, WithSeed) must be set before Build.
func NewLinear(ctx *context.Context, outputDim int, prior Prior) *Linear {
	if outputDim < 1 {
		Panicf("bnn.NewLinear: outputDim must be >= 1, got %d", outputDim)
	}
	if prior == nil {
		Panicf("bnn.NewLinear: a prior is required")
	}
	return &Linear{
		ctx:       ctx,
		prior:     prior,
		outputDim: outputDim,
		useBias:   true,
		dtype:     dtypes.Float32,
		kl:        make(map[*Graph]*Node),
	}
}

// WithBias sets whether the layer has a bias term. Default is true.
func (l *Linear) WithBias(useBias bool) *Linear {
	l.assertUnbuilt("WithBias")
	l.useBias = useBias
	return l
}

// WithDType sets the dtype of the parameters and expected inputs.
// Default is Float32.
func (l *Linear) WithDType(dtype dtypes.DType) *Linear {
	l.assertUnbuilt("WithDType")
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		Panicf("bnn.Linear: unsupported dtype %s, only Float32 and Float64 are supported", dtype)
	}
	l.dtype = dtype
	return l
}

// WithSeed makes the host-side mean initialization deterministic.
func (l *Linear) WithSeed(seed int64) *Linear {
	l.assertUnbuilt("WithSeed")
	l.rng = rand.New(rand.NewSource(seed))
	return l
}

// withRNG shares one initialization RNG across the layers of a network.
func (l *Linear) withRNG(rng *rand.Rand) *Linear {
	l.assertUnbuilt("withRNG")
	l.rng = rng
	return l
}

// Build allocates the weight (and bias) variational parameters for the given
// input width, moving the layer to the Built state. Posterior means are
// initialized Glorot-uniform, raw scales to RawScaleInit. Building twice is
// an error, even with the same width.
func (l *Linear) Build(inputDim int) *Linear {
	if l.IsBuilt() {
		Panicf("bnn.Linear %q: Build called twice (input width already fixed to %d)", l.Scope(), l.inputDim)
	}
	if inputDim < 1 {
		Panicf("bnn.Linear %q: inputDim must be >= 1, got %d", l.Scope(), inputDim)
	}
	if l.rng == nil {
		l.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	l.inputDim = inputDim
	meanInit := glorotUniform(l.rng, inputDim, l.outputDim)
	l.weight = newVariationalParam(l.ctx, "w",
		shapes.Make(l.dtype, inputDim, l.outputDim), meanInit)
	if l.useBias {
		l.bias = newVariationalParam(l.ctx, "b",
			shapes.Make(l.dtype, l.outputDim), meanInit)
	}
	return l
}

// IsBuilt reports whether Build has been called.
func (l *Linear) IsBuilt() bool { return l.inputDim != 0 }

// Scope returns the layer's context scope, used in error messages.
func (l *Linear) Scope() string { return l.ctx.Scope() }

// InputDim returns the input width fixed by Build.
func (l *Linear) InputDim() int {
	l.assertBuilt("InputDim")
	return l.inputDim
}

// OutputDim returns the layer's output width.
func (l *Linear) OutputDim() int { return l.outputDim }

// HasBias reports whether the layer carries a bias term.
func (l *Linear) HasBias() bool { return l.useBias }

// Forward samples one weight matrix (and bias), computes the linear transform
// of the rank-2 input x (shaped [batch, inputDim]) and records this layer's
// one-sample Monte-Carlo KL estimate for x's graph:
//
//	kl = Σ log q(w|mean,scale) - Σ log p(w)   (+ the bias analog)
//
// The same sample is used for the output and for the KL term -- the estimate
// is unbiased but can be negative on any single call. Every Forward re-samples.
// It returns the pre-activation output, shaped [batch, outputDim].
func (l *Linear) Forward(x *Node) *Node {
	l.assertBuilt("Forward")
	g := x.Graph()
	if x.Rank() != 2 {
		Panicf("bnn.Linear %q: input must be rank-2 [batch, features], got shape %s", l.Scope(), x.Shape())
	}
	if got := x.Shape().Dimensions[1]; got != l.inputDim {
		Panicf("bnn.Linear %q: input width fixed to %d at build time, got [batch, %d]", l.Scope(), l.inputDim, got)
	}
	if x.DType() != l.dtype {
		Panicf("bnn.Linear %q: built for dtype %s, got input dtype %s", l.Scope(), l.dtype, x.DType())
	}

	w := l.weight.Sample(l.ctx, g)
	kl := ReduceAllSum(Sub(l.weight.LogProb(g, w), l.prior.LogProb(w)))
	output := Dot(x, w)
	if l.useBias {
		b := l.bias.Sample(l.ctx, g)
		kl = Add(kl, ReduceAllSum(Sub(l.bias.LogProb(g, b), l.prior.LogProb(b))))
		output = Add(output, InsertAxes(b, 0))
	}
	l.kl[g] = kl
	return output
}

// KLDivergence returns the layer's KL estimate recorded by the last Forward
// pass on graph g. It panics if no Forward pass has run on g.
func (l *Linear) KLDivergence(g *Graph) *Node {
	l.assertBuilt("KLDivergence")
	kl, found := l.kl[g]
	if !found {
		Panicf("bnn.Linear %q: KLDivergence requested before any Forward pass on this graph", l.Scope())
	}
	return kl
}

// WeightMean returns the weight posterior means, shaped [inputDim, outputDim].
// The returned tensor is the variable's backing value: treat it as read-only.
func (l *Linear) WeightMean() *tensors.Tensor {
	l.assertBuilt("WeightMean")
	return l.weight.MeanValue()
}

// WeightScale returns the weight posterior scales (softplus of the raw
// scales), shaped [inputDim, outputDim].
func (l *Linear) WeightScale() *tensors.Tensor {
	l.assertBuilt("WeightScale")
	return l.weight.ScaleValue()
}

// BiasMean returns the bias posterior means, shaped [outputDim], or nil if
// the layer has no bias.
func (l *Linear) BiasMean() *tensors.Tensor {
	l.assertBuilt("BiasMean")
	if !l.useBias {
		return nil
	}
	return l.bias.MeanValue()
}

// BiasScale returns the bias posterior scales, shaped [outputDim], or nil if
// the layer has no bias.
func (l *Linear) BiasScale() *tensors.Tensor {
	l.assertBuilt("BiasScale")
	if !l.useBias {
		return nil
	}
	return l.bias.ScaleValue()
}

// NumWeights returns the number of entries of the weight matrix.
func (l *Linear) NumWeights() int {
	l.assertBuilt("NumWeights")
	return l.inputDim * l.outputDim
}

func (l *Linear) assertBuilt(op string) {
	if !l.IsBuilt() {
		Panicf("bnn.Linear %q: %s called on an Unbuilt layer -- call Build(inputDim) first", l.Scope(), op)
	}
}

func (l *Linear) assertUnbuilt(op string) {
	if l.IsBuilt() {
		Panicf("bnn.Linear %q: %s must be called before Build", l.Scope(), op)
	}
}
