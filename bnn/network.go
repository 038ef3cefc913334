package bnn

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"
)

// LossKind selects the task-specific negative log-likelihood of a Network.
type LossKind int

const (
	// CategoricalNLL is summed softmax cross-entropy, for classification.
	CategoricalNLL LossKind = iota

	// GaussianNLL is MSE/(2σ²) + log σ with a fixed σ, for regression and
	// bandit reward estimation.
	GaussianNLL
)

// String implements fmt.Stringer.
func (k LossKind) String() string {
	switch k {
	case CategoricalNLL:
		return "categorical"
	case GaussianNLL:
		return "gaussian"
	}
	return "invalid"
}

// Network is a Bayes-by-Backprop feed-forward network: a stack of variational
// Linear layers with ReLU between the hidden layers and an identity output
// layer, all sharing one Prior. One configurable type covers the MNIST
// classifier, the toy regression and the bandit expected-reward model; they
// differ only in widths and LossKind.
//
// Like Linear, a Network is Unbuilt until Build(inputDim) is called.
// Every Forward pass re-samples every layer.
type Network struct {
	ctx       *context.Context
	prior     Prior
	outputDim int
	hidden    []int
	lossKind  LossKind
	sigma     float64
	useBias   bool
	dtype     dtypes.DType
	rng       *rand.Rand

	inputDim int
	layers   []*Linear

	// Set only on reduced networks produced by Compress.
	inputIndices []int
	fullInputDim int
}

// NewNetwork creates an Unbuilt network with the given output width and
// prior. Defaults: two hidden layers of 400 units, CategoricalNLL, sigma 1,
// bias enabled, Float32. Options must be set before Build.
func NewNetwork(ctx *context.Context, prior Prior, outputDim int) *Network {
	if outputDim < 1 {
		Panicf("bnn.NewNetwork: outputDim must be >= 1, got %d", outputDim)
	}
	if prior == nil {
		Panicf("bnn.NewNetwork: a prior is required")
	}
	return &Network{
		ctx:       ctx,
		prior:     prior,
		outputDim: outputDim,
		hidden:    []int{400, 400},
		lossKind:  CategoricalNLL,
		sigma:     1.0,
		useBias:   true,
		dtype:     dtypes.Float32,
	}
}

// WithHiddenLayers sets the hidden layer widths. Each width must be >= 1.
func (n *Network) WithHiddenLayers(widths ...int) *Network {
	n.assertUnbuilt("WithHiddenLayers")
	for _, w := range widths {
		if w < 1 {
			Panicf("bnn.Network: hidden layer widths must be >= 1, got %v", widths)
		}
	}
	n.hidden = widths
	return n
}

// WithLoss sets the task-specific negative log-likelihood kind.
func (n *Network) WithLoss(kind LossKind) *Network {
	n.assertUnbuilt("WithLoss")
	if kind != CategoricalNLL && kind != GaussianNLL {
		Panicf("bnn.Network: invalid LossKind %d", kind)
	}
	n.lossKind = kind
	return n
}

// WithGaussianSigma sets the fixed observation noise σ of the GaussianNLL.
func (n *Network) WithGaussianSigma(sigma float64) *Network {
	n.assertUnbuilt("WithGaussianSigma")
	if sigma <= 0 {
		Panicf("bnn.Network: sigma must be > 0, got %g", sigma)
	}
	n.sigma = sigma
	return n
}

// WithBias sets whether layers carry bias terms. Default is true.
func (n *Network) WithBias(useBias bool) *Network {
	n.assertUnbuilt("WithBias")
	n.useBias = useBias
	return n
}

// WithDType sets the parameter and input dtype. Default is Float32.
func (n *Network) WithDType(dtype dtypes.DType) *Network {
	n.assertUnbuilt("WithDType")
	if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
		Panicf("bnn.Network: unsupported dtype %s, only Float32 and Float64 are supported", dtype)
	}
	n.dtype = dtype
	return n
}

// WithSeed makes the host-side mean initialization deterministic, including
// SamplePosterior draws.
func (n *Network) WithSeed(seed int64) *Network {
	n.assertUnbuilt("WithSeed")
	n.rng = rand.New(rand.NewSource(seed))
	return n
}

// Build allocates every layer's parameters for the given input width, moving
// the network to the Built state.
func (n *Network) Build(inputDim int) *Network {
	if n.IsBuilt() {
		Panicf("bnn.Network %q: Build called twice (input width already fixed to %d)", n.ctx.Scope(), n.inputDim)
	}
	if inputDim < 1 {
		Panicf("bnn.Network %q: inputDim must be >= 1, got %d", n.ctx.Scope(), inputDim)
	}
	if n.rng == nil {
		n.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	n.inputDim = inputDim
	widths := append(append([]int{}, n.hidden...), n.outputDim)
	prevDim := inputDim
	for i, width := range widths {
		layer := NewLinear(n.ctx.In(fmt.Sprintf("%03d_linear", i)), width, n.prior).
			WithBias(n.useBias).
			WithDType(n.dtype).
			withRNG(n.rng).
			Build(prevDim)
		n.layers = append(n.layers, layer)
		prevDim = width
	}
	klog.V(1).Infof("bnn.Network %q: built with input width %d, layer widths %v, prior %s",
		n.ctx.Scope(), inputDim, widths, n.prior)
	return n
}

// IsBuilt reports whether Build has been called.
func (n *Network) IsBuilt() bool { return n.inputDim != 0 }

// InputDim returns the input width fixed by Build.
func (n *Network) InputDim() int {
	n.assertBuilt("InputDim")
	return n.inputDim
}

// OutputDim returns the network's output width.
func (n *Network) OutputDim() int { return n.outputDim }

// Layers returns the network's layers, hidden first, output layer last.
func (n *Network) Layers() []*Linear {
	n.assertBuilt("Layers")
	return n.layers
}

// Prior returns the shared prior.
func (n *Network) Prior() Prior { return n.prior }

// Forward runs one stochastic forward pass over the rank-2 input x, sampling
// fresh weights for every layer, and returns logits (CategoricalNLL) or
// predictions (GaussianNLL), shaped [batch, outputDim]. Two Forward passes on
// the same input give different outputs.
func (n *Network) Forward(x *Node) *Node {
	n.assertBuilt("Forward")
	for i, layer := range n.layers {
		x = layer.Forward(x)
		if i < len(n.layers)-1 {
			x = activations.Relu(x)
		}
	}
	return x
}

// ForwardSamples stacks numSamples independent Forward passes, returning a
// [numSamples, batch, outputDim] node, for tighter Monte-Carlo likelihood
// estimates. The recorded KL corresponds to the last pass.
func (n *Network) ForwardSamples(x *Node, numSamples int) *Node {
	n.assertBuilt("ForwardSamples")
	if numSamples < 1 {
		Panicf("bnn.Network %q: numSamples must be >= 1, got %d", n.ctx.Scope(), numSamples)
	}
	samples := make([]*Node, numSamples)
	for i := range samples {
		samples[i] = InsertAxes(n.Forward(x), 0)
	}
	if numSamples == 1 {
		return samples[0]
	}
	return Concatenate(samples, 0)
}

// KLDivergence returns the network KL estimate for graph g: the sum of every
// layer's KL from its last Forward pass on g. It panics if any layer has not
// yet run Forward on g.
func (n *Network) KLDivergence(g *Graph) *Node {
	n.assertBuilt("KLDivergence")
	var kl *Node
	for _, layer := range n.layers {
		layerKL := layer.KLDivergence(g)
		if kl == nil {
			kl = layerKL
		} else {
			kl = Add(kl, layerKL)
		}
	}
	return kl
}

// NegativeLogLikelihood returns the task-specific NLL scalar.
//
// CategoricalNLL: labels are integer class ids shaped [batch] or [batch, 1],
// predictions are logits [batch, outputDim]; returns the summed softmax
// cross-entropy over the batch.
//
// GaussianNLL: labels shaped [batch, 1]; predictions [batch, 1] or, for the
// multi-sample estimate, [numSamples, batch, 1] (see ForwardSamples), in
// which case per-sample NLLs are summed.
func (n *Network) NegativeLogLikelihood(labels, predictions *Node) *Node {
	n.assertBuilt("NegativeLogLikelihood")
	switch n.lossKind {
	case CategoricalNLL:
		return n.categoricalNLL(labels, predictions)
	case GaussianNLL:
		return n.gaussianNLL(labels, predictions)
	}
	Panicf("bnn.Network %q: invalid LossKind %d", n.ctx.Scope(), n.lossKind)
	return nil
}

func (n *Network) categoricalNLL(labels, logits *Node) *Node {
	if logits.Rank() != 2 {
		Panicf("bnn.Network %q: categorical NLL needs rank-2 logits, got %s", n.ctx.Scope(), logits.Shape())
	}
	if labels.Rank() == 2 && labels.Shape().Dimensions[1] == 1 {
		labels = Reshape(labels, -1)
	}
	if !labels.DType().IsInt() {
		labels = ConvertDType(labels, dtypes.Int32)
	}
	oneHot := OneHot(labels, n.outputDim, logits.DType())
	return Neg(ReduceAllSum(Mul(oneHot, LogSoftmax(logits))))
}

func (n *Network) gaussianNLL(labels, predictions *Node) *Node {
	logSigma := math.Log(n.sigma)
	switch predictions.Rank() {
	case 2:
		mse := ReduceAllMean(Square(Sub(predictions, labels)))
		return AddScalar(DivScalar(mse, 2*n.sigma*n.sigma), logSigma)
	case 3:
		numSamples := predictions.Shape().Dimensions[0]
		perSample := ReduceMean(Square(Sub(predictions, InsertAxes(labels, 0))), 1, 2)
		nll := DivScalar(ReduceAllSum(perSample), 2*n.sigma*n.sigma)
		return AddScalar(nll, float64(numSamples)*logSigma)
	}
	Panicf("bnn.Network %q: gaussian NLL needs rank-2 or rank-3 predictions, got %s", n.ctx.Scope(), predictions.Shape())
	return nil
}

// ELBO adapts the network to a losses.LossFn computing the negative evidence
// lower bound: klCoeff·KL + NLL. klCoeff is supplied by the caller; 1/numBatches
// spreads the KL term uniformly across the minibatches of one epoch so it is
// not double-counted.
func (n *Network) ELBO(klCoeff float64) losses.LossFn {
	n.assertBuilt("ELBO")
	return func(labels, predictions []*Node) *Node {
		nll := n.NegativeLogLikelihood(labels[0], predictions[0])
		kl := n.KLDivergence(predictions[0].Graph())
		return Add(nll, MulScalar(kl, klCoeff))
	}
}

// MuVector returns every posterior mean concatenated into one flat tensor:
// all weight means in layer order, then all bias means in layer order.
func (n *Network) MuVector() *tensors.Tensor {
	n.assertBuilt("MuVector")
	mu, _ := n.flatParams()
	return tensorFromFloat64(n.dtype, mu, len(mu))
}

// SigmaVector is the σ counterpart of MuVector, in the same order.
func (n *Network) SigmaVector() *tensors.Tensor {
	n.assertBuilt("SigmaVector")
	_, sigma := n.flatParams()
	return tensorFromFloat64(n.dtype, sigma, len(sigma))
}

// SamplePosterior draws one joint sample of the full flattened parameter
// vector from N(MuVector, SigmaVector²), treating all parameters as
// independent Gaussians. Used for exploration in the bandit setting.
func (n *Network) SamplePosterior() *tensors.Tensor {
	n.assertBuilt("SamplePosterior")
	mu, sigma := n.flatParams()
	for i := range mu {
		mu[i] += sigma[i] * n.rng.NormFloat64()
	}
	return tensorFromFloat64(n.dtype, mu, len(mu))
}

// NumParameters returns the total number of weight and bias entries.
func (n *Network) NumParameters() int {
	n.assertBuilt("NumParameters")
	total := 0
	for _, layer := range n.layers {
		total += layer.NumWeights()
		if layer.HasBias() {
			total += layer.OutputDim()
		}
	}
	return total
}

// flatParams concatenates host-side copies of (mean, scale) for all
// parameters: weights in layer order, then biases in layer order. MuVector,
// SigmaVector and SamplePosterior all share this layout.
func (n *Network) flatParams() (mu, sigma []float64) {
	mu = make([]float64, 0, n.NumParameters())
	sigma = make([]float64, 0, n.NumParameters())
	for _, layer := range n.layers {
		m, s := layer.weight.meanScale()
		mu = append(mu, m...)
		sigma = append(sigma, s...)
	}
	for _, layer := range n.layers {
		if !layer.HasBias() {
			continue
		}
		m, s := layer.bias.meanScale()
		mu = append(mu, m...)
		sigma = append(sigma, s...)
	}
	return
}

func (n *Network) assertBuilt(op string) {
	if !n.IsBuilt() {
		Panicf("bnn.Network %q: %s called on an Unbuilt network -- call Build(inputDim) first", n.ctx.Scope(), op)
	}
}

func (n *Network) assertUnbuilt(op string) {
	if n.IsBuilt() {
		Panicf("bnn.Network %q: %s must be called before Build", n.ctx.Scope(), op)
	}
}
