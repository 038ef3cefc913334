package bnn

import (
	"math"
	"math/rand"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"k8s.io/klog/v2"
)

// CompressionResult describes a structurally reduced network: which original
// input features survive and the trimmed posterior parameters of every layer.
// It never aliases the source network's tensors; consuming it does not mutate
// the original.
type CompressionResult struct {
	// InputIndices are the original input-feature positions retained, in
	// ascending order.
	InputIndices []int

	// HiddenIndices[k] are the retained neuron positions of hidden layer k.
	HiddenIndices [][]int

	// Trimmed (mean, scale) tensors per layer, hidden first, output last.
	// Bias entries are nil when the network has no bias terms.
	WeightMeans, WeightScales []*tensors.Tensor
	BiasMeans, BiasScales     []*tensors.Tensor
}

// hostLayer is a materialized view of one layer's posterior used by the
// dead-neuron analysis.
type hostLayer struct {
	in, out     int
	wMu, wSigma []float64 // row-major [in, out]
	bMu, bSigma []float64 // nil without bias
	threshold   float64
}

func (h *hostLayer) live(i, j int) bool {
	return snrDB(h.wMu[i*h.out+j], h.wSigma[i*h.out+j]) > h.threshold
}

func (h *hostLayer) biasLive(j int) bool {
	return h.bMu != nil && snrDB(h.bMu[j], h.bSigma[j]) > h.threshold
}

// Compress analyzes the fully trained network for dead hidden neurons and
// unused input features and builds a new, smaller Network with them removed,
// leaving the original untouched. Entries count as negligible under the same
// SNR criterion as PruneBelowSNR with thresholdDB.
//
// A hidden neuron is eliminated only if it is dead in both adjacent views:
// every outgoing weight of the next layer (restricted to that layer's own
// surviving neurons) is negligible, and every incoming weight and the bias
// are negligible too. Deadness propagates backwards, layer by layer, ending
// with the set of input features any surviving path still depends on. The
// output layer width is always preserved, and at least one unit survives at
// every boundary so shapes stay valid.
//
// The reduced network expects inputs already restricted to the retained
// features -- see SelectRetainedInputs -- and reproduces the original's
// output distribution up to sampling noise, since eliminated units
// contribute nothing to any path. Its variables live under the "compressed"
// scope of the network's context.
func (n *Network) Compress(thresholdDB float64) (*Network, *CompressionResult) {
	n.assertBuilt("Compress")
	return n.CompressInto(n.ctx.In("compressed"), thresholdDB)
}

// CompressInto is Compress with an explicit context (scope) for the reduced
// network's variables.
func (n *Network) CompressInto(ctx *context.Context, thresholdDB float64) (*Network, *CompressionResult) {
	n.assertBuilt("CompressInto")
	numLayers := len(n.layers)

	host := make([]*hostLayer, numLayers)
	for k, layer := range n.layers {
		h := &hostLayer{in: layer.InputDim(), out: layer.OutputDim(), threshold: thresholdDB}
		h.wMu, h.wSigma = layer.weight.meanScale()
		if layer.HasBias() {
			h.bMu, h.bSigma = layer.bias.meanScale()
		}
		host[k] = h
	}

	// keep[k][j]: neuron j at the boundary between layer k and k+1 survives.
	// The final boundary (network outputs) is always fully kept.
	keep := make([][]bool, numLayers)
	keep[numLayers-1] = allTrue(host[numLayers-1].out)
	for k := numLayers - 2; k >= 0; k-- {
		h, next := host[k], host[k+1]
		keep[k] = make([]bool, h.out)
		anyKept := false
		for j := 0; j < h.out; j++ {
			liveOut := false
			for m := 0; m < next.out && !liveOut; m++ {
				liveOut = keep[k+1][m] && next.live(j, m)
			}
			liveIn := h.biasLive(j)
			for i := 0; i < h.in && !liveIn; i++ {
				liveIn = h.live(i, j)
			}
			keep[k][j] = liveOut || liveIn
			anyKept = anyKept || keep[k][j]
		}
		if !anyKept {
			keep[k][strongestNeuron(host, keep, k)] = true
		}
	}

	// Input features: retained iff some surviving first-layer neuron still
	// has a live weight from them.
	first := host[0]
	var inputIndices []int
	for i := 0; i < first.in; i++ {
		for j := 0; j < first.out; j++ {
			if keep[0][j] && first.live(i, j) {
				inputIndices = append(inputIndices, i)
				break
			}
		}
	}
	if len(inputIndices) == 0 {
		inputIndices = []int{strongestInput(first, keep[0])}
	}

	result := &CompressionResult{InputIndices: inputIndices}
	for k := 0; k < numLayers-1; k++ {
		result.HiddenIndices = append(result.HiddenIndices, trueIndices(keep[k]))
	}
	for k, h := range host {
		rows := inputIndices
		if k > 0 {
			rows = result.HiddenIndices[k-1]
		}
		cols := allIndices(h.out)
		if k < numLayers-1 {
			cols = result.HiddenIndices[k]
		}
		wMu := make([]float64, 0, len(rows)*len(cols))
		wSigma := make([]float64, 0, len(rows)*len(cols))
		for _, i := range rows {
			for _, j := range cols {
				wMu = append(wMu, h.wMu[i*h.out+j])
				wSigma = append(wSigma, h.wSigma[i*h.out+j])
			}
		}
		result.WeightMeans = append(result.WeightMeans,
			tensorFromFloat64(n.dtype, wMu, len(rows), len(cols)))
		result.WeightScales = append(result.WeightScales,
			tensorFromFloat64(n.dtype, wSigma, len(rows), len(cols)))
		if h.bMu == nil {
			result.BiasMeans = append(result.BiasMeans, nil)
			result.BiasScales = append(result.BiasScales, nil)
			continue
		}
		bMu := make([]float64, 0, len(cols))
		bSigma := make([]float64, 0, len(cols))
		for _, j := range cols {
			bMu = append(bMu, h.bMu[j])
			bSigma = append(bSigma, h.bSigma[j])
		}
		result.BiasMeans = append(result.BiasMeans, tensorFromFloat64(n.dtype, bMu, len(cols)))
		result.BiasScales = append(result.BiasScales, tensorFromFloat64(n.dtype, bSigma, len(cols)))
	}

	reduced := n.buildReduced(ctx, result)
	klog.V(1).Infof("bnn.Network %q: compressed %d->%d inputs, hidden widths %v -> %v",
		n.ctx.Scope(), n.inputDim, len(inputIndices), n.hidden, reduced.hidden)
	return reduced, result
}

// NewReducedNetwork builds a Network from a CompressionResult, transplanting
// the trimmed posterior parameters. The template network supplies prior, loss
// kind, sigma, bias and dtype configuration.
func NewReducedNetwork(ctx *context.Context, template *Network, result *CompressionResult) *Network {
	template.assertBuilt("NewReducedNetwork")
	return template.buildReduced(ctx, result)
}

func (n *Network) buildReduced(ctx *context.Context, result *CompressionResult) *Network {
	hidden := make([]int, len(result.HiddenIndices))
	for k, kept := range result.HiddenIndices {
		hidden[k] = len(kept)
	}
	reduced := NewNetwork(ctx, n.prior, n.outputDim).
		WithHiddenLayers(hidden...).
		WithLoss(n.lossKind).
		WithGaussianSigma(n.sigma).
		WithBias(n.useBias).
		WithDType(n.dtype)
	reduced.rng = rand.New(rand.NewSource(n.rng.Int63()))
	reduced.Build(len(result.InputIndices))

	for k, layer := range reduced.layers {
		layer.weight.setMeanScale(
			flatAsFloat64(result.WeightMeans[k]), flatAsFloat64(result.WeightScales[k]))
		if layer.HasBias() {
			layer.bias.setMeanScale(
				flatAsFloat64(result.BiasMeans[k]), flatAsFloat64(result.BiasScales[k]))
		}
	}

	reduced.inputIndices = append([]int{}, result.InputIndices...)
	reduced.fullInputDim = n.fullInputDim
	if reduced.fullInputDim == 0 {
		reduced.fullInputDim = n.inputDim
	}
	// Keep the retained positions alongside the weights for checkpointing.
	indices32 := make([]int32, len(result.InputIndices))
	for i, v := range result.InputIndices {
		indices32[i] = int32(v)
	}
	ctx.VariableWithValue("input_indices",
		tensors.FromFlatDataAndDimensions(indices32, len(indices32))).SetTrainable(false)
	return reduced
}

// IsReduced reports whether the network was produced by Compress.
func (n *Network) IsReduced() bool { return n.inputIndices != nil }

// InputIndices returns the original input positions a reduced network
// depends on. It panics on a non-reduced network.
func (n *Network) InputIndices() []int {
	if !n.IsReduced() {
		Panicf("bnn.Network %q: InputIndices is only available on a reduced network", n.ctx.Scope())
	}
	return n.inputIndices
}

// UnusedInputMask returns a 0/1 mask over the original input positions with
// 1 marking the features the reduced network discarded. With no arguments the
// mask is flat; pass dimensions (e.g. 28, 28 for MNIST) to reshape it to one
// raw input example.
func (n *Network) UnusedInputMask(dimensions ...int) *tensors.Tensor {
	if !n.IsReduced() {
		Panicf("bnn.Network %q: UnusedInputMask is only available on a reduced network", n.ctx.Scope())
	}
	if len(dimensions) == 0 {
		dimensions = []int{n.fullInputDim}
	}
	size := 1
	for _, d := range dimensions {
		size *= d
	}
	if size != n.fullInputDim {
		Panicf("bnn.Network %q: mask dimensions %v do not cover the original %d input features",
			n.ctx.Scope(), dimensions, n.fullInputDim)
	}
	mask := make([]float64, n.fullInputDim)
	for i := range mask {
		mask[i] = 1
	}
	for _, i := range n.inputIndices {
		mask[i] = 0
	}
	return tensorFromFloat64(n.dtype, mask, dimensions...)
}

// SelectRetainedInputs slices a full-width batch [batch, fullInputDim] down
// to the retained features [batch, len(InputIndices)], inside the graph.
func (n *Network) SelectRetainedInputs(x *Node) *Node {
	if !n.IsReduced() {
		Panicf("bnn.Network %q: SelectRetainedInputs is only available on a reduced network", n.ctx.Scope())
	}
	if x.Rank() != 2 || x.Shape().Dimensions[1] != n.fullInputDim {
		Panicf("bnn.Network %q: SelectRetainedInputs expects [batch, %d], got %s",
			n.ctx.Scope(), n.fullInputDim, x.Shape())
	}
	return GatherColumns(x, n.inputIndices)
}

// GatherColumns selects the given columns of a rank-2 node, preserving order.
func GatherColumns(x *Node, indices []int) *Node {
	g := x.Graph()
	idx := make([][]int32, len(indices))
	for i, v := range indices {
		idx[i] = []int32{int32(v)}
	}
	sel := Gather(Transpose(x, 0, 1), Const(g, idx))
	return Transpose(sel, 0, 1)
}

// strongestNeuron picks the boundary-k neuron with the best outgoing SNR,
// used when the criterion would otherwise eliminate a whole layer.
func strongestNeuron(host []*hostLayer, keep [][]bool, k int) int {
	next := host[k+1]
	best, bestSNR := 0, math.Inf(-1)
	for j := 0; j < host[k].out; j++ {
		for m := 0; m < next.out; m++ {
			if !keep[k+1][m] {
				continue
			}
			if snr := snrDB(next.wMu[j*next.out+m], next.wSigma[j*next.out+m]); snr > bestSNR {
				best, bestSNR = j, snr
			}
		}
	}
	return best
}

// strongestInput is the analogous fallback for the input features.
func strongestInput(first *hostLayer, keep []bool) int {
	best, bestSNR := 0, math.Inf(-1)
	for i := 0; i < first.in; i++ {
		for j := 0; j < first.out; j++ {
			if !keep[j] {
				continue
			}
			if snr := snrDB(first.wMu[i*first.out+j], first.wSigma[i*first.out+j]); snr > bestSNR {
				best, bestSNR = i, snr
			}
		}
	}
	return best
}

func allTrue(size int) []bool {
	mask := make([]bool, size)
	for i := range mask {
		mask[i] = true
	}
	return mask
}

func allIndices(size int) []int {
	indices := make([]int, size)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

func trueIndices(mask []bool) []int {
	var indices []int
	for i, v := range mask {
		if v {
			indices = append(indices, i)
		}
	}
	return indices
}
