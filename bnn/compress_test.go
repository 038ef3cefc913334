package bnn

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newCompressFixture builds a 4 -> 3 -> 2 network with hand-set posterior
// means and collapsed scales. Hidden neuron 1 is dead in both views (zero
// incoming column and bias, zero outgoing row) and input feature 2 feeds
// nothing.
func newCompressFixture(t *testing.T) *Network {
	t.Helper()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	net := NewNetwork(ctx.In("model"), NewGaussianPrior(0, 1), 2).
		WithHiddenLayers(3).
		WithDType(dtypes.Float64).
		WithSeed(7).
		Build(4)

	setLayer := func(layer *Linear, w, b []float64) {
		layer.weight.setMeanScale(w, make([]float64, len(w)))
		layer.bias.setMeanScale(b, make([]float64, len(b)))
	}
	setLayer(net.Layers()[0],
		[]float64{
			1, 0, 0.5,
			0.2, 0, 0,
			0, 0, 0,
			0, 0, -1,
		},
		[]float64{0.1, 0, 0.2})
	setLayer(net.Layers()[1],
		[]float64{
			1, -1,
			0, 0,
			0.5, 2,
		},
		[]float64{0.3, -0.3})
	return net
}

func TestCompressEliminatesDeadNeuronsAndInputs(t *testing.T) {
	net := newCompressFixture(t)
	reduced, result := net.Compress(0)

	require.Equal(t, []int{0, 1, 3}, result.InputIndices)
	require.Equal(t, [][]int{{0, 2}}, result.HiddenIndices)

	require.NoError(t, result.WeightMeans[0].Shape().CheckDims(3, 2))
	assert.Equal(t, []float64{1, 0.5, 0.2, 0, 0, -1},
		tensors.CopyFlatData[float64](result.WeightMeans[0]))
	assert.Equal(t, []float64{0.1, 0.2},
		tensors.CopyFlatData[float64](result.BiasMeans[0]))

	require.NoError(t, result.WeightMeans[1].Shape().CheckDims(2, 2))
	assert.Equal(t, []float64{1, -1, 0.5, 2},
		tensors.CopyFlatData[float64](result.WeightMeans[1]))
	assert.Equal(t, []float64{0.3, -0.3},
		tensors.CopyFlatData[float64](result.BiasMeans[1]))

	require.True(t, reduced.IsBuilt())
	require.True(t, reduced.IsReduced())
	require.Equal(t, 3, reduced.InputDim())
	require.Equal(t, 2, reduced.OutputDim(), "output width is always preserved")
	require.Equal(t, []int{0, 1, 3}, reduced.InputIndices())
	require.Len(t, reduced.Layers(), 2)
	require.Equal(t, 2, reduced.Layers()[0].OutputDim())

	// The transplanted parameters match the trimmed tensors.
	assert.Equal(t, []float64{1, 0.5, 0.2, 0, 0, -1},
		tensors.CopyFlatData[float64](reduced.Layers()[0].WeightMean()))
	assert.Equal(t, []float64{0.3, -0.3},
		tensors.CopyFlatData[float64](reduced.Layers()[1].BiasMean()))
}

func TestCompressLeavesOriginalUntouched(t *testing.T) {
	net := newCompressFixture(t)
	before := tensors.CopyFlatData[float64](net.MuVector())

	_, _ = net.Compress(0)

	require.False(t, net.IsReduced())
	require.Panics(t, func() { net.InputIndices() })
	require.Panics(t, func() { net.UnusedInputMask() })
	assert.Equal(t, before, tensors.CopyFlatData[float64](net.MuVector()))
}

func TestCompressPreservesOutputs(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	net := newCompressFixture(t)
	reduced, _ := net.Compress(0)

	x := [][]float64{{1, 2, 3, 4}, {0, -1, 1, 2}}
	full := context.ExecOnce(backend, net.ctx, func(ctx *context.Context, g *Graph) *Node {
		return net.Forward(Const(g, x))
	})
	small := context.ExecOnce(backend, reduced.ctx, func(ctx *context.Context, g *Graph) *Node {
		return reduced.Forward(reduced.SelectRetainedInputs(Const(g, x)))
	})

	fullFlat := tensors.CopyFlatData[float64](full)
	smallFlat := tensors.CopyFlatData[float64](small)
	require.Len(t, smallFlat, len(fullFlat))
	for i := range fullFlat {
		// Scales are collapsed to ~2e-9, so both passes are deterministic up
		// to that noise.
		assert.InDelta(t, fullFlat[i], smallFlat[i], 1e-6)
	}
}

func TestCompressKeepsAtLeastOneUnit(t *testing.T) {
	ctx := context.New()
	ctx.RngStateFromSeed(3)
	net := NewNetwork(ctx.In("model"), NewGaussianPrior(0, 1), 2).
		WithHiddenLayers(3).
		WithDType(dtypes.Float64).
		WithSeed(5).
		Build(4)
	for _, layer := range net.Layers() {
		w := make([]float64, layer.NumWeights())
		layer.weight.setMeanScale(w, make([]float64, len(w)))
		b := make([]float64, layer.OutputDim())
		layer.bias.setMeanScale(b, make([]float64, len(b)))
	}

	reduced, result := net.Compress(0)
	require.Len(t, result.InputIndices, 1)
	require.Equal(t, [][]int{{0}}, result.HiddenIndices)
	require.Equal(t, 1, reduced.InputDim())
	require.Equal(t, 2, reduced.OutputDim())
}

func TestUnusedInputMask(t *testing.T) {
	net := newCompressFixture(t)
	reduced, _ := net.Compress(0)

	flat := reduced.UnusedInputMask()
	require.NoError(t, flat.Shape().CheckDims(4))
	assert.Equal(t, []float64{0, 0, 1, 0}, tensors.CopyFlatData[float64](flat))

	// Reshaped to the raw input layout.
	square := reduced.UnusedInputMask(2, 2)
	require.NoError(t, square.Shape().CheckDims(2, 2))
	assert.Equal(t, []float64{0, 0, 1, 0}, tensors.CopyFlatData[float64](square))

	require.Panics(t, func() { reduced.UnusedInputMask(3) })
}

func TestSelectRetainedInputsValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	net := newCompressFixture(t)
	reduced, _ := net.Compress(0)

	badWidth := context.NewExec(backend, reduced.ctx, func(ctx *context.Context, g *Graph) *Node {
		return reduced.SelectRetainedInputs(Const(g, [][]float64{{1, 2, 3}}))
	})
	require.Panics(t, func() { badWidth.Call() })
}
