package bnn

import (
	"math"
	"math/rand"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

func TestVariationalParamSampleStats(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)
	p := newVariationalParam(ctx.In("w"), "w",
		shapes.Make(dtypes.Float64, 50, 40), func() float64 { return 1.5 })

	got := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return p.Sample(ctx, g)
	})
	require.NoError(t, got.Shape().CheckDims(50, 40))

	// 2000 draws from N(1.5, softplus(-3)²): the sample mean and stddev must
	// be close to the parameters.
	flat := tensors.CopyFlatData[float64](got)
	wantScale := softplus(RawScaleInit)
	assert.InDelta(t, 1.5, stat.Mean(flat, nil), 5e-3)
	assert.InDelta(t, wantScale, math.Sqrt(stat.Variance(flat, nil)), 5e-3)
}

func TestVariationalParamResamples(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(11)
	p := newVariationalParam(ctx.In("w"), "w",
		shapes.Make(dtypes.Float64, 10), func() float64 { return 0 })

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return p.Sample(ctx, g)
	})
	first := tensors.CopyFlatData[float64](exec.Call()[0])
	second := tensors.CopyFlatData[float64](exec.Call()[0])
	require.NotEqual(t, first, second, "consecutive calls must draw fresh samples")
}

func TestVariationalParamMeanScaleValues(t *testing.T) {
	ctx := context.New()
	p := newVariationalParam(ctx.In("w"), "w",
		shapes.Make(dtypes.Float64, 2, 2), func() float64 { return 0.25 })

	mean, scale := p.meanScale()
	require.Len(t, mean, 4)
	for i := range mean {
		assert.Equal(t, 0.25, mean[i])
		assert.InDelta(t, softplus(RawScaleInit), scale[i], 1e-9)
	}

	scaleT := p.ScaleValue()
	require.NoError(t, scaleT.Shape().CheckDims(2, 2))
	for _, v := range tensors.CopyFlatData[float64](scaleT) {
		assert.InDelta(t, softplus(RawScaleInit), v, 1e-9)
	}
}

func TestSetMeanScaleRoundTripAndClamp(t *testing.T) {
	ctx := context.New()
	p := newVariationalParam(ctx.In("w"), "w",
		shapes.Make(dtypes.Float64, 4), func() float64 { return 0 })

	p.setMeanScale([]float64{1, -2, 0, 3}, []float64{0.5, 0.01, 0, 1e-12})
	mean, scale := p.meanScale()
	assert.Equal(t, []float64{1, -2, 0, 3}, mean)
	assert.InDelta(t, 0.5, scale[0], 1e-9)
	assert.InDelta(t, 0.01, scale[1], 1e-9)

	// Scales at or below the floor are clamped but stay strictly positive.
	floor := softplus(rawScaleFloor)
	assert.Equal(t, floor, scale[2])
	assert.Equal(t, floor, scale[3])
	require.Greater(t, scale[2], 0.0)
}

func TestGlorotUniformRange(t *testing.T) {
	rngInit := glorotUniform(rand.New(rand.NewSource(3)), 300, 100)
	limit := math.Sqrt(6.0 / 400.0)
	var minSeen, maxSeen float64 = math.Inf(1), math.Inf(-1)
	for i := 0; i < 10000; i++ {
		v := rngInit()
		require.LessOrEqual(t, math.Abs(v), limit)
		minSeen = math.Min(minSeen, v)
		maxSeen = math.Max(maxSeen, v)
	}
	// The draws must actually use the range, both signs included.
	assert.Less(t, minSeen, -0.8*limit)
	assert.Greater(t, maxSeen, 0.8*limit)
}
