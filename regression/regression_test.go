package regression

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	cfg := DefaultConfig()
	d := Generate(cfg)
	require.Equal(t, cfg.NumPoints, d.NumPoints())

	for i, x := range d.Xs {
		require.GreaterOrEqual(t, x, cfg.XMin)
		require.Less(t, x, cfg.XMax)
		// Noise 0.02 perturbs the target by at most ~6.7·|ε|, so staying
		// within 0.6 of the clean curve only needs |ε| < 4.5 sigma.
		assert.InDeltaf(t, Curve(x), d.Ys[i], 0.6, "point %d", i)
	}
}

func TestGenerateIsSeeded(t *testing.T) {
	cfg := DefaultConfig()
	first := Generate(cfg)
	second := Generate(cfg)
	require.Equal(t, first.Xs, second.Xs)
	require.Equal(t, first.Ys, second.Ys)

	cfg.Seed++
	third := Generate(cfg)
	require.NotEqual(t, first.Xs, third.Xs)
}

func TestGenerateNoiseFree(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Noise = 0
	d := Generate(cfg)
	for i, x := range d.Xs {
		require.InDelta(t, Curve(x), d.Ys[i], 1e-12, "point %d", i)
	}
}

func TestGenerateGrid(t *testing.T) {
	d := GenerateGrid(-0.2, 1.2, 8)
	require.Equal(t, 8, d.NumPoints())
	require.Equal(t, -0.2, d.Xs[0])
	require.InDelta(t, 1.2, d.Xs[7], 1e-12)
	step := d.Xs[1] - d.Xs[0]
	for i := 1; i < len(d.Xs); i++ {
		require.InDelta(t, step, d.Xs[i]-d.Xs[i-1], 1e-12)
	}
	for i, x := range d.Xs {
		require.Equal(t, Curve(x), d.Ys[i])
	}
}

func TestCurveShape(t *testing.T) {
	// The curve oscillates around y = x: at integer x both sine terms vanish.
	require.InDelta(t, 0.0, Curve(0), 1e-12)
	require.InDelta(t, 1.0, Curve(1), 1e-12)
	require.Greater(t, Curve(0.1), 0.1, "rising lobe above the line")
	// And it is not linear.
	mid := (Curve(0) + Curve(0.5)) / 2
	require.Greater(t, math.Abs(Curve(0.25)-mid), 0.1)
}

func TestTensors(t *testing.T) {
	d := GenerateGrid(0, 1, 5)
	xs, ys := d.Tensors()
	require.NoError(t, xs.Shape().CheckDims(5, 1))
	require.NoError(t, ys.Shape().CheckDims(5, 1))
}

func TestValidation(t *testing.T) {
	require.Panics(t, func() { Generate(Config{NumPoints: 0, XMax: 1}) })
	require.Panics(t, func() { Generate(Config{NumPoints: 10, XMin: 1, XMax: 1}) })
	require.Panics(t, func() { Generate(Config{NumPoints: 10, XMax: 1, Noise: -0.1}) })
	require.Panics(t, func() { GenerateGrid(0, 1, 1) })
	require.Panics(t, func() { GenerateGrid(1, 0, 5) })
}
