// Package regression generates the 1-D toy curve from Blundell et al. used
// to visualize predictive uncertainty of Bayes-by-Backprop networks:
//
//	y = x + 0.3·sin(2π(x+ε)) + 0.3·sin(4π(x+ε)) + ε,  ε ~ N(0, noise²)
//
// Training points are drawn from a narrow x-range; evaluating on a wider grid
// shows the posterior widening away from the data.
package regression

import (
	"math"
	"math/rand"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Config describes one sampled dataset.
type Config struct {
	NumPoints  int
	XMin, XMax float64
	Noise      float64 // stddev of ε
	Seed       int64
}

// DefaultConfig matches the original experiment: 100 points on [0, 0.5]
// with noise 0.02.
func DefaultConfig() Config {
	return Config{NumPoints: 100, XMin: 0, XMax: 0.5, Noise: 0.02, Seed: 42}
}

// Data is a sampled set of (x, y) pairs.
type Data struct {
	Xs, Ys []float64
}

// Curve is the noise-free target function.
func Curve(x float64) float64 {
	return x + 0.3*math.Sin(2*math.Pi*x) + 0.3*math.Sin(4*math.Pi*x)
}

// Generate samples cfg.NumPoints points with x uniform on [XMin, XMax) and
// noisy targets.
func Generate(cfg Config) *Data {
	validate(cfg)
	rng := rand.New(rand.NewSource(cfg.Seed))
	d := &Data{
		Xs: make([]float64, cfg.NumPoints),
		Ys: make([]float64, cfg.NumPoints),
	}
	for i := range d.Xs {
		x := cfg.XMin + rng.Float64()*(cfg.XMax-cfg.XMin)
		eps := rng.NormFloat64() * cfg.Noise
		d.Xs[i] = x
		d.Ys[i] = x + 0.3*math.Sin(2*math.Pi*(x+eps)) + 0.3*math.Sin(4*math.Pi*(x+eps)) + eps
	}
	return d
}

// GenerateGrid returns numPoints noise-free points evenly spaced on
// [xMin, xMax], for evaluation and plotting.
func GenerateGrid(xMin, xMax float64, numPoints int) *Data {
	if numPoints < 2 {
		Panicf("regression.GenerateGrid: numPoints must be >= 2, got %d", numPoints)
	}
	if xMax <= xMin {
		Panicf("regression.GenerateGrid: xMax must be > xMin, got [%g, %g]", xMin, xMax)
	}
	d := &Data{
		Xs: make([]float64, numPoints),
		Ys: make([]float64, numPoints),
	}
	step := (xMax - xMin) / float64(numPoints-1)
	for i := range d.Xs {
		x := xMin + float64(i)*step
		d.Xs[i] = x
		d.Ys[i] = Curve(x)
	}
	return d
}

// NumPoints returns the number of (x, y) pairs.
func (d *Data) NumPoints() int { return len(d.Xs) }

// Tensors returns the points as [numPoints, 1] float64 tensors.
func (d *Data) Tensors() (xs, ys *tensors.Tensor) {
	xs = tensors.FromFlatDataAndDimensions(append([]float64{}, d.Xs...), len(d.Xs), 1)
	ys = tensors.FromFlatDataAndDimensions(append([]float64{}, d.Ys...), len(d.Ys), 1)
	return
}

// Dataset wraps the points into an InMemoryDataset ready for train.Loop.
func (d *Data) Dataset(backend backends.Backend, name string) (*data.InMemoryDataset, error) {
	xs, ys := d.Tensors()
	ds, err := data.InMemoryFromData(backend, name, []any{xs}, []any{ys})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to build in-memory dataset %q", name)
	}
	return ds, nil
}

func validate(cfg Config) {
	if cfg.NumPoints < 1 {
		Panicf("regression.Generate: NumPoints must be >= 1, got %d", cfg.NumPoints)
	}
	if cfg.XMax <= cfg.XMin {
		Panicf("regression.Generate: XMax must be > XMin, got [%g, %g]", cfg.XMin, cfg.XMax)
	}
	if cfg.Noise < 0 {
		Panicf("regression.Generate: Noise must be >= 0, got %g", cfg.Noise)
	}
}
