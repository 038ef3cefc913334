// Trains a Bayes-by-Backprop network on the 1-D toy regression curve of
// Blundell et al. and reports the predictive distribution over a wider grid:
// away from the training range the posterior samples fan out, which is the
// point of the exercise.
//
//	go run ./cmd/bayes_regression --plot=regression.png
package main

import (
	"flag"
	"fmt"
	"image/color"
	"math"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"

	"github.com/gergely-flamich/MLMI4-AML/bnn"
	"github.com/gergely-flamich/MLMI4-AML/regression"
)

var (
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
	flagPlot      = flag.String("plot", "", "If set, saves a PNG of the predictive distribution to this path.")
)

func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		"train_steps": 5000,
		"batch_size":  20,

		// Training data: points sampled on [x_min, x_max) with Gaussian
		// noise; the model assumes the same noise level in its likelihood.
		"num_points": 100,
		"x_min":      0.0,
		"x_max":      0.5,
		"noise":      0.02,
		"seed":       42,

		"num_hidden_layers": 2,
		"hidden_units":      100,

		"prior_sigma": 0.3,

		// Grid the predictive distribution is evaluated on. It extends
		// beyond the training range on purpose.
		"grid_min":    -0.2,
		"grid_max":    1.0,
		"grid_points": 200,

		// Posterior draws per grid point.
		"num_samples": 50,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
	})
	return ctx
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	must.M(commandline.ParseContextSettings(ctx, *settings))

	trainModel(ctx)
}

func trainModel(ctx *context.Context) {
	backend := backends.New()
	if *flagVerbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	cfg := regression.Config{
		NumPoints: context.GetParamOr(ctx, "num_points", 100),
		XMin:      context.GetParamOr(ctx, "x_min", 0.0),
		XMax:      context.GetParamOr(ctx, "x_max", 0.5),
		Noise:     context.GetParamOr(ctx, "noise", 0.02),
		Seed:      int64(context.GetParamOr(ctx, "seed", 42)),
	}
	points := regression.Generate(cfg)
	trainDS := must.M1(points.Dataset(backend, "train"))
	batchSize := context.GetParamOr(ctx, "batch_size", 20)
	trainDS.BatchSize(batchSize, true).Shuffle().Infinite(true)
	evalDS := must.M1(points.Dataset(backend, "eval"))
	evalDS.BatchSize(cfg.NumPoints, false)

	hiddenLayers := make([]int, context.GetParamOr(ctx, "num_hidden_layers", 2))
	for i := range hiddenLayers {
		hiddenLayers[i] = context.GetParamOr(ctx, "hidden_units", 100)
	}
	prior := bnn.NewGaussianPrior(0, context.GetParamOr(ctx, "prior_sigma", 0.3))
	net := bnn.NewNetwork(ctx.In("model"), prior, 1).
		WithLoss(bnn.GaussianNLL).
		WithGaussianSigma(cfg.Noise).
		WithHiddenLayers(hiddenLayers...).
		WithDType(dtypes.Float64).
		Build(1)
	fmt.Printf("Model: %d variational parameters (hidden layers %v), prior %s\n",
		net.NumParameters(), hiddenLayers, net.Prior())

	numBatches := cfg.NumPoints / batchSize
	modelFn := func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		return []*Node{net.Forward(inputs[0])}
	}
	trainer := train.NewTrainer(backend, ctx, modelFn,
		net.ELBO(1/float64(numBatches)),
		optimizers.FromContext(ctx),
		nil, nil)
	loop := train.NewLoop(trainer)
	if *flagVerbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}
	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	_ = must.M1(loop.RunSteps(trainDS, numTrainSteps))

	fmt.Println("Evaluating on the training points:")
	must.M(commandline.ReportEval(trainer, evalDS))

	grid := regression.GenerateGrid(
		context.GetParamOr(ctx, "grid_min", -0.2),
		context.GetParamOr(ctx, "grid_max", 1.0),
		context.GetParamOr(ctx, "grid_points", 200))
	numSamples := context.GetParamOr(ctx, "num_samples", 50)
	mean, stddev := predict(backend, ctx, net, grid.Xs, numSamples)

	if *flagVerbosity >= 1 {
		reportUncertainty(cfg, grid, stddev)
	}
	if *flagPlot != "" {
		must.M(savePlot(*flagPlot, points, grid, mean, stddev))
		fmt.Printf("Saved predictive plot to %q\n", *flagPlot)
	}
}

// predict returns the per-point mean and standard deviation of numSamples
// posterior draws of the network output.
func predict(backend backends.Backend, ctx *context.Context, net *bnn.Network,
	xs []float64, numSamples int) (mean, stddev []float64) {
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return net.ForwardSamples(x, numSamples)
	})
	xsT := tensors.FromFlatDataAndDimensions(append([]float64{}, xs...), len(xs), 1)
	samples := tensors.CopyFlatData[float64](exec.Call(xsT)[0]) // [numSamples, len(xs), 1]

	n := len(xs)
	mean = make([]float64, n)
	stddev = make([]float64, n)
	for i := 0; i < n; i++ {
		var sum, sumSq float64
		for s := 0; s < numSamples; s++ {
			v := samples[s*n+i]
			sum += v
			sumSq += v * v
		}
		mean[i] = sum / float64(numSamples)
		variance := sumSq/float64(numSamples) - mean[i]*mean[i]
		stddev[i] = math.Sqrt(math.Max(variance, 0))
	}
	return
}

// reportUncertainty prints the average predictive stddev inside and outside
// the training range.
func reportUncertainty(cfg regression.Config, grid *regression.Data, stddev []float64) {
	var inSum, outSum float64
	var inCount, outCount int
	for i, x := range grid.Xs {
		if x >= cfg.XMin && x < cfg.XMax {
			inSum += stddev[i]
			inCount++
		} else {
			outSum += stddev[i]
			outCount++
		}
	}
	if inCount == 0 || outCount == 0 {
		return
	}
	fmt.Printf("Mean predictive stddev: %.4f inside [%g, %g), %.4f outside\n",
		inSum/float64(inCount), cfg.XMin, cfg.XMax, outSum/float64(outCount))
}

// savePlot renders the training points, the true curve and the predictive
// mean with a ±2 stddev band.
func savePlot(path string, points, grid *regression.Data, mean, stddev []float64) error {
	p := plot.New()
	p.Title.Text = "Bayes by Backprop regression"
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"

	truth, err := plotter.NewLine(toXYs(grid.Xs, grid.Ys))
	if err != nil {
		return err
	}
	truth.Color = color.RGBA{R: 0x90, G: 0x90, B: 0x90, A: 0xff}
	truth.Dashes = []vg.Length{vg.Points(3), vg.Points(3)}

	meanLine, err := plotter.NewLine(toXYs(grid.Xs, mean))
	if err != nil {
		return err
	}
	meanLine.Color = color.RGBA{B: 0xc0, A: 0xff}

	band := make([]float64, len(mean))
	for i := range band {
		band[i] = mean[i] + 2*stddev[i]
	}
	upper, err := plotter.NewLine(toXYs(grid.Xs, band))
	if err != nil {
		return err
	}
	for i := range band {
		band[i] = mean[i] - 2*stddev[i]
	}
	lower, err := plotter.NewLine(toXYs(grid.Xs, band))
	if err != nil {
		return err
	}
	bandColor := color.RGBA{B: 0xc0, A: 0x60}
	upper.Color = bandColor
	lower.Color = bandColor

	scatter, err := plotter.NewScatter(toXYs(points.Xs, points.Ys))
	if err != nil {
		return err
	}
	scatter.Color = color.RGBA{R: 0xc0, A: 0xff}

	p.Add(truth, meanLine, upper, lower, scatter)
	p.Legend.Add("truth", truth)
	p.Legend.Add("predictive mean", meanLine)
	p.Legend.Add("±2 stddev", upper)
	p.Legend.Add("train points", scatter)
	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}

func toXYs(xs, ys []float64) plotter.XYs {
	if len(xs) != len(ys) {
		Panicf("mismatched series lengths %d and %d", len(xs), len(ys))
	}
	pts := make(plotter.XYs, len(xs))
	for i := range pts {
		pts[i].X = xs[i]
		pts[i].Y = ys[i]
	}
	return pts
}
