// Trains a Bayes-by-Backprop classifier on MNIST, in the spirit of
// "Weight Uncertainty in Neural Networks" (Blundell et al., 2015): each
// weight is a Gaussian posterior regularized towards a scale-mixture prior,
// and the loss is the ELBO with the KL cost spread uniformly over batches.
//
// After training it can prune weights by signal-to-noise ratio and compress
// away the dead neurons, re-evaluating after each step:
//
//	go run ./cmd/bayes_mnist --data=~/work/mnist --prune --compress
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"

	"github.com/gergely-flamich/MLMI4-AML/bnn"
	"github.com/gergely-flamich/MLMI4-AML/mnist"
)

var (
	flagDataDir   = flag.String("data", "~/work/mnist", "Directory to cache the downloaded dataset files.")
	flagEval      = flag.Bool("eval", true, "Whether to evaluate the model on the test data in the end.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")

	flagPrune    = flag.Bool("prune", false, "Prune weights below the \"snr_threshold_db\" signal-to-noise ratio after training.")
	flagCompress = flag.Bool("compress", false, "Compress away dead neurons after training (implies pruning statistics at the same threshold).")

	flagCheckpoint     = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
	flagCheckpointKeep = flag.Int("checkpoint_keep", 3, "Number of checkpoints to keep, if --checkpoint is set.")
)

// createDefaultContext sets the context with the default hyperparameters.
// The priors and architecture follow the MNIST experiment of the paper:
// two hidden layers of 800 units and a scale-mixture prior with
// sigma1=e^0, sigma2=e^-5 mixed at 0.25.
func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		"train_steps": 2000,

		// batch_size for training.
		"batch_size": 128,

		// eval_batch_size can be larger than training, it's more efficient.
		"eval_batch_size": 1000,

		// Network architecture.
		"num_hidden_layers": 2,
		"hidden_units":      800,

		// Prior over the weights: "mixture" or "gaussian".
		"prior":          "mixture",
		"prior_mix_prop": 0.25,
		"prior_sigma1":   1.0,
		"prior_sigma2":   math.Exp(-5),
		// Only used when prior=gaussian.
		"prior_sigma": 0.1,

		// Signal-to-noise threshold, in dB, for --prune and --compress.
		"snr_threshold_db": 0.0,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
	})
	return ctx
}

// priorFromContext builds the weight prior selected by the "prior"
// hyperparameter.
func priorFromContext(ctx *context.Context) bnn.Prior {
	switch priorName := context.GetParamOr(ctx, "prior", "mixture"); priorName {
	case "mixture":
		return bnn.NewScaleMixturePrior(
			context.GetParamOr(ctx, "prior_mix_prop", 0.25),
			context.GetParamOr(ctx, "prior_sigma1", 1.0),
			context.GetParamOr(ctx, "prior_sigma2", math.Exp(-5)))
	case "gaussian":
		return bnn.NewGaussianPrior(0, context.GetParamOr(ctx, "prior_sigma", 0.1))
	default:
		Panicf("Parameter \"prior\" must be \"mixture\" or \"gaussian\", got %q", priorName)
	}
	return nil
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	*flagDataDir = data.ReplaceTildeInDir(*flagDataDir)
	if !data.FileExists(*flagDataDir) {
		must.M(os.MkdirAll(*flagDataDir, 0777))
	}
	must.M(commandline.ParseContextSettings(ctx, *settings))

	trainModel(ctx)
}

func trainModel(ctx *context.Context) {
	must.M(mnist.Download(*flagDataDir))
	trainData := must.M1(mnist.Load(*flagDataDir, mnist.Train))
	testData := must.M1(mnist.Load(*flagDataDir, mnist.Test))

	backend := backends.New()
	if *flagVerbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	batchSize := context.GetParamOr(ctx, "batch_size", int(0))
	if batchSize <= 0 {
		Panicf("Batch size must be > 0 (maybe it was not set?): %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", int(0))
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	trainDS := must.M1(trainData.Dataset(backend, "train"))
	trainDS.BatchSize(batchSize, true).Shuffle().Infinite(true)
	evalOnTrainDS := must.M1(trainData.Dataset(backend, "train"))
	evalOnTrainDS.BatchSize(evalBatchSize, false)
	evalOnTestDS := must.M1(testData.Dataset(backend, "test"))
	evalOnTestDS.BatchSize(evalBatchSize, false)

	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	snrThresholdDB := context.GetParamOr(ctx, "snr_threshold_db", 0.0)

	// Checkpoints saving: must be set up before the network variables are
	// created, so a loaded checkpoint takes precedence over initialization.
	var checkpoint *checkpoints.Handler
	var globalStep int
	if *flagCheckpoint != "" {
		checkpointPath := data.ReplaceTildeInDir(*flagCheckpoint)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, *flagDataDir).Keep(*flagCheckpointKeep).Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
		globalStep = int(optimizers.GetGlobalStep(ctx))
		if globalStep != 0 {
			fmt.Printf("Restarting training from global_step=%d\n", globalStep)
			ctx = ctx.Reuse()
		}
	}
	if *flagVerbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	hiddenLayers := make([]int, context.GetParamOr(ctx, "num_hidden_layers", 2))
	for i := range hiddenLayers {
		hiddenLayers[i] = context.GetParamOr(ctx, "hidden_units", 800)
	}
	net := bnn.NewNetwork(ctx.In("model"), priorFromContext(ctx), mnist.NumClasses).
		WithHiddenLayers(hiddenLayers...).
		Build(mnist.NumPixels)
	fmt.Printf("Model: %d variational parameters (hidden layers %v), prior %s\n",
		net.NumParameters(), hiddenLayers, net.Prior())

	// The KL cost is spread uniformly: each batch pays 1/numBatches of it.
	numBatches := trainData.NumExamples() / batchSize
	modelFn := func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		return []*Node{net.Forward(inputs[0])}
	}

	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)

	trainer := train.NewTrainer(backend, ctx, modelFn,
		net.ELBO(1/float64(numBatches)),
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric},
		[]metrics.Interface{meanAccuracyMetric})

	loop := train.NewLoop(trainer)
	if *flagVerbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}

	if checkpoint != nil {
		period := time.Minute * 1
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	if globalStep < numTrainSteps {
		_ = must.M1(loop.RunSteps(trainDS, numTrainSteps-globalStep))
		if *flagVerbosity >= 1 {
			fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
				loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
		}
		if checkpoint != nil {
			must.M(checkpoint.Save())
		}
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	if *flagEval {
		fmt.Println("Evaluating full model:")
		must.M(commandline.ReportEval(trainer, evalOnTestDS, evalOnTrainDS))
	}

	if *flagPrune || *flagCompress {
		fmt.Printf("Pruning weights with signal-to-noise ratio <= %g dB:\n", snrThresholdDB)
		net.PruneBelowSNR(snrThresholdDB, *flagVerbosity >= 1)
		fmt.Printf("\tsparsity: %.2f%%\n", 100*net.Sparsity())
		if *flagEval {
			// The trainer reads the variables on every call, so it
			// evaluates the pruned weights.
			fmt.Println("Evaluating pruned model:")
			must.M(commandline.ReportEval(trainer, evalOnTestDS, evalOnTrainDS))
		}
	}

	if *flagCompress {
		compressModel(backend, ctx, net, evalOnTestDS, snrThresholdDB, 1/float64(numBatches))
	}
}

// compressModel removes the dead neurons left by pruning and evaluates the
// reduced network on the test set. The reduced network only looks at the
// pixels that survived, so inputs go through SelectRetainedInputs first.
func compressModel(backend backends.Backend, ctx *context.Context, net *bnn.Network,
	evalOnTestDS train.Dataset, snrThresholdDB, klCoeff float64) {
	reduced, result := net.Compress(snrThresholdDB)

	widths := make([]int, 0, len(result.HiddenIndices))
	for _, kept := range result.HiddenIndices {
		widths = append(widths, len(kept))
	}
	fmt.Printf("Compressed model: %d of %d input pixels retained, hidden widths %v, "+
		"%d variational parameters (was %d)\n",
		len(result.InputIndices), mnist.NumPixels, widths,
		reduced.NumParameters(), net.NumParameters())

	if !*flagEval {
		return
	}
	reducedFn := func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		return []*Node{reduced.Forward(reduced.SelectRetainedInputs(inputs[0]))}
	}
	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	evaluator := train.NewTrainer(backend, ctx, reducedFn,
		reduced.ELBO(klCoeff),
		optimizers.FromContext(ctx),
		nil,
		[]metrics.Interface{meanAccuracyMetric})
	fmt.Println("Evaluating compressed model:")
	must.M(commandline.ReportEval(evaluator, evalOnTestDS))
}
