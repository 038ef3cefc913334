// Runs the mushroom contextual bandit with a Thompson-sampling
// Bayes-by-Backprop agent, following the bandit experiment of Blundell et
// al.: at each step the agent is shown a random mushroom from the UCI
// agaricus-lepiota dataset and decides to eat it or pass, earning +5 for an
// edible mushroom, -35 or +5 (coin flip) for a poisonous one and 0 for
// passing. Performance is measured as cumulative regret against an oracle
// that knows which mushrooms are edible.
//
//	go run ./cmd/bayes_bandit --data=~/work/mushroom --plot=regret.png
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"

	"github.com/gergely-flamich/MLMI4-AML/bandits"
	"github.com/gergely-flamich/MLMI4-AML/bnn"
	"github.com/gergely-flamich/MLMI4-AML/mushroom"
)

var (
	flagDataDir   = flag.String("data", "~/work/mushroom", "Directory to cache the downloaded dataset files.")
	flagVerbosity = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
	flagPlot      = flag.String("plot", "", "If set, saves a PNG of the cumulative regret curve to this path.")

	flagCheckpoint     = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
	flagCheckpointKeep = flag.Int("checkpoint_keep", 3, "Number of checkpoints to keep, if --checkpoint is set.")
)

func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		"max_steps":    1000,
		"update_every": 20,
		// Steps taking uniformly random actions before the agent starts
		// choosing, to seed the replay buffer.
		"warmup_steps": 0,

		"num_hidden_layers": 2,
		"hidden_units":      400,
		"prior_sigma":       0.3,
		"likelihood_sigma":  1.0,

		"thompson_samples": 2,
		"epsilon":          0.0,
		"buffer_size":      4096,
		"batch_size":       64,
		"seed":             42,

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

	*flagDataDir = data.ReplaceTildeInDir(*flagDataDir)
	if !data.FileExists(*flagDataDir) {
		must.M(os.MkdirAll(*flagDataDir, 0777))
	}
	must.M(commandline.ParseContextSettings(ctx, *settings))

	runBandit(ctx)
}

func runBandit(ctx *context.Context) {
	mushrooms := must.M1(mushroom.LoadOrDownload(*flagDataDir))
	fmt.Printf("Mushroom dataset: %d examples, %d one-hot features\n",
		mushrooms.NumExamples(), mushrooms.NumFeatures())

	backend := backends.New()
	if *flagVerbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}

	if *flagCheckpoint != "" {
		checkpointPath := data.ReplaceTildeInDir(*flagCheckpoint)
		checkpoint := must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, *flagDataDir).Keep(*flagCheckpointKeep).Done())
		fmt.Printf("Checkpointing agent to %q\n", checkpoint.Dir())
		defer func() { must.M(checkpoint.Save()) }()
	}
	if *flagVerbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	seed := int64(context.GetParamOr(ctx, "seed", 42))
	env := mushroom.NewEnv(mushrooms, seed)

	hiddenLayers := make([]int, context.GetParamOr(ctx, "num_hidden_layers", 2))
	for i := range hiddenLayers {
		hiddenLayers[i] = context.GetParamOr(ctx, "hidden_units", 400)
	}
	agent := bandits.New(backend, ctx, bandits.Config{
		NumFeatures:     mushrooms.NumFeatures(),
		HiddenLayers:    hiddenLayers,
		Prior:           bnn.NewGaussianPrior(0, context.GetParamOr(ctx, "prior_sigma", 0.3)),
		Sigma:           context.GetParamOr(ctx, "likelihood_sigma", 1.0),
		ThompsonSamples: context.GetParamOr(ctx, "thompson_samples", 2),
		Epsilon:         context.GetParamOr(ctx, "epsilon", 0.0),
		BufferSize:      context.GetParamOr(ctx, "buffer_size", 4096),
		BatchSize:       context.GetParamOr(ctx, "batch_size", 64),
		Seed:            seed,
	})

	maxSteps := context.GetParamOr(ctx, "max_steps", 1000)
	updateEvery := context.GetParamOr(ctx, "update_every", 20)
	warmupSteps := context.GetParamOr(ctx, "warmup_steps", 0)
	rng := rand.New(rand.NewSource(seed))

	var cumRegret float64
	var eaten, agreed int
	regretCurve := make([]float64, maxSteps)
	for step := 0; step < maxSteps; step++ {
		i := env.Draw()
		contextVec := mushrooms.Context(i)

		var action int
		if step < warmupSteps {
			action = rng.Intn(2)
		} else {
			action = agent.SelectAction(contextVec)
		}
		eat := action == 1
		reward := env.Reward(i, eat)
		agent.Observe(contextVec, action, reward)

		cumRegret += env.Regret(i, eat)
		regretCurve[step] = cumRegret
		if eat {
			eaten++
		}
		if eat == env.OracleEats(i) {
			agreed++
		}

		if (step+1)%updateEvery == 0 {
			must.M(agent.Update())
		}
		if *flagVerbosity >= 1 && (step+1)%100 == 0 {
			fmt.Printf("\t[Step %d] cumulative regret %.1f, ate %d, agreed with oracle %.1f%%\n",
				step+1, cumRegret, eaten, 100*float64(agreed)/float64(step+1))
		}
	}

	fmt.Printf("Final cumulative regret after %d steps: %.1f (%.3f per step)\n",
		maxSteps, cumRegret, cumRegret/float64(maxSteps))
	if *flagPlot != "" {
		must.M(saveRegretPlot(*flagPlot, regretCurve))
		fmt.Printf("Saved regret curve to %q\n", *flagPlot)
	}
}

func saveRegretPlot(path string, regretCurve []float64) error {
	p := plot.New()
	p.Title.Text = "Mushroom bandit"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "cumulative regret"

	pts := make(plotter.XYs, len(regretCurve))
	for i, r := range regretCurve {
		pts[i].X = float64(i + 1)
		pts[i].Y = r
	}
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	p.Add(plotter.NewGrid(), line)
	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}
