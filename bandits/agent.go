// Package bandits implements a Thompson-sampling contextual-bandit agent on
// top of a Bayes-by-Backprop network.
//
// The agent estimates the expected reward of (context, action) pairs with a
// variational network: the context vector is extended with a one-hot action
// encoding and scored by a stochastic forward pass. Since every pass samples
// fresh weights from the posterior, scoring candidate actions IS Thompson
// sampling: the posterior's own uncertainty drives exploration, optionally
// topped up with epsilon-greedy. Observed rewards go to a bounded replay
// buffer the network is retrained on periodically.
package bandits

import (
	"math/rand"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gergely-flamich/MLMI4-AML/bnn"
)

// Config describes the agent. Zero values fall back to the defaults
// documented on each field.
type Config struct {
	// NumFeatures is the context width, without the action encoding.
	// Required.
	NumFeatures int

	// NumActions is the number of candidate actions. Default 2.
	NumActions int

	// HiddenLayers are the reward network's hidden widths.
	// Default {400, 400}.
	HiddenLayers []int

	// Prior over the network weights. Default Gaussian(0, 0.3).
	Prior bnn.Prior

	// Sigma is the observation noise of the Gaussian reward likelihood.
	// Default 1.
	Sigma float64

	// ThompsonSamples is how many posterior draws are summed per action when
	// selecting. Default 2.
	ThompsonSamples int

	// Epsilon overrides the selected action with a uniformly random one at
	// this rate. Default 0 (pure Thompson sampling).
	Epsilon float64

	// BufferSize caps the replay buffer. Default 4096.
	BufferSize int

	// BatchSize used when retraining on the buffer. Default 64.
	BatchSize int

	// DType of the network. Default Float32.
	DType dtypes.DType

	// Seed for action selection and initialization. Default 42.
	Seed int64
}

func (cfg Config) withDefaults() Config {
	if cfg.NumActions == 0 {
		cfg.NumActions = 2
	}
	if cfg.HiddenLayers == nil {
		cfg.HiddenLayers = []int{400, 400}
	}
	if cfg.Prior == nil {
		cfg.Prior = bnn.NewGaussianPrior(0, 0.3)
	}
	if cfg.Sigma == 0 {
		cfg.Sigma = 1
	}
	if cfg.ThompsonSamples == 0 {
		cfg.ThompsonSamples = 2
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 4096
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 64
	}
	if cfg.DType == dtypes.InvalidDType {
		cfg.DType = dtypes.Float32
	}
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	return cfg
}

// Agent is the Thompson-sampling bandit agent. Not safe for concurrent use.
type Agent struct {
	backend backends.Backend
	ctx     *context.Context
	cfg     Config
	net     *bnn.Network
	buffer  *Buffer
	rng     *rand.Rand

	// scoreExec runs one stochastic forward pass over the candidate rows,
	// one row per action. One call samples one set of weights, so all
	// actions are compared under the same posterior draw.
	scoreExec *context.Exec
}

// New creates an agent. The context carries the network variables and the
// optimizer hyperparameters (e.g. "optimizer", "learning_rate") used by
// Update.
func New(backend backends.Backend, ctx *context.Context, cfg Config) *Agent {
	cfg = cfg.withDefaults()
	if cfg.NumFeatures < 1 {
		Panicf("bandits.New: Config.NumFeatures must be >= 1, got %d", cfg.NumFeatures)
	}
	if cfg.NumActions < 2 {
		Panicf("bandits.New: Config.NumActions must be >= 2, got %d", cfg.NumActions)
	}
	if cfg.Epsilon < 0 || cfg.Epsilon > 1 {
		Panicf("bandits.New: Config.Epsilon must be in [0, 1], got %g", cfg.Epsilon)
	}

	a := &Agent{
		backend: backend,
		ctx:     ctx,
		cfg:     cfg,
		buffer:  NewBuffer(cfg.BufferSize),
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}
	a.net = bnn.NewNetwork(ctx.In("reward"), cfg.Prior, 1).
		WithLoss(bnn.GaussianNLL).
		WithGaussianSigma(cfg.Sigma).
		WithHiddenLayers(cfg.HiddenLayers...).
		WithDType(cfg.DType).
		WithSeed(cfg.Seed).
		Build(cfg.NumFeatures + cfg.NumActions)
	a.scoreExec = context.NewExec(backend, ctx, func(ctx *context.Context, candidates *Node) *Node {
		return a.net.Forward(candidates)
	})
	klog.V(1).Infof("bandits: agent with %d context features, %d actions, hidden %v",
		cfg.NumFeatures, cfg.NumActions, cfg.HiddenLayers)
	return a
}

// Network returns the underlying reward network.
func (a *Agent) Network() *bnn.Network { return a.net }

// Buffer returns the replay buffer.
func (a *Agent) Buffer() *Buffer { return a.buffer }

// encode appends the one-hot action encoding to the context.
func (a *Agent) encode(contextVec []float64, action int) []float64 {
	input := make([]float64, a.cfg.NumFeatures+a.cfg.NumActions)
	copy(input, contextVec)
	input[a.cfg.NumFeatures+action] = 1
	return input
}

// SelectAction picks an action for the context: ThompsonSamples stochastic
// forward passes are summed per action and the argmax wins, except that with
// probability Epsilon a uniformly random action is taken instead.
func (a *Agent) SelectAction(contextVec []float64) int {
	if len(contextVec) != a.cfg.NumFeatures {
		Panicf("bandits.Agent: context has %d features, configured for %d", len(contextVec), a.cfg.NumFeatures)
	}
	if a.cfg.Epsilon > 0 && a.rng.Float64() < a.cfg.Epsilon {
		return a.rng.Intn(a.cfg.NumActions)
	}

	candidates := make([]float64, 0, a.cfg.NumActions*(a.cfg.NumFeatures+a.cfg.NumActions))
	for action := 0; action < a.cfg.NumActions; action++ {
		candidates = append(candidates, a.encode(contextVec, action)...)
	}
	candidatesT := fromFloat64(a.cfg.DType, candidates,
		a.cfg.NumActions, a.cfg.NumFeatures+a.cfg.NumActions)

	scores := make([]float64, a.cfg.NumActions)
	for s := 0; s < a.cfg.ThompsonSamples; s++ {
		sample := sampleScores(a.scoreExec.Call(candidatesT)[0])
		for i, v := range sample {
			scores[i] += v
		}
	}

	best := 0
	for action, score := range scores {
		if score > scores[best] {
			best = action
		}
	}
	return best
}

// Observe records a reward for an action taken on a context.
func (a *Agent) Observe(contextVec []float64, action int, reward float64) {
	if action < 0 || action >= a.cfg.NumActions {
		Panicf("bandits.Agent: invalid action %d, have %d actions", action, a.cfg.NumActions)
	}
	a.buffer.Add(a.encode(contextVec, action), reward)
}

// Update retrains the reward network for one epoch over the replay buffer,
// with the KL coefficient spread as 1/numBatches. The optimizer is taken
// from the agent's context ("adam" unless overridden; the trainer state
// lives in the context, so successive updates continue from it).
func (a *Agent) Update() error {
	if a.buffer.Len() == 0 {
		return errors.New("replay buffer is empty, observe rewards before updating")
	}
	inputs, rewards := a.buffer.Tensors(a.cfg.DType)
	ds, err := data.InMemoryFromData(a.backend, "replay", []any{inputs}, []any{rewards})
	if err != nil {
		return errors.WithMessage(err, "failed to stage replay buffer for training")
	}
	batchSize := min(a.cfg.BatchSize, a.buffer.Len())
	ds.BatchSize(batchSize, true).Shuffle()
	numBatches := a.buffer.Len() / batchSize

	modelFn := func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		return []*Node{a.net.Forward(inputs[0])}
	}
	trainer := train.NewTrainer(a.backend, a.ctx, modelFn,
		a.net.ELBO(1/float64(numBatches)),
		optimizers.FromContext(a.ctx),
		nil, nil)
	loop := train.NewLoop(trainer)
	metrics, err := loop.RunEpochs(ds, 1)
	if err != nil {
		return errors.WithMessage(err, "failed to train on the replay buffer")
	}
	if klog.V(2).Enabled() && len(metrics) > 0 {
		klog.Infof("bandits: update over %d observations, batch loss %v", a.buffer.Len(), metrics[0])
	}
	return nil
}

func sampleScores(t *tensors.Tensor) []float64 {
	switch t.DType() {
	case dtypes.Float32:
		flat := tensors.CopyFlatData[float32](t)
		out := make([]float64, len(flat))
		for i, v := range flat {
			out[i] = float64(v)
		}
		return out
	case dtypes.Float64:
		return tensors.CopyFlatData[float64](t)
	}
	Panicf("bandits: unsupported score dtype %s", t.DType())
	return nil
}
