package mushroom

import (
	"math/rand"
)

// Reward structure of the bandit: eating an edible mushroom always pays off,
// eating a poisonous one is a coin flip between a big penalty and the same
// payoff, and passing pays nothing.
const (
	RewardEat      = 5.0
	RewardPoisoned = -35.0
	RewardSkip     = 0.0
	PoisonedOdds   = 0.5
)

// Env draws mushrooms uniformly at random and pays stochastic rewards.
// It is not safe for concurrent use.
type Env struct {
	data *Data
	rng  *rand.Rand
}

// NewEnv creates an environment over the dataset with its own seeded RNG.
func NewEnv(data *Data, seed int64) *Env {
	return &Env{data: data, rng: rand.New(rand.NewSource(seed))}
}

// Data returns the underlying dataset.
func (e *Env) Data() *Data { return e.data }

// NumFeatures returns the context width.
func (e *Env) NumFeatures() int { return e.data.NumFeatures() }

// Draw picks the next mushroom uniformly at random.
func (e *Env) Draw() int { return e.rng.Intn(e.data.NumExamples()) }

// Reward pays out the (stochastic) reward for eating or skipping mushroom i.
func (e *Env) Reward(i int, eat bool) float64 {
	if !eat {
		return RewardSkip
	}
	if e.data.Edible(i) {
		return RewardEat
	}
	if e.rng.Float64() < PoisonedOdds {
		return RewardPoisoned
	}
	return RewardEat
}

// ExpectedReward is the expectation of Reward over the poison coin flip.
func (e *Env) ExpectedReward(i int, eat bool) float64 {
	if !eat {
		return RewardSkip
	}
	if e.data.Edible(i) {
		return RewardEat
	}
	return PoisonedOdds*RewardPoisoned + (1-PoisonedOdds)*RewardEat
}

// OracleEats reports what an agent that knows the labels would do: eat
// exactly the edible mushrooms (skipping poisonous ones beats their negative
// expected value).
func (e *Env) OracleEats(i int) bool { return e.data.Edible(i) }

// OracleReward is the expected reward of the oracle policy on mushroom i.
func (e *Env) OracleReward(i int) float64 {
	return e.ExpectedReward(i, e.OracleEats(i))
}

// Regret is the expected-reward gap between the oracle and the given action.
func (e *Env) Regret(i int, eat bool) float64 {
	return e.OracleReward(i) - e.ExpectedReward(i, eat)
}
