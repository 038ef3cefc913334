package bnn

import (
	"fmt"
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// Prior is a log-density over individual weights, shared by reference across
// every layer of one network. Implementations are immutable once constructed
// and safe for concurrent use during graph building.
type Prior interface {
	// LogProb returns the element-wise log-density of the prior evaluated at x.
	LogProb(x *Node) *Node
}

// GaussianPrior is a N(Mu, Sigma²) prior.
type GaussianPrior struct {
	Mu, Sigma float64
}

// NewGaussianPrior creates a Gaussian prior. It panics if sigma is not
// strictly positive.
func NewGaussianPrior(mu, sigma float64) *GaussianPrior {
	if sigma <= 0 {
		Panicf("bnn.NewGaussianPrior: sigma must be > 0, got %g", sigma)
	}
	return &GaussianPrior{Mu: mu, Sigma: sigma}
}

// LogProb implements Prior.
func (p *GaussianPrior) LogProb(x *Node) *Node {
	return gaussianLogProbConst(x, p.Mu, p.Sigma)
}

// String implements fmt.Stringer.
func (p *GaussianPrior) String() string {
	return fmt.Sprintf("Gaussian(mu=%g, sigma=%g)", p.Mu, p.Sigma)
}

// ScaleMixturePrior is the sparsity-inducing prior from Blundell et al.:
// a mixture MixProp·N(0, Sigma1²) + (1-MixProp)·N(0, Sigma2²) of two
// zero-mean Gaussians.
type ScaleMixturePrior struct {
	MixProp, Sigma1, Sigma2 float64
}

// NewScaleMixturePrior creates a two-component scale-mixture prior. It panics
// if mixProp is outside [0, 1] or either sigma is not strictly positive.
func NewScaleMixturePrior(mixProp, sigma1, sigma2 float64) *ScaleMixturePrior {
	if mixProp < 0 || mixProp > 1 {
		Panicf("bnn.NewScaleMixturePrior: mixProp must be in [0, 1], got %g", mixProp)
	}
	if sigma1 <= 0 || sigma2 <= 0 {
		Panicf("bnn.NewScaleMixturePrior: sigmas must be > 0, got sigma1=%g, sigma2=%g", sigma1, sigma2)
	}
	return &ScaleMixturePrior{MixProp: mixProp, Sigma1: sigma1, Sigma2: sigma2}
}

// LogProb implements Prior. The weighted sum of the two component densities
// is evaluated in log space with LogAddExp for numerical stability.
func (p *ScaleMixturePrior) LogProb(x *Node) *Node {
	// Degenerate mixtures collapse to a single Gaussian; log(0) would poison
	// LogAddExp.
	if p.MixProp == 0 {
		return gaussianLogProbConst(x, 0, p.Sigma2)
	}
	if p.MixProp == 1 {
		return gaussianLogProbConst(x, 0, p.Sigma1)
	}
	logP1 := AddScalar(gaussianLogProbConst(x, 0, p.Sigma1), math.Log(p.MixProp))
	logP2 := AddScalar(gaussianLogProbConst(x, 0, p.Sigma2), math.Log1p(-p.MixProp))
	return LogAddExp(logP1, logP2)
}

// String implements fmt.Stringer.
func (p *ScaleMixturePrior) String() string {
	return fmt.Sprintf("ScaleMixture(mixProp=%g, sigma1=%g, sigma2=%g)", p.MixProp, p.Sigma1, p.Sigma2)
}

const logSqrt2Pi = 0.9189385332046727 // log(sqrt(2π))

// gaussianLogProbConst is the element-wise N(mu, sigma²) log-density with
// static parameters.
func gaussianLogProbConst(x *Node, mu, sigma float64) *Node {
	z := DivScalar(AddScalar(x, -mu), sigma)
	return AddScalar(MulScalar(Square(z), -0.5), -logSqrt2Pi-math.Log(sigma))
}

// gaussianLogProb is the element-wise N(mean, scale²) log-density with the
// parameters given as graph nodes, used for the posterior.
func gaussianLogProb(x, mean, scale *Node) *Node {
	z := Div(Sub(x, mean), scale)
	return Sub(MulScalar(Square(z), -0.5), AddScalar(Log(scale), logSqrt2Pi))
}

// Statically assert both priors implement the interface.
var (
	_ Prior = (*GaussianPrior)(nil)
	_ Prior = (*ScaleMixturePrior)(nil)
)
