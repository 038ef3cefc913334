// Package bnn implements "Bayes by Backprop" (Blundell et al., "Weight
// Uncertainty in Neural Networks") on top of GoMLX: feed-forward networks
// whose weights are probability distributions, trained by variational
// inference.
//
// The building blocks:
//
//   - Prior: log-density over weights, shared by all layers of one network.
//     Either a single Gaussian or a two-component scale-mixture of Gaussians.
//   - Linear: a variational fully-connected layer. Each Forward pass draws one
//     reparameterized sample of its weights (and bias) and accumulates a
//     one-sample Monte-Carlo estimate of the KL divergence between the
//     posterior and the prior.
//   - Network: a fixed composition of Linear layers with ReLU in between,
//     configurable for classification (categorical NLL) or regression/bandit
//     rewards (Gaussian NLL). Its ELBO method adapts the network to a
//     train.Trainer loss.
//   - PruneBelowSNR: zeroes out weights whose signal-to-noise ratio falls
//     below a threshold (in dB).
//   - Compress: builds a structurally smaller Network with dead hidden
//     neurons and unused input features removed.
//
// Layers follow an explicit two-phase protocol: Build(inputDim) allocates the
// variational parameters, and only then Forward and the parameter accessors
// become valid. Misuse panics with an error, following the GoMLX convention --
// use exceptions.TryCatch to convert to a returned error if needed.
//
// All mutation of the variational parameters (optimizer updates, pruning,
// compression transplants) is assumed to happen from a single control
// goroutine, as in GoMLX training in general; no locking is done here.
package bnn

import (
	"math"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

const (
	// RawScaleInit is the initial value of the pre-softplus scale parameters,
	// giving an initial posterior scale of softplus(-3) ~= 0.049.
	RawScaleInit = -3.0

	// rawScaleFloor is what the raw scale of a pruned (or otherwise zeroed)
	// entry is set to: softplus(-20) ~= 2e-9, effectively zero but still
	// strictly positive, so softplus and its inverse stay finite.
	rawScaleFloor = -20.0
)

// softplus is the host-side version of the graph Softplus op, used by pruning
// and compression which operate on materialized parameter values.
func softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

// softplusInverse returns x such that softplus(x) == y, for y > 0.
// Inputs at or below softplus(rawScaleFloor) are clamped to rawScaleFloor.
func softplusInverse(y float64) float64 {
	if y <= softplus(rawScaleFloor) {
		return rawScaleFloor
	}
	if y > 30 {
		return y
	}
	return math.Log(math.Expm1(y))
}

// snrDB is the pruning signal: the weight magnitude over its posterior
// uncertainty, in decibels. A zero mean is -Inf (always prunable); a
// (numerically) zero scale with nonzero mean is +Inf -- maximally confident,
// never pruned.
func snrDB(mean, scale float64) float64 {
	if mean == 0 {
		return math.Inf(-1)
	}
	if scale <= softplus(rawScaleFloor) {
		return math.Inf(1)
	}
	return 10 * math.Log10(math.Abs(mean)/scale)
}

// flatAsFloat64 copies a tensor's flat data as float64, whatever its
// (floating point) dtype.
func flatAsFloat64(t *tensors.Tensor) []float64 {
	out := make([]float64, t.Size())
	switch t.DType() {
	case dtypes.Float32:
		tensors.ConstFlatData(t, func(flat []float32) {
			for i, v := range flat {
				out[i] = float64(v)
			}
		})
	case dtypes.Float64:
		tensors.ConstFlatData(t, func(flat []float64) {
			copy(out, flat)
		})
	default:
		Panicf("bnn: unsupported dtype %s, only Float32 and Float64 are supported", t.DType())
	}
	return out
}

// tensorFromFloat64 builds a tensor of the given dtype and dimensions from
// float64 flat data.
func tensorFromFloat64(dtype dtypes.DType, flat []float64, dimensions ...int) *tensors.Tensor {
	switch dtype {
	case dtypes.Float32:
		converted := make([]float32, len(flat))
		for i, v := range flat {
			converted[i] = float32(v)
		}
		return tensors.FromFlatDataAndDimensions(converted, dimensions...)
	case dtypes.Float64:
		return tensors.FromFlatDataAndDimensions(flat, dimensions...)
	default:
		Panicf("bnn: unsupported dtype %s, only Float32 and Float64 are supported", dtype)
	}
	return nil
}
