package bnn

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// PruneBelowSNR zeroes every weight (and bias) entry whose signal-to-noise
// ratio, 10·log10(|mean|/scale) in dB, is at or below thresholdDB. For pruned
// entries the posterior mean is set to 0 and the scale to its representable
// floor (the raw scale is re-derived through the softplus inverse, so the
// scale stays strictly positive). The comparison is strict: entries exactly
// at the threshold are pruned.
//
// Pruning is local to this layer, mutates the parameters in place, and is
// idempotent.
func (l *Linear) PruneBelowSNR(thresholdDB float64, verbose bool) {
	l.assertBuilt("PruneBelowSNR")
	pruned, total, kept := pruneParam(l.weight, thresholdDB)
	if verbose {
		logPruning(l.Scope(), "weights", pruned, total, kept)
	}
	if l.useBias {
		pruned, total, kept = pruneParam(l.bias, thresholdDB)
		if verbose {
			logPruning(l.Scope(), "biases", pruned, total, kept)
		}
	}
}

// PruneBelowSNR applies Linear.PruneBelowSNR to every layer of the network.
func (n *Network) PruneBelowSNR(thresholdDB float64, verbose bool) {
	n.assertBuilt("PruneBelowSNR")
	for _, layer := range n.layers {
		layer.PruneBelowSNR(thresholdDB, verbose)
	}
}

// Sparsity returns the fraction of parameter entries with mean exactly zero.
func (n *Network) Sparsity() float64 {
	n.assertBuilt("Sparsity")
	mu, _ := n.flatParams()
	zeros := 0
	for _, v := range mu {
		if v == 0 {
			zeros++
		}
	}
	return float64(zeros) / float64(len(mu))
}

// pruneParam masks one parameter tensor, returning the number of entries
// pruned (by this call or a previous one), the total count, and the SNRs of
// the surviving entries.
func pruneParam(p *variationalParam, thresholdDB float64) (pruned, total int, keptSNRs []float64) {
	mean, scale := p.meanScale()
	total = len(mean)
	for i := range mean {
		snr := snrDB(mean[i], scale[i])
		if snr > thresholdDB {
			keptSNRs = append(keptSNRs, snr)
			continue
		}
		mean[i] = 0
		scale[i] = 0 // setMeanScale clamps this to the softplus floor.
		pruned++
	}
	p.setMeanScale(mean, scale)
	return
}

func logPruning(scope, kind string, pruned, total int, keptSNRs []float64) {
	percent := 100 * float64(pruned) / float64(total)
	finite := keptSNRs[:0:0]
	for _, v := range keptSNRs {
		if !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 {
		klog.Infof("pruned %d of %d %s (%.2f%%) on %s", pruned, total, kind, percent, scope)
		return
	}
	sort.Float64s(finite)
	klog.Infof("pruned %d of %d %s (%.2f%%) on %s -- surviving snr quartiles %.1f/%.1f/%.1f dB",
		pruned, total, kind, percent, scope,
		stat.Quantile(0.25, stat.Empirical, finite, nil),
		stat.Quantile(0.50, stat.Empirical, finite, nil),
		stat.Quantile(0.75, stat.Empirical, finite, nil))
}
