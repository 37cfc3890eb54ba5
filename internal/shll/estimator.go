package shll

import "math"

// biasAnchors are expressed as multiples of m (the register count);
// biasFractions are the corresponding fractional corrections applied
// to the raw estimate at that anchor. This table is a synthesized,
// monotone-decreasing approximation of the empirical HLL++
// raw-estimate/bias tables (see DESIGN.md's open-question notes):
// low-cardinality bias correction here is approximate rather than
// the exact published constants. The dominant accuracy property of
// HyperLogLog, the ~1.04/sqrt(m) relative standard error, comes from
// the raw estimator and is unaffected by this approximation.
var biasAnchors = []float64{0.5, 1, 2, 3, 5, 8}
var biasFractions = []float64{0.150, 0.085, 0.040, 0.022, 0.009, 0.002}

// switchThreshold is indexed by precision-4 and holds the raw-to-
// linear-counting switch threshold from the HLL++ paper's published
// table, covering precisions 4..18.
var switchThreshold = []float64{
	10, 20, 40, 80, 220, 400, 900, 1800, 3100,
	6500, 11500, 20000, 50000, 120000, 350000,
}

func thresholdFor(precision uint8) float64 {
	i := int(precision) - MinPrecision
	if i < 0 {
		i = 0
	}
	if i >= len(switchThreshold) {
		i = len(switchThreshold) - 1
	}
	return switchThreshold[i]
}

// alpha returns the bias-correction constant for m registers
// (standard Flajolet et al. HyperLogLog constants).
func alpha(m int) float64 {
	switch m {
	case 16:
		return 0.673
	case 32:
		return 0.697
	case 64:
		return 0.709
	default:
		return 0.7213 / (1 + 1.079/float64(m))
	}
}

// biasCorrection interpolates the synthesized bias table for a raw
// estimate expressed as a multiple of m, returning an absolute
// correction to subtract from the raw estimate.
func biasCorrection(raw float64, m int) float64 {
	x := raw / float64(m)
	if x <= biasAnchors[0] {
		return raw * biasFractions[0]
	}
	last := len(biasAnchors) - 1
	if x >= biasAnchors[last] {
		return 0
	}
	for i := 0; i < last; i++ {
		if x >= biasAnchors[i] && x <= biasAnchors[i+1] {
			span := biasAnchors[i+1] - biasAnchors[i]
			t := (x - biasAnchors[i]) / span
			frac := biasFractions[i] + t*(biasFractions[i+1]-biasFractions[i])
			return raw * frac
		}
	}
	return 0
}

// linearCounting implements the small-range correction for when many
// registers remain at zero.
func linearCounting(m int, zeros int) float64 {
	if zeros == 0 {
		return float64(m) * math.Log(float64(m))
	}
	return float64(m) * math.Log(float64(m)/float64(zeros))
}

// estimate computes the cardinality of a register vector: harmonic-
// mean raw estimate, bias correction when E <= 5m, linear counting
// when any register is still zero, then a per-precision threshold
// switch between the two.
func estimate(precision uint8, registers []uint32) uint64 {
	m := len(registers)

	sum := 0.0
	zeros := 0
	for _, v := range registers {
		sum += math.Pow(2, -float64(v))
		if v == 0 {
			zeros++
		}
	}

	raw := alpha(m) * float64(m) * float64(m) / sum

	corrected := raw
	if raw <= 5*float64(m) {
		corrected = raw - biasCorrection(raw, m)
		if corrected < 0 {
			corrected = 0
		}
	}

	if zeros > 0 {
		h := linearCounting(m, zeros)
		if h <= thresholdFor(precision) {
			return uint64(math.Round(h))
		}
	}

	return uint64(math.Round(corrected))
}
