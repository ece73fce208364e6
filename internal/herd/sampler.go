package herd

import (
	"math"
	"math/rand"
)

// IntSampler draws integer day counts from a one-dimensional distribution.
// The variant set is closed: empirical, truncated normal, lognormal and the
// two-component dry-period mixture.
type IntSampler interface {
	Sample(rng *rand.Rand) int
}

// EmpiricalSampler draws uniformly with replacement from a precomputed
// multiset, preserving the empirical distribution including duplicates.
type EmpiricalSampler struct {
	Values []int
}

// Sample implements IntSampler. Panics on an empty value set; callers must
// fall back to a theoretical sampler when the dataset yields no samples.
func (s *EmpiricalSampler) Sample(rng *rand.Rand) int {
	return s.Values[rng.Intn(len(s.Values))]
}

// TruncatedNormalSampler draws a Gauss value rounded to the nearest integer
// and clamped into [Lo, Hi].
type TruncatedNormalSampler struct {
	Mu    float64
	Sigma float64
	Lo    int
	Hi    int
}

// Sample implements IntSampler.
func (s *TruncatedNormalSampler) Sample(rng *rand.Rand) int {
	x := int(math.Round(rng.NormFloat64()*s.Sigma + s.Mu))
	if x < s.Lo {
		return s.Lo
	}
	if x > s.Hi {
		return s.Hi
	}
	return x
}

// LogNormalSampler draws a lognormal value rounded and clamped into [Lo, Hi].
type LogNormalSampler struct {
	MuLn    float64
	SigmaLn float64
	Lo      int
	Hi      int
}

// Sample implements IntSampler.
func (s *LogNormalSampler) Sample(rng *rand.Rand) int {
	x := int(math.Round(math.Exp(rng.NormFloat64()*s.SigmaLn + s.MuLn)))
	if x < s.Lo {
		return s.Lo
	}
	if x > s.Hi {
		return s.Hi
	}
	return x
}

// MixtureDrySampler models days-to-dry as a mixture: with probability PPeak
// a truncated normal around the dry-off peak, otherwise a uniform tail.
type MixtureDrySampler struct {
	PPeak     float64
	MuPeak    float64
	SigmaPeak float64
	PeakLo    int
	PeakHi    int
	TailLo    int
	TailHi    int
}

// Sample implements IntSampler.
func (s *MixtureDrySampler) Sample(rng *rand.Rand) int {
	if rng.Float64() < s.PPeak {
		x := int(math.Round(rng.NormFloat64()*s.SigmaPeak + s.MuPeak))
		if x < s.PeakLo {
			return s.PeakLo
		}
		if x > s.PeakHi {
			return s.PeakHi
		}
		return x
	}
	return randIntInclusive(rng, s.TailLo, s.TailHi)
}

func randIntInclusive(rng *rand.Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rng.Intn(hi-lo+1)
}

// FitLogNormal estimates lognormal parameters from values by method of
// moments with the unbiased variance estimator. Returns the fitted mu/sigma
// on the log scale plus the observed bounds for clamping.
func FitLogNormal(values []int) (muLn, sigmaLn float64, lo, hi int) {
	if len(values) == 0 {
		return 0, 1, 0, 0
	}
	lo, hi = values[0], values[0]
	sum := 0.0
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
		sum += float64(v)
	}
	mean := sum / float64(len(values))
	if mean <= 0 {
		return 0, 1, lo, hi
	}
	varSum := 0.0
	for _, v := range values {
		d := float64(v) - mean
		varSum += d * d
	}
	variance := varSum / math.Max(1, float64(len(values)-1))
	sigma2 := math.Log(1 + variance/(mean*mean))
	sigmaLn = math.Sqrt(math.Max(1e-9, sigma2))
	muLn = math.Log(mean) - 0.5*sigma2
	return muLn, sigmaLn, lo, hi
}

// FitTheoreticalSamplers fits theoretical samplers from the empirical lists:
// lognormal for first-insemination age and service period, a peak/tail
// mixture for days-to-dry (peak at >= 200 days). Degenerate inputs fall back
// to documented defaults.
func FitTheoreticalSamplers(ages, servicePeriods, daysToDry []int) (age, sp, dtd IntSampler) {
	muA, sigA, loA, hiA := FitLogNormal(ages)
	muS, sigS, loS, hiS := FitLogNormal(servicePeriods)
	age = &LogNormalSampler{MuLn: muA, SigmaLn: sigA, Lo: loA, Hi: hiA}
	sp = &LogNormalSampler{MuLn: muS, SigmaLn: sigS, Lo: loS, Hi: hiS}

	if len(daysToDry) == 0 {
		dtd = &TruncatedNormalSampler{Mu: 220, Sigma: 10, Lo: 34, Hi: 239}
		return age, sp, dtd
	}

	var peakVals, tailVals []int
	for _, v := range daysToDry {
		if v >= 200 {
			peakVals = append(peakVals, v)
		} else {
			tailVals = append(tailVals, v)
		}
	}
	pPeak := float64(len(peakVals)) / float64(len(daysToDry))

	muPeak, sigmaPeak := 220.0, 5.0
	peakLo, peakHi := 210, 239
	if len(peakVals) > 0 {
		sum := 0.0
		peakLo, peakHi = peakVals[0], peakVals[0]
		for _, v := range peakVals {
			sum += float64(v)
			if v < peakLo {
				peakLo = v
			}
			if v > peakHi {
				peakHi = v
			}
		}
		muPeak = sum / float64(len(peakVals))
		varSum := 0.0
		for _, v := range peakVals {
			d := float64(v) - muPeak
			varSum += d * d
		}
		variance := varSum / math.Max(1, float64(len(peakVals)-1))
		sigmaPeak = math.Max(1, math.Sqrt(math.Max(1e-9, variance)))
	}

	tailLo, tailHi := 34, 199
	if len(tailVals) > 0 {
		tailLo, tailHi = tailVals[0], tailVals[0]
		for _, v := range tailVals {
			if v < tailLo {
				tailLo = v
			}
			if v > tailHi {
				tailHi = v
			}
		}
		if tailHi > 199 {
			tailHi = 199
		}
		if tailHi < tailLo {
			tailLo, tailHi = 34, 199
		}
	}

	dtd = &MixtureDrySampler{
		PPeak:     pPeak,
		MuPeak:    muPeak,
		SigmaPeak: sigmaPeak,
		PeakLo:    peakLo,
		PeakHi:    peakHi,
		TailLo:    tailLo,
		TailHi:    tailHi,
	}
	return age, sp, dtd
}

// EmpiricalLists extracts the empirical distributions used to drive
// sampling: first successful insemination age (heifers only), days from
// successful insemination to dry-off, and service period from calving to
// successful insemination.
func EmpiricalLists(records []AnimalRecord) (ages, daysToDry, servicePeriods []int) {
	for i := range records {
		r := &records[i]
		if r.Lactation == 0 && r.SuccessInsem != nil {
			if v := DaysBetween(r.BirthDate, *r.SuccessInsem); v > 0 {
				ages = append(ages, v)
			}
		}
		if r.SuccessInsem != nil && r.Dryoff != nil {
			if v := DaysBetween(*r.SuccessInsem, *r.Dryoff); v > 0 {
				daysToDry = append(daysToDry, v)
			}
		}
		if r.LastCalving != nil && r.SuccessInsem != nil && r.SuccessInsem.After(*r.LastCalving) {
			if v := DaysBetween(*r.LastCalving, *r.SuccessInsem); v > 0 {
				servicePeriods = append(servicePeriods, v)
			}
		}
	}
	return ages, daysToDry, servicePeriods
}
