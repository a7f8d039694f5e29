// Package stats computes statistical confidence that observed session
// metrics differ meaningfully from their targets. Evaluations are pure;
// callers persist verdicts onto the session record.
package stats

import (
	"math"
)

// Result is the verdict for one metric evaluation.
//
// ConfidenceLevel echoes the evaluator's fixed target (e.g. 0.95), not a
// per-sample posterior. The interval bounds are nil when the sample is too
// small to support one.
type Result struct {
	IsSignificant   bool     `json:"isSignificant"`
	ConfidenceLevel float64  `json:"confidenceLevel"`
	PValue          float64  `json:"pValue"`
	CILow           *float64 `json:"ciLow,omitempty"`
	CIHigh          *float64 `json:"ciHigh,omitempty"`
	SampleSize      int      `json:"sampleSize"`
}

// MeanSample summarizes a continuous metric (CPA) over n observations.
type MeanSample struct {
	Mean   float64
	StdDev float64
	N      int
}

// SampleOf summarizes raw observations into a MeanSample using the
// sample (n-1) standard deviation. An empty slice yields a zero sample.
func SampleOf(values []float64) MeanSample {
	n := len(values)
	if n == 0 {
		return MeanSample{}
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	stddev := 0.0
	if n > 1 {
		stddev = math.Sqrt(sq / float64(n-1))
	}
	return MeanSample{Mean: mean, StdDev: stddev, N: n}
}

// Evaluator runs hypothesis tests at a fixed confidence target.
type Evaluator struct {
	confidence float64
	alpha      float64
	zCrit      float64
}

// NewEvaluator builds an evaluator for the given confidence target,
// e.g. 0.95. Out-of-range targets fall back to 95%.
func NewEvaluator(confidenceTarget float64) *Evaluator {
	if confidenceTarget <= 0 || confidenceTarget >= 1 {
		confidenceTarget = 0.95
	}
	alpha := 1 - confidenceTarget
	return &Evaluator{
		confidence: confidenceTarget,
		alpha:      alpha,
		zCrit:      normalQuantile(1 - alpha/2),
	}
}

// ConfidenceTarget reports the fixed target the evaluator tests at.
func (e *Evaluator) ConfidenceTarget() float64 { return e.confidence }

// EvaluateProportion tests an observed conversion rate against a baseline
// proportion with a one-sample two-tailed z-test. Below minSessions the
// verdict is always not-significant: the sample lacks the power to support
// a claim either way, so the gate stays closed.
func (e *Evaluator) EvaluateProportion(conversions, sessions int, baseline float64, minSessions int) Result {
	result := Result{ConfidenceLevel: e.confidence, PValue: 1, SampleSize: sessions}
	if sessions <= 0 || conversions < 0 || conversions > sessions {
		return result
	}

	observed := float64(conversions) / float64(sessions)
	n := float64(sessions)

	// Wald interval on the observed proportion, clamped to [0, 1].
	margin := e.zCrit * math.Sqrt(observed*(1-observed)/n)
	low := math.Max(0, observed-margin)
	high := math.Min(1, observed+margin)
	result.CILow = &low
	result.CIHigh = &high

	// Standard error under the null hypothesis.
	se := math.Sqrt(baseline * (1 - baseline) / n)
	if se == 0 {
		return result
	}
	z := (observed - baseline) / se
	result.PValue = roundP(twoTailedP(z))
	result.IsSignificant = sessions >= minSessions && result.PValue < e.alpha
	return result
}

// EvaluateMean tests an observed continuous metric (CPA) against a baseline
// with a one-sample two-tailed test on the sample mean. The normal
// approximation is acceptable at the sample sizes the gate requires; below
// minSessions the insufficient-power policy applies as for proportions.
func (e *Evaluator) EvaluateMean(sample MeanSample, baseline float64, minSessions int) Result {
	result := Result{ConfidenceLevel: e.confidence, PValue: 1, SampleSize: sample.N}
	if sample.N <= 1 || sample.StdDev < 0 {
		return result
	}

	se := sample.StdDev / math.Sqrt(float64(sample.N))
	margin := e.zCrit * se
	low := sample.Mean - margin
	high := sample.Mean + margin
	result.CILow = &low
	result.CIHigh = &high

	if se == 0 {
		// Zero variance: every observation equals the mean. Any difference
		// from baseline is exact.
		if sample.Mean != baseline {
			result.PValue = 0
			result.IsSignificant = sample.N >= minSessions
		}
		return result
	}

	z := (sample.Mean - baseline) / se
	result.PValue = roundP(twoTailedP(z))
	result.IsSignificant = sample.N >= minSessions && result.PValue < e.alpha
	return result
}

func twoTailedP(z float64) float64 {
	return 2 * (1 - normalCDF(math.Abs(z)))
}

func normalCDF(z float64) float64 {
	return 0.5 * math.Erfc(-z/math.Sqrt2)
}

// roundP keeps p-values at a stable four-decimal precision so identical
// inputs serialize identically in the audit trail.
func roundP(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return math.Round(p*1e4) / 1e4
}

// normalQuantile is the inverse standard normal CDF (Acklam's rational
// approximation, relative error below 1.2e-9).
func normalQuantile(p float64) float64 {
	if p <= 0 {
		return math.Inf(-1)
	}
	if p >= 1 {
		return math.Inf(1)
	}

	a := [6]float64{-3.969683028665376e+01, 2.209460984245205e+02, -2.759285104469687e+02,
		1.383577518672690e+02, -3.066479806614716e+01, 2.506628277459239e+00}
	b := [5]float64{-5.447609879822406e+01, 1.615858368580409e+02, -1.556989798598866e+02,
		6.680131188771972e+01, -1.328068155288572e+01}
	c := [6]float64{-7.784894002430293e-03, -3.223964580411365e-01, -2.400758277161838e+00,
		-2.549732539343734e+00, 4.374664141464968e+00, 2.938163982698783e+00}
	d := [4]float64{7.784695709041462e-03, 3.224671290700398e-01, 2.445134137142996e+00,
		3.754408661907416e+00}

	const pLow = 0.02425
	const pHigh = 1 - pLow

	switch {
	case p < pLow:
		q := math.Sqrt(-2 * math.Log(p))
		return (((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((d[0]*q+d[1])*q+d[2])*q+d[3])*q + 1)
	case p > pHigh:
		q := math.Sqrt(-2 * math.Log(1-p))
		return -(((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((d[0]*q+d[1])*q+d[2])*q+d[3])*q + 1)
	default:
		q := p - 0.5
		r := q * q
		return (((((a[0]*r+a[1])*r+a[2])*r+a[3])*r+a[4])*r + a[5]) * q /
			(((((b[0]*r+b[1])*r+b[2])*r+b[3])*r+b[4])*r + 1)
	}
}
