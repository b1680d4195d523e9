// Package vad implements per-chunk energy computation, the adaptive
// Threshold Controller (noise/speech floor calibration), and the
// hysteresis-based speech/silence edge detector used by the audio
// worker.
package vad

import "sort"

const (
	// ringSize holds ~60s of energy samples at ~10 chunks/sec.
	ringSize = 600

	// recomputeEvery controls how often percentiles are resorted.
	recomputeEvery = 50

	// calibrationLength is how many samples must accumulate before
	// is_speech/accept start trusting the derived floors.
	calibrationLength = 200
)

// Controller tracks recent chunk energies and derives adaptive noise
// and speech floors from their percentiles. It is owned by a single
// Audio Worker goroutine; it is not safe for concurrent use from
// multiple goroutines.
type Controller struct {
	noisePercentile  int
	speechPercentile int

	samples   []float64
	sinceSort int

	noiseFloor  float64
	speechFloor float64
	calibrated  bool
}

// NewController creates a Threshold Controller using the given
// percentiles (typically 10 and 70) for the noise and speech floors.
func NewController(noisePercentile, speechPercentile int) *Controller {
	return &Controller{
		noisePercentile:  noisePercentile,
		speechPercentile: speechPercentile,
		samples:          make([]float64, 0, ringSize),
	}
}

// Energy computes a chunk's energy as the mean of absolute sample values
// in the int16 domain, normalized to [0, 1].
func Energy(chunk []byte) float64 {
	if len(chunk) < 2 {
		return 0
	}
	var sum float64
	n := 0
	for i := 0; i+1 < len(chunk); i += 2 {
		sample := int16(uint16(chunk[i]) | uint16(chunk[i+1])<<8)
		v := float64(sample)
		if v < 0 {
			v = -v
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n) / 32768.0
}

// Observe appends an energy sample to the ring (truncating from the
// front once full) and, every recomputeEvery samples, recomputes the
// noise and speech floors from the current distribution.
func (c *Controller) Observe(energy float64) {
	if len(c.samples) >= ringSize {
		copy(c.samples, c.samples[1:])
		c.samples = c.samples[:len(c.samples)-1]
	}
	c.samples = append(c.samples, energy)

	if !c.calibrated && len(c.samples) >= calibrationLength {
		c.calibrated = true
	}

	c.sinceSort++
	if c.sinceSort >= recomputeEvery {
		c.sinceSort = 0
		c.recompute()
	}
}

func (c *Controller) recompute() {
	sorted := make([]float64, len(c.samples))
	copy(sorted, c.samples)
	sort.Float64s(sorted)

	noise := percentile(sorted, c.noisePercentile)
	speech := percentile(sorted, c.speechPercentile)

	c.noiseFloor = noise
	// Only adopt the new speech floor if it remains meaningfully above
	// the noise floor; otherwise keep the previous value so a brief
	// quiet patch doesn't collapse the speech gate onto the noise gate.
	if speech > noise*1.2 {
		c.speechFloor = speech
	}
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	idx := (p * (len(sorted) - 1)) / 100
	return sorted[idx]
}

// Calibrated reports whether enough samples have accumulated for the
// derived floors to be trusted.
func (c *Controller) Calibrated() bool {
	return c.calibrated
}

// NoiseFloor returns the current noise floor (P-noisePercentile).
func (c *Controller) NoiseFloor() float64 {
	return c.noiseFloor
}

// SpeechFloor returns the current speech floor (P-speechPercentile).
func (c *Controller) SpeechFloor() float64 {
	return c.speechFloor
}

// IsSpeech returns the per-chunk VAD gate: false until calibration
// completes, then energy > noiseFloor*audioThresholdMultiplier.
func (c *Controller) IsSpeech(energy, audioThresholdMultiplier float64) bool {
	if !c.calibrated {
		return false
	}
	return energy > c.noiseFloor*audioThresholdMultiplier
}

// Accept implements the per-result dynamic confidence gate: stricter
// near the noise floor, looser well above it.
func (c *Controller) Accept(confidence, currentEnergy, baseThreshold, speechMinMultiplier, speechMaxMultiplier, maxConfidencePenalty float64) bool {
	if !c.calibrated {
		return confidence >= baseThreshold
	}

	lo := c.speechFloor * speechMinMultiplier
	hi := c.speechFloor * speechMaxMultiplier

	var frac float64
	if hi > lo {
		frac = (hi - currentEnergy) / (hi - lo)
	}
	frac = clamp(frac, 0, 1)

	penalty := maxConfidencePenalty * frac
	return confidence >= baseThreshold+penalty
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
