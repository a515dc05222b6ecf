// Package ns implements spectral-subtraction noise suppression with a
// time-domain gate, per spec.md §4.3. Processing runs in two stages
// over the sample stream it is given: a 512-point overlap-add STFT that tracks and subtracts an
// adaptive noise-magnitude estimate, followed by a 4-state envelope
// gate (Closed/Attack/Open/Release) that further attenuates
// non-speech segments in the time domain.
package ns

import "math"

const (
	// FFTSize is the STFT frame length in samples.
	FFTSize = 512

	// HopSize is the STFT hop (50% overlap).
	HopSize = FFTSize / 2

	// NoiseUpdateRate is the exponential-moving-average rate used to
	// track the per-bin noise magnitude estimate.
	NoiseUpdateRate = 0.01

	// DefaultOverSubtraction is the spectral over-subtraction factor
	// gamma from spec.md §4.3.
	DefaultOverSubtraction = 2.0

	// DefaultFloorRatio is the noise floor beta applied to the
	// subtracted magnitude to avoid musical-noise artifacts.
	DefaultFloorRatio = 0.1

	// DefaultStrength is the overall suppression strength (0=off, 1=max).
	DefaultStrength = 0.7

	// noiseEnergyHistoryLen is the rolling window used to classify a
	// frame as noise-like (energy below 1.5x the recent mean).
	noiseEnergyHistoryLen = 10

	// DefaultNoiseFloorDB is the time-domain gate's noise floor.
	DefaultNoiseFloorDB = -50.0

	// DefaultAttackMS / DefaultReleaseMS are the gate envelope-follower
	// time constants.
	DefaultAttackMS  = 5.0
	DefaultReleaseMS = 50.0

	// gateClosedGain is applied while the gate is Closed (-20 dB).
	gateClosedGain = 0.1

	// gateTransitionBandDB is the width of the Attack/Release ramp above
	// the noise floor.
	gateTransitionBandDB = 6.0

	sampleRate = 48000
)

type gateState int

const (
	gateClosed gateState = iota
	gateAttack
	gateOpen
	gateRelease
)

// defaultFrameSize is the PCM block size NS assumes when FrameSize
// isn't given explicitly (960 samples = 20 ms at 48 kHz).
const defaultFrameSize = 960

// Config controls an NS instance.
type Config struct {
	FrameSize       int
	Strength        float64
	OverSubtraction float64
	FloorRatio      float64
	NoiseFloorDB    float64
	AttackMS        float64
	ReleaseMS       float64
	Adaptive        bool
}

// DefaultConfig returns spec.md's default NS tuning for the given PCM
// frame size (samples per channel per tick).
func DefaultConfig(frameSize int) Config {
	if frameSize <= 0 {
		frameSize = defaultFrameSize
	}
	return Config{
		FrameSize:       frameSize,
		Strength:        DefaultStrength,
		OverSubtraction: DefaultOverSubtraction,
		FloorRatio:      DefaultFloorRatio,
		NoiseFloorDB:    DefaultNoiseFloorDB,
		AttackMS:        DefaultAttackMS,
		ReleaseMS:       DefaultReleaseMS,
		Adaptive:        true,
	}
}

// Stats reports the most recent frame's NS behaviour.
type Stats struct {
	ReductionDB float64
	GateOpen    bool
}

// NS is a single-channel noise suppressor combining STFT spectral
// subtraction with a time-domain envelope gate. Not safe for concurrent
// use. The engine creates one instance and feeds it each interleaved
// capture block as a single stream, so stereo channels are not
// processed separately; it is driven from the engine's single
// capture-processing goroutine.
type NS struct {
	cfg Config

	window []float64

	inBuf  []float64 // samples awaiting a full FFT frame
	outBuf []float64 // overlap-add accumulator, ready-to-emit prefix

	noiseEstimate  []float64 // per-bin magnitude, len = FFTSize/2+1
	energyHistory  []float64
	energyHistIdx  int
	energyHistFull bool

	envelope float64
	state    gateState

	lastStats Stats

	// Scratch buffers, sized once here from FFTSize/nbins/FrameSize and
	// reused every Process/spectralSubtract call instead of allocated
	// fresh per STFT frame.
	windowed  []float64    // one windowed FFTSize input frame
	spec      []complex128 // FFT working buffer
	magnitude []float64    // per-bin magnitude, len = nbins
	phase     []float64    // per-bin phase, len = nbins
	outBlock  []float32    // Process's output scratch, len = FrameSize
}

// New creates an NS instance with the default configuration.
func New() *NS { return NewWithConfig(DefaultConfig(defaultFrameSize)) }

// NewWithConfig creates an NS instance with explicit tuning.
func NewWithConfig(cfg Config) *NS {
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = defaultFrameSize
	}
	nbins := FFTSize/2 + 1
	n := &NS{
		cfg:           cfg,
		window:        hannWindow(FFTSize),
		noiseEstimate: make([]float64, nbins),
		energyHistory: make([]float64, noiseEnergyHistoryLen),
		windowed:      make([]float64, FFTSize),
		spec:          make([]complex128, FFTSize),
		magnitude:     make([]float64, nbins),
		phase:         make([]float64, nbins),
		outBlock:      make([]float32, cfg.FrameSize),
	}
	for i := range n.noiseEstimate {
		n.noiseEstimate[i] = 1e-6
	}
	return n
}

func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
	}
	return w
}

// SetStrength sets the spectral-subtraction strength, clamped to [0,1].
func (n *NS) SetStrength(s float64) {
	if s < 0 {
		s = 0
	}
	if s > 1 {
		s = 1
	}
	n.cfg.Strength = s
}

// LastStats returns statistics from the most recent Process call.
func (n *NS) LastStats() Stats { return n.lastStats }

// Process suppresses noise in frame in-place, treating frame as one
// sample stream; internally NS buffers across calls to run its
// 512-sample/256-hop STFT. Output lags input by a fixed delay set on the
// first call, whose samples past the last completed hop are emitted as
// zeros (448 samples for a 960-sample frame).
func (n *NS) Process(frame []float32) {
	for _, s := range frame {
		n.inBuf = append(n.inBuf, float64(s))
	}

	for len(n.inBuf) >= FFTSize {
		windowed := n.windowed
		for i := 0; i < FFTSize; i++ {
			windowed[i] = n.inBuf[i] * n.window[i]
		}
		n.inBuf = n.inBuf[HopSize:]

		n.spectralSubtract(windowed)

		// outBuf holds finished samples followed by the HopSize-sample
		// tail still awaiting the next frame's overlap; each new frame
		// is added starting at that tail.
		off := 0
		if len(n.outBuf) >= HopSize {
			off = len(n.outBuf) - HopSize
		}
		for i, v := range windowed {
			if off+i < len(n.outBuf) {
				n.outBuf[off+i] += v
			} else {
				n.outBuf = append(n.outBuf, v)
			}
		}
	}

	need := len(frame)
	if ready := len(n.outBuf) - HopSize; need > ready {
		need = max(ready, 0)
	}
	if cap(n.outBlock) < len(frame) {
		// Only grows if called with a frame size larger than the one
		// FrameSize was constructed with; the steady-state path never
		// reallocates.
		n.outBlock = make([]float32, len(frame))
	}
	out := n.outBlock[:len(frame)]
	for i := range out {
		out[i] = 0
	}
	for i := 0; i < need; i++ {
		out[i] = float32(n.outBuf[i])
	}
	n.outBuf = n.outBuf[need:]

	reductionDB := n.gate(out)
	copy(frame, out)
	n.lastStats = Stats{ReductionDB: reductionDB, GateOpen: n.state == gateOpen}
}

// spectralSubtract runs one FFT frame through noise estimation and
// magnitude subtraction, writing the enhanced time-domain signal back
// into block in-place.
func (n *NS) spectralSubtract(block []float64) {
	spec := n.spec
	for i, v := range block {
		spec[i] = complex(v, 0)
	}
	fft(spec)

	nbins := FFTSize/2 + 1
	magnitude := n.magnitude
	phase := n.phase
	var frameEnergy float64
	for k := 0; k < nbins; k++ {
		magnitude[k] = cAbs(spec[k])
		phase[k] = cPhase(spec[k])
		frameEnergy += magnitude[k] * magnitude[k]
	}

	if n.cfg.Adaptive {
		n.updateNoiseEstimate(magnitude, frameEnergy)
	}

	for k := 0; k < nbins; k++ {
		signalMag := magnitude[k]
		noiseMag := n.noiseEstimate[k]

		enhanced := signalMag - n.cfg.OverSubtraction*noiseMag
		floor := noiseMag * n.cfg.FloorRatio
		final := math.Max(enhanced, floor)

		var suppression float64
		if signalMag > 0 {
			suppression = math.Min(final/signalMag, 1)
		}
		effective := 1 - n.cfg.Strength*(1-suppression)
		magnitude[k] = signalMag * effective
	}

	for k := 0; k < nbins; k++ {
		re := magnitude[k] * math.Cos(phase[k])
		im := magnitude[k] * math.Sin(phase[k])
		spec[k] = complex(re, im)
		if k > 0 && k < FFTSize/2 {
			spec[FFTSize-k] = complex(re, -im)
		}
	}

	ifft(spec)
	for i := range block {
		block[i] = real(spec[i])
	}
}

// updateNoiseEstimate classifies the frame as noise-like (energy below
// 1.5x the recent rolling mean) and, if so, folds its magnitude into
// the per-bin running estimate.
func (n *NS) updateNoiseEstimate(magnitude []float64, frameEnergy float64) {
	isNoise := true
	if n.energyHistFull {
		var sum float64
		for _, e := range n.energyHistory {
			sum += e
		}
		mean := sum / float64(len(n.energyHistory))
		isNoise = frameEnergy < mean*1.5
	}

	n.energyHistory[n.energyHistIdx] = frameEnergy
	n.energyHistIdx = (n.energyHistIdx + 1) % len(n.energyHistory)
	if n.energyHistIdx == 0 {
		n.energyHistFull = true
	}

	if !isNoise {
		return
	}
	for k := range n.noiseEstimate {
		mag := 0.0
		if k < len(magnitude) {
			mag = magnitude[k]
		}
		n.noiseEstimate[k] = (1-NoiseUpdateRate)*n.noiseEstimate[k] + NoiseUpdateRate*mag
	}
}

// gate applies the time-domain envelope gate to frame in-place and
// returns the suppression applied in dB.
func (n *NS) gate(frame []float32) float64 {
	var sumSq float64
	for _, s := range frame {
		sumSq += float64(s) * float64(s)
	}
	rms := 0.0
	if len(frame) > 0 {
		rms = math.Sqrt(sumSq / float64(len(frame)))
	}

	// The envelope steps once per frame, so the coefficients cover the
	// frame's whole length rather than a single sample.
	attackCoeff := math.Exp(-float64(len(frame)) / (n.cfg.AttackMS * sampleRate / 1000))
	releaseCoeff := math.Exp(-float64(len(frame)) / (n.cfg.ReleaseMS * sampleRate / 1000))

	if rms > n.envelope {
		n.envelope = attackCoeff*n.envelope + (1-attackCoeff)*rms
	} else {
		n.envelope = releaseCoeff*n.envelope + (1-releaseCoeff)*rms
	}

	envelopeDB := -80.0
	if n.envelope > 0 {
		envelopeDB = 20 * math.Log10(n.envelope)
	}

	threshold := n.cfg.NoiseFloorDB + gateTransitionBandDB

	var next gateState
	if envelopeDB > threshold {
		switch n.state {
		case gateClosed, gateRelease:
			next = gateAttack
		default:
			next = gateOpen
		}
	} else {
		switch n.state {
		case gateOpen, gateAttack:
			next = gateRelease
		default:
			next = gateClosed
		}
	}
	n.state = next

	var gain float64
	switch next {
	case gateOpen:
		gain = 1.0
	case gateClosed:
		gain = gateClosedGain
	default:
		progress := (envelopeDB - n.cfg.NoiseFloorDB) / gateTransitionBandDB
		if progress < 0 {
			progress = 0
		} else if progress > 1 {
			progress = 1
		}
		gain = gateClosedGain + (1-gateClosedGain)*progress
	}

	for i := range frame {
		frame[i] = float32(float64(frame[i]) * gain)
	}
	return -20 * math.Log10(gain)
}

func cAbs(c complex128) float64   { return math.Hypot(real(c), imag(c)) }
func cPhase(c complex128) float64 { return math.Atan2(imag(c), real(c)) }
