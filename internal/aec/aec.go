// Package aec provides a Normalized Least Mean Squares (NLMS) acoustic
// echo canceller with double-talk detection and residual/nonlinear
// suppression, designed for the engine's 20 ms capture tick.
//
// Usage:
//
//	aecProc := aec.New(960)   // 960 samples = 20 ms @ 48 kHz
//
//	// After the render tick has produced the frame that will be played:
//	aecProc.FeedFarEnd(buf)
//
//	// Before any other capture-path processing:
//	aecProc.Process(buf)     // modifies buf in-place
package aec

import (
	"math"
	"math/rand"
	"sync"
)

const (
	// DefaultDelay is the bulk delay (samples) assumed between playback and
	// the echo arriving at the microphone. 1920 samples = 40 ms at 48 kHz,
	// covering typical system latency (DAC + acoustic path + ADC).
	DefaultDelay = 1920

	// DefaultTaps is the NLMS filter length (samples): a 512-tap filter
	// covering room response within the window following the bulk delay.
	DefaultTaps = 512

	// DefaultStep is the NLMS step size mu (0 < mu < 2). Smaller values
	// converge more slowly but are more stable; 0.1 is conservative.
	DefaultStep = 0.1

	// DefaultDoubleTalkThresholdDB is the echo-return-loss threshold above
	// which near-end power is assumed to include genuine near-end speech
	// rather than just echo, and adaptation is frozen for the block.
	DefaultDoubleTalkThresholdDB = 0.1

	// DefaultStrength is the residual-suppression strength s (0=off, 1=max).
	DefaultStrength = 0.8

	// weightClamp bounds each NLMS coefficient to prevent divergence.
	weightClamp = 1.0

	// comfortNoiseLevel is the amplitude of noise mixed into flagged-echo
	// frames by the nonlinear processor, roughly -60 dBFS.
	comfortNoiseLevel = 0.001

	// flaggedEchoRatio is the echo/mic power ratio above which the
	// nonlinear processor treats a frame as still carrying audible echo.
	flaggedEchoRatio = 0.3
)

// Stats reports the most recent block's AEC behaviour, surfaced through
// the engine's control/metrics channel.
type Stats struct {
	SuppressionDB float64
	DoubleTalk    bool
	Adapting      bool
}

// Config controls AEC construction. Zero-value fields fall back to the
// package defaults via DefaultConfig.
type Config struct {
	FrameSize     int
	Taps          int
	Step          float64
	Strength      float64
	DoubleTalkDB  float64
	NonlinearProc bool
}

// DefaultConfig returns the default tuning for a given frame size.
func DefaultConfig(frameSize int) Config {
	return Config{
		FrameSize:     frameSize,
		Taps:          DefaultTaps,
		Step:          DefaultStep,
		Strength:      DefaultStrength,
		DoubleTalkDB:  DefaultDoubleTalkThresholdDB,
		NonlinearProc: true,
	}
}

// AEC is an NLMS-based acoustic echo canceller that additionally tracks
// far/near/echo signal power for double-talk detection and applies
// residual and nonlinear suppression after adaptive filtering.
//
// The far-end circular buffer is large enough that the writer
// (FeedFarEnd) and reader (Process) access disjoint regions, so the
// mutex is only held briefly for the reference copy and for
// configuration/statistics access.
type AEC struct {
	mu      sync.Mutex
	enabled bool

	// NLMS filter state.
	weights []float64
	tapLen  int
	step    float64

	doubleTalkThresholdDB float64
	strength              float64
	nonlinear             bool

	// Shared circular buffer for the far-end (playback) reference
	// signal. Size = frameSize + delayLen + tapLen.
	farBuf    []float32
	farHead   int
	bufLen    int
	delayLen  int
	frameSize int

	// ref is Process's scratch copy of the far-end reference window,
	// sized once here and reused every call instead of allocated fresh.
	ref []float32

	// IIR-smoothed signal powers (0.9 old / 0.1 new) for double-talk
	// detection and residual-suppression gain.
	pFar, pNear, pEcho float64

	rng       *rand.Rand
	lastStats Stats
}

// New creates an AEC for the given PCM frame size (samples); frameSize
// = 960 for 20 ms at 48 kHz.
func New(frameSize int) *AEC {
	return NewWithConfig(DefaultConfig(frameSize))
}

// NewWithConfig creates an AEC from an explicit Config.
func NewWithConfig(cfg Config) *AEC {
	taps := cfg.Taps
	if taps <= 0 {
		taps = DefaultTaps
	}
	step := cfg.Step
	if step <= 0 {
		step = DefaultStep
	}
	dt := cfg.DoubleTalkDB
	if dt <= 0 {
		dt = DefaultDoubleTalkThresholdDB
	}
	strength := cfg.Strength
	if strength <= 0 {
		strength = DefaultStrength
	}
	bufLen := cfg.FrameSize + DefaultDelay + taps
	return &AEC{
		enabled:               true,
		weights:               make([]float64, taps),
		tapLen:                taps,
		step:                  step,
		doubleTalkThresholdDB: dt,
		strength:              strength,
		nonlinear:             cfg.NonlinearProc,
		farBuf:                make([]float32, bufLen),
		bufLen:                bufLen,
		delayLen:              DefaultDelay,
		frameSize:             cfg.FrameSize,
		ref:                   make([]float32, cfg.FrameSize+taps-1),
		rng:                   rand.New(rand.NewSource(1)),
	}
}

// SetEnabled enables or disables echo cancellation. Enabling resets the
// filter weights and power trackers so adaptation starts cleanly.
func (a *AEC) SetEnabled(enabled bool) {
	a.mu.Lock()
	a.enabled = enabled
	if enabled {
		for i := range a.weights {
			a.weights[i] = 0
		}
		a.pFar, a.pNear, a.pEcho = 0, 0, 0
	}
	a.mu.Unlock()
}

// SetStrength sets the residual-suppression strength s, clamped to [0,1].
func (a *AEC) SetStrength(s float64) {
	if s < 0 {
		s = 0
	}
	if s > 1 {
		s = 1
	}
	a.mu.Lock()
	a.strength = s
	a.mu.Unlock()
}

// LastStats returns the statistics computed during the most recent
// Process call.
func (a *AEC) LastStats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastStats
}

// FeedFarEnd stores the most recent playback frame as the far-end
// reference. Call this once per tick, after the render block has been
// finalised — the reference for tick t is the most recent block pushed
// to the render ring before t.
func (a *AEC) FeedFarEnd(frame []float32) {
	a.mu.Lock()
	for _, s := range frame {
		a.farBuf[a.farHead] = s
		a.farHead = (a.farHead + 1) % a.bufLen
	}
	a.mu.Unlock()
}

// Process applies echo cancellation to a captured frame in-place.
//
// The algorithm per block:
//  1. Copy the relevant far-end reference window (locked briefly).
//  2. Update far/near IIR power estimates and evaluate double-talk.
//  3. Run NLMS sample-by-sample, freezing adaptation during double-talk.
//  4. Apply residual suppression gain from the echo/mic power ratio.
//  5. Optionally apply the nonlinear processor with comfort noise.
func (a *AEC) Process(frame []float32) {
	a.mu.Lock()
	if !a.enabled {
		a.mu.Unlock()
		return
	}
	if a.farHead == 0 && allZero(a.farBuf) {
		// Far-end buffer not yet warmed up: pass through.
		a.mu.Unlock()
		return
	}

	refLen := a.frameSize + a.tapLen - 1
	ref := a.ref
	startIdx := a.farHead - a.frameSize - a.delayLen - a.tapLen + 1
	for j := range refLen {
		// Add 3*bufLen to guarantee a positive dividend before modulo.
		idx := ((startIdx + j) % a.bufLen + 3*a.bufLen) % a.bufLen
		ref[j] = a.farBuf[idx]
	}

	tapLen := a.tapLen
	weights := a.weights
	step := a.step
	strength := a.strength
	nonlinear := a.nonlinear
	dtThreshold := a.doubleTalkThresholdDB
	pFar, pNear, pEcho := a.pFar, a.pNear, a.pEcho
	a.mu.Unlock()

	farPower := blockPower(ref[tapLen-1:])
	nearPower := blockPower(frame)
	pFar = 0.9*pFar + 0.1*farPower
	pNear = 0.9*pNear + 0.1*nearPower

	doubleTalk := false
	if pFar > 1e-10 {
		returnLossDB := 10 * math.Log10(pNear/pFar)
		doubleTalk = returnLossDB > dtThreshold
	}

	var echoEnergy float64
	for i := range frame {
		refBase := i + tapLen - 1

		var y, powerSum float64
		for k := 0; k < tapLen; k++ {
			x := float64(ref[refBase-k])
			y += weights[k] * x
			powerSum += x * x
		}

		e := float64(frame[i]) - y
		echoEnergy += y * y

		if !doubleTalk && powerSum > 1e-10 {
			upd := step * e / powerSum
			for k := 0; k < tapLen; k++ {
				w := weights[k] + upd*float64(ref[refBase-k])
				if w > weightClamp {
					w = weightClamp
				} else if w < -weightClamp {
					w = -weightClamp
				}
				weights[k] = w
			}
		}

		frame[i] = float32(e)
	}
	pEcho = 0.9*pEcho + 0.1*(echoEnergy/float64(len(frame)))

	micPower := blockPower(frame)
	var r float64
	if micPower > 1e-10 {
		r = pEcho / micPower
		if r > 1 {
			r = 1
		}
	} else if pEcho > 1e-10 {
		// Residual is negligible next to the estimated echo: the ratio
		// is unbounded, so it takes its cap of 1.
		r = 1
	}
	gain := 1 - strength*r
	if gain < 0.1 {
		gain = 0.1
	}
	suppressionDB := -20 * math.Log10(gain)
	for i := range frame {
		frame[i] *= float32(gain)
	}

	echoDetected := r > 0.05
	if nonlinear && echoDetected {
		nlGain := float32(0.8)
		if r > flaggedEchoRatio {
			nlGain = 0.3
		}
		for i := range frame {
			frame[i] = frame[i]*nlGain + comfortNoise(a.rng)
		}
	}

	a.mu.Lock()
	a.pFar, a.pNear, a.pEcho = pFar, pNear, pEcho
	a.lastStats = Stats{SuppressionDB: suppressionDB, DoubleTalk: doubleTalk, Adapting: !doubleTalk}
	a.mu.Unlock()
}

func blockPower(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return sum / float64(len(samples))
}

func allZero(s []float32) bool {
	for _, v := range s {
		if v != 0 {
			return false
		}
	}
	return true
}

func comfortNoise(rng *rand.Rand) float32 {
	return float32((rng.Float64() - 0.5) * comfortNoiseLevel)
}
