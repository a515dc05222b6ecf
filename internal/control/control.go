// Package control implements the engine's out-of-band command and
// metrics plane (spec.md §9, C9): a single MPSC channel carrying a
// tagged-union Command so the capture/render ticks never pay for
// virtual dispatch, and a block of atomic gauges a UI or supervisor can
// poll without taking a lock.
package control

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Kind tags which union member a Command holds. Switching on Kind
// instead of a type assertion keeps the capture/render ticks branch-
// predictable and allocation-free.
type Kind int

const (
	KindAudio Kind = iota
	KindNetwork
	KindSecurity
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindNetwork:
		return "network"
	case KindSecurity:
		return "security"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// AudioOp enumerates the audio-kind commands.
type AudioOp int

const (
	AudioSetMuted AudioOp = iota
	AudioSetBitrate
	AudioSetComplexity
)

// NetworkOp enumerates the network-kind commands.
type NetworkOp int

const (
	NetworkSetJitterTarget NetworkOp = iota
	NetworkResetJitter
)

// SecurityOp enumerates the security-kind commands.
type SecurityOp int

const (
	SecurityRotateSession SecurityOp = iota
	SecurityResetTrust
)

// ConfigOp enumerates the config-kind commands.
type ConfigOp int

const (
	ConfigReload ConfigOp = iota
)

// Command is a tagged union dispatched over the control channel. Only
// the field matching Kind/Op is meaningful; the others are zero.
// CorrelationID lets a caller match an async effect back to the
// command that caused it in logs.
type Command struct {
	Kind          Kind
	AudioOp       AudioOp
	NetworkOp     NetworkOp
	SecurityOp    SecurityOp
	ConfigOp      ConfigOp
	IntValue      int
	BoolValue     bool
	CorrelationID uuid.UUID
}

// NewCommand stamps a fresh correlation ID onto cmd and returns it,
// so callers don't have to thread uuid.NewString() through every call
// site that constructs a Command.
func NewCommand(cmd Command) Command {
	cmd.CorrelationID = uuid.New()
	return cmd
}

// Channel is a bounded MPSC command queue. Multiple producers
// (UI handlers, a control-plane transport) call Send; a single
// consumer (the engine's tick loop) calls Drain once per tick.
type Channel struct {
	ch      chan Command
	limiter *rate.Limiter
}

// DefaultRateLimit bounds how many control commands per second a
// single noisy or malicious control client can enqueue, so the
// non-realtime worker draining the channel never falls behind the
// 20 ms tick budget processing a flood of SetBitrate calls.
const DefaultRateLimit = 50

// NewChannel creates a Channel with the given buffer depth and a
// token-bucket limiter allowing burst commands up to its capacity.
func NewChannel(capacity int) *Channel {
	return &Channel{
		ch:      make(chan Command, capacity),
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), capacity),
	}
}

// ErrRateLimited is returned by Send when the command rate limiter has
// no tokens available.
type ErrRateLimited struct{}

func (ErrRateLimited) Error() string { return "control: command rate limit exceeded" }

// Send enqueues cmd, non-blocking. Returns ErrRateLimited if the
// producer is exceeding DefaultRateLimit, or an error if the channel
// buffer is full (the consumer tick is falling behind).
func (c *Channel) Send(cmd Command) error {
	if !c.limiter.Allow() {
		return ErrRateLimited{}
	}
	select {
	case c.ch <- cmd:
		return nil
	default:
		return fmt.Errorf("control: command channel full")
	}
}

// Drain returns all commands currently queued without blocking, for
// the tick loop to apply at the top of a frame.
func (c *Channel) Drain() []Command {
	var out []Command
	for {
		select {
		case cmd := <-c.ch:
			out = append(out, cmd)
		default:
			return out
		}
	}
}

// Metrics is a block of lock-free gauges updated from the capture and
// render ticks and read by Snapshot from any goroutine. Covers spec.md
// §4.8/§9's full C9 surface: frame counts, ring drops, jitter mean/var,
// AEC suppression, NS reduction, Opus bytes/frame, and PLC invocations.
type Metrics struct {
	running         atomic.Bool
	muted           atomic.Bool
	currentBitrate  atomic.Int32
	jitterTarget    atomic.Int32
	captureDropped  atomic.Uint64
	playbackDropped atomic.Uint64
	inputLevel      atomic.Uint32
	sessionResets   atomic.Uint64

	framesIn  atomic.Uint64
	framesOut atomic.Uint64

	jitterMeanMS atomic.Uint32 // float32 bits
	jitterVarMS  atomic.Uint32 // float32 bits

	aecSuppressionDB atomic.Uint32 // float32 bits
	nsReductionDB    atomic.Uint32 // float32 bits

	opusBytesPerFrame atomic.Int32
	plcInvocations    atomic.Uint64
}

// Snapshot is an immutable point-in-time read of Metrics.
type Snapshot struct {
	Running         bool
	Muted           bool
	CurrentBitrate  int
	JitterTarget    int
	CaptureDropped  uint64
	PlaybackDropped uint64
	InputLevel      float32
	SessionResets   uint64

	FramesIn  uint64
	FramesOut uint64

	JitterMeanMS float32
	JitterVarMS  float32

	AECSuppressionDB float32
	NSReductionDB    float32

	OpusBytesPerFrame int
	PLCInvocations    uint64
}

func (m *Metrics) SetRunning(v bool)        { m.running.Store(v) }
func (m *Metrics) SetMuted(v bool)          { m.muted.Store(v) }
func (m *Metrics) SetBitrate(kbps int)      { m.currentBitrate.Store(int32(kbps)) }
func (m *Metrics) SetJitterTarget(frames int) { m.jitterTarget.Store(int32(frames)) }
func (m *Metrics) AddCaptureDropped(n uint64)  { m.captureDropped.Add(n) }
func (m *Metrics) AddPlaybackDropped(n uint64) { m.playbackDropped.Add(n) }
func (m *Metrics) SetInputLevel(rms float32) { m.inputLevel.Store(math.Float32bits(rms)) }
func (m *Metrics) AddSessionReset()          { m.sessionResets.Add(1) }

func (m *Metrics) AddFrameIn()  { m.framesIn.Add(1) }
func (m *Metrics) AddFrameOut() { m.framesOut.Add(1) }

// SetJitterStats records the jitter buffer's current mean arrival delay
// and delay variance (both milliseconds), as reported by jitter.Stats.
func (m *Metrics) SetJitterStats(meanMS, varMS float64) {
	m.jitterMeanMS.Store(math.Float32bits(float32(meanMS)))
	m.jitterVarMS.Store(math.Float32bits(float32(varMS)))
}

// SetAECSuppressionDB records the AEC's most recent residual-suppression
// gain, as reported by aec.Stats.
func (m *Metrics) SetAECSuppressionDB(db float64) {
	m.aecSuppressionDB.Store(math.Float32bits(float32(db)))
}

// SetNSReductionDB records the NS gate's most recent attenuation, as
// reported by ns.Stats.
func (m *Metrics) SetNSReductionDB(db float64) {
	m.nsReductionDB.Store(math.Float32bits(float32(db)))
}

// SetOpusBytesPerFrame records the size of the most recently encoded
// Opus packet.
func (m *Metrics) SetOpusBytesPerFrame(n int) { m.opusBytesPerFrame.Store(int32(n)) }

// AddPLCInvocation counts one packet-loss-concealment decode (a render
// tick that found no frame ready and asked the decoder to extrapolate).
func (m *Metrics) AddPLCInvocation() { m.plcInvocations.Add(1) }

// DroppedFrames returns and resets the capture and playback drop
// counters, mirroring the teacher's swap-and-reset accessor so a
// polling UI sees deltas rather than a running total.
func (m *Metrics) DroppedFrames() (capture, playback uint64) {
	return m.captureDropped.Swap(0), m.playbackDropped.Swap(0)
}

// Snapshot reads every gauge without taking a lock. Capture/playback
// drop counts are read, not swapped, here — use DroppedFrames for the
// destructive read.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Running:         m.running.Load(),
		Muted:           m.muted.Load(),
		CurrentBitrate:  int(m.currentBitrate.Load()),
		JitterTarget:    int(m.jitterTarget.Load()),
		CaptureDropped:  m.captureDropped.Load(),
		PlaybackDropped: m.playbackDropped.Load(),
		InputLevel:      math.Float32frombits(m.inputLevel.Load()),
		SessionResets:   m.sessionResets.Load(),

		FramesIn:  m.framesIn.Load(),
		FramesOut: m.framesOut.Load(),

		JitterMeanMS: math.Float32frombits(m.jitterMeanMS.Load()),
		JitterVarMS:  math.Float32frombits(m.jitterVarMS.Load()),

		AECSuppressionDB: math.Float32frombits(m.aecSuppressionDB.Load()),
		NSReductionDB:    math.Float32frombits(m.nsReductionDB.Load()),

		OpusBytesPerFrame: int(m.opusBytesPerFrame.Load()),
		PLCInvocations:    m.plcInvocations.Load(),
	}
}
