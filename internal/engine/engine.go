// Package engine binds C1-C7 into the two tick-driven loops spec.md
// §2 describes: capture (mic -> AEC -> NS -> Opus -> seal -> transport)
// and render (transport -> open -> jitter -> Opus/PLC -> render ring).
// Grounded on the teacher's AudioEngine.Start/Stop/captureLoop/
// playbackLoop control flow (client/audio.go), generalized to the
// spec's explicit two-tick model and its secure-session layer.
package engine

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"humr/internal/adapt"
	"humr/internal/aec"
	"humr/internal/audioblock"
	"humr/internal/codec"
	"humr/internal/control"
	"humr/internal/engineconfig"
	"humr/internal/jitter"
	"humr/internal/ns"
	"humr/internal/session"
	"humr/internal/transport"
	"humr/internal/wire"
)

// Sentinel errors for engine-level failures (spec.md §7).
var (
	ErrDeviceUnavailable    = errors.New("engine: audio device unavailable")
	ErrRingOverflow         = errors.New("engine: ring buffer overflow")
	ErrRingUnderflow        = errors.New("engine: ring buffer underflow")
	ErrCodecEncodeFailed    = errors.New("engine: opus encode failed")
	ErrCodecDecodeFailed    = errors.New("engine: opus decode failed")
	ErrHandshakeTimeout     = errors.New("engine: handshake timed out")
	ErrHandshakeSigInvalid  = errors.New("engine: handshake signature invalid")
	ErrReplayDetected       = errors.New("engine: replayed frame detected")
	ErrSessionNotEstablished = errors.New("engine: session not established")
	ErrTransportClosed      = errors.New("engine: transport closed")
	ErrConfigInvalid        = errors.New("engine: invalid configuration")
)

// tickInterval is the engine's fixed internal cadence: one 20 ms audio
// block per tick, independent of the device's native buffer size.
const tickInterval = 20 * time.Millisecond

// Engine orchestrates one peer connection's full duplex audio pipeline.
// Device I/O is intentionally out of this type (see internal/deviceio);
// Engine only owns the rings the device plane and tick loops share, so
// it can run headless against a Loopback transport in tests.
type Engine struct {
	log *slog.Logger
	cfg engineconfig.Config

	transport transport.Transport
	session   *session.Session

	aecProc *aec.AEC
	nsProc  *ns.NS
	encoder *codec.Encoder
	decoder *codec.Decoder
	jbuf    *jitter.Buffer

	captureRing *audioblock.RingBuffer[audioblock.Block]
	renderRing  *audioblock.RingBuffer[audioblock.Block]

	commands *control.Channel
	metrics  *control.Metrics

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	captureSeq atomic.Uint32
	lastDecodedSeq uint32
	haveLastDecoded bool

	// pending reorders raw wire packets by seq before they reach
	// session.Open, so Open's strictly-increasing recvCounter check
	// (internal/session) always sees seq in order even when the
	// transport itself delivers frames out of order. Actual loss
	// tolerance and playout smoothing still happen downstream in jbuf.
	// nextOpenSeq starts at 0 (a session's capture counter always
	// starts at 0), not at whatever seq happens to arrive first, so a
	// reordered very first packet is still buffered rather than
	// mistaken for the new baseline.
	pending     map[uint32]wire.AudioPacket
	nextOpenSeq uint32

	aecEnabled atomic.Bool
	nsEnabled  atomic.Bool

	// rotating is set while a self-initiated key rotation's "hs" has
	// been sent and its "hs_ack" hasn't arrived yet (see RotateKeys).
	rotating atomic.Bool

	// Quality-adaptation bookkeeping (internal/adapt): ticksSinceAdapt
	// and underrunTicks approximate a loss rate over qualityAdaptInterval
	// from the render tick's own underrun observations, smoothed and fed
	// to adapt.NextBitrate/adapt.TargetJitterDepth every interval.
	lastQualityAdapt time.Time
	smoothedLoss     float64
	currentBitrate   int
	ticksSinceAdapt  int
	underrunTicks    int
}

// qualityAdaptInterval matches jitter.Buffer's own internal adaptation
// cadence, so the two adaptation loops stay in step.
const qualityAdaptInterval = 2 * time.Second

// maxPendingEnvelopes bounds the pre-decrypt reorder map; beyond this
// the oldest-missing seq is skipped rather than waited on forever; a
// true transport does not reorder arbitrarily far, so this only
// triggers under a sustained multi-packet loss.
const maxPendingEnvelopes = 64

// New constructs an Engine from cfg, an established transport, and an
// identity/trust pair for the secure session. cfg is validated first
// per spec.md §7's "config failures abort start" policy.
func New(log *slog.Logger, cfg engineconfig.Config, tr transport.Transport, identity session.Identity, trust *session.TrustStore) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	encCfg := codec.DefaultConfig(cfg.SampleRate, cfg.Channels, cfg.FrameSize)
	encCfg.Bitrate = cfg.OpusBitrate
	encCfg.Complexity = cfg.OpusComplexity
	encCfg.Application = cfg.OpusApplication
	encoder, err := codec.NewEncoder(encCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodecEncodeFailed, err)
	}
	decoder, err := codec.NewDecoder(encCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodecDecodeFailed, err)
	}

	// The AEC is handed whole interleaved blocks, so its frame is the
	// block's samples-total, not the per-channel FrameSize.
	aecProc := aec.NewWithConfig(aec.DefaultConfig(cfg.FrameSize * cfg.Channels))
	aecProc.SetStrength(cfg.AECStrength)
	aecProc.SetEnabled(cfg.AECEnabled)

	nsProc := ns.NewWithConfig(ns.DefaultConfig(cfg.FrameSize))
	nsProc.SetStrength(cfg.NSStrength)

	e := &Engine{
		log:         log,
		cfg:         cfg,
		transport:   tr,
		session:     session.New(identity, trust),
		aecProc:     aecProc,
		nsProc:      nsProc,
		encoder:     encoder,
		decoder:     decoder,
		jbuf:        jitter.NewWithBounds(cfg.JitterTarget, cfg.JitterMin, cfg.JitterMax),
		captureRing: audioblock.NewRingBuffer[audioblock.Block](cfg.RingCapacity),
		renderRing:  audioblock.NewRingBuffer[audioblock.Block](cfg.RingCapacity),
		commands:    control.NewChannel(64),
		metrics:     &control.Metrics{},
		pending:     make(map[uint32]wire.AudioPacket),
	}
	e.aecEnabled.Store(cfg.AECEnabled)
	e.nsEnabled.Store(cfg.NSEnabled)
	e.currentBitrate = cfg.OpusBitrate / 1000
	e.metrics.SetBitrate(e.currentBitrate)
	e.metrics.SetJitterTarget(cfg.JitterTarget)
	return e, nil
}

// CaptureRing exposes the ring the device capture callback should push
// captured blocks into.
func (e *Engine) CaptureRing() *audioblock.RingBuffer[audioblock.Block] { return e.captureRing }

// RenderRing exposes the ring the device render callback should pop
// finished blocks from.
func (e *Engine) RenderRing() *audioblock.RingBuffer[audioblock.Block] { return e.renderRing }

// Commands returns the control channel external callers send Commands
// on (spec.md §9's control surface: set_bitrate, set_ns_strength, ...).
func (e *Engine) Commands() *control.Channel { return e.commands }

// Metrics returns the lock-free metrics block external callers poll.
func (e *Engine) Metrics() *control.Metrics { return e.metrics }

// Session exposes the secure session for handshake orchestration,
// which happens once before Start (spec.md §7: "handshake ... failures
// abort start").
func (e *Engine) Session() *session.Session { return e.session }

// Start spins up the capture and render tick loops. The session must
// already be Established (via a completed handshake) before Start is
// called — Start itself does not drive the handshake.
func (e *Engine) Start(ctx context.Context) error {
	if e.session.State() != session.StateEstablished {
		return ErrSessionNotEstablished
	}
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}
	e.metrics.SetRunning(true)
	e.stopCh = make(chan struct{})

	e.wg.Add(2)
	go func() { defer e.wg.Done(); e.captureTickLoop(ctx) }()
	go func() { defer e.wg.Done(); e.renderTickLoop(ctx) }()
	return nil
}

// Stop halts both tick loops and waits for them to exit.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	close(e.stopCh)
	e.wg.Wait()
	e.metrics.SetRunning(false)
}

func (e *Engine) captureTickLoop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.applyCommands(ctx)
			e.captureTick(ctx)
		}
	}
}

func (e *Engine) renderTickLoop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.renderTick(ctx)
		}
	}
}

// captureTick pops one captured block, runs it through AEC (using the
// most recent render-ring block pushed before this tick as far-end
// reference) and NS, encodes it, seals it, and sends it.
func (e *Engine) captureTick(ctx context.Context) {
	if overflow, underflow := e.captureRing.Counters(); overflow+underflow > 0 {
		e.metrics.AddCaptureDropped(overflow + underflow)
	}

	block, ok := e.captureRing.TryPop()
	if !ok {
		return
	}

	if e.aecEnabled.Load() {
		e.aecProc.Process(block.Samples)
		e.metrics.SetAECSuppressionDB(e.aecProc.LastStats().SuppressionDB)
	}
	if e.nsEnabled.Load() {
		e.nsProc.Process(block.Samples)
		e.metrics.SetNSReductionDB(e.nsProc.LastStats().ReductionDB)
	}

	e.metrics.SetInputLevel(rms(block.Samples))

	opusData, err := e.encoder.Encode(block.Samples)
	if err != nil {
		e.log.Error("engine: encode failed", "error", err)
		return
	}
	e.metrics.SetOpusBytesPerFrame(len(opusData))
	e.metrics.AddFrameOut()

	seq := e.captureSeq.Add(1) - 1
	nonce, ct, err := e.session.Seal(opusData, seq, block.TimestampMS)
	if err != nil {
		e.log.Error("engine: seal failed", "error", err)
		return
	}

	pkt := wire.ToAudioPacket(seq, block.TimestampMS, nonce, ct)
	data, err := marshalPacket(pkt)
	if err != nil {
		e.log.Error("engine: marshal packet failed", "error", err)
		return
	}
	if err := e.transport.Send(ctx, data); err != nil {
		e.log.Error("engine: send failed", "error", err)
	}
}

// renderTick drains available wire frames into the jitter buffer (with
// FEC-aware decode: a packet's in-band redundancy recovers a single
// packet lost just before it), then pops
// the next in-order block for playback. A jitter underrun is resolved
// with a pure-PLC decode, matching the teacher's silence-fill idiom but
// asking the decoder to extrapolate rather than emit true silence.
func (e *Engine) renderTick(ctx context.Context) {
	for {
		data, ok := e.transport.TryRecv()
		if !ok {
			break
		}
		e.ingestFrame(ctx, data)
	}

	stats := e.jbuf.Stats()
	e.metrics.SetJitterStats(stats.AverageDelay, stats.DelayJitterMS*stats.DelayJitterMS)

	block, ok := e.jbuf.Get()
	e.ticksSinceAdapt++
	if !ok {
		e.underrunTicks++
		e.metrics.AddPLCInvocation()
		samples, err := e.decoder.Decode(nil, nil)
		if err != nil {
			e.log.Error("engine: plc decode failed", "error", err)
			return
		}
		// Copied because it is pushed onto renderRing and read back by
		// the device render callback, which may run after the next
		// render tick's Decode call has reused the decoder's scratch.
		block = audioblock.Block{Samples: append([]float32(nil), samples...)}
	}

	if len(block.Samples) == 0 {
		block = audioblock.Silence(0, 0)
	}
	if overflow, underflow := e.renderRing.Counters(); overflow+underflow > 0 {
		e.metrics.AddPlaybackDropped(overflow + underflow)
	}
	e.renderRing.TryPush(block)
	e.aecProc.FeedFarEnd(block.Samples)

	e.maybeAdaptQuality()
}

// maybeAdaptQuality re-tunes the jitter target depth and Opus bitrate
// every qualityAdaptInterval, from the render tick's own underrun
// observations (internal/adapt's bitrate ladder and jitter-depth
// model).
func (e *Engine) maybeAdaptQuality() {
	now := time.Now()
	if e.lastQualityAdapt.IsZero() {
		e.lastQualityAdapt = now
		return
	}
	if now.Sub(e.lastQualityAdapt) < qualityAdaptInterval {
		return
	}

	rawLoss := 0.0
	if e.ticksSinceAdapt > 0 {
		rawLoss = float64(e.underrunTicks) / float64(e.ticksSinceAdapt)
	}
	e.smoothedLoss = adapt.SmoothLoss(e.smoothedLoss, rawLoss, 0.3)

	stats := e.jbuf.Stats()
	depth := adapt.TargetJitterDepth(stats.DelayJitterMS, e.smoothedLoss)
	e.jbuf.SetTargetSize(depth)
	e.metrics.SetJitterTarget(depth)

	// No round-trip measurement exists on this point-to-point link (no
	// ping/pong control op yet), so rttMs is always 0 — NextBitrate's
	// documented behaviour for that is to hold rather than step up,
	// which only ever lets quality drop in response to loss, never
	// optimistically climb without evidence of headroom.
	next := adapt.NextBitrate(e.currentBitrate, e.smoothedLoss, 0)
	if next != e.currentBitrate {
		if err := e.encoder.SetBitrate(next * 1000); err != nil {
			e.log.Warn("engine: adaptive bitrate change failed", "error", err)
		} else {
			e.currentBitrate = next
			e.metrics.SetBitrate(next)
		}
	}

	e.lastQualityAdapt = now
	e.ticksSinceAdapt = 0
	e.underrunTicks = 0
}

func (e *Engine) ingestFrame(ctx context.Context, data []byte) {
	typ, err := wire.PeekType(data)
	if err != nil {
		e.log.Warn("engine: malformed frame", "error", err)
		return
	}

	switch typ {
	case wire.TypeHandshakeAck:
		// Only meaningful mid-session when this side initiated a key
		// rotation (the initial handshake's own ack is consumed by
		// InitiateHandshake before Start, via awaitHandshakeMessage).
		if e.rotating.Load() {
			var msg wire.HandshakeMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				e.log.Warn("engine: malformed rotation ack", "error", err)
				return
			}
			e.completeKeyRotation(msg)
		}
		return
	case wire.TypeHandshake:
		// An unsolicited "hs" on an already-Established session is the
		// peer rotating its own keys; respond in kind.
		var msg wire.HandshakeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			e.log.Warn("engine: malformed rotation handshake", "error", err)
			return
		}
		e.respondToKeyRotation(ctx, msg)
		return
	case wire.TypeEncAudio:
	default:
		return
	}

	var pkt wire.AudioPacket
	if err := unmarshalPacket(data, &pkt); err != nil {
		e.log.Warn("engine: malformed audio packet", "error", err)
		return
	}

	if seqLess(pkt.Seq, e.nextOpenSeq) {
		// Already opened (or skipped) this seq; a duplicate arrival.
		return
	}
	e.pending[pkt.Seq] = pkt
	if len(e.pending) > maxPendingEnvelopes {
		// Sustained loss ahead of nextOpenSeq: skip to the oldest
		// buffered seq instead of waiting on one that will never come.
		min := pkt.Seq
		for seq := range e.pending {
			if seqLess(seq, min) {
				min = seq
			}
		}
		e.nextOpenSeq = min
	}

	for {
		next, ok := e.pending[e.nextOpenSeq]
		if !ok {
			return
		}
		delete(e.pending, e.nextOpenSeq)
		e.openAndDecode(next)
		e.nextOpenSeq++
	}
}

func seqLess(a, b uint32) bool { return int32(a-b) < 0 }

func (e *Engine) openAndDecode(pkt wire.AudioPacket) {
	plaintext, err := e.session.Open(pkt.Nonce, pkt.CT, pkt.Seq, pkt.TS, uint64(pkt.Seq))
	if err != nil {
		if errors.Is(err, session.ErrReplay) {
			e.log.Warn("engine: replayed frame dropped", "seq", pkt.Seq)
		} else {
			e.log.Warn("engine: open failed", "error", err)
		}
		return
	}

	e.metrics.AddFrameIn()
	samples, usedFEC := e.decodeWithFEC(pkt.Seq, plaintext)
	e.lastDecodedSeq = pkt.Seq
	e.haveLastDecoded = true

	if usedFEC {
		e.jbuf.Put(jitter.Packet{
			Seq:         pkt.Seq - 1,
			TimestampMS: pkt.TS,
			Block:       audioblock.Block{Samples: samples.fec, Seq: pkt.Seq - 1, TimestampMS: pkt.TS},
			Arrival:     time.Now(),
		})
	}
	e.jbuf.Put(jitter.Packet{
		Seq:         pkt.Seq,
		TimestampMS: pkt.TS,
		Block:       audioblock.Block{Samples: samples.current, Seq: pkt.Seq, TimestampMS: pkt.TS},
		Arrival:     time.Now(),
	})
}

type decodedPair struct {
	fec     []float32
	current []float32
}

// decodeWithFEC decodes the packet at seq, and — if exactly one packet
// was lost immediately before it — also recovers that one from this
// packet's in-band FEC redundancy before decoding seq itself normally.
func (e *Engine) decodeWithFEC(seq uint32, opusData []byte) (decodedPair, bool) {
	if e.haveLastDecoded && seq == e.lastDecodedSeq+2 {
		if recoveredScratch, err := e.decoder.Decode(nil, opusData); err == nil {
			// Decode's result aliases the decoder's scratch buffer and
			// would be overwritten by the next call below, so it must be
			// copied out before decoding the current packet.
			recovered := append([]float32(nil), recoveredScratch...)
			current, err2 := e.decoder.Decode(opusData, nil)
			if err2 == nil {
				return decodedPair{fec: recovered, current: append([]float32(nil), current...)}, true
			}
		}
	}
	current, err := e.decoder.Decode(opusData, nil)
	if err != nil {
		e.log.Error("engine: decode failed", "error", err)
		return decodedPair{}, false
	}
	// Copied because the block this feeds is queued on jbuf and may
	// outlive a later packet's Decode call in the same render tick.
	return decodedPair{current: append([]float32(nil), current...)}, false
}

func (e *Engine) applyCommands(ctx context.Context) {
	for _, cmd := range e.commands.Drain() {
		switch cmd.Kind {
		case control.KindAudio:
			switch cmd.AudioOp {
			case control.AudioSetMuted:
				e.metrics.SetMuted(cmd.BoolValue)
			case control.AudioSetBitrate:
				if err := e.encoder.SetBitrate(cmd.IntValue); err != nil {
					e.log.Warn("engine: set bitrate failed", "error", err)
				} else {
					e.currentBitrate = cmd.IntValue / 1000
					e.metrics.SetBitrate(e.currentBitrate)
				}
			case control.AudioSetComplexity:
				if err := e.encoder.SetComplexity(cmd.IntValue); err != nil {
					e.log.Warn("engine: set complexity failed", "error", err)
				}
			}
		case control.KindNetwork:
			switch cmd.NetworkOp {
			case control.NetworkResetJitter:
				e.jbuf.Reset()
			case control.NetworkSetJitterTarget:
				e.jbuf.SetTargetSize(cmd.IntValue)
				e.metrics.SetJitterTarget(cmd.IntValue)
			}
		case control.KindSecurity:
			switch cmd.SecurityOp {
			case control.SecurityRotateSession:
				if e.rotating.Load() {
					e.log.Warn("engine: rotate_session requested while a rotation is already in flight, ignoring")
					break
				}
				if err := e.beginKeyRotation(ctx); err != nil {
					e.log.Warn("engine: key rotation failed to start", "error", err)
				}
			case control.SecurityResetTrust:
				// TrustStore is intentionally add-only (spec.md §4.6's
				// TOFU model: a trusted identity is never removed), so
				// there is nothing to clear here — logged so a caller
				// expecting this to revoke a peer notices it didn't.
				e.log.Warn("engine: security_reset_trust requested but trust store is add-only, ignoring")
			}
		case control.KindConfig:
			if cmd.ConfigOp == control.ConfigReload {
				// No on-disk config file format exists for this engine
				// (engineconfig.Config is constructed and validated once,
				// at New); nothing to re-read from.
				e.log.Info("engine: config_reload requested, nothing to reload")
			}
		}
	}
}

func rms(samples []float32) float32 {
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	if len(samples) == 0 {
		return 0
	}
	return float32(math.Sqrt(sum / float64(len(samples))))
}

// ExpectedPeer records the peer's long-term identity before initiating
// a handshake, per session.Session.SetExpectedPeer's contract.
func (e *Engine) ExpectedPeer(peer ed25519.PublicKey) {
	e.session.SetExpectedPeer(peer)
}

// SetBitrate sets the Opus encoder's target bitrate in bits/sec,
// applied immediately rather than queued for the next capture tick.
// Part of spec.md §6's direct engine control surface; equivalent in
// effect to sending an AudioSetBitrate command through Commands().
func (e *Engine) SetBitrate(bitsPerSec int) error {
	if err := e.encoder.SetBitrate(bitsPerSec); err != nil {
		return err
	}
	e.currentBitrate = bitsPerSec / 1000
	e.metrics.SetBitrate(e.currentBitrate)
	return nil
}

// SetComplexity sets the Opus encoder's computational complexity
// (0-10), trading CPU for encoded quality.
func (e *Engine) SetComplexity(complexity int) error {
	return e.encoder.SetComplexity(complexity)
}

// SetNSStrength sets the noise-suppression strength (0-1).
func (e *Engine) SetNSStrength(strength float64) error {
	if strength < 0 || strength > 1 {
		return fmt.Errorf("engine: ns strength must be 0-1, got %v", strength)
	}
	e.nsProc.SetStrength(strength)
	return nil
}

// SetAECStrength sets the acoustic echo cancellation strength (0-1).
func (e *Engine) SetAECStrength(strength float64) error {
	if strength < 0 || strength > 1 {
		return fmt.Errorf("engine: aec strength must be 0-1, got %v", strength)
	}
	e.aecProc.SetStrength(strength)
	return nil
}

// RotateKeys discards the session's shared secret and frame counters
// and re-enters a fresh handshake (spec.md §4.6), by enqueueing the
// same SecurityRotateSession command the async control plane uses
// rather than driving the re-handshake inline from the caller's
// goroutine: beginKeyRotation's send happens on the capture tick, and
// the peer's ack is picked up by ingestFrame on the render tick, which
// already owns every transport read — so the rotation never needs a
// second goroutine competing with the render tick for tr.TryRecv.
// RotateKeys itself only enqueues; the rotation completes
// asynchronously once the peer's "hs_ack" arrives.
func (e *Engine) RotateKeys() error {
	return e.commands.Send(control.NewCommand(control.Command{
		Kind:       control.KindSecurity,
		SecurityOp: control.SecurityRotateSession,
	}))
}

// MetricsSnapshot returns a point-in-time read of the engine's metrics,
// equivalent to Metrics().Snapshot() under the literal name spec.md §6
// specifies.
func (e *Engine) MetricsSnapshot() control.Snapshot {
	return e.metrics.Snapshot()
}
