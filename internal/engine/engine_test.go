package engine

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"humr/internal/audioblock"
	"humr/internal/control"
	"humr/internal/engineconfig"
	"humr/internal/jitter"
	"humr/internal/session"
	"humr/internal/transport"
	"humr/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// establishedSessionPair wires up two Sessions through a full
// handshake, independent of Engine.InitiateHandshake/AwaitHandshake,
// so the reorder-buffer tests below can seal packets directly without
// needing a live transport round trip.
func establishedSessionPair(t *testing.T) (initiator, responder *session.Session) {
	t.Helper()
	initID, err := session.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	respID, err := session.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}

	initiator = session.New(initID, session.NewTrustStore())
	responder = session.New(respID, session.NewTrustStore())
	initiator.SetExpectedPeer(respID.Public)

	init, err := initiator.InitiateHandshake(1000)
	if err != nil {
		t.Fatalf("InitiateHandshake: %v", err)
	}
	ack, err := responder.ProcessHandshake(init, 1000)
	if err != nil {
		t.Fatalf("ProcessHandshake: %v", err)
	}
	if err := initiator.ProcessHandshakeAck(ack, 1000); err != nil {
		t.Fatalf("ProcessHandshakeAck: %v", err)
	}
	return initiator, responder
}

func newTestEngine(t *testing.T, tr transport.Transport) *Engine {
	t.Helper()
	id, err := session.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	return newTestEngineWithIdentity(t, tr, id)
}

func newTestEngineWithIdentity(t *testing.T, tr transport.Transport, id session.Identity) *Engine {
	t.Helper()
	e, err := New(testLogger(), engineconfig.Default(), tr, id, session.NewTrustStore())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func sealedFrame(t *testing.T, sess *session.Session, seq uint32, ts uint64, payload []byte) []byte {
	t.Helper()
	nonce, ct, err := sess.Seal(payload, seq, ts)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	pkt := wire.ToAudioPacket(seq, ts, nonce, ct)
	data, err := marshalPacket(pkt)
	if err != nil {
		t.Fatalf("marshalPacket: %v", err)
	}
	return data
}

func TestIngestFrameDeliversInOrderDespiteWireReordering(t *testing.T) {
	ctx := context.Background()
	initiator, responder := establishedSessionPair(t)
	e := newTestEngine(t, transport.NewLoopback(8))
	e.session = responder

	f0 := sealedFrame(t, initiator, 0, 1000, []byte("frame-0"))
	f1 := sealedFrame(t, initiator, 1, 1020, []byte("frame-1"))
	f2 := sealedFrame(t, initiator, 2, 1040, []byte("frame-2"))

	// Arrives out of order at the wire: 1, 0, 2.
	e.ingestFrame(ctx, f1)
	e.ingestFrame(ctx, f0)
	e.ingestFrame(ctx, f2)

	for want := uint32(0); want < 3; want++ {
		block, ok := e.jbuf.Get()
		if !ok {
			t.Fatalf("jbuf.Get() seq %d: underrun, want a block", want)
		}
		if block.Seq != want {
			t.Fatalf("jbuf.Get() seq = %d, want %d", block.Seq, want)
		}
	}
	if _, ok := e.jbuf.Get(); ok {
		t.Fatal("expected no further blocks after 3 packets")
	}
}

func TestIngestFrameDropsDuplicateSeq(t *testing.T) {
	ctx := context.Background()
	initiator, responder := establishedSessionPair(t)
	e := newTestEngine(t, transport.NewLoopback(8))
	e.session = responder

	f0 := sealedFrame(t, initiator, 0, 1000, []byte("frame-0"))
	e.ingestFrame(ctx, f0)
	e.ingestFrame(ctx, f0) // duplicate arrival of the same wire seq

	block, ok := e.jbuf.Get()
	if !ok || block.Seq != 0 {
		t.Fatalf("expected one block with seq 0, got ok=%v block=%+v", ok, block)
	}
	if _, ok := e.jbuf.Get(); ok {
		t.Fatal("duplicate packet should not have produced a second block")
	}
}

func TestIngestFrameSkipsAheadAfterSustainedGap(t *testing.T) {
	ctx := context.Background()
	initiator, responder := establishedSessionPair(t)
	e := newTestEngine(t, transport.NewLoopback(8))
	e.session = responder

	// seq 0 arrives and is consumed immediately, advancing nextOpenSeq
	// to 1. seq 1 is lost forever; seq 2..66 (65 packets, one more than
	// maxPendingEnvelopes) arrive and pile up in e.pending because
	// nextOpenSeq is stuck waiting on the lost seq 1.
	e.ingestFrame(ctx, sealedFrame(t, initiator, 0, 1000, []byte("frame-0")))
	for seq := uint32(2); seq <= 2+maxPendingEnvelopes; seq++ {
		e.ingestFrame(ctx, sealedFrame(t, initiator, seq, uint64(1000+20*seq), []byte("frame")))
	}

	block, ok := e.jbuf.Get()
	if !ok {
		t.Fatal("expected a block after the skip-ahead, got underrun")
	}
	if block.Seq != 0 {
		t.Fatalf("first played block seq = %d, want 0", block.Seq)
	}
	block, ok = e.jbuf.Get()
	if !ok || block.Seq != 2 {
		t.Fatalf("expected skip-ahead to land on seq 2, got ok=%v seq=%d", ok, block.Seq)
	}
	for want := uint32(3); want <= 2+maxPendingEnvelopes; want++ {
		block, ok := e.jbuf.Get()
		if !ok || block.Seq != want {
			t.Fatalf("jbuf.Get() = (ok=%v, seq=%d), want seq %d", ok, block.Seq, want)
		}
	}
}

func TestEngineRecoversLostPacketViaFEC(t *testing.T) {
	ctx := context.Background()
	initiator, responder := establishedSessionPair(t)
	e := newTestEngine(t, transport.NewLoopback(8))
	e.session = responder

	block0 := audioblock.Silence(0, 1000)
	opus0, err := e.encoder.Encode(block0.Samples)
	if err != nil {
		t.Fatalf("Encode block0: %v", err)
	}
	opus0 = append([]byte(nil), opus0...)

	block2 := audioblock.New()
	for i := range block2.Samples {
		block2.Samples[i] = 0.25
	}
	opus2, err := e.encoder.Encode(block2.Samples)
	if err != nil {
		t.Fatalf("Encode block2: %v", err)
	}
	opus2 = append([]byte(nil), opus2...)

	// seq 1 is never sent on the wire at all; its audio should be
	// recovered from seq 2's in-band FEC redundancy.
	e.ingestFrame(ctx, sealedFrame(t, initiator, 0, 1000, opus0))
	e.ingestFrame(ctx, sealedFrame(t, initiator, 2, 1040, opus2))

	b0, ok := e.jbuf.Get()
	if !ok || b0.Seq != 0 {
		t.Fatalf("expected seq 0 first, got ok=%v seq=%d", ok, b0.Seq)
	}
	b1, ok := e.jbuf.Get()
	if !ok || b1.Seq != 1 {
		t.Fatalf("expected FEC-recovered seq 1, got ok=%v seq=%d", ok, b1.Seq)
	}
	b2, ok := e.jbuf.Get()
	if !ok || b2.Seq != 2 {
		t.Fatalf("expected seq 2, got ok=%v seq=%d", ok, b2.Seq)
	}
}

func TestApplyCommandsMutesAndRetunesBitrate(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, transport.NewLoopback(8))

	if err := e.commands.Send(control.NewCommand(control.Command{
		Kind:      control.KindAudio,
		AudioOp:   control.AudioSetMuted,
		BoolValue: true,
	})); err != nil {
		t.Fatalf("Send mute: %v", err)
	}
	if err := e.commands.Send(control.NewCommand(control.Command{
		Kind:     control.KindAudio,
		AudioOp:  control.AudioSetBitrate,
		IntValue: 24000,
	})); err != nil {
		t.Fatalf("Send bitrate: %v", err)
	}

	e.applyCommands(ctx)

	snap := e.metrics.Snapshot()
	if !snap.Muted {
		t.Fatal("expected Muted=true after AudioSetMuted command")
	}
	if snap.CurrentBitrate != 24 {
		t.Fatalf("CurrentBitrate = %d, want 24 (kbps)", snap.CurrentBitrate)
	}
}

func TestApplyCommandsResetsJitterBuffer(t *testing.T) {
	ctx := context.Background()
	initiator, responder := establishedSessionPair(t)
	e := newTestEngine(t, transport.NewLoopback(8))
	e.session = responder

	e.ingestFrame(ctx, sealedFrame(t, initiator, 0, 1000, []byte("frame-0")))
	if stats := e.jbuf.Stats(); stats.CurrentSize == 0 {
		t.Fatal("expected the jitter buffer to hold the ingested packet before reset")
	}

	if err := e.commands.Send(control.NewCommand(control.Command{
		Kind:      control.KindNetwork,
		NetworkOp: control.NetworkResetJitter,
	})); err != nil {
		t.Fatalf("Send reset: %v", err)
	}
	e.applyCommands(ctx)

	if stats := e.jbuf.Stats(); stats.CurrentSize != 0 {
		t.Fatalf("CurrentSize after reset = %d, want 0", stats.CurrentSize)
	}
}

func TestApplyCommandsSetsJitterTargetOverride(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, transport.NewLoopback(8))

	if err := e.commands.Send(control.NewCommand(control.Command{
		Kind:      control.KindNetwork,
		NetworkOp: control.NetworkSetJitterTarget,
		IntValue:  7,
	})); err != nil {
		t.Fatalf("Send: %v", err)
	}
	e.applyCommands(ctx)

	if stats := e.jbuf.Stats(); stats.TargetSize != 7 {
		t.Fatalf("jitter TargetSize = %d, want 7", stats.TargetSize)
	}
	if snap := e.metrics.Snapshot(); snap.JitterTarget != 7 {
		t.Fatalf("metrics JitterTarget = %d, want 7", snap.JitterTarget)
	}
}

func TestMaybeAdaptQualityStepsBitrateDownUnderSustainedLoss(t *testing.T) {
	e := newTestEngine(t, transport.NewLoopback(8))
	e.currentBitrate = 32
	e.metrics.SetBitrate(32)

	// Simulate a window with no successful jitter-buffer reads at all
	// (100% underrun) and force the adaptation check to fire by backdating
	// lastQualityAdapt past qualityAdaptInterval.
	e.ticksSinceAdapt = 100
	e.underrunTicks = 100
	e.lastQualityAdapt = time.Now().Add(-2 * qualityAdaptInterval)

	e.maybeAdaptQuality()

	if e.currentBitrate >= 32 {
		t.Fatalf("currentBitrate = %d, want a step down from 32 under 100%% loss", e.currentBitrate)
	}
	if snap := e.metrics.Snapshot(); snap.CurrentBitrate != e.currentBitrate {
		t.Fatalf("metrics CurrentBitrate = %d, want %d", snap.CurrentBitrate, e.currentBitrate)
	}
}

func TestCaptureTickThenRenderTickRoundTrip(t *testing.T) {
	initID, err := session.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	respID, err := session.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}

	aTr, bTr := transport.PairedLoopback(8)
	sender := newTestEngineWithIdentity(t, aTr, initID)
	receiver := newTestEngineWithIdentity(t, bTr, respID)

	// The responder learns the initiator's identity from the signed
	// handshake message itself; only the initiator needs to pin the
	// expected peer up front (session.Session.SetExpectedPeer).
	sender.ExpectedPeer(respID.Public)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- receiver.AwaitHandshake(ctx, bTr) }()
	go func() { errCh <- sender.InitiateHandshake(ctx, aTr, 2000) }()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("handshake: %v", err)
		}
	}

	block := audioblock.New()
	for i := range block.Samples {
		block.Samples[i] = 0.1
	}
	block.TimestampMS = 5000
	sender.captureRing.TryPush(block)

	sender.captureTick(ctx)
	receiver.renderTick(ctx)

	out, ok := receiver.renderRing.TryPop()
	if !ok {
		t.Fatal("expected a rendered block after one capture/render tick pair")
	}
	if len(out.Samples) == 0 {
		t.Fatal("expected non-empty rendered samples")
	}
}

func TestEngineSetBitrateUpdatesMetrics(t *testing.T) {
	e := newTestEngine(t, transport.NewLoopback(8))

	if err := e.SetBitrate(24000); err != nil {
		t.Fatalf("SetBitrate: %v", err)
	}
	if e.currentBitrate != 24 {
		t.Fatalf("currentBitrate = %d, want 24", e.currentBitrate)
	}
	if snap := e.MetricsSnapshot(); snap.CurrentBitrate != 24 {
		t.Fatalf("MetricsSnapshot CurrentBitrate = %d, want 24", snap.CurrentBitrate)
	}
}

func TestEngineSetComplexityRejectsOutOfRange(t *testing.T) {
	e := newTestEngine(t, transport.NewLoopback(8))

	if err := e.SetComplexity(11); err == nil {
		t.Fatal("expected error for complexity > 10")
	}
	if err := e.SetComplexity(7); err != nil {
		t.Fatalf("SetComplexity(7): %v", err)
	}
}

func TestEngineSetNSAndAECStrengthRejectOutOfRange(t *testing.T) {
	e := newTestEngine(t, transport.NewLoopback(8))

	if err := e.SetNSStrength(1.5); err == nil {
		t.Fatal("expected error for ns strength > 1")
	}
	if err := e.SetNSStrength(0.5); err != nil {
		t.Fatalf("SetNSStrength(0.5): %v", err)
	}
	if err := e.SetAECStrength(-0.1); err == nil {
		t.Fatal("expected error for negative aec strength")
	}
	if err := e.SetAECStrength(0.5); err != nil {
		t.Fatalf("SetAECStrength(0.5): %v", err)
	}
}

func TestEngineRotateKeysBeginsRehandshake(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, transport.NewLoopback(8))

	if err := e.RotateKeys(); err != nil {
		t.Fatalf("RotateKeys: %v", err)
	}
	e.applyCommands(ctx)

	if e.session.State() != session.StateHandshakeInFlight {
		t.Fatalf("session state = %v, want HandshakeInFlight", e.session.State())
	}
	if !e.rotating.Load() {
		t.Fatal("expected rotating to be true once the rotation handshake has been sent")
	}
}

func TestEngineRotateKeysSecondCallWhileInFlightIsIgnored(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, transport.NewLoopback(8))

	if err := e.RotateKeys(); err != nil {
		t.Fatalf("RotateKeys: %v", err)
	}
	e.applyCommands(ctx)
	if err := e.RotateKeys(); err != nil {
		t.Fatalf("RotateKeys (second): %v", err)
	}
	e.applyCommands(ctx) // must not panic or re-enter InitiateHandshake mid-flight
}

// TestEngineRotateKeysCompletesAndRederivesKey drives a full rotation
// round trip between two paired engines: the initiator enqueues
// RotateKeys, the render ticks on both sides carry the "hs"/"hs_ack"
// exchange (ingestFrame, not the out-of-band Await*/Initiate* helpers),
// and audio sealed after the rotation still opens correctly on the
// other side, proving both sessions derived the same fresh key.
func TestEngineRotateKeysCompletesAndRederivesKey(t *testing.T) {
	initID, err := session.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	respID, err := session.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}

	aTr, bTr := transport.PairedLoopback(8)
	sender := newTestEngineWithIdentity(t, aTr, initID)
	receiver := newTestEngineWithIdentity(t, bTr, respID)
	sender.ExpectedPeer(respID.Public)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- receiver.AwaitHandshake(ctx, bTr) }()
	go func() { errCh <- sender.InitiateHandshake(ctx, aTr, 2000) }()
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("handshake: %v", err)
		}
	}

	if err := sender.RotateKeys(); err != nil {
		t.Fatalf("RotateKeys: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		sender.applyCommands(ctx)
		sender.renderTick(ctx)
		receiver.renderTick(ctx)
		if !sender.rotating.Load() && sender.session.State() == session.StateEstablished {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("key rotation round trip did not complete in time")
		}
	}

	if snap := sender.MetricsSnapshot(); snap.SessionResets != 1 {
		t.Fatalf("sender SessionResets = %d, want 1", snap.SessionResets)
	}
	if snap := receiver.MetricsSnapshot(); snap.SessionResets != 1 {
		t.Fatalf("receiver SessionResets = %d, want 1", snap.SessionResets)
	}
	if receiver.session.State() != session.StateEstablished {
		t.Fatalf("receiver session state = %v, want Established", receiver.session.State())
	}

	// A block sealed after rotation under the sender's new key must
	// still open cleanly under the receiver's independently-derived
	// new key.
	block := audioblock.New()
	for i := range block.Samples {
		block.Samples[i] = 0.2
	}
	block.TimestampMS = 9000
	sender.captureRing.TryPush(block)
	sender.captureTick(ctx)
	receiver.renderTick(ctx)

	out, ok := receiver.renderRing.TryPop()
	if !ok {
		t.Fatal("expected a rendered block after post-rotation capture/render tick")
	}
	if len(out.Samples) == 0 {
		t.Fatal("expected non-empty rendered samples after rotation")
	}
}

func TestApplyCommandsSetsComplexity(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, transport.NewLoopback(8))

	if err := e.commands.Send(control.NewCommand(control.Command{
		Kind:     control.KindAudio,
		AudioOp:  control.AudioSetComplexity,
		IntValue: 2,
	})); err != nil {
		t.Fatalf("Send: %v", err)
	}
	e.applyCommands(ctx) // should not panic or log an error for a valid complexity
}

// The following tests exercise the six literal end-to-end scenarios
// named in spec.md §8, each pinned to the parameters the spec calls
// out (block counts, sequence numbers, reorder pattern) rather than an
// approximate stand-in; the jitter-spike test documents its one
// deviation.

func TestEndToEndSilenceLoopback(t *testing.T) {
	initID, err := session.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	respID, err := session.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}

	aTr, bTr := transport.PairedLoopback(8)
	sender := newTestEngineWithIdentity(t, aTr, initID)
	receiver := newTestEngineWithIdentity(t, bTr, respID)
	sender.ExpectedPeer(respID.Public)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- receiver.AwaitHandshake(ctx, bTr) }()
	go func() { errCh <- sender.InitiateHandshake(ctx, aTr, 2000) }()
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("handshake: %v", err)
		}
	}

	const nBlocks = 50
	var got []uint32
	for i := 0; i < nBlocks; i++ {
		block := audioblock.Silence(0, uint64(1000+20*i))
		sender.captureRing.TryPush(block)
		sender.captureTick(ctx)
		receiver.renderTick(ctx)
		if rb, ok := receiver.renderRing.TryPop(); ok {
			got = append(got, rb.Seq)
		}
	}

	if len(got) != nBlocks {
		t.Fatalf("decoded %d blocks, want %d", len(got), nBlocks)
	}
	for i, seq := range got {
		if seq != uint32(i) {
			t.Fatalf("decoded block[%d] seq = %d, want %d", i, seq, i)
		}
	}
	if sender.captureSeq.Load() != nBlocks {
		t.Fatalf("sender captureSeq = %d, want %d sealed packets sent", sender.captureSeq.Load(), nBlocks)
	}
	if stats := receiver.jbuf.Stats(); stats.Underruns != 0 {
		t.Fatalf("jitter underruns = %d, want 0", stats.Underruns)
	}
	if snap := receiver.MetricsSnapshot(); snap.PlaybackDropped != 0 {
		t.Fatalf("render ring drops = %d, want 0", snap.PlaybackDropped)
	}
}

func TestEndToEndReorderLiteralPattern(t *testing.T) {
	ctx := context.Background()
	initiator, responder := establishedSessionPair(t)
	e := newTestEngine(t, transport.NewLoopback(8))
	e.session = responder

	frames := make([][]byte, 5)
	for seq := uint32(0); seq < 5; seq++ {
		frames[seq] = sealedFrame(t, initiator, seq, uint64(1000+20*seq), []byte("frame"))
	}

	for _, seq := range []int{2, 0, 3, 1, 4} {
		e.ingestFrame(ctx, frames[seq])
	}

	for want := uint32(0); want < 5; want++ {
		block, ok := e.jbuf.Get()
		if !ok || block.Seq != want {
			t.Fatalf("jbuf.Get() seq %d: got ok=%v seq=%d", want, ok, block.Seq)
		}
	}
	if stats := e.jbuf.Stats(); stats.LatePackets != 0 || stats.Duplicates != 0 {
		t.Fatalf("expected no late drops/duplicates, got late=%d duplicates=%d", stats.LatePackets, stats.Duplicates)
	}
}

func TestEndToEndDuplicateReplaySeq7(t *testing.T) {
	ctx := context.Background()
	initiator, responder := establishedSessionPair(t)
	e := newTestEngine(t, transport.NewLoopback(8))
	e.session = responder

	for seq := uint32(0); seq <= 7; seq++ {
		e.ingestFrame(ctx, sealedFrame(t, initiator, seq, uint64(1000+20*seq), []byte("frame")))
	}
	// seq 7 arrives a second time (duplicate/replay).
	e.ingestFrame(ctx, sealedFrame(t, initiator, 7, uint64(1000+20*7), []byte("frame")))

	var seq7Count int
	for want := uint32(0); want <= 7; want++ {
		block, ok := e.jbuf.Get()
		if !ok {
			t.Fatalf("jbuf.Get() seq %d: underrun", want)
		}
		if block.Seq == 7 {
			seq7Count++
		}
	}
	if _, ok := e.jbuf.Get(); ok {
		t.Fatal("expected no further blocks after the duplicate")
	}
	if seq7Count != 1 {
		t.Fatalf("decoded blocks for seq 7 = %d, want exactly 1", seq7Count)
	}
}

func TestEndToEndHandshakeThenAudioSNR(t *testing.T) {
	initID, err := session.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	respID, err := session.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}

	aTr, bTr := transport.PairedLoopback(8)
	sender := newTestEngineWithIdentity(t, aTr, initID)
	receiver := newTestEngineWithIdentity(t, bTr, respID)
	sender.ExpectedPeer(respID.Public)

	// Isolate the Opus/crypto/jitter transport path from the DSP chain:
	// NS's adaptive noise estimate would otherwise classify a sustained
	// pure tone as noise-like over several blocks and attenuate it.
	sender.aecEnabled.Store(false)
	sender.nsEnabled.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- receiver.AwaitHandshake(ctx, bTr) }()
	go func() { errCh <- sender.InitiateHandshake(ctx, aTr, 2000) }()
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("handshake: %v", err)
		}
	}

	const (
		nBlocks    = 10
		toneHz     = 1000.0
		sampleRate = 48000.0
	)
	phase := 0.0
	var sentBlocks [][]float32
	var gotBlocks [][]float32
	for i := 0; i < nBlocks; i++ {
		block := audioblock.New()
		for s := 0; s < audioblock.FrameSize; s++ {
			v := float32(0.5 * math.Sin(phase))
			phase += 2 * math.Pi * toneHz / sampleRate
			block.Samples[2*s] = v
			block.Samples[2*s+1] = v
		}
		sentBlocks = append(sentBlocks, append([]float32(nil), block.Samples...))
		block.TimestampMS = uint64(1000 + 20*i)
		sender.captureRing.TryPush(block)
		sender.captureTick(ctx)
		receiver.renderTick(ctx)
		if rb, ok := receiver.renderRing.TryPop(); ok {
			gotBlocks = append(gotBlocks, rb.Samples)
		}
	}

	if len(gotBlocks) != nBlocks {
		t.Fatalf("decoded %d blocks, want %d", len(gotBlocks), nBlocks)
	}

	var signalPower, noisePower float64
	for i, got := range gotBlocks {
		want := sentBlocks[i]
		for j := range want {
			signalPower += float64(want[j]) * float64(want[j])
			diff := float64(want[j]) - float64(got[j])
			noisePower += diff * diff
		}
	}
	if noisePower == 0 {
		t.Fatal("expected some codec quantization noise, got exact match (suspicious)")
	}
	snr := 10 * math.Log10(signalPower/noisePower)
	if snr <= 20 {
		t.Fatalf("SNR = %.1f dB, want > 20 dB", snr)
	}
}

func TestEndToEndTamperedCiphertextTriggersPLCThenContinues(t *testing.T) {
	ctx := context.Background()
	initiator, responder := establishedSessionPair(t)
	e := newTestEngine(t, transport.NewLoopback(8))
	e.session = responder

	nonce, ct, err := initiator.Seal([]byte("frame-0"), 0, 1000)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	tamperedCT := append([]byte(nil), ct...)
	tamperedCT[0] ^= 0xFF
	pkt := wire.ToAudioPacket(0, 1000, nonce, tamperedCT)
	data, err := marshalPacket(pkt)
	if err != nil {
		t.Fatalf("marshalPacket: %v", err)
	}

	e.ingestFrame(ctx, data)

	// The tampered frame never reached jbuf; the next render tick finds
	// nothing ready and falls back to PLC.
	e.renderTick(ctx)
	if snap := e.metrics.Snapshot(); snap.PLCInvocations != 1 {
		t.Fatalf("PLCInvocations = %d, want 1", snap.PLCInvocations)
	}

	// Stream continues: the next genuine frame still opens and decodes.
	e.ingestFrame(ctx, sealedFrame(t, initiator, 1, 1020, []byte("frame-1")))
	block, ok := e.jbuf.Get()
	if !ok || block.Seq != 1 {
		t.Fatalf("expected seq 1 to decode after the tampered frame, got ok=%v seq=%d", ok, block.Seq)
	}
}

// TestEndToEndJitterSpikeGrowsTargetDepth exercises spec.md §8's jitter-
// adaptation scenario directly against jitter.Buffer. It deviates from
// the spec's literal 80 ms spike magnitude: jitter.go's growth threshold
// compares a standard deviation against 50, and a strictly binary {0, d}
// delay pattern has a maximum achievable standard deviation of d/2 (at a
// 50/50 duty cycle), so an 80 ms spike can reach at most 40 ms stddev and
// can never cross the threshold under any alternation. 120 ms reaches
// 60 ms stddev at 50/50, comfortably over 50 while staying well under
// jitter.go's own 150 ms late-packet cutoff. See DESIGN.md.
func TestEndToEndJitterSpikeGrowsTargetDepth(t *testing.T) {
	buf := jitter.NewWithBounds(jitter.DefaultTarget, jitter.DefaultMin, jitter.DefaultMax)

	put := func(seq uint32, delay time.Duration) {
		buf.Put(jitter.Packet{
			Seq:         seq,
			TimestampMS: uint64(seq) * 20,
			Block:       audioblock.Silence(seq, uint64(seq)*20),
			Arrival:     time.Now().Add(-delay),
		})
	}

	// The very first Put always runs adaptTargetSize immediately (lastAdapt
	// starts zero); with a single zero-variance sample it shrinks the
	// target by one. Absorb that before measuring the spike's effect.
	put(0, 0)
	buf.Get()
	baseline := buf.Stats().TargetSize

	const spikeDelay = 120 * time.Millisecond
	for seq := uint32(1); seq <= 9; seq++ {
		delay := time.Duration(0)
		if seq%2 == 1 {
			delay = spikeDelay
		}
		put(seq, delay)
		if _, ok := buf.Get(); !ok {
			t.Fatalf("unexpected underrun at seq %d", seq)
		}
	}
	if stats := buf.Stats(); stats.Underruns != 0 {
		t.Fatalf("underruns = %d, want 0 before the real-time adaptation gate", stats.Underruns)
	}

	// adaptTargetSize only re-evaluates once per real 2 s interval; every
	// Put above landed inside the window opened by the first Put.
	time.Sleep(2100 * time.Millisecond)

	put(10, spikeDelay)
	buf.Get()

	stats := buf.Stats()
	if stats.TargetSize < baseline+2 {
		t.Fatalf("target size = %d, want >= %d after a sustained 120 ms jitter spike", stats.TargetSize, baseline+2)
	}
	if stats.Underruns != 0 {
		t.Fatalf("underruns = %d, want 0", stats.Underruns)
	}
}

func TestApplyCommandsIgnoresResetTrustAndConfigReload(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, transport.NewLoopback(8))

	if err := e.commands.Send(control.NewCommand(control.Command{
		Kind:       control.KindSecurity,
		SecurityOp: control.SecurityResetTrust,
	})); err != nil {
		t.Fatalf("Send reset trust: %v", err)
	}
	if err := e.commands.Send(control.NewCommand(control.Command{
		Kind:     control.KindConfig,
		ConfigOp: control.ConfigReload,
	})); err != nil {
		t.Fatalf("Send config reload: %v", err)
	}
	e.applyCommands(ctx) // both are documented no-ops; must not panic
}
