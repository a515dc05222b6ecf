// Package deviceio drives the portaudio capture/render streams at
// device cadence and hands fixed-size audioblock.Block values across
// SPSC rings to the engine's tick loop, grounded on the teacher's
// AudioEngine.Start/captureLoop/playbackLoop sequencing (client/audio.go).
package deviceio

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"humr/internal/audioblock"
	"humr/internal/rtsched"
)

// paStream abstracts *portaudio.Stream for testing, mirroring the
// teacher's own paStream interface.
type paStream interface {
	Start() error
	Stop() error
	Close() error
	Read() error
	Write() error
}

// Config selects input/output devices; -1 picks the system default.
type Config struct {
	InputDeviceID  int
	OutputDeviceID int
}

// Devices drives one capture stream and one render stream, pumping
// audioblock.Block values through the given rings at device cadence.
// CaptureRing is the producer side the capture callback writes to;
// RenderRing is the consumer side the render callback reads from.
type Devices struct {
	log *slog.Logger

	captureStream paStream
	renderStream  paStream
	captureBuf    []float32
	renderBuf     []float32

	// captureBlockPool holds captureRing's capacity plus one reusable
	// Samples backing arrays, cycled round-robin by captureLoop instead
	// of allocating a fresh block every device callback (spec.md §4.1/§5:
	// capture is a real-time audio thread and must be wait-free).
	captureBlockPool [][]float32
	capturePoolIdx   int

	captureRing *audioblock.RingBuffer[audioblock.Block]
	renderRing  *audioblock.RingBuffer[audioblock.Block]

	captureSeq atomic.Uint32
	renderSeq  atomic.Uint32

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu sync.Mutex
}

// New opens the capture and render streams at the engine's fixed
// cadence (audioblock.SampleRate/Channels/FrameSize) and wires them to
// the given rings. The streams are not started until Start is called.
func New(log *slog.Logger, cfg Config, captureRing, renderRing *audioblock.RingBuffer[audioblock.Block]) (*Devices, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("deviceio: enumerate devices: %w", err)
	}

	inputDev, err := resolveDevice(devices, cfg.InputDeviceID, portaudio.DefaultInputDevice)
	if err != nil {
		return nil, fmt.Errorf("deviceio: resolve input device: %w", err)
	}
	outputDev, err := resolveDevice(devices, cfg.OutputDeviceID, portaudio.DefaultOutputDevice)
	if err != nil {
		return nil, fmt.Errorf("deviceio: resolve output device: %w", err)
	}

	captureBuf := make([]float32, audioblock.SamplesTotal)
	captureParams := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   inputDev,
			Channels: audioblock.Channels,
			Latency:  inputDev.DefaultLowInputLatency,
		},
		SampleRate:      audioblock.SampleRate,
		FramesPerBuffer: audioblock.FrameSize,
	}
	captureStream, err := portaudio.OpenStream(captureParams, captureBuf)
	if err != nil {
		return nil, fmt.Errorf("deviceio: open capture stream: %w", err)
	}

	renderBuf := make([]float32, audioblock.SamplesTotal)
	renderParams := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   outputDev,
			Channels: audioblock.Channels,
			Latency:  outputDev.DefaultLowOutputLatency,
		},
		SampleRate:      audioblock.SampleRate,
		FramesPerBuffer: audioblock.FrameSize,
	}
	renderStream, err := portaudio.OpenStream(renderParams, renderBuf)
	if err != nil {
		captureStream.Close()
		return nil, fmt.Errorf("deviceio: open render stream: %w", err)
	}

	// One extra buffer beyond the ring's own capacity absorbs the case
	// where captureLoop has just written a new block but the consumer
	// hasn't popped the previous one out of the ring yet.
	pool := make([][]float32, captureRing.Cap()+1)
	for i := range pool {
		pool[i] = make([]float32, audioblock.SamplesTotal)
	}

	return &Devices{
		log:              log,
		captureStream:    captureStream,
		renderStream:     renderStream,
		captureBuf:       captureBuf,
		renderBuf:        renderBuf,
		captureBlockPool: pool,
		captureRing:      captureRing,
		renderRing:       renderRing,
	}, nil
}

func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}

// Start starts both streams and their pump goroutines.
func (d *Devices) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running.Load() {
		return nil
	}
	if err := d.captureStream.Start(); err != nil {
		return fmt.Errorf("deviceio: start capture: %w", err)
	}
	if err := d.renderStream.Start(); err != nil {
		d.captureStream.Stop()
		return fmt.Errorf("deviceio: start render: %w", err)
	}

	d.stopCh = make(chan struct{})
	d.running.Store(true)

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		runtime.LockOSThread()
		rtsched.RequestRealtime(d.log, rtsched.DefaultPriority)
		d.captureLoop()
	}()
	go func() {
		defer d.wg.Done()
		runtime.LockOSThread()
		rtsched.RequestRealtime(d.log, rtsched.DefaultPriority)
		d.renderLoop()
	}()
	return nil
}

// Stop halts both streams. Mirrors the teacher's Stop sequencing:
// Pa_StopStream first unblocks the goroutines' blocking Read/Write,
// then wg.Wait before Close so the native stream object outlives any
// goroutine that might still be touching it.
func (d *Devices) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	close(d.stopCh)

	d.mu.Lock()
	d.captureStream.Stop()
	d.renderStream.Stop()
	d.mu.Unlock()

	d.wg.Wait()

	d.mu.Lock()
	d.captureStream.Close()
	d.renderStream.Close()
	d.mu.Unlock()
}

func (d *Devices) captureLoop() {
	for d.running.Load() {
		if err := d.captureStream.Read(); err != nil {
			if d.running.Load() {
				d.log.Error("deviceio: capture read failed", "error", err)
			}
			return
		}
		dst := d.captureBlockPool[d.capturePoolIdx]
		copy(dst, d.captureBuf)
		d.capturePoolIdx = (d.capturePoolIdx + 1) % len(d.captureBlockPool)

		block := audioblock.Block{
			Samples:     dst,
			Seq:         d.captureSeq.Add(1) - 1,
			TimestampMS: nowMS(),
		}
		d.captureRing.TryPush(block)
	}
}

func (d *Devices) renderLoop() {
	for d.running.Load() {
		block, ok := d.renderRing.TryPop()
		if !ok {
			zeroFloat32(d.renderBuf)
		} else {
			copy(d.renderBuf, block.Samples)
		}
		if err := d.renderStream.Write(); err != nil {
			if d.running.Load() {
				d.log.Error("deviceio: render write failed", "error", err)
			}
			return
		}
		d.renderSeq.Add(1)
	}
}

func zeroFloat32(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}

func nowMS() uint64 {
	return uint64(time.Now().UnixMilli())
}
