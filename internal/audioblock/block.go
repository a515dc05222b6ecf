// Package audioblock defines the fixed-size audio unit the rest of the
// engine operates on, and a generic single-producer/single-consumer ring
// buffer used to move blocks between the audio device plane and the
// engine worker without locks or allocation.
package audioblock

const (
	// SampleRate is the engine-wide sample rate in Hz.
	SampleRate = 48000
	// Channels is the number of interleaved channels per block.
	Channels = 2
	// FrameSize is the number of samples PER CHANNEL in one block (20 ms
	// at 48 kHz). Every API in this module that says "frame size" or
	// "N" means this value, never samples-total.
	FrameSize = 960
	// SamplesTotal is the length of Block.Samples: FrameSize * Channels.
	SamplesTotal = FrameSize * Channels
)

// Block is exactly 20 ms of interleaved float32 PCM audio: Samples has
// len == SamplesTotal (samples-total, NOT samples-per-channel — see
// SPEC_FULL.md §5 for the convention this module fixes). A Block is
// created once by a capture callback or a decoder, consumed once by the
// next stage, and never shared mutably across goroutines: ownership
// passes with the value every time a Block crosses a RingBuffer.
type Block struct {
	Samples     []float32
	Seq         uint32
	TimestampMS uint64
}

// New allocates a zeroed Block with a freshly-sized Samples slice.
func New() Block {
	return Block{Samples: make([]float32, SamplesTotal)}
}

// Silence returns a Block of SamplesTotal zero samples tagged with seq
// and ts. Used by the render path to fill gaps (underrun, PLC failure).
func Silence(seq uint32, ts uint64) Block {
	return Block{Samples: make([]float32, SamplesTotal), Seq: seq, TimestampMS: ts}
}
