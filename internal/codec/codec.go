// Package codec wraps Opus encode/decode for the engine's 20 ms PCM
// blocks. Encoding converts float32 samples to int16 before handing
// them to libopus; decoding does the reverse, preferring in-band FEC
// recovery over plain packet-loss concealment when the current packet
// is missing but the next one carries FEC data for it.
package codec

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

const (
	// MaxPacketBytes is the maximum size of one encoded Opus packet
	// (RFC 6716's payload bound rounded up, matching the reference
	// encoder's pre-allocated buffer size).
	MaxPacketBytes = 4000

	minBitrate = 6000
	maxBitrate = 510000

	maxComplexity = 10
)

// Application selects the Opus encoder's signal-type tuning.
type Application int

const (
	AppVoIP Application = iota
	AppAudio
	AppLowDelay
)

func (a Application) toOpus() int {
	switch a {
	case AppAudio:
		return opus.AppAudio
	case AppLowDelay:
		return opus.AppRestrictedLowdelay
	default:
		return opus.AppVoIP
	}
}

// Config controls codec construction. The engine fills sample rate,
// channel count, and frame size from its audio block format and sets
// the encoder's quality/robustness knobs from its own config; validate
// only range-checks the format fields.
type Config struct {
	SampleRate  int
	Channels    int
	FrameSize   int // samples per channel
	Application Application
	Bitrate     int
	Complexity  int
	FEC         bool
	DTX         bool
	PacketLoss  int // expected loss percentage, 0-100
}

// DefaultConfig returns the engine's default Opus tuning for the given
// sample rate, channel count and frame size: VoIP application, 32 kbps,
// complexity 5, FEC on, DTX off, 5% expected loss.
func DefaultConfig(sampleRate, channels, frameSize int) Config {
	return Config{
		SampleRate:  sampleRate,
		Channels:    channels,
		FrameSize:   frameSize,
		Application: AppVoIP,
		Bitrate:     32000,
		Complexity:  5,
		FEC:         true,
		DTX:         false,
		PacketLoss:  5,
	}
}

// Validate checks cfg's fields without constructing a live encoder or
// decoder, so callers can fail fast on bad parameters before touching
// libopus.
func (c Config) Validate() error {
	return c.validate()
}

func (c Config) validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("codec: sample rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("codec: channels must be 1 or 2, got %d", c.Channels)
	}
	if c.FrameSize <= 0 {
		return fmt.Errorf("codec: frame size must be positive, got %d", c.FrameSize)
	}
	if c.Bitrate < minBitrate || c.Bitrate > maxBitrate {
		return fmt.Errorf("codec: bitrate must be between %d and %d, got %d", minBitrate, maxBitrate, c.Bitrate)
	}
	if c.Complexity < 0 || c.Complexity > maxComplexity {
		return fmt.Errorf("codec: complexity must be 0-%d, got %d", maxComplexity, c.Complexity)
	}
	if c.PacketLoss < 0 || c.PacketLoss > 100 {
		return fmt.Errorf("codec: packet loss percentage must be 0-100, got %d", c.PacketLoss)
	}
	return nil
}

// opusEncoder abstracts *opus.Encoder for testing.
type opusEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
	SetBitrate(bitrate int) error
	SetComplexity(complexity int) error
	SetDTX(dtx bool) error
	SetInBandFEC(fec bool) error
	SetPacketLossPerc(lossPerc int) error
}

// opusDecoder abstracts *opus.Decoder for testing.
type opusDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
	DecodeFEC(data []byte, pcm []int16) error
}

// Encoder converts PCM float32 blocks to Opus packets.
type Encoder struct {
	cfg    Config
	enc    opusEncoder
	pcm    []int16
	outBuf []byte
}

// NewEncoder constructs an Encoder from cfg, validating it first.
func NewEncoder(cfg Config) (*Encoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	enc, err := opus.NewEncoder(cfg.SampleRate, cfg.Channels, cfg.Application.toOpus())
	if err != nil {
		return nil, fmt.Errorf("codec: create encoder: %w", err)
	}
	if err := enc.SetBitrate(cfg.Bitrate); err != nil {
		return nil, fmt.Errorf("codec: set bitrate: %w", err)
	}
	if err := enc.SetComplexity(cfg.Complexity); err != nil {
		return nil, fmt.Errorf("codec: set complexity: %w", err)
	}
	if err := enc.SetDTX(cfg.DTX); err != nil {
		return nil, fmt.Errorf("codec: set dtx: %w", err)
	}
	if err := enc.SetInBandFEC(cfg.FEC); err != nil {
		return nil, fmt.Errorf("codec: set fec: %w", err)
	}
	if err := enc.SetPacketLossPerc(cfg.PacketLoss); err != nil {
		return nil, fmt.Errorf("codec: set packet loss: %w", err)
	}
	return &Encoder{
		cfg:    cfg,
		enc:    enc,
		pcm:    make([]int16, cfg.FrameSize*cfg.Channels),
		outBuf: make([]byte, MaxPacketBytes),
	}, nil
}

// SetBitrate changes the target bitrate (bits/sec) on the fly.
func (e *Encoder) SetBitrate(bitrate int) error {
	if bitrate < minBitrate || bitrate > maxBitrate {
		return fmt.Errorf("codec: bitrate must be between %d and %d, got %d", minBitrate, maxBitrate, bitrate)
	}
	return e.enc.SetBitrate(bitrate)
}

// SetComplexity changes the encoder's computational-complexity /
// quality tradeoff (0-10, higher spends more CPU for better quality).
func (e *Encoder) SetComplexity(complexity int) error {
	if complexity < 0 || complexity > maxComplexity {
		return fmt.Errorf("codec: complexity must be 0-%d, got %d", maxComplexity, complexity)
	}
	return e.enc.SetComplexity(complexity)
}

// SetPacketLossPerc updates the encoder's expected-loss hint used to
// tune in-band FEC redundancy.
func (e *Encoder) SetPacketLossPerc(lossPerc int) error {
	if lossPerc < 0 || lossPerc > 100 {
		return fmt.Errorf("codec: packet loss percentage must be 0-100, got %d", lossPerc)
	}
	return e.enc.SetPacketLossPerc(lossPerc)
}

// Encode converts a float32 PCM block (interleaved, samples-total) to
// an Opus packet. The returned slice is only valid until the next call
// to Encode.
func (e *Encoder) Encode(frame []float32) ([]byte, error) {
	if len(frame) != len(e.pcm) {
		return nil, fmt.Errorf("codec: encode expected %d samples, got %d", len(e.pcm), len(frame))
	}
	for i, s := range frame {
		e.pcm[i] = floatToInt16(s)
	}
	n, err := e.enc.Encode(e.pcm, e.outBuf)
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	return e.outBuf[:n], nil
}

// Decoder converts Opus packets back to PCM float32 blocks, applying
// FEC recovery or packet-loss concealment when a packet is missing.
type Decoder struct {
	cfg Config
	dec opusDecoder
	pcm []int16
	out []float32
}

// NewDecoder constructs a Decoder from cfg, validating it first.
func NewDecoder(cfg Config) (*Decoder, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	dec, err := opus.NewDecoder(cfg.SampleRate, cfg.Channels)
	if err != nil {
		return nil, fmt.Errorf("codec: create decoder: %w", err)
	}
	return &Decoder{
		cfg: cfg,
		dec: dec,
		pcm: make([]int16, cfg.FrameSize*cfg.Channels),
		out: make([]float32, cfg.FrameSize*cfg.Channels),
	}, nil
}

// Decode converts an Opus packet to a float32 PCM block. The returned
// slice aliases Decoder's scratch buffer and is only valid until the
// next call to Decode — callers needing to retain two decoded blocks
// at once (e.g. an FEC-recovered block alongside the current one) must
// copy the first before decoding the second.
//
//   - data non-nil: ordinary decode.
//   - data nil, fec non-nil: attempt FEC recovery of the lost packet
//     from the next packet's embedded redundancy; on FEC failure, fall
//     back to packet-loss concealment.
//   - data and fec both nil: pure packet-loss concealment — Opus
//     extrapolates from its internal state.
func (d *Decoder) Decode(data, fec []byte) ([]float32, error) {
	var n int
	var err error

	switch {
	case data != nil:
		n, err = d.dec.Decode(data, d.pcm)
	case fec != nil:
		if fecErr := d.dec.DecodeFEC(fec, d.pcm); fecErr != nil {
			n, err = d.dec.Decode(nil, d.pcm)
		} else {
			n = d.cfg.FrameSize
		}
	default:
		n, err = d.dec.Decode(nil, d.pcm)
	}
	if err != nil {
		return nil, fmt.Errorf("codec: decode: %w", err)
	}

	need := n * d.cfg.Channels
	if cap(d.out) < need {
		// Only grows if asked for more samples than cfg.FrameSize
		// provisioned for; the steady-state path never reallocates.
		d.out = make([]float32, need)
	}
	out := d.out[:need]
	for i := range out {
		out[i] = int16ToFloat(d.pcm[i])
	}
	return out, nil
}

func floatToInt16(s float32) int16 {
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return int16(s * 32767)
}

func int16ToFloat(s int16) float32 {
	return float32(s) / 32768.0
}
