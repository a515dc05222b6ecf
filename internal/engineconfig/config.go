// Package engineconfig holds the engine's construction-time parameters
// (spec.md §7: "config failures abort start"). Unlike the teacher's
// config package this is not persisted to disk — spec.md explicitly
// scopes "configuration file loading" out as an external collaborator
// — but keeps json tags so a host process embedding the engine can
// still serialize a snapshot for its own settings file.
package engineconfig

import (
	"fmt"

	"humr/internal/aec"
	"humr/internal/codec"
	"humr/internal/jitter"
	"humr/internal/ns"
)

// Config is the immutable set of parameters threaded through
// engine.New. Construct with Default and override fields, then call
// Validate (New calls it automatically).
type Config struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	FrameSize  int `json:"frame_size"`

	OpusBitrate     int                 `json:"opus_bitrate"`
	OpusComplexity  int                 `json:"opus_complexity"`
	OpusApplication codec.Application   `json:"opus_application"`

	AECEnabled  bool    `json:"aec_enabled"`
	AECStrength float64 `json:"aec_strength"`

	NSEnabled  bool    `json:"ns_enabled"`
	NSStrength float64 `json:"ns_strength"`

	JitterTarget int `json:"jitter_target"`
	JitterMin    int `json:"jitter_min"`
	JitterMax    int `json:"jitter_max"`

	RingCapacity int `json:"ring_capacity"`
}

// Default returns a Config populated with the spec's preferred device
// cadence (48kHz stereo, 960-frame / 20ms blocks) and the subsystem
// defaults each package already exports.
func Default() Config {
	return Config{
		SampleRate: 48000,
		Channels:   2,
		FrameSize:  960,

		OpusBitrate:     32000,
		OpusComplexity:  5,
		OpusApplication: codec.AppVoIP,

		AECEnabled:  true,
		AECStrength: aec.DefaultStrength,

		NSEnabled:  true,
		NSStrength: ns.DefaultStrength,

		JitterTarget: jitter.DefaultTarget,
		JitterMin:    jitter.DefaultMin,
		JitterMax:    jitter.DefaultMax,

		RingCapacity: 25,
	}
}

// Validate rejects a Config that would misconfigure a downstream
// subsystem, per spec.md §7's "config failures abort start" policy —
// the engine must fail fast at construction rather than discover an
// invalid parameter mid-tick.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("engineconfig: sample rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("engineconfig: channels must be 1 or 2, got %d", c.Channels)
	}
	if c.FrameSize <= 0 {
		return fmt.Errorf("engineconfig: frame size must be positive, got %d", c.FrameSize)
	}
	if c.AECStrength < 0 || c.AECStrength > 1 {
		return fmt.Errorf("engineconfig: aec strength must be in [0,1], got %v", c.AECStrength)
	}
	if c.NSStrength < 0 || c.NSStrength > 1 {
		return fmt.Errorf("engineconfig: ns strength must be in [0,1], got %v", c.NSStrength)
	}
	if c.JitterMin <= 0 || c.JitterMax < c.JitterMin {
		return fmt.Errorf("engineconfig: invalid jitter bounds min=%d max=%d", c.JitterMin, c.JitterMax)
	}
	if c.JitterTarget < c.JitterMin || c.JitterTarget > c.JitterMax {
		return fmt.Errorf("engineconfig: jitter target %d outside bounds [%d,%d]", c.JitterTarget, c.JitterMin, c.JitterMax)
	}
	if c.RingCapacity < 25 {
		return fmt.Errorf("engineconfig: ring capacity must be at least 25 blocks, got %d", c.RingCapacity)
	}
	codecCfg := codec.DefaultConfig(c.SampleRate, c.Channels, c.FrameSize)
	codecCfg.Bitrate = c.OpusBitrate
	codecCfg.Complexity = c.OpusComplexity
	codecCfg.Application = c.OpusApplication
	if err := codecCfg.Validate(); err != nil {
		return fmt.Errorf("engineconfig: %w", err)
	}
	return nil
}
