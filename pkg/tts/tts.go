// Package tts provides a unified interface for text-to-speech backends.
//
// The narrator speaks through whichever Provider is wired at startup:
// the bundled Piper sidecar client for self-hosted synthesis, a Chain
// for fallback across several backends, or a Mock in tests. All
// implementations satisfy the same interface, so callers never change.
//
// Example usage:
//
//	provider, _ := tts.NewPiper(
//	    tts.WithBaseURL("http://localhost:5002"),
//	)
//	defer provider.Close()
//
//	result, _ := provider.Synthesize(ctx, "Camera two takes the lead")
//	// result.Audio contains PCM16 audio bytes
package tts

import (
	"context"
	"time"
)

// Provider defines the TTS provider interface.
type Provider interface {
	// Synthesize converts text to audio, returning the complete buffer.
	Synthesize(ctx context.Context, text string) (*AudioResult, error)

	// Health checks backend connectivity.
	Health(ctx context.Context) error

	// Close releases any resources held by the provider.
	Close() error
}

// AudioResult represents a complete audio synthesis result.
type AudioResult struct {
	// Audio contains the raw audio data in the specified format.
	Audio []byte

	// Format describes the audio encoding and sample rate.
	Format AudioFormat

	// Duration is the estimated audio playback duration.
	Duration time.Duration

	// CharCount is the number of characters synthesized.
	CharCount int

	// LatencyMs is the end-to-end synthesis time in milliseconds.
	LatencyMs int64
}

// AudioFormat describes the audio encoding parameters.
type AudioFormat struct {
	// Encoding specifies the audio codec.
	Encoding Encoding

	// SampleRate in Hz.
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int

	// BitDepth for PCM formats.
	BitDepth int
}

// Encoding represents audio encoding types.
type Encoding string

const (
	// EncodingPCM16 is 16kHz mono PCM16, the narration pipeline format.
	EncodingPCM16 Encoding = "pcm_16000"

	// EncodingPCM22 is 22.05kHz mono PCM16, Piper's native rate.
	EncodingPCM22 Encoding = "pcm_22050"

	// EncodingMP3 is MP3 128kbps for downstream consumers that want a
	// compressed blob.
	EncodingMP3 Encoding = "mp3_44100_128"
)

// SampleRateFromEncoding extracts the sample rate from an encoding type.
func SampleRateFromEncoding(enc Encoding) int {
	switch enc {
	case EncodingPCM16:
		return 16000
	case EncodingPCM22:
		return 22050
	case EncodingMP3:
		return 44100
	default:
		return 16000
	}
}

// EstimateDuration computes playback time for PCM16 audio.
func EstimateDuration(audio []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(audio) / 2
	return time.Duration(float64(samples) / float64(sampleRate) * float64(time.Second))
}
