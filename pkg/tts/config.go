package tts

import (
	"log/slog"
	"time"
)

// Config holds TTS provider configuration.
// Use functional options (WithXxx) to set these values.
type Config struct {
	// BaseURL of the synthesis backend.
	BaseURL string

	// SpeakerID selects a voice for multi-speaker models.
	SpeakerID int

	// LengthScale controls speed (1.0 = normal, <1.0 = faster).
	LengthScale float64

	// OutputFormat for the synthesized audio.
	OutputFormat Encoding

	// Timeout bounds one synthesis request.
	Timeout time.Duration

	// Retry configuration.
	MaxRetries int
	RetryDelay time.Duration

	// Observability.
	Logger *slog.Logger
}

// Option is a functional option for configuring TTS providers.
type Option func(*Config)

// WithBaseURL sets the backend URL.
func WithBaseURL(url string) Option {
	return func(c *Config) {
		c.BaseURL = url
	}
}

// WithSpeaker selects the voice speaker id.
func WithSpeaker(id int) Option {
	return func(c *Config) {
		c.SpeakerID = id
	}
}

// WithLengthScale sets the speech speed factor.
func WithLengthScale(scale float64) Option {
	return func(c *Config) {
		c.LengthScale = scale
	}
}

// WithOutputFormat sets the audio output format.
func WithOutputFormat(format Encoding) Option {
	return func(c *Config) {
		c.OutputFormat = format
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithRetry configures retry behavior for failed requests.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
	}
}

// WithLogger sets the structured logger for the provider.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		LengthScale:  1.0,
		OutputFormat: EncodingPCM16,
		Timeout:      2 * time.Second,
		MaxRetries:   1,
		RetryDelay:   50 * time.Millisecond,
		Logger:       slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return ErrNoBaseURL
	}
	return nil
}
