package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const providerPiper = "piper"

// Piper implements Provider against a Piper TTS sidecar service. Piper
// runs locally, keeping synthesis latency in the low hundreds of
// milliseconds, which is what makes narration within budget feasible.
type Piper struct {
	config *Config
	client *http.Client
	logger *slog.Logger
}

// NewPiper creates a new Piper TTS provider.
func NewPiper(opts ...Option) (*Piper, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Piper{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: cfg.Logger.With("component", "tts.piper"),
	}, nil
}

type piperRequest struct {
	Text        string  `json:"text"`
	SpeakerID   int     `json:"speaker_id,omitempty"`
	LengthScale float64 `json:"length_scale,omitempty"`
}

// Synthesize converts text to audio through the sidecar.
func (p *Piper) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	if text == "" {
		return nil, WrapError(providerPiper, ErrEmptyText)
	}
	start := time.Now()

	body, err := json.Marshal(piperRequest{
		Text:        text,
		SpeakerID:   p.config.SpeakerID,
		LengthScale: p.config.LengthScale,
	})
	if err != nil {
		return nil, WrapError(providerPiper, fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.BaseURL+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(providerPiper, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.doWithRetry(ctx, req, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(msg),
			Provider:   providerPiper,
		}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapError(providerPiper, fmt.Errorf("read response: %w", err))
	}

	latency := time.Since(start).Milliseconds()
	sampleRate := SampleRateFromEncoding(p.config.OutputFormat)

	p.logger.Debug("synthesized audio",
		"chars", len(text),
		"bytes", len(audio),
		"latency_ms", latency,
	)

	return &AudioResult{
		Audio: audio,
		Format: AudioFormat{
			Encoding:   p.config.OutputFormat,
			SampleRate: sampleRate,
			Channels:   1,
			BitDepth:   16,
		},
		Duration:  EstimateDuration(audio, sampleRate),
		CharCount: len(text),
		LatencyMs: latency,
	}, nil
}

// doWithRetry retries transport errors and 5xx responses with a fixed delay.
func (p *Piper) doWithRetry(ctx context.Context, req *http.Request, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.config.RetryDelay):
			}
			req = req.Clone(ctx)
			req.Body = io.NopCloser(bytes.NewReader(body))
		}

		resp, err := p.client.Do(req)
		if err != nil {
			lastErr = WrapError(providerPiper, err)
			continue
		}
		if resp.StatusCode >= 500 && attempt < p.config.MaxRetries {
			resp.Body.Close()
			lastErr = &APIError{StatusCode: resp.StatusCode, Provider: providerPiper}
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

// Health checks the sidecar's health endpoint.
func (p *Piper) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.BaseURL+"/health", nil)
	if err != nil {
		return WrapError(providerPiper, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return WrapError(providerPiper, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Provider: providerPiper}
	}
	return nil
}

// Close implements Provider.
func (p *Piper) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// Verify Piper implements Provider at compile time.
var _ Provider = (*Piper)(nil)
