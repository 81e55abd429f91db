package analyze

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode"

	"gonum.org/v1/gonum/floats"

	"github.com/castlabs-oss/go-director/pkg/media"
)

// SpeechConfig configures the ASR sidecar client and keyword matching.
type SpeechConfig struct {
	BaseURL  string
	Timeout  time.Duration
	Keywords []string
}

// DefaultSpeechConfig returns production settings.
func DefaultSpeechConfig(baseURL string, keywords []string) SpeechConfig {
	return SpeechConfig{
		BaseURL:  baseURL,
		Timeout:  time.Second,
		Keywords: keywords,
	}
}

// HTTPSpeechRecognizer ships PCM windows to an ASR sidecar and annotates
// the returned segments with locally computed energy and keyword hits.
type HTTPSpeechRecognizer struct {
	cfg      SpeechConfig
	client   *http.Client
	keywords map[string]bool
}

// NewHTTPSpeechRecognizer creates the sidecar client.
func NewHTTPSpeechRecognizer(cfg SpeechConfig) *HTTPSpeechRecognizer {
	kw := make(map[string]bool, len(cfg.Keywords))
	for _, k := range cfg.Keywords {
		kw[strings.ToLower(k)] = true
	}
	return &HTTPSpeechRecognizer{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		keywords: kw,
	}
}

type asrWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type asrSegment struct {
	Text  string    `json:"text"`
	Start float64   `json:"start"`
	End   float64   `json:"end"`
	Words []asrWord `json:"words"`
}

type asrResponse struct {
	Segments []asrSegment `json:"segments"`
	Error    string       `json:"error,omitempty"`
}

// Transcribe implements SpeechRecognizer.
func (r *HTTPSpeechRecognizer) Transcribe(ctx context.Context, pcm []int16, ts time.Time) ([]SpeechSegment, error) {
	if len(pcm) == 0 {
		return nil, nil
	}
	energy := EnergyDb(pcm)

	raw := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(s))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/transcribe?rate=%d", r.cfg.BaseURL, media.SampleRate),
		bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("analyze: speech request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, ErrUnavailable
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, ErrUnavailable
	}

	var parsed asrResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("analyze: decode speech response: %w", err)
	}
	if parsed.Error != "" {
		return nil, ErrUnavailable
	}

	base := float64(ts.UnixNano()) / float64(time.Second)
	out := make([]SpeechSegment, 0, len(parsed.Segments))
	for _, seg := range parsed.Segments {
		words := make([]WordTiming, 0, len(seg.Words))
		for _, w := range seg.Words {
			words = append(words, WordTiming{Word: w.Word, Start: base + w.Start, End: base + w.End})
		}
		out = append(out, SpeechSegment{
			Text:     seg.Text,
			StartTs:  base + seg.Start,
			EndTs:    base + seg.End,
			Words:    words,
			Keywords: MatchKeywords(seg.Text, r.keywords),
			EnergyDb: energy,
		})
	}
	return out, nil
}

// MatchKeywords returns the keywords present in text as whole words,
// case-insensitive, preserving text order without duplicates.
func MatchKeywords(text string, keywords map[string]bool) []string {
	if len(keywords) == 0 || text == "" {
		return nil
	}
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
	var hits []string
	seen := make(map[string]bool)
	for _, tok := range tokens {
		if keywords[tok] && !seen[tok] {
			seen[tok] = true
			hits = append(hits, tok)
		}
	}
	return hits
}

// EnergyDb computes the RMS energy of PCM16 samples in dBFS.
// Silence floors at -96 dBFS.
func EnergyDb(pcm []int16) float64 {
	if len(pcm) == 0 {
		return -96
	}
	f := make([]float64, len(pcm))
	for i, s := range pcm {
		f[i] = float64(s) / 32768.0
	}
	rms := math.Sqrt(floats.Dot(f, f) / float64(len(f)))
	if rms <= 0 {
		return -96
	}
	db := 20 * math.Log10(rms)
	if db < -96 {
		db = -96
	}
	return db
}

var _ SpeechRecognizer = (*HTTPSpeechRecognizer)(nil)
