package analyze

import (
	"context"
	"sync"
	"time"

	"github.com/castlabs-oss/go-director/pkg/media"
)

// MockDetector implements Detector for testing.
type MockDetector struct {
	// DetectFunc is called when Detect is invoked. If nil, returns no
	// detections.
	DetectFunc func(ctx context.Context, frame media.Frame) ([]Detection, error)

	mu    sync.Mutex
	calls int
}

// Detect implements Detector.
func (m *MockDetector) Detect(ctx context.Context, frame media.Frame) ([]Detection, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.DetectFunc != nil {
		return m.DetectFunc(ctx, frame)
	}
	return nil, nil
}

// Calls returns how many times Detect was invoked.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockScene implements SceneDescriber for testing.
type MockScene struct {
	DescribeFunc func(ctx context.Context, frame media.Frame, dets []Detection) (SceneDescription, error)
}

// Describe implements SceneDescriber.
func (m *MockScene) Describe(ctx context.Context, frame media.Frame, dets []Detection) (SceneDescription, error) {
	if m.DescribeFunc != nil {
		return m.DescribeFunc(ctx, frame, dets)
	}
	return SceneDescription{Interest: 1, Confidence: 1}, nil
}

// MockSpeech implements SpeechRecognizer for testing.
type MockSpeech struct {
	TranscribeFunc func(ctx context.Context, pcm []int16, ts time.Time) ([]SpeechSegment, error)
}

// Transcribe implements SpeechRecognizer.
func (m *MockSpeech) Transcribe(ctx context.Context, pcm []int16, ts time.Time) ([]SpeechSegment, error) {
	if m.TranscribeFunc != nil {
		return m.TranscribeFunc(ctx, pcm, ts)
	}
	return nil, nil
}

var (
	_ Detector         = (*MockDetector)(nil)
	_ SceneDescriber   = (*MockScene)(nil)
	_ SpeechRecognizer = (*MockSpeech)(nil)
)
