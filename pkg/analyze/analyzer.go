package analyze

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/castlabs-oss/go-director/pkg/media"
)

// Sentinel errors.
var (
	// ErrUnavailable marks a per-call miss: model warming up, deadline
	// expired, transient backend failure. The ranker treats it as
	// "feature absent", never as zero.
	ErrUnavailable = errors.New("analyze: unavailable")
)

// FatalError marks an unrecoverable analyzer init failure. It moves the
// analyzer to the terminal Dead state.
type FatalError struct {
	Err error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return fmt.Sprintf("analyze: fatal: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps an error as fatal.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// Detector finds objects in a frame.
type Detector interface {
	Detect(ctx context.Context, frame media.Frame) ([]Detection, error)
}

// Tracker associates detections into per-camera tracks. One logical
// tracker serves all cameras but keeps fully separate state per camera;
// tracks never survive a camera change.
type Tracker interface {
	Update(ctx context.Context, camID string, dets []Detection, ts time.Time) ([]Track, error)

	// MainSubject returns the lead track for a camera: the longest-lived
	// track whose centroid stayed nearest the frame center over the last
	// 30 ticks, ties broken by box area.
	MainSubject(camID string) (int, bool)

	// Forget drops all state for a camera that left the room.
	Forget(camID string)
}

// SceneDescriber produces tags, a caption, and an interest level.
// It is expensive and called at a reduced cadence.
type SceneDescriber interface {
	Describe(ctx context.Context, frame media.Frame, dets []Detection) (SceneDescription, error)
}

// SpeechRecognizer transcribes an audio window into speech segments with
// word-level timings when available.
type SpeechRecognizer interface {
	Transcribe(ctx context.Context, pcm []int16, ts time.Time) ([]SpeechSegment, error)
}

// State is the lifecycle state of one analyzer.
type State int

const (
	StateCold State = iota
	StateWarming
	StateReady
	StateDead
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateWarming:
		return "warming"
	case StateReady:
		return "ready"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// health tracks one analyzer's state machine:
// Cold -> Warming -> Ready -> (per call) Ready|Unavailable -> Ready,
// with fatal init failures landing in terminal Dead.
type health struct {
	mu    sync.Mutex
	name  string
	state State
	side  chan<- error
	sent  bool
}

func (h *health) warm() {
	h.mu.Lock()
	if h.state == StateCold {
		h.state = StateWarming
	}
	h.mu.Unlock()
}

// observe records a call outcome and returns the resulting state.
func (h *health) observe(err error) State {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateDead {
		return h.state
	}

	var fatal *FatalError
	switch {
	case err == nil:
		if h.state == StateWarming || h.state == StateCold {
			h.state = StateReady
		}
	case errors.As(err, &fatal):
		h.state = StateDead
		// Report terminal failures once through the sideband channel.
		if !h.sent && h.side != nil {
			h.sent = true
			select {
			case h.side <- fmt.Errorf("analyzer %s dead: %w", h.name, err):
			default:
			}
		}
	}
	return h.state
}

func (h *health) current() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Registry wires the concrete analyzer implementations chosen at startup
// and tracks their lifecycle states.
type Registry struct {
	Detector Detector
	Tracker  Tracker
	Scene    SceneDescriber
	Speech   SpeechRecognizer

	errCh  chan error
	states map[string]*health
}

// Analyzer names used in state reporting.
const (
	NameDetector = "detector"
	NameTracker  = "tracker"
	NameScene    = "scene"
	NameSpeech   = "speech"
)

// NewRegistry builds a registry around the given implementations.
func NewRegistry(det Detector, trk Tracker, scene SceneDescriber, speech SpeechRecognizer) *Registry {
	errCh := make(chan error, 4)
	r := &Registry{
		Detector: det,
		Tracker:  trk,
		Scene:    scene,
		Speech:   speech,
		errCh:    errCh,
		states:   make(map[string]*health),
	}
	for _, name := range []string{NameDetector, NameTracker, NameScene, NameSpeech} {
		h := &health{name: name, side: errCh}
		h.warm()
		r.states[name] = h
	}
	return r
}

// Errors exposes the sideband channel carrying one-shot fatal reports.
func (r *Registry) Errors() <-chan error {
	return r.errCh
}

// Observe records a call outcome for the named analyzer.
func (r *Registry) Observe(name string, err error) {
	if h, ok := r.states[name]; ok {
		h.observe(err)
	}
}

// StateOf returns the current state of the named analyzer.
func (r *Registry) StateOf(name string) State {
	if h, ok := r.states[name]; ok {
		return h.current()
	}
	return StateCold
}
