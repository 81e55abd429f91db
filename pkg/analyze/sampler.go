package analyze

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/castlabs-oss/go-director/internal/log"
	"github.com/castlabs-oss/go-director/pkg/media"
)

// Per-modality call deadlines.
const (
	DetectDeadline = 50 * time.Millisecond
	SceneDeadline  = 1000 * time.Millisecond
	SpeechDeadline = 800 * time.Millisecond
)

// SamplerConfig tunes the analysis tick loop.
type SamplerConfig struct {
	// Interval between analysis ticks.
	Interval time.Duration

	// SceneInterval is the reduced per-camera cadence for the scene
	// describer.
	SceneInterval time.Duration

	// AudioWindowSec is the speech window length; windows overlap by
	// half their length at a 2x tick cadence.
	AudioWindowSec float64

	// MaxParallel bounds concurrent analyzer calls across all cameras.
	MaxParallel int
}

// DefaultSamplerConfig returns a 10 Hz sampler sized for n cameras.
func DefaultSamplerConfig(nCams int) SamplerConfig {
	if nCams < 1 {
		nCams = 1
	}
	return SamplerConfig{
		Interval:       100 * time.Millisecond,
		SceneInterval:  700 * time.Millisecond,
		AudioWindowSec: 1.0,
		MaxParallel:    nCams * 2,
	}
}

// Sampler drives analyzer calls from a single logical clock. Each tick it
// pulls the newest media for every live camera and dispatches bounded
// analyzer work; results land in the observation cache.
type Sampler struct {
	cfg      SamplerConfig
	ingress  *media.Ingress
	registry *Registry
	cache    *Cache

	sem chan struct{}

	mu         sync.Mutex
	lastScene  map[string]time.Time
	lastSpeech map[string]time.Time
	malformed  uint64
}

// NewSampler wires the sampler to its collaborators.
func NewSampler(cfg SamplerConfig, ingress *media.Ingress, registry *Registry, cache *Cache) *Sampler {
	return &Sampler{
		cfg:        cfg,
		ingress:    ingress,
		registry:   registry,
		cache:      cache,
		sem:        make(chan struct{}, cfg.MaxParallel),
		lastScene:  make(map[string]time.Time),
		lastSpeech: make(map[string]time.Time),
	}
}

// Run ticks until the context is canceled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	log.Info("sampler started", "interval", s.cfg.Interval, "max_parallel", s.cfg.MaxParallel)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// OnCameraLeave releases per-camera state; wire it to the ingress leave
// event so no late observation is tagged with a departed camera.
func (s *Sampler) OnCameraLeave(camID string) {
	s.cache.Remove(camID)
	s.registry.Tracker.Forget(camID)
	s.mu.Lock()
	delete(s.lastScene, camID)
	delete(s.lastSpeech, camID)
	s.mu.Unlock()
}

func (s *Sampler) tick(ctx context.Context) {
	now := time.Now()
	for _, camID := range s.ingress.Cameras() {
		if frame, ok := s.ingress.Sample(camID); ok {
			s.dispatch(ctx, func() { s.analyzeFrame(ctx, frame) })

			s.mu.Lock()
			dueScene := now.Sub(s.lastScene[camID]) >= s.cfg.SceneInterval
			if dueScene {
				s.lastScene[camID] = now
			}
			s.mu.Unlock()
			if dueScene {
				s.dispatch(ctx, func() { s.analyzeScene(ctx, frame) })
			}
		}

		s.mu.Lock()
		dueSpeech := now.Sub(s.lastSpeech[camID]) >= time.Duration(s.cfg.AudioWindowSec*float64(time.Second))/2
		if dueSpeech {
			s.lastSpeech[camID] = now
		}
		s.mu.Unlock()
		if dueSpeech {
			if pcm, ok := s.ingress.AudioWindow(camID, s.cfg.AudioWindowSec); ok {
				s.dispatch(ctx, func() { s.analyzeSpeech(ctx, camID, pcm, now) })
			}
		}
	}
}

// dispatch runs fn on the bounded worker pool; when the pool is saturated
// the work is skipped rather than queued, keeping analysis on the newest
// media.
func (s *Sampler) dispatch(ctx context.Context, fn func()) {
	select {
	case s.sem <- struct{}{}:
		go func() {
			defer func() { <-s.sem }()
			fn()
		}()
	case <-ctx.Done():
	default:
	}
}

func (s *Sampler) analyzeFrame(ctx context.Context, frame media.Frame) {
	dctx, cancel := context.WithTimeout(ctx, DetectDeadline)
	dets, err := s.registry.Detector.Detect(dctx, frame)
	cancel()
	s.registry.Observe(NameDetector, err)
	if err != nil {
		if !errors.Is(err, ErrUnavailable) {
			s.noteMalformed(frame.CamID, err)
		}
		s.cache.PutDetections(frame.CamID, nil, frame.Timestamp, false)
		return
	}
	if !validDetections(dets) {
		s.noteMalformed(frame.CamID, errors.New("detection out of range"))
		s.cache.PutDetections(frame.CamID, nil, frame.Timestamp, false)
		return
	}
	s.cache.PutDetections(frame.CamID, dets, frame.Timestamp, true)

	tracks, err := s.registry.Tracker.Update(ctx, frame.CamID, dets, frame.Timestamp)
	s.registry.Observe(NameTracker, err)
	if err != nil {
		s.cache.PutTracks(frame.CamID, nil, frame.Timestamp, false)
		return
	}
	s.cache.PutTracks(frame.CamID, tracks, frame.Timestamp, true)
}

func (s *Sampler) analyzeScene(ctx context.Context, frame media.Frame) {
	obs, _ := s.cache.Snapshot(frame.CamID)

	sctx, cancel := context.WithTimeout(ctx, SceneDeadline)
	scene, err := s.registry.Scene.Describe(sctx, frame, obs.Detections)
	cancel()
	s.registry.Observe(NameScene, err)
	if err != nil {
		return
	}
	s.cache.PutScene(frame.CamID, scene, frame.Timestamp)
}

func (s *Sampler) analyzeSpeech(ctx context.Context, camID string, pcm []int16, now time.Time) {
	sctx, cancel := context.WithTimeout(ctx, SpeechDeadline)
	segs, err := s.registry.Speech.Transcribe(sctx, pcm, now)
	cancel()
	s.registry.Observe(NameSpeech, err)
	if err != nil {
		s.cache.PutSpeech(camID, nil, now, false)
		return
	}
	s.cache.PutSpeech(camID, segs, now, true)
}

// noteMalformed counts dropped observations; the tick then produces
// no-data for the camera.
func (s *Sampler) noteMalformed(camID string, err error) {
	s.mu.Lock()
	s.malformed++
	n := s.malformed
	s.mu.Unlock()
	log.Warn("malformed observation dropped", "cam", camID, "total", n, "error", err)
}

// Malformed returns the dropped-observation counter.
func (s *Sampler) Malformed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.malformed
}

func validDetections(dets []Detection) bool {
	for _, d := range dets {
		if d.Confidence < 0 || d.Confidence > 1 {
			return false
		}
		if d.Box.W < 0 || d.Box.H < 0 {
			return false
		}
	}
	return true
}
