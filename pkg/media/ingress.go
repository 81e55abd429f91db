package media

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/castlabs-oss/go-director/internal/log"
)

// IngressConfig controls camera identification and retry behavior.
type IngressConfig struct {
	// CamPrefix marks a participant as a camera.
	CamPrefix string

	// MaxSubscribeAttempts before a camera is marked degraded.
	MaxSubscribeAttempts int

	// BackoffBase is the initial retry delay; doubles per attempt.
	BackoffBase time.Duration

	// BackoffCap bounds the retry delay.
	BackoffCap time.Duration
}

// DefaultIngressConfig returns production retry settings.
func DefaultIngressConfig(camPrefix string) IngressConfig {
	return IngressConfig{
		CamPrefix:            camPrefix,
		MaxSubscribeAttempts: 5,
		BackoffBase:          500 * time.Millisecond,
		BackoffCap:           30 * time.Second,
	}
}

// cameraState is everything the ingress holds for one live camera.
type cameraState struct {
	id       string
	frames   *frameStore
	audio    *audioRing
	degraded bool
	cancel   context.CancelFunc
}

// Ingress subscribes to every camera participant in the room and exposes
// their media through Sample and AudioWindow.
type Ingress struct {
	cfg  IngressConfig
	room Room

	mu      sync.RWMutex
	cams    map[string]*cameraState
	started bool
	ctx     context.Context
	cancel  context.CancelFunc

	onJoin  func(camID string)
	onLeave func(camID string)

	now func() time.Time
}

// NewIngress creates an ingress adapter over the given room.
func NewIngress(cfg IngressConfig, room Room) *Ingress {
	return &Ingress{
		cfg:  cfg,
		room: room,
		cams: make(map[string]*cameraState),
		now:  time.Now,
	}
}

// OnCameraJoin sets the camera join callback. Must be set before Start.
func (in *Ingress) OnCameraJoin(fn func(camID string)) { in.onJoin = fn }

// OnCameraLeave sets the camera leave callback. Must be set before Start.
func (in *Ingress) OnCameraLeave(fn func(camID string)) { in.onLeave = fn }

// Start connects to the room and begins subscribing to cameras.
// Idempotent; returns ErrIngressUnavailable when the grant is refused.
func (in *Ingress) Start(ctx context.Context, url, token string) error {
	in.mu.Lock()
	if in.started {
		in.mu.Unlock()
		return nil
	}
	in.ctx, in.cancel = context.WithCancel(ctx)
	in.started = true
	in.mu.Unlock()

	in.room.OnParticipantJoin(func(pid string) {
		if !strings.HasPrefix(pid, in.cfg.CamPrefix) {
			return
		}
		in.addCamera(pid)
	})
	in.room.OnParticipantLeave(func(pid string) {
		if !strings.HasPrefix(pid, in.cfg.CamPrefix) {
			return
		}
		in.removeCamera(pid)
	})

	if err := in.room.Connect(in.ctx, url, token); err != nil {
		in.mu.Lock()
		in.started = false
		in.mu.Unlock()
		return ErrIngressUnavailable
	}
	log.Info("ingress connected", "url", url)
	return nil
}

// Stop tears down all camera subscriptions and the room session.
func (in *Ingress) Stop() error {
	in.mu.Lock()
	if !in.started {
		in.mu.Unlock()
		return nil
	}
	in.started = false
	cancel := in.cancel
	cams := make([]*cameraState, 0, len(in.cams))
	for _, c := range in.cams {
		cams = append(cams, c)
	}
	in.cams = make(map[string]*cameraState)
	in.mu.Unlock()

	for _, c := range cams {
		c.cancel()
	}
	cancel()
	return in.room.Close()
}

func (in *Ingress) addCamera(camID string) {
	camCtx, camCancel := context.WithCancel(in.ctx)
	cam := &cameraState{
		id:     camID,
		frames: &frameStore{},
		audio:  newAudioRing(),
		cancel: camCancel,
	}

	in.mu.Lock()
	if _, exists := in.cams[camID]; exists {
		in.mu.Unlock()
		camCancel()
		return
	}
	in.cams[camID] = cam
	in.mu.Unlock()

	log.Info("camera joined", "cam", camID)
	go in.runTrack(camCtx, cam, KindVideo)
	go in.runTrack(camCtx, cam, KindAudio)
	if in.onJoin != nil {
		in.onJoin(camID)
	}
}

func (in *Ingress) removeCamera(camID string) {
	in.mu.Lock()
	cam, ok := in.cams[camID]
	if ok {
		delete(in.cams, camID)
	}
	in.mu.Unlock()
	if !ok {
		return
	}
	// Cancel before signaling leave so no observation can be tagged with
	// a camera that has already left.
	cam.cancel()
	log.Info("camera left", "cam", camID)
	if in.onLeave != nil {
		in.onLeave(camID)
	}
}

// runTrack subscribes to one track with backoff and pumps its media into
// the camera's stores until the camera leaves.
func (in *Ingress) runTrack(ctx context.Context, cam *cameraState, kind TrackKind) {
	failures := 0
	delay := in.cfg.BackoffBase

	for {
		if ctx.Err() != nil {
			return
		}

		track, err := in.room.Subscribe(cam.id, kind)
		if err != nil {
			failures++
			if failures >= in.cfg.MaxSubscribeAttempts {
				in.markDegraded(cam.id)
				log.Warn("camera degraded", "cam", cam.id, "kind", kind, "attempts", failures)
				return
			}
			// Exponential backoff with jitter, capped.
			jitter := time.Duration(rand.Int63n(int64(delay) / 2))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay + jitter):
			}
			delay *= 2
			if delay > in.cfg.BackoffCap {
				delay = in.cfg.BackoffCap
			}
			continue
		}
		failures = 0
		delay = in.cfg.BackoffBase

		switch kind {
		case KindVideo:
			in.pumpVideo(ctx, cam, track)
		case KindAudio:
			in.pumpAudio(ctx, cam, track)
		}
		track.Close()
	}
}

func (in *Ingress) pumpVideo(ctx context.Context, cam *cameraState, track Track) {
	vt, ok := track.(VideoTrack)
	if !ok {
		log.Error("subscribed video track has no frame reader", "cam", cam.id)
		return
	}
	for {
		vf, err := vt.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug("video track ended", "cam", cam.id, "error", err)
			}
			return
		}
		cam.frames.put(Frame{
			CamID:     cam.id,
			Timestamp: vf.Timestamp,
			Width:     vf.Width,
			Height:    vf.Height,
			RGB:       CanonicalRGB(vf),
		})
	}
}

func (in *Ingress) pumpAudio(ctx context.Context, cam *cameraState, track Track) {
	at, ok := track.(AudioTrack)
	if !ok {
		log.Error("subscribed audio track has no audio reader", "cam", cam.id)
		return
	}
	for {
		chunk, err := at.ReadAudio(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug("audio track ended", "cam", cam.id, "error", err)
			}
			return
		}
		cam.audio.put(chunk)
	}
}

func (in *Ingress) markDegraded(camID string) {
	in.mu.Lock()
	if cam, ok := in.cams[camID]; ok {
		cam.degraded = true
	}
	in.mu.Unlock()
}

// Sample returns the newest frame for a camera that has not been sampled
// yet. It never blocks waiting for a new frame.
func (in *Ingress) Sample(camID string) (Frame, bool) {
	in.mu.RLock()
	cam, ok := in.cams[camID]
	in.mu.RUnlock()
	if !ok || cam.degraded {
		return Frame{}, false
	}
	return cam.frames.take()
}

// AudioWindow returns the most recent windowSec of PCM16 mono audio.
func (in *Ingress) AudioWindow(camID string, windowSec float64) ([]int16, bool) {
	in.mu.RLock()
	cam, ok := in.cams[camID]
	in.mu.RUnlock()
	if !ok || cam.degraded {
		return nil, false
	}
	return cam.audio.window(windowSec)
}

// Cameras returns the ids of all cameras currently occupying a slot.
func (in *Ingress) Cameras() []string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make([]string, 0, len(in.cams))
	for id := range in.cams {
		out = append(out, id)
	}
	return out
}

// Degraded reports whether a camera has exhausted its subscribe attempts.
func (in *Ingress) Degraded(camID string) bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	cam, ok := in.cams[camID]
	return ok && cam.degraded
}

// LastFrameAt returns the timestamp of the newest frame seen for a camera.
func (in *Ingress) LastFrameAt(camID string) (time.Time, bool) {
	in.mu.RLock()
	cam, ok := in.cams[camID]
	in.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	return cam.frames.lastTimestamp()
}
