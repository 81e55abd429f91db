package analyze

import (
	"sync"
	"time"
)

// Cache holds the latest observations per camera. Analyzer workers write,
// the ranker reads snapshots. Per-camera records are swapped as immutable
// values under one lock per camera.
type Cache struct {
	mu   sync.RWMutex
	cams map[string]*camCache
}

type camCache struct {
	mu  sync.Mutex
	obs Observations
}

// NewCache creates an empty observation cache.
func NewCache() *Cache {
	return &Cache{cams: make(map[string]*camCache)}
}

func (c *Cache) cam(camID string) *camCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc, ok := c.cams[camID]
	if !ok {
		cc = &camCache{obs: Observations{CamID: camID}}
		c.cams[camID] = cc
	}
	return cc
}

// PutDetections stores a detection result for a camera.
func (c *Cache) PutDetections(camID string, dets []Detection, ts time.Time, ok bool) {
	cc := c.cam(camID)
	cc.mu.Lock()
	cc.obs.Detections = dets
	cc.obs.DetectionsAt = ts
	cc.obs.DetectionsOK = ok
	cc.mu.Unlock()
}

// PutTracks stores a tracking result for a camera.
func (c *Cache) PutTracks(camID string, tracks []Track, ts time.Time, ok bool) {
	cc := c.cam(camID)
	cc.mu.Lock()
	cc.obs.Tracks = tracks
	cc.obs.TracksAt = ts
	cc.obs.TracksOK = ok
	cc.mu.Unlock()
}

// PutScene stores a scene description for a camera.
func (c *Cache) PutScene(camID string, scene SceneDescription, ts time.Time) {
	cc := c.cam(camID)
	cc.mu.Lock()
	cc.obs.Scene = &scene
	cc.obs.SceneAt = ts
	cc.mu.Unlock()
}

// PutSpeech stores speech segments for a camera.
func (c *Cache) PutSpeech(camID string, segs []SpeechSegment, ts time.Time, ok bool) {
	cc := c.cam(camID)
	cc.mu.Lock()
	cc.obs.Speech = segs
	cc.obs.SpeechAt = ts
	cc.obs.SpeechOK = ok
	cc.mu.Unlock()
}

// Snapshot returns a copy of the camera's latest observations.
func (c *Cache) Snapshot(camID string) (Observations, bool) {
	c.mu.RLock()
	cc, ok := c.cams[camID]
	c.mu.RUnlock()
	if !ok {
		return Observations{}, false
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()

	obs := cc.obs
	obs.Detections = append([]Detection(nil), cc.obs.Detections...)
	obs.Tracks = append([]Track(nil), cc.obs.Tracks...)
	obs.Speech = append([]SpeechSegment(nil), cc.obs.Speech...)
	if cc.obs.Scene != nil {
		scene := *cc.obs.Scene
		obs.Scene = &scene
	}
	return obs, true
}

// SpeechActiveUntil returns the end time of the most recent speech
// segment for a camera. The decision engine uses it to land cuts on word
// boundaries.
func (c *Cache) SpeechActiveUntil(camID string) (time.Time, bool) {
	c.mu.RLock()
	cc, ok := c.cams[camID]
	c.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if len(cc.obs.Speech) == 0 {
		return time.Time{}, false
	}
	end := cc.obs.Speech[len(cc.obs.Speech)-1].EndTs
	return time.Unix(0, int64(end*float64(time.Second))), true
}

// Remove drops all state for a camera.
func (c *Cache) Remove(camID string) {
	c.mu.Lock()
	delete(c.cams, camID)
	c.mu.Unlock()
}

// Cameras lists the cameras with cached observations.
func (c *Cache) Cameras() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.cams))
	for id := range c.cams {
		out = append(out, id)
	}
	return out
}
