package analyze

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// TrackerConfig tunes track association and lifetime.
type TrackerConfig struct {
	// MaxMatchDist is the largest centroid move (normalized units)
	// accepted when associating a detection to an existing track.
	MaxMatchDist float64

	// MaxMissed is how many consecutive ticks a track survives unmatched.
	MaxMissed int

	// HistoryTicks bounds the centroid history used by MainSubject.
	HistoryTicks int
}

// DefaultTrackerConfig returns production association settings.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxMatchDist: 0.15,
		MaxMissed:    5,
		HistoryTicks: 30,
	}
}

// trackState is one live track of one camera.
type trackState struct {
	id       int
	box      BBox
	age      int
	score    float64
	velocity Vec2
	lastSeen time.Time
	missed   int
	// centerDist holds distance-to-frame-center per tick, bounded.
	centerDist []float64
}

// camTracks is the tracker state for one camera.
type camTracks struct {
	tracks map[int]*trackState
	nextID int
}

// CentroidTracker associates detections across consecutive frames of the
// same camera with greedy nearest-centroid matching. It is deliberately
// simple: camera feeds are analyzed at 10 Hz where centroid continuity is
// a reliable signal.
type CentroidTracker struct {
	cfg TrackerConfig

	mu   sync.Mutex
	cams map[string]*camTracks
}

// NewCentroidTracker creates a tracker with the given config.
func NewCentroidTracker(cfg TrackerConfig) *CentroidTracker {
	return &CentroidTracker{
		cfg:  cfg,
		cams: make(map[string]*camTracks),
	}
}

// Update implements Tracker.
func (t *CentroidTracker) Update(ctx context.Context, camID string, dets []Detection, ts time.Time) ([]Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrUnavailable
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cam, ok := t.cams[camID]
	if !ok {
		cam = &camTracks{tracks: make(map[int]*trackState), nextID: 1}
		t.cams[camID] = cam
	}

	matched := make(map[int]bool, len(cam.tracks))
	usedDet := make([]bool, len(dets))

	// Greedy nearest-centroid association, closest pair first.
	type pair struct {
		trackID int
		detIdx  int
		dist    float64
	}
	var pairs []pair
	for id, trk := range cam.tracks {
		tx, ty := trk.box.Center()
		for i, det := range dets {
			dx, dy := det.Box.Center()
			dist := math.Hypot(dx-tx, dy-ty)
			if dist <= t.cfg.MaxMatchDist {
				pairs = append(pairs, pair{id, i, dist})
			}
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].dist < pairs[j].dist })

	for _, p := range pairs {
		if matched[p.trackID] || usedDet[p.detIdx] {
			continue
		}
		matched[p.trackID] = true
		usedDet[p.detIdx] = true

		trk := cam.tracks[p.trackID]
		det := dets[p.detIdx]

		dt := ts.Sub(trk.lastSeen).Seconds()
		if dt > 0 && dt < 1.0 {
			ox, oy := trk.box.Center()
			nx, ny := det.Box.Center()
			trk.velocity = Vec2{X: (nx - ox) / dt, Y: (ny - oy) / dt}
		}
		trk.box = det.Box
		trk.age++
		trk.score = 0.7*trk.score + 0.3*det.Confidence
		trk.lastSeen = ts
		trk.missed = 0
		t.pushCenterDist(trk)
	}

	// Unmatched detections become new tracks.
	for i, det := range dets {
		if usedDet[i] {
			continue
		}
		trk := &trackState{
			id:       cam.nextID,
			box:      det.Box,
			age:      1,
			score:    det.Confidence,
			lastSeen: ts,
		}
		cam.nextID++
		t.pushCenterDist(trk)
		cam.tracks[trk.id] = trk
	}

	// Unmatched tracks age out.
	for id, trk := range cam.tracks {
		if matched[id] || trk.lastSeen.Equal(ts) {
			continue
		}
		trk.missed++
		if trk.missed > t.cfg.MaxMissed {
			delete(cam.tracks, id)
		}
	}

	out := make([]Track, 0, len(cam.tracks))
	for _, trk := range cam.tracks {
		if trk.missed > 0 {
			continue
		}
		out = append(out, Track{
			ID:       trk.id,
			Box:      trk.box,
			Age:      trk.age,
			Score:    trk.score,
			Velocity: trk.velocity,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *CentroidTracker) pushCenterDist(trk *trackState) {
	cx, cy := trk.box.Center()
	dist := math.Hypot(cx-0.5, cy-0.5)
	trk.centerDist = append(trk.centerDist, dist)
	if len(trk.centerDist) > t.cfg.HistoryTicks {
		trk.centerDist = trk.centerDist[1:]
	}
}

// MainSubject implements Tracker: longest-lived track, nearest mean
// centroid-to-center over the recent history, area as the final tie-break.
func (t *CentroidTracker) MainSubject(camID string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cam, ok := t.cams[camID]
	if !ok || len(cam.tracks) == 0 {
		return 0, false
	}

	candidates := make([]*trackState, 0, len(cam.tracks))
	for _, trk := range cam.tracks {
		candidates = append(candidates, trk)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		ageA, ageB := cappedAge(a.age, t.cfg.HistoryTicks), cappedAge(b.age, t.cfg.HistoryTicks)
		if ageA != ageB {
			return ageA > ageB
		}
		da, db := meanDist(a.centerDist), meanDist(b.centerDist)
		if da != db {
			return da < db
		}
		if areaA, areaB := a.box.Area(), b.box.Area(); areaA != areaB {
			return areaA > areaB
		}
		return a.id < b.id
	})
	return candidates[0].id, true
}

// Forget implements Tracker.
func (t *CentroidTracker) Forget(camID string) {
	t.mu.Lock()
	delete(t.cams, camID)
	t.mu.Unlock()
}

func cappedAge(age, limit int) int {
	if age > limit {
		return limit
	}
	return age
}

func meanDist(dists []float64) float64 {
	if len(dists) == 0 {
		return math.MaxFloat64
	}
	sum := 0.0
	for _, d := range dists {
		sum += d
	}
	return sum / float64(len(dists))
}

var _ Tracker = (*CentroidTracker)(nil)
