package rank

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/castlabs-oss/go-director/internal/log"
	"github.com/castlabs-oss/go-director/pkg/analyze"
	"github.com/castlabs-oss/go-director/pkg/bus"
	"github.com/castlabs-oss/go-director/pkg/protocol"
)

// CameraSource lists the live cameras and their degraded flags; the
// media ingress satisfies it.
type CameraSource interface {
	Cameras() []string
	Degraded(camID string) bool
}

// RationaleScorer extends Scorer with rationale formatting.
type RationaleScorer interface {
	Scorer
	Rationale(fv FeatureVector, keywords []string) string
}

// subjectInfo is one camera's main subject reduced to a cross-camera
// comparable form.
type subjectInfo struct {
	key     subjectKey
	age     int
	hotness float64
}

// Ranker ticks at the ranking rate and publishes one CameraScore per
// live camera per tick.
type Ranker struct {
	interval time.Duration
	params   FeatureParams
	scorer   RationaleScorer

	cams    CameraSource
	cache   *analyze.Cache
	tracker analyze.Tracker
	bus     *bus.Bus

	mu             sync.RWMutex
	latest         map[string]protocol.ScorePayload
	programCam     string
	lastProgramEnd map[string]time.Time

	now func() time.Time
}

// NewRanker wires the ranker to its collaborators.
func NewRanker(interval time.Duration, params FeatureParams, scorer RationaleScorer,
	cams CameraSource, cache *analyze.Cache, tracker analyze.Tracker, b *bus.Bus) *Ranker {
	return &Ranker{
		interval:       interval,
		params:         params,
		scorer:         scorer,
		cams:           cams,
		cache:          cache,
		tracker:        tracker,
		bus:            b,
		latest:         make(map[string]protocol.ScorePayload),
		lastProgramEnd: make(map[string]time.Time),
		now:            time.Now,
	}
}

// Run ticks until the context is canceled. It also follows the switch
// topic to keep novelty bookkeeping current.
func (r *Ranker) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	sub := r.bus.Subscribe(bus.TopicSwitch)
	defer sub.Cancel()

	log.Info("ranker started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sub.C():
			r.onDecision(msg)
		case <-ticker.C:
			r.Tick()
		}
	}
}

// onDecision tracks program changes for the novelty feature.
func (r *Ranker) onDecision(msg protocol.Message) {
	if msg.Type != protocol.TypeSwitch {
		return
	}
	var d protocol.DecisionPayload
	if err := msg.ParsePayload(&d); err != nil {
		return
	}
	r.mu.Lock()
	if d.FromCam != "" {
		r.lastProgramEnd[d.FromCam] = r.now()
	}
	r.programCam = d.ToCam
	r.mu.Unlock()
}

// Tick scores every live camera once. Exported for tests.
func (r *Ranker) Tick() {
	now := r.now()
	camIDs := r.cams.Cameras()

	r.mu.RLock()
	room := roomContext{
		now:            now,
		programCam:     r.programCam,
		lastProgramEnd: copyTimes(r.lastProgramEnd),
	}
	r.mu.RUnlock()

	// First pass: main subjects and the globally hottest one.
	subjects := make(map[string]*subjectInfo, len(camIDs))
	obsByCam := make(map[string]analyze.Observations, len(camIDs))
	for _, camID := range camIDs {
		obs, ok := r.cache.Snapshot(camID)
		if !ok {
			continue
		}
		obsByCam[camID] = obs
		if subj := r.mainSubject(camID, obs); subj != nil {
			subjects[camID] = subj
		}
	}
	room.hottest, room.hottestOK = hottestSubject(subjects, room.programCam)

	// Second pass: features, fusion, publish.
	for _, camID := range camIDs {
		payload := r.scoreCam(camID, obsByCam, subjects, room)

		r.mu.Lock()
		r.latest[camID] = payload
		r.mu.Unlock()

		msg, err := protocol.NewMessage(protocol.TypeScore, payload)
		if err != nil {
			log.Error("score message", "cam", camID, "error", err)
			continue
		}
		r.bus.Publish(bus.TopicScores, msg)
	}

	// Cameras that left take their bookkeeping with them.
	live := make(map[string]bool, len(camIDs))
	for _, id := range camIDs {
		live[id] = true
	}
	r.mu.Lock()
	for id := range r.latest {
		if !live[id] {
			delete(r.latest, id)
		}
	}
	r.mu.Unlock()
}

func (r *Ranker) scoreCam(camID string, obsByCam map[string]analyze.Observations,
	subjects map[string]*subjectInfo, room roomContext) protocol.ScorePayload {

	ts := float64(room.now.UnixNano()) / float64(time.Second)

	if r.cams.Degraded(camID) {
		return protocol.ScorePayload{CamID: camID, Timestamp: ts, Score: 0, Reason: "degraded"}
	}

	obs, ok := obsByCam[camID]
	if !ok || (!obs.DetectionsOK && !obs.SpeechOK && obs.Scene == nil) {
		// Camera just joined or produced nothing this tick; publish the
		// aligned zero score.
		return protocol.ScorePayload{CamID: camID, Timestamp: ts, Score: 0, Reason: "no-data"}
	}

	fv := computeFeatures(r.params, obs, subjects[camID], room)
	score := r.scorer.Score(fv)

	var keywords []string
	for _, seg := range obs.Speech {
		keywords = append(keywords, seg.Keywords...)
	}

	return protocol.ScorePayload{
		CamID:     camID,
		Timestamp: ts,
		Score:     score,
		Reason:    r.scorer.Rationale(fv, keywords),
		Features:  fv.Features,
	}
}

// mainSubject resolves the tracker's main subject into a cross-camera
// comparable subjectInfo.
func (r *Ranker) mainSubject(camID string, obs analyze.Observations) *subjectInfo {
	if !obs.TracksOK || len(obs.Tracks) == 0 {
		return nil
	}
	id, ok := r.tracker.MainSubject(camID)
	if !ok {
		return nil
	}
	var track *analyze.Track
	for i := range obs.Tracks {
		if obs.Tracks[i].ID == id {
			track = &obs.Tracks[i]
			break
		}
	}
	if track == nil {
		return nil
	}

	cx, cy := track.Box.Center()
	class := nearestClass(obs.Detections, cx, cy)
	return &subjectInfo{
		key:     subjectKey{class: class, quadrant: quadrant(cx, cy)},
		age:     track.Age,
		hotness: track.Score * (1 + track.Speed()),
	}
}

// nearestClass finds the detection class closest to a centroid.
func nearestClass(dets []analyze.Detection, cx, cy float64) string {
	best := ""
	bestDist := math.MaxFloat64
	for _, d := range dets {
		dx, dy := d.Box.Center()
		if dist := math.Hypot(dx-cx, dy-cy); dist < bestDist {
			bestDist = dist
			best = d.Class
		}
	}
	return best
}

// hottestSubject picks the subject with the highest hotness across cams,
// resolving ties in favor of the current program camera.
func hottestSubject(subjects map[string]*subjectInfo, programCam string) (subjectKey, bool) {
	var best *subjectInfo
	for camID, subj := range subjects {
		if best == nil || subj.hotness > best.hotness ||
			(subj.hotness == best.hotness && camID == programCam) {
			best = subj
		}
	}
	if best == nil {
		return subjectKey{}, false
	}
	return best.key, true
}

// LatestScores returns a copy of the newest score per camera.
func (r *Ranker) LatestScores() map[string]protocol.ScorePayload {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]protocol.ScorePayload, len(r.latest))
	for id, s := range r.latest {
		out[id] = s
	}
	return out
}

// LatestFeatures returns the newest feature snapshot for one camera.
func (r *Ranker) LatestFeatures(camID string) (protocol.Features, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.latest[camID]
	return s.Features, ok
}

func copyTimes(m map[string]time.Time) map[string]time.Time {
	out := make(map[string]time.Time, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
