// Package rank fuses per-camera observations into scalar scores at a
// fixed tick rate. One CameraScore per camera per tick goes out on the
// scores topic, carrying the feature vector and a short rationale.
package rank

import (
	"math"
	"sort"
	"time"

	"github.com/castlabs-oss/go-director/pkg/analyze"
	"github.com/castlabs-oss/go-director/pkg/protocol"
)

// Feature term names, used for availability masks and rationales.
const (
	TermFace       = "faceSalience"
	TermSubject    = "mainSubjectOverlap"
	TermMotion     = "motionSalience"
	TermSpeech     = "speechEnergy"
	TermKeyword    = "keywordBoost"
	TermFraming    = "framingScore"
	TermNovelty    = "noveltyDecay"
	TermContinuity = "continuityBonus"
	TermInterest   = "interest"
)

// FeatureVector is the computed features plus the availability mask:
// a term whose analyzer was unavailable is absent, never zero.
type FeatureVector struct {
	protocol.Features
	Available map[string]bool
}

// FeatureParams tunes the individual feature computations.
type FeatureParams struct {
	// VMax is the track speed (normalized units/s) mapped to full
	// motion salience.
	VMax float64

	// KeywordTarget is the hit count mapped to full keyword boost.
	KeywordTarget int

	// NoveltyTau is the recovery time constant after leaving program.
	NoveltyTau time.Duration

	// ContinuitySaturation is the main-subject age (frames) mapped to
	// full continuity bonus.
	ContinuitySaturation int

	// InterestTTL is how long a scene interest reading survives before
	// decaying to zero.
	InterestTTL time.Duration

	// SpeechWindow bounds how old speech may be and still count.
	SpeechWindow time.Duration
}

// DefaultFeatureParams returns production settings.
func DefaultFeatureParams() FeatureParams {
	return FeatureParams{
		VMax:                 1.0,
		KeywordTarget:        3,
		NoveltyTau:           8 * time.Second,
		ContinuitySaturation: 30,
		InterestTTL:          2 * time.Second,
		SpeechWindow:         time.Second,
	}
}

// subjectKey identifies a main subject across cameras. Track ids are not
// comparable across cams, so the key is class plus the frame quadrant of
// the centroid.
type subjectKey struct {
	class    string
	quadrant int
}

// roomContext is the cross-camera state a single tick's feature pass
// needs: the hottest subject and novelty bookkeeping.
type roomContext struct {
	now        time.Time
	programCam string
	// lastProgramEnd is when each camera last left program; zero time
	// means never selected.
	lastProgramEnd map[string]time.Time
	hottest        subjectKey
	hottestOK      bool
}

// computeFeatures reduces one camera's observations to the feature vector.
func computeFeatures(p FeatureParams, obs analyze.Observations, subj *subjectInfo, room roomContext) FeatureVector {
	fv := FeatureVector{Available: make(map[string]bool, 9)}

	if obs.DetectionsOK {
		fv.FaceSalience = faceSalience(obs.Detections)
		fv.FramingScore = framingScore(obs.Detections)
		fv.Available[TermFace] = true
		fv.Available[TermFraming] = true
		fv.TopObjects = topObjects(obs.Detections, 3)
	}

	if obs.TracksOK {
		fv.MotionSalience = motionSalience(obs.Tracks, p.VMax)
		fv.ContinuityBonus = continuityBonus(subj, p.ContinuitySaturation)
		fv.Available[TermMotion] = true
		fv.Available[TermContinuity] = true
	}

	if obs.DetectionsOK && obs.TracksOK {
		fv.MainSubjectOverlap = 0
		if room.hottestOK && subj != nil && subj.key == room.hottest {
			fv.MainSubjectOverlap = 1
		}
		fv.Available[TermSubject] = true
	}

	if obs.SpeechOK {
		fv.SpeechEnergy = speechEnergy(obs.Speech, obs.SpeechAt, room.now, p.SpeechWindow)
		fv.KeywordBoost = keywordBoost(obs.Speech, obs.SpeechAt, room.now, p.SpeechWindow, p.KeywordTarget)
		fv.Available[TermSpeech] = true
		fv.Available[TermKeyword] = true
		fv.RecentSpeechText = recentSpeechText(obs.Speech)
	}

	if obs.Scene != nil {
		fv.Interest = interestValue(*obs.Scene, obs.SceneAt, room.now, p.InterestTTL)
		fv.Available[TermInterest] = true
		fv.Tags = append([]string(nil), obs.Scene.Tags...)
	}

	// Novelty needs no analyzer; it is always available.
	fv.NoveltyDecay = noveltyDecay(obs.CamID, room, p.NoveltyTau)
	fv.Available[TermNovelty] = true

	clampFeatures(&fv.Features)
	return fv
}

// faceSalience is the clipped sum of bbox-area * confidence over person
// detections.
func faceSalience(dets []analyze.Detection) float64 {
	sum := 0.0
	for _, d := range dets {
		if !analyze.IsPerson(d.Class) {
			continue
		}
		sum += d.Box.Area() * d.Confidence
	}
	return clamp01(sum)
}

// motionSalience is the mean normalized speed across mature tracks.
func motionSalience(tracks []analyze.Track, vMax float64) float64 {
	if vMax <= 0 {
		return 0
	}
	sum, n := 0.0, 0
	for _, t := range tracks {
		if t.Age < 3 {
			continue
		}
		sum += math.Min(t.Speed()/vMax, 1)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// speechEnergy maps segment energy from [-60,-10] dBFS onto [0,1],
// gated on speech being present in the recent window.
func speechEnergy(segs []analyze.SpeechSegment, at, now time.Time, window time.Duration) float64 {
	if now.Sub(at) > window {
		return 0
	}
	best := 0.0
	for _, seg := range segs {
		if seg.Text == "" {
			continue
		}
		e := (seg.EnergyDb + 60) / 50
		if e > best {
			best = e
		}
	}
	return clamp01(best)
}

// keywordBoost counts keyword hits in the recent window against the
// configured target.
func keywordBoost(segs []analyze.SpeechSegment, at, now time.Time, window time.Duration, target int) float64 {
	if target <= 0 || now.Sub(at) > window {
		return 0
	}
	n := 0
	for _, seg := range segs {
		n += len(seg.Keywords)
	}
	return math.Min(float64(n)/float64(target), 1)
}

// Rule-of-thirds intersections in normalized coordinates.
var thirdsPoints = [4][2]float64{
	{1.0 / 3, 1.0 / 3}, {2.0 / 3, 1.0 / 3},
	{1.0 / 3, 2.0 / 3}, {2.0 / 3, 2.0 / 3},
}

// thirdsMaxDist is the farthest any on-screen point can be from its
// nearest thirds intersection (a frame corner).
var thirdsMaxDist = math.Hypot(1.0/3, 1.0/3)

// framingScore measures how close the largest detection sits to the
// nearest rule-of-thirds intersection. No detections means off-screen.
func framingScore(dets []analyze.Detection) float64 {
	if len(dets) == 0 {
		return 0
	}
	largest := dets[0]
	for _, d := range dets[1:] {
		if d.Box.Area() > largest.Box.Area() {
			largest = d
		}
	}
	cx, cy := largest.Box.Center()
	if cx < 0 || cx > 1 || cy < 0 || cy > 1 {
		return 0
	}
	nearest := math.MaxFloat64
	for _, p := range thirdsPoints {
		if d := math.Hypot(cx-p[0], cy-p[1]); d < nearest {
			nearest = d
		}
	}
	return clamp01(1 - nearest/thirdsMaxDist)
}

// noveltyDecay recovers toward 1 the longer a camera has been off
// program; a camera never selected starts at full novelty.
func noveltyDecay(camID string, room roomContext, tau time.Duration) float64 {
	if camID == room.programCam {
		return 0
	}
	end, ok := room.lastProgramEnd[camID]
	if !ok || end.IsZero() {
		return 1
	}
	dt := room.now.Sub(end).Seconds()
	if dt < 0 {
		dt = 0
	}
	return clamp01(1 - math.Exp(-dt/tau.Seconds()))
}

// continuityBonus saturates with the main subject's age on this camera.
func continuityBonus(subj *subjectInfo, saturation int) float64 {
	if subj == nil || saturation <= 0 {
		return 0
	}
	return math.Min(float64(subj.age)/float64(saturation), 1)
}

// interestValue carries the scene interest forward, decaying linearly to
// zero over the TTL when not refreshed.
func interestValue(scene analyze.SceneDescription, at, now time.Time, ttl time.Duration) float64 {
	age := now.Sub(at)
	if age >= ttl {
		return 0
	}
	fade := 1 - age.Seconds()/ttl.Seconds()
	return clamp01(scene.NormalizedInterest() * fade)
}

func recentSpeechText(segs []analyze.SpeechSegment) string {
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1].Text
}

func topObjects(dets []analyze.Detection, n int) []string {
	sorted := append([]analyze.Detection(nil), dets...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Box.Area() > sorted[j].Box.Area()
	})
	var out []string
	seen := make(map[string]bool)
	for _, d := range sorted {
		if seen[d.Class] {
			continue
		}
		seen[d.Class] = true
		out = append(out, d.Class)
		if len(out) == n {
			break
		}
	}
	return out
}

func quadrant(cx, cy float64) int {
	q := 0
	if cx >= 0.5 {
		q |= 1
	}
	if cy >= 0.5 {
		q |= 2
	}
	return q
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clampFeatures(f *protocol.Features) {
	f.FaceSalience = clamp01(f.FaceSalience)
	f.MainSubjectOverlap = clamp01(f.MainSubjectOverlap)
	f.MotionSalience = clamp01(f.MotionSalience)
	f.SpeechEnergy = clamp01(f.SpeechEnergy)
	f.KeywordBoost = clamp01(f.KeywordBoost)
	f.FramingScore = clamp01(f.FramingScore)
	f.NoveltyDecay = clamp01(f.NoveltyDecay)
	f.ContinuityBonus = clamp01(f.ContinuityBonus)
	f.Interest = clamp01(f.Interest)
}
