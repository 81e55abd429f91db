package rank

import (
	"math"
	"testing"
	"time"

	"github.com/castlabs-oss/go-director/pkg/analyze"
)

func almost(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestFaceSalience(t *testing.T) {
	t.Run("sums person detections", func(t *testing.T) {
		dets := []analyze.Detection{
			{Class: "person", Confidence: 0.8, Box: analyze.BBox{X: 0.1, Y: 0.1, W: 0.5, H: 0.5}},
			{Class: "dog", Confidence: 0.9, Box: analyze.BBox{X: 0.5, Y: 0.5, W: 0.4, H: 0.4}},
		}
		// 0.25 area * 0.8 conf = 0.2; the dog does not count.
		if got := faceSalience(dets); !almost(got, 0.2) {
			t.Errorf("got %v, want 0.2", got)
		}
	})

	t.Run("clips at one", func(t *testing.T) {
		dets := []analyze.Detection{
			{Class: "person", Confidence: 1, Box: analyze.BBox{W: 1, H: 1}},
			{Class: "person", Confidence: 1, Box: analyze.BBox{W: 1, H: 1}},
		}
		if got := faceSalience(dets); got != 1 {
			t.Errorf("got %v, want 1", got)
		}
	})
}

func TestMotionSalience(t *testing.T) {
	t.Run("ignores young tracks", func(t *testing.T) {
		tracks := []analyze.Track{
			{Age: 1, Velocity: analyze.Vec2{X: 5}},
			{Age: 2, Velocity: analyze.Vec2{X: 5}},
		}
		if got := motionSalience(tracks, 1.0); got != 0 {
			t.Errorf("got %v, want 0", got)
		}
	})

	t.Run("mean of normalized speeds", func(t *testing.T) {
		tracks := []analyze.Track{
			{Age: 5, Velocity: analyze.Vec2{X: 0.5}}, // 0.5
			{Age: 5, Velocity: analyze.Vec2{X: 2.0}}, // capped to 1
		}
		if got := motionSalience(tracks, 1.0); !almost(got, 0.75) {
			t.Errorf("got %v, want 0.75", got)
		}
	})
}

func TestSpeechEnergy(t *testing.T) {
	now := time.Unix(100, 0)
	seg := func(db float64) []analyze.SpeechSegment {
		return []analyze.SpeechSegment{{Text: "hello", EnergyDb: db}}
	}

	t.Run("floor and ceiling", func(t *testing.T) {
		if got := speechEnergy(seg(-60), now, now, time.Second); got != 0 {
			t.Errorf("-60 dB: got %v, want 0", got)
		}
		if got := speechEnergy(seg(-10), now, now, time.Second); got != 1 {
			t.Errorf("-10 dB: got %v, want 1", got)
		}
		if got := speechEnergy(seg(-35), now, now, time.Second); !almost(got, 0.5) {
			t.Errorf("-35 dB: got %v, want 0.5", got)
		}
	})

	t.Run("gated on speech presence", func(t *testing.T) {
		silent := []analyze.SpeechSegment{{Text: "", EnergyDb: -10}}
		if got := speechEnergy(silent, now, now, time.Second); got != 0 {
			t.Errorf("no text: got %v, want 0", got)
		}
	})

	t.Run("stale window scores zero", func(t *testing.T) {
		old := now.Add(-3 * time.Second)
		if got := speechEnergy(seg(-10), old, now, time.Second); got != 0 {
			t.Errorf("stale: got %v, want 0", got)
		}
	})
}

func TestKeywordBoost(t *testing.T) {
	now := time.Unix(100, 0)
	segs := []analyze.SpeechSegment{
		{Text: "goal and score", Keywords: []string{"goal", "score"}},
	}

	if got := keywordBoost(segs, now, now, time.Second, 3); !almost(got, 2.0/3.0) {
		t.Errorf("got %v, want 2/3", got)
	}
	if got := keywordBoost(segs, now, now, time.Second, 1); got != 1 {
		t.Errorf("saturated: got %v, want 1", got)
	}
	if got := keywordBoost(nil, now, now, time.Second, 3); got != 0 {
		t.Errorf("no segments: got %v, want 0", got)
	}
}

func TestFramingScore(t *testing.T) {
	t.Run("off-screen is zero", func(t *testing.T) {
		if got := framingScore(nil); got != 0 {
			t.Errorf("got %v, want 0", got)
		}
	})

	t.Run("on a thirds point is one", func(t *testing.T) {
		dets := []analyze.Detection{
			{Class: "person", Box: analyze.BBox{X: 1.0/3 - 0.05, Y: 1.0/3 - 0.05, W: 0.1, H: 0.1}},
		}
		if got := framingScore(dets); !almost(got, 1) {
			t.Errorf("got %v, want 1", got)
		}
	})

	t.Run("largest detection is the one framed", func(t *testing.T) {
		centered := analyze.Detection{Class: "cup", Box: analyze.BBox{X: 0.30, Y: 0.30, W: 0.06, H: 0.06}}
		corner := analyze.Detection{Class: "person", Box: analyze.BBox{X: 0.0, Y: 0.0, W: 0.3, H: 0.3}}
		with := framingScore([]analyze.Detection{centered, corner})
		solo := framingScore([]analyze.Detection{corner})
		if !almost(with, solo) {
			t.Errorf("largest box should drive framing: %v vs %v", with, solo)
		}
	})
}

func TestNoveltyDecay(t *testing.T) {
	tau := 8 * time.Second
	now := time.Unix(1000, 0)

	t.Run("never selected is full", func(t *testing.T) {
		room := roomContext{now: now, lastProgramEnd: map[string]time.Time{}}
		if got := noveltyDecay("cam-1", room, tau); got != 1 {
			t.Errorf("got %v, want 1", got)
		}
	})

	t.Run("current program is zero", func(t *testing.T) {
		room := roomContext{now: now, programCam: "cam-1", lastProgramEnd: map[string]time.Time{}}
		if got := noveltyDecay("cam-1", room, tau); got != 0 {
			t.Errorf("got %v, want 0", got)
		}
	})

	t.Run("recovers over time", func(t *testing.T) {
		room := roomContext{now: now, lastProgramEnd: map[string]time.Time{
			"cam-1": now.Add(-time.Second),
			"cam-2": now.Add(-time.Minute),
		}}
		recent := noveltyDecay("cam-1", room, tau)
		older := noveltyDecay("cam-2", room, tau)
		if recent >= older {
			t.Errorf("novelty should recover: recent %v, older %v", recent, older)
		}
		if older < 0.99 {
			t.Errorf("a minute off program should be near full novelty, got %v", older)
		}
	})
}

func TestInterestValue(t *testing.T) {
	now := time.Unix(100, 0)
	scene := analyze.SceneDescription{Interest: 5, Confidence: 1}

	t.Run("fresh is full", func(t *testing.T) {
		if got := interestValue(scene, now, now, 2*time.Second); !almost(got, 1) {
			t.Errorf("got %v, want 1", got)
		}
	})

	t.Run("decays linearly", func(t *testing.T) {
		at := now.Add(-time.Second)
		if got := interestValue(scene, at, now, 2*time.Second); !almost(got, 0.5) {
			t.Errorf("got %v, want 0.5", got)
		}
	})

	t.Run("expired is zero", func(t *testing.T) {
		at := now.Add(-3 * time.Second)
		if got := interestValue(scene, at, now, 2*time.Second); got != 0 {
			t.Errorf("got %v, want 0", got)
		}
	})

	t.Run("interest one maps to zero", func(t *testing.T) {
		dull := analyze.SceneDescription{Interest: 1}
		if got := interestValue(dull, now, now, 2*time.Second); got != 0 {
			t.Errorf("got %v, want 0", got)
		}
	})
}
