package director

import (
	"errors"
	"testing"
	"time"

	"github.com/castlabs-oss/go-director/pkg/bus"
	"github.com/castlabs-oss/go-director/pkg/protocol"
)

// testClock is a manually advanced clock for deterministic decisions.
type testClock struct {
	t time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Unix(1000, 0)}
}

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }
func (c *testClock) float() float64          { return float64(c.t.UnixNano()) / float64(time.Second) }

// fakeSpeech implements SpeechAligner.
type fakeSpeech struct {
	until map[string]time.Time
}

func (f *fakeSpeech) SpeechActiveUntil(camID string) (time.Time, bool) {
	t, ok := f.until[camID]
	return t, ok
}

func newTestEngine(p Policy) (*Engine, *testClock) {
	clock := newTestClock()
	e := NewEngine(p, bus.New(), nil)
	e.now = clock.now
	return e, clock
}

func (e *Engine) offer(clock *testClock, camID string, score float64) {
	e.OfferScore(protocol.ScorePayload{CamID: camID, Timestamp: clock.float(), Score: score})
}

func TestEngine_InitialSelection(t *testing.T) {
	// S1: two cameras start producing scores; the best one is selected
	// once, then held.
	e, clock := newTestEngine(DefaultPolicy())
	e.offer(clock, "A", 0.40)
	e.offer(clock, "B", 0.55)

	d := e.Decide()
	if d.Action != "SWITCH" || d.ToCam != "B" || d.Rationale != "initial" {
		t.Fatalf("expected initial switch to B, got %+v", d)
	}
	if d.FromCam != "" {
		t.Errorf("initial switch must have no fromCam, got %q", d.FromCam)
	}

	// Stable scores keep holding.
	for i := 0; i < 5; i++ {
		clock.advance(100 * time.Millisecond)
		e.offer(clock, "A", 0.40)
		e.offer(clock, "B", 0.55)
		if d := e.Decide(); d.Action != "HOLD" {
			t.Fatalf("tick %d: expected HOLD, got %+v", i, d)
		}
	}
}

func TestEngine_HysteresisHolds(t *testing.T) {
	// S2: a large delta cannot cut before minHold expires.
	e, clock := newTestEngine(DefaultPolicy())
	e.offer(clock, "A", 0.40)
	e.offer(clock, "B", 0.55)
	e.Decide() // initial -> B

	// Every tick strictly inside the hold window must refuse the cut.
	for i := 0; i < 19; i++ {
		clock.advance(100 * time.Millisecond)
		e.offer(clock, "A", 0.80)
		e.offer(clock, "B", 0.50)
		d := e.Decide()
		if d.Action != "HOLD" || d.Rationale != "min-hold" {
			t.Fatalf("tick %d: expected min-hold, got %+v", i, d)
		}
	}

	clock.advance(200 * time.Millisecond)
	e.offer(clock, "A", 0.80)
	e.offer(clock, "B", 0.50)
	d := e.Decide()
	if d.Action != "SWITCH" || d.ToCam != "A" {
		t.Fatalf("expected switch to A after minHold, got %+v", d)
	}
	if d.DeltaScore == nil || *d.DeltaScore < 0.15 {
		t.Errorf("switch delta should clear the threshold: %+v", d.DeltaScore)
	}
}

func TestEngine_CooldownBlocksReturn(t *testing.T) {
	// S3: after switching away from B, B cannot be selected again until
	// its cooldown expires.
	e, clock := newTestEngine(DefaultPolicy())
	e.offer(clock, "A", 0.40)
	e.offer(clock, "B", 0.55)
	e.Decide() // -> B

	clock.advance(3 * time.Second)
	e.offer(clock, "A", 0.80)
	e.offer(clock, "B", 0.50)
	d := e.Decide()
	if d.Action != "SWITCH" || d.ToCam != "A" {
		t.Fatalf("expected switch to A, got %+v", d)
	}
	// Scores flip right back, but B is cooling down. Every tick
	// strictly inside the cooldown must hold.
	for i := 0; i < 15; i++ {
		clock.advance(250 * time.Millisecond)
		e.offer(clock, "A", 0.40)
		e.offer(clock, "B", 0.90)
		if d := e.Decide(); d.Action == "SWITCH" {
			t.Fatalf("switched to %s during cooldown at tick %d", d.ToCam, i)
		}
	}

	clock.advance(500 * time.Millisecond)
	e.offer(clock, "A", 0.40)
	e.offer(clock, "B", 0.90)
	d = e.Decide()
	if d.Action != "SWITCH" || d.ToCam != "B" {
		t.Fatalf("expected switch to B after cooldown, got %+v", d)
	}
}

func TestEngine_MaxDurationForcedCut(t *testing.T) {
	// S4: an overlong shot is cut even when the current camera still
	// scores best.
	e, clock := newTestEngine(DefaultPolicy())
	e.offer(clock, "A", 0.9)
	e.offer(clock, "B", 0.5)
	e.Decide() // -> A

	clock.advance(15*time.Second + 100*time.Millisecond)
	e.offer(clock, "A", 0.9)
	e.offer(clock, "B", 0.5)
	d := e.Decide()
	if d.Action != "SWITCH" || d.ToCam != "B" || d.Rationale != "max-duration" {
		t.Fatalf("expected forced cut to B, got %+v", d)
	}
}

func TestEngine_PingPongGuard(t *testing.T) {
	// S5: alternating history blocks another revisit; a forced cut
	// unlocks the guard.
	p := DefaultPolicy()
	e, clock := newTestEngine(p)

	// Manufacture the history [A, B, A, B, A].
	for _, cam := range []string{"A", "B", "A", "B", "A"} {
		e.history = append(e.history, HistoryEntry{CamID: cam, At: clock.t})
	}
	e.currentCam = "A"
	e.shotStartAt = clock.t
	e.lastSwitchAt = clock.t

	clock.advance(3 * time.Second)
	e.offer(clock, "A", 0.40)
	e.offer(clock, "B", 0.90)
	d := e.Decide()
	if d.Action != "HOLD" || d.Rationale != "ping-pong" {
		t.Fatalf("expected ping-pong hold, got %+v", d)
	}

	// A forced max-duration cut to C resets the guard.
	clock.advance(13 * time.Second)
	e.offer(clock, "A", 0.40)
	e.offer(clock, "B", 0.20)
	e.offer(clock, "C", 0.50)
	d = e.Decide()
	if d.Action != "SWITCH" || d.ToCam != "C" || d.Rationale != "max-duration" {
		t.Fatalf("expected forced cut to C, got %+v", d)
	}

	clock.advance(3 * time.Second)
	e.offer(clock, "A", 0.40)
	e.offer(clock, "B", 0.90)
	e.offer(clock, "C", 0.30)
	d2 := e.Decide()
	if d2.Action != "SWITCH" || d2.ToCam != "B" {
		t.Fatalf("guard should unlock after forced cut, got %+v", d2)
	}
}

func TestEngine_ManualOverride(t *testing.T) {
	// S6: exactly one manual switch, then manual holds; clearing
	// resumes automatic operation.
	e, clock := newTestEngine(DefaultPolicy())
	e.offer(clock, "A", 0.9)
	e.offer(clock, "C", 0.3)
	e.Decide() // -> A

	clock.advance(3 * time.Second)
	e.offer(clock, "A", 0.9)
	e.offer(clock, "C", 0.3)

	if err := e.SetManual("C"); err != nil {
		t.Fatalf("set manual: %v", err)
	}

	d := e.Decide()
	if d.Action != "SWITCH" || d.ToCam != "C" || d.Rationale != "manual" || d.FromCam != "A" {
		t.Fatalf("expected manual switch A->C, got %+v", d)
	}

	// Subsequent ticks hold on manual even with a much better camera.
	for i := 0; i < 5; i++ {
		clock.advance(time.Second)
		e.offer(clock, "A", 0.95)
		e.offer(clock, "C", 0.10)
		d := e.Decide()
		if d.Action != "HOLD" || d.Rationale != "manual" {
			t.Fatalf("expected manual hold, got %+v", d)
		}
	}

	// Setting the same camera twice is a no-op.
	if err := e.SetManual("C"); err != nil {
		t.Fatalf("re-set manual: %v", err)
	}
	d = e.Decide()
	if d.Action != "HOLD" {
		t.Fatalf("duplicate manual set must not re-switch, got %+v", d)
	}

	// Clearing resumes automatic switching, respecting minHold from the
	// manual switch.
	e.ClearManual()
	clock.advance(3 * time.Second)
	e.offer(clock, "A", 0.95)
	e.offer(clock, "C", 0.10)
	d = e.Decide()
	if d.Action != "SWITCH" || d.ToCam != "A" {
		t.Fatalf("expected automatic switch back to A, got %+v", d)
	}
}

func TestEngine_ManualErrors(t *testing.T) {
	e, clock := newTestEngine(DefaultPolicy())
	e.offer(clock, "A", 0.9)
	e.offer(clock, "B", 0.5)
	e.Decide() // -> A

	t.Run("unknown camera", func(t *testing.T) {
		if err := e.SetManual("nope"); !errors.Is(err, ErrUnknownCam) {
			t.Errorf("expected ErrUnknownCam, got %v", err)
		}
	})

	t.Run("camera in cooldown", func(t *testing.T) {
		clock.advance(3 * time.Second)
		e.offer(clock, "A", 0.3)
		e.offer(clock, "B", 0.9)
		d := e.Decide() // -> B, A cools down
		if d.Action != "SWITCH" || d.ToCam != "B" {
			t.Fatalf("setup switch failed: %+v", d)
		}
		if err := e.SetManual("A"); !errors.Is(err, ErrCamCooldown) {
			t.Errorf("expected ErrCamCooldown, got %v", err)
		}
	})
}

func TestEngine_SpeechAlignment(t *testing.T) {
	p := DefaultPolicy()
	speech := &fakeSpeech{until: map[string]time.Time{}}
	clock := newTestClock()
	e := NewEngine(p, bus.New(), speech)
	e.now = clock.now

	e.offer(clock, "A", 0.9)
	e.offer(clock, "B", 0.3)
	e.Decide() // -> A

	// A word is in progress on the current camera well past minHold.
	clock.advance(3 * time.Second)
	speech.until["A"] = clock.t.Add(time.Second)
	e.offer(clock, "A", 0.3)
	e.offer(clock, "B", 0.9)

	for i := 0; i < p.MaxDeferTicks; i++ {
		d := e.Decide()
		if d.Action != "HOLD" || d.Rationale != "mid-word" {
			t.Fatalf("defer %d: expected mid-word hold, got %+v", i, d)
		}
		clock.advance(100 * time.Millisecond)
		e.offer(clock, "A", 0.3)
		e.offer(clock, "B", 0.9)
	}

	// Deferral is capped; the cut happens even mid-word.
	d := e.Decide()
	if d.Action != "SWITCH" || d.ToCam != "B" {
		t.Fatalf("deferral must be bounded, got %+v", d)
	}
}

func TestEngine_StalenessAndIdle(t *testing.T) {
	e, clock := newTestEngine(DefaultPolicy())
	e.offer(clock, "A", 0.9)
	e.Decide() // -> A

	t.Run("current stale switches to fresh camera", func(t *testing.T) {
		clock.advance(3 * time.Second)
		e.offer(clock, "B", 0.4) // only B is fresh now
		d := e.Decide()
		if d.Action != "SWITCH" || d.ToCam != "B" || d.Rationale != "current-stale" {
			t.Fatalf("expected current-stale switch, got %+v", d)
		}
	})

	t.Run("all stale goes idle", func(t *testing.T) {
		clock.advance(5 * time.Second)
		d := e.Decide()
		if d.Action != "HOLD" || d.Rationale != "no-candidates" {
			t.Fatalf("expected no-candidates, got %+v", d)
		}
		if e.CurrentCam() != "" {
			t.Error("currentCam must clear when all cameras are stale")
		}
		if snap := e.Snapshot(); snap.State != "idle" {
			t.Errorf("expected idle state, got %s", snap.State)
		}
	})
}

func TestEngine_Boundaries(t *testing.T) {
	t.Run("single camera never churns", func(t *testing.T) {
		e, clock := newTestEngine(DefaultPolicy())
		e.offer(clock, "A", 0.5)
		d := e.Decide()
		if d.Action != "SWITCH" || d.ToCam != "A" {
			t.Fatalf("single camera must be selected, got %+v", d)
		}
		for i := 0; i < 50; i++ {
			clock.advance(100 * time.Millisecond)
			e.offer(clock, "A", 0.5)
			if d := e.Decide(); d.Action != "HOLD" {
				t.Fatalf("tick %d: single camera must hold, got %+v", i, d)
			}
		}
	})

	t.Run("zero hysteresis and threshold switches every tick", func(t *testing.T) {
		p := DefaultPolicy()
		p.MinHold = 0
		p.DeltaSThreshold = 0
		p.EnableCooldown = false
		p.PingPongMaxRevisits = 100
		e, clock := newTestEngine(p)

		e.offer(clock, "A", 0.6)
		e.offer(clock, "B", 0.5)
		e.Decide() // -> A

		cams := []string{"B", "A", "B", "A"}
		for i, want := range cams {
			clock.advance(100 * time.Millisecond)
			if want == "A" {
				e.offer(clock, "A", 0.9)
				e.offer(clock, "B", 0.1)
			} else {
				e.offer(clock, "A", 0.1)
				e.offer(clock, "B", 0.9)
			}
			d := e.Decide()
			if d.Action != "SWITCH" || d.ToCam != want {
				t.Fatalf("tick %d: expected switch to %s, got %+v", i, want, d)
			}
		}
	})

	t.Run("reset returns to startup state", func(t *testing.T) {
		e, clock := newTestEngine(DefaultPolicy())
		e.offer(clock, "A", 0.9)
		e.Decide()
		e.Reset()

		snap := e.Snapshot()
		if snap.CurrentCam != "" || len(snap.History) != 0 || len(snap.Cooldowns) != 0 {
			t.Errorf("reset left state behind: %+v", snap)
		}
		if snap.State != "idle" {
			t.Errorf("expected idle after reset, got %s", snap.State)
		}
	})
}

func TestEngine_Recovers(t *testing.T) {
	e, clock := newTestEngine(DefaultPolicy())
	// Simulate an internal fault with a poisoned speech aligner.
	e.speech = panicAligner{}
	e.policy.EnableSpeechAlign = true

	e.offer(clock, "A", 0.9)
	d := e.Decide()
	if d.Action != "SWITCH" {
		t.Fatalf("initial switch: %+v", d)
	}

	clock.advance(3 * time.Second)
	e.offer(clock, "A", 0.2)
	e.offer(clock, "B", 0.9)
	d = e.Decide()
	if d.Action != "HOLD" || d.Rationale != "internal-error" {
		t.Fatalf("expected internal-error hold, got %+v", d)
	}

	// State is untouched and the engine keeps working.
	if e.CurrentCam() != "A" {
		t.Error("panic must not mutate program state")
	}
}

type panicAligner struct{}

func (panicAligner) SpeechActiveUntil(string) (time.Time, bool) {
	panic("aligner exploded")
}

func TestEngine_TraceInvariants(t *testing.T) {
	// Drive a pseudo-random trace and check the quantified invariants
	// over the emitted switches.
	p := DefaultPolicy()
	e, clock := newTestEngine(p)

	var switches []protocol.DecisionPayload
	seed := uint64(42)
	next := func() float64 {
		seed = seed*6364136223846793005 + 1442695040888963407
		return float64(seed>>40) / float64(1<<24)
	}

	for tick := 0; tick < 600; tick++ {
		clock.advance(100 * time.Millisecond)
		for _, cam := range []string{"A", "B", "C"} {
			e.offer(clock, cam, next())
		}
		d := e.Decide()
		if d.Action == "SWITCH" {
			switches = append(switches, d)
		}
	}

	if len(switches) < 3 {
		t.Fatalf("trace produced too few switches: %d", len(switches))
	}

	exempt := map[string]bool{"initial": true, "current-stale": true, "max-duration": true, "manual": true}

	for i, s := range switches {
		// Invariant 4: no self switch.
		if s.FromCam != "" && s.FromCam == s.ToCam {
			t.Errorf("switch %d: fromCam == toCam == %s", i, s.ToCam)
		}
		// Invariant 3: delta clears threshold unless exempt.
		if !exempt[s.Rationale] {
			if s.DeltaScore == nil || *s.DeltaScore < p.DeltaSThreshold {
				t.Errorf("switch %d (%s): delta below threshold: %+v", i, s.Rationale, s.DeltaScore)
			}
		}
		if i == 0 {
			continue
		}
		// Invariant 1: minHold between consecutive switches. Float
		// timestamps lose sub-microsecond precision, so allow 1µs slack.
		gap := s.Timestamp - switches[i-1].Timestamp
		if gap < p.MinHold.Seconds()-1e-6 && !exempt[s.Rationale] {
			t.Errorf("switch %d: gap %.2fs below minHold", i, gap)
		}
		// Invariant 2: cooldown between revisits of the same camera.
		for j := i - 1; j >= 0; j-- {
			if switches[j].ToCam == s.ToCam {
				if gap := s.Timestamp - switches[j].Timestamp; gap < p.Cooldown.Seconds()-1e-6 {
					t.Errorf("switch %d: revisited %s after %.2fs < cooldown", i, s.ToCam, gap)
				}
				break
			}
		}
	}
}
