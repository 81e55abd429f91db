package director

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/castlabs-oss/go-director/internal/log"
	"github.com/castlabs-oss/go-director/pkg/bus"
	"github.com/castlabs-oss/go-director/pkg/protocol"
)

// Sentinel errors for the manual override API.
var (
	ErrUnknownCam  = errors.New("director: unknown camera")
	ErrCamCooldown = errors.New("director: camera in cooldown")
)

// SpeechAligner reports until when the current speaker's word runs, so
// cuts can land on word boundaries. The observation cache satisfies it.
type SpeechAligner interface {
	// SpeechActiveUntil returns the end of the most recent speech
	// segment for a camera, false when the camera has no recent speech.
	SpeechActiveUntil(camID string) (time.Time, bool)
}

// wordTail is the grace period after a segment end during which a word is
// still considered in progress.
const wordTail = 80 * time.Millisecond

// holdPublishEvery samples HOLD decisions on the bus; every reason
// transition publishes regardless.
const holdPublishEvery = 10

// Engine is the decision engine. It is the sole writer of program state;
// all other components observe it through Snapshot.
type Engine struct {
	policy Policy
	b      *bus.Bus
	speech SpeechAligner

	mu sync.Mutex

	// Latest score per camera, fed from the scores topic.
	scores map[string]protocol.ScorePayload

	state        EngineState
	currentCam   string
	manualCam    string
	lastSwitchAt time.Time
	shotStartAt  time.Time
	history      []HistoryEntry
	cooldowns    map[string]time.Time

	deferTicks     int
	holdCount      int
	lastHoldReason string

	now func() time.Time
}

// NewEngine creates an engine with empty program state.
func NewEngine(policy Policy, b *bus.Bus, speech SpeechAligner) *Engine {
	return &Engine{
		policy:    policy,
		b:         b,
		speech:    speech,
		scores:    make(map[string]protocol.ScorePayload),
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
	}
}

// Run consumes the scores topic and ticks at the given interval until the
// context is canceled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	sub := e.b.Subscribe(bus.TopicScores)
	defer sub.Cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("decision engine started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sub.C():
			e.onScore(msg)
		case <-ticker.C:
			d := e.Decide()
			e.publish(d)
		}
	}
}

// onScore records the newest score per camera, keeping per-cam timestamp
// order.
func (e *Engine) onScore(msg protocol.Message) {
	if msg.Type != protocol.TypeScore {
		return
	}
	var s protocol.ScorePayload
	if err := msg.ParsePayload(&s); err != nil || s.CamID == "" {
		return
	}
	e.mu.Lock()
	if prev, ok := e.scores[s.CamID]; !ok || s.Timestamp >= prev.Timestamp {
		e.scores[s.CamID] = s
	}
	e.mu.Unlock()
}

// OfferScore feeds one score directly; tests and embedders use it in
// place of the bus.
func (e *Engine) OfferScore(s protocol.ScorePayload) {
	e.mu.Lock()
	if prev, ok := e.scores[s.CamID]; !ok || s.Timestamp >= prev.Timestamp {
		e.scores[s.CamID] = s
	}
	e.mu.Unlock()
}

// Decide runs one decision tick and returns the decision. Any panic below
// it is contained: state is left untouched and an internal-error HOLD
// comes back.
func (e *Engine) Decide() (d protocol.DecisionPayload) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("decision tick panicked", "panic", fmt.Sprint(r), "state", e.state.String())
			d = e.hold(now, "internal-error")
		}
	}()

	return e.decideLocked(now)
}

func (e *Engine) decideLocked(now time.Time) protocol.DecisionPayload {
	// 1. Garbage-collect stale cameras.
	for camID, s := range e.scores {
		if now.Sub(tsTime(s.Timestamp)) > e.policy.StalenessWindow {
			delete(e.scores, camID)
		}
	}

	// 2. Expire cooldowns.
	for camID, until := range e.cooldowns {
		if !until.After(now) {
			delete(e.cooldowns, camID)
		}
	}

	// Current camera must have produced a score inside the staleness
	// window; otherwise it is no longer program.
	current, currentFresh := e.scores[e.currentCam]

	// Manual override short-circuits automatic selection.
	if e.manualCam != "" {
		return e.decideManual(now)
	}
	if e.state == StateManual {
		e.state = StateLive
	}

	// 3. Best candidate outside cooldown.
	best, ok := e.bestCandidate(now, "")
	if !ok {
		if e.currentCam != "" && !currentFresh {
			// All cameras stale: back to idle.
			e.currentCam = ""
			e.state = StateIdle
		}
		return e.hold(now, "no-candidates")
	}

	// 4. First selection.
	if e.currentCam == "" {
		return e.cut(now, best, "initial", false)
	}

	// 5. Current camera went stale.
	if !currentFresh {
		return e.cut(now, best, "current-stale", false)
	}

	// 6. Forced cut on overlong shots, even where policy would hold.
	shotDuration := now.Sub(e.shotStartAt)
	if shotDuration > e.policy.MaxShotDuration {
		if forced, ok := e.bestCandidate(now, e.currentCam); ok {
			return e.cut(now, forced, "max-duration", true)
		}
		return e.hold(now, "no-candidates")
	}

	// 7. Already on the best camera.
	if best.CamID == e.currentCam {
		return e.hold(now, "same-best")
	}

	// 8. Hysteresis.
	if e.policy.EnableHysteresis && shotDuration < e.policy.MinHold {
		return e.hold(now, "min-hold")
	}

	// 9. Score improvement must clear the threshold.
	delta := best.Score - current.Score
	if delta < e.policy.DeltaSThreshold {
		return e.hold(now, "delta-below-threshold")
	}

	// 10. Ping-pong guard.
	if e.isPingPong(best.CamID) {
		return e.hold(now, "ping-pong")
	}

	// 11. Speech-boundary alignment, with bounded deferral.
	if e.policy.EnableSpeechAlign && e.speech != nil && e.deferTicks < e.policy.MaxDeferTicks {
		if end, ok := e.speech.SpeechActiveUntil(e.currentCam); ok && now.Before(end.Add(wordTail)) {
			e.deferTicks++
			return e.hold(now, "mid-word")
		}
	}
	e.deferTicks = 0

	// 12. Cut.
	return e.cut(now, best, best.Reason, false)
}

// decideManual aligns the output with the manual camera once, then holds.
func (e *Engine) decideManual(now time.Time) protocol.DecisionPayload {
	e.state = StateManual
	if e.currentCam != e.manualCam {
		target, ok := e.scores[e.manualCam]
		if !ok {
			// Manual camera has gone stale; keep holding until it
			// returns or the override is cleared.
			return e.hold(now, "manual")
		}
		return e.cut(now, target, "manual", false)
	}
	return e.hold(now, "manual")
}

// bestCandidate returns the highest-scored fresh camera not in cooldown,
// excluding excludeCam when set.
func (e *Engine) bestCandidate(now time.Time, excludeCam string) (protocol.ScorePayload, bool) {
	var best protocol.ScorePayload
	found := false
	for camID, s := range e.scores {
		if camID == excludeCam {
			continue
		}
		if e.policy.EnableCooldown {
			if until, ok := e.cooldowns[camID]; ok && until.After(now) {
				continue
			}
		}
		if !found || s.Score > best.Score ||
			(s.Score == best.Score && camID < best.CamID) {
			best = s
			found = true
		}
	}
	return best, found
}

// isPingPong reports whether cutting to target would revisit it too often
// inside the sliding window. Forced cuts reset the window.
func (e *Engine) isPingPong(target string) bool {
	window := e.policy.PingPongWindow
	count := 0
	seen := 0
	for i := len(e.history) - 1; i >= 0 && seen < window; i-- {
		if e.history[i].Forced {
			break
		}
		if e.history[i].CamID == target {
			count++
		}
		seen++
	}
	return count >= e.policy.PingPongMaxRevisits
}

// cut mutates program state and builds the SWITCH decision.
func (e *Engine) cut(now time.Time, to protocol.ScorePayload, rationale string, forced bool) protocol.DecisionPayload {
	from := e.currentCam

	if from != "" && e.policy.EnableCooldown {
		e.cooldowns[from] = now.Add(e.policy.Cooldown)
	}

	e.currentCam = to.CamID
	e.lastSwitchAt = now
	e.shotStartAt = now
	e.deferTicks = 0
	if e.manualCam == "" {
		e.state = StateLive
	}

	e.history = append(e.history, HistoryEntry{CamID: to.CamID, At: now, Forced: forced})
	if len(e.history) > maxHistory {
		e.history = e.history[1:]
	}

	var delta *float64
	confidence := 1.0
	if from != "" {
		if fromScore, ok := e.scores[from]; ok {
			d := to.Score - fromScore.Score
			delta = &d
			if !forced && rationale != "manual" {
				confidence = deltaConfidence(d, e.policy.DeltaSThreshold)
			}
		}
	}

	return protocol.DecisionPayload{
		Timestamp:  tsFloat(now),
		Action:     "SWITCH",
		FromCam:    from,
		ToCam:      to.CamID,
		DeltaScore: delta,
		Rationale:  rationale,
		Confidence: confidence,
	}
}

func (e *Engine) hold(now time.Time, reason string) protocol.DecisionPayload {
	return protocol.DecisionPayload{
		Timestamp:  tsFloat(now),
		Action:     "HOLD",
		Rationale:  reason,
		Confidence: 1.0,
	}
}

// deltaConfidence maps the score improvement onto [0,1] relative to the
// threshold: just past the threshold is 0.5, twice the threshold is 1.
func deltaConfidence(delta, threshold float64) float64 {
	if threshold <= 0 {
		return 1
	}
	c := delta / (2 * threshold)
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// publish sends a decision to the switch topic. SWITCH always goes out;
// HOLDs are sampled, except when the reason changes.
func (e *Engine) publish(d protocol.DecisionPayload) {
	if d.Action == "HOLD" {
		e.mu.Lock()
		changed := d.Rationale != e.lastHoldReason
		e.lastHoldReason = d.Rationale
		e.holdCount++
		sampled := e.holdCount%holdPublishEvery == 0
		e.mu.Unlock()
		if !changed && !sampled {
			return
		}
	} else {
		e.mu.Lock()
		e.lastHoldReason = ""
		e.mu.Unlock()
	}

	msgType := protocol.TypeSwitch
	if d.Action == "HOLD" {
		msgType = protocol.TypeHold
	}
	msg, err := protocol.NewMessage(msgType, d)
	if err != nil {
		log.Error("decision message", "error", err)
		return
	}
	e.b.Publish(bus.TopicSwitch, msg)
}

// SetManual engages the manual override. Setting the same camera twice is
// a no-op after the first.
func (e *Engine) SetManual(camID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.manualCam == camID {
		return nil
	}
	s, ok := e.scores[camID]
	if !ok || e.now().Sub(tsTime(s.Timestamp)) > e.policy.StalenessWindow {
		return ErrUnknownCam
	}
	if e.policy.EnableCooldown {
		if until, ok := e.cooldowns[camID]; ok && until.After(e.now()) {
			return ErrCamCooldown
		}
	}
	e.manualCam = camID
	e.state = StateManual
	log.Info("manual override set", "cam", camID)
	return nil
}

// ClearManual releases the override; automatic operation resumes with
// hysteresis computed from the manual switch time.
func (e *Engine) ClearManual() {
	e.mu.Lock()
	if e.manualCam != "" {
		log.Info("manual override cleared", "cam", e.manualCam)
	}
	e.manualCam = ""
	if e.currentCam != "" {
		e.state = StateLive
	} else {
		e.state = StateIdle
	}
	e.mu.Unlock()
}

// Reset clears program state back to startup, keeping the score stream.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.currentCam = ""
	e.manualCam = ""
	e.lastSwitchAt = time.Time{}
	e.shotStartAt = time.Time{}
	e.history = nil
	e.cooldowns = make(map[string]time.Time)
	e.deferTicks = 0
	e.holdCount = 0
	e.lastHoldReason = ""
	e.state = StateIdle
	e.mu.Unlock()
	log.Info("program state reset")
}

// Snapshot returns a deep copy of the program state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	history := make([]HistoryEntry, len(e.history))
	copy(history, e.history)
	cooldowns := make(map[string]time.Time, len(e.cooldowns))
	for k, v := range e.cooldowns {
		cooldowns[k] = v
	}
	return Snapshot{
		State:        e.state.String(),
		CurrentCam:   e.currentCam,
		ManualCam:    e.manualCam,
		LastSwitchAt: e.lastSwitchAt,
		ShotStartAt:  e.shotStartAt,
		History:      history,
		Cooldowns:    cooldowns,
	}
}

// CurrentCam returns the program camera id, empty when idle.
func (e *Engine) CurrentCam() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentCam
}

func tsTime(ts float64) time.Time {
	return time.Unix(0, int64(ts*float64(time.Second)))
}

func tsFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
