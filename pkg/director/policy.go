// Package director implements the switching decision engine: the single
// writer of program state. It consumes the score stream and emits
// SWITCH/HOLD decisions under hysteresis, cooldown, anti-ping-pong,
// maximum-shot-duration, and speech-boundary constraints.
package director

import (
	"time"

	"github.com/castlabs-oss/go-director/internal/config"
)

// Policy is the switching policy, immutable for the life of a run.
type Policy struct {
	MinHold           time.Duration
	Cooldown          time.Duration
	DeltaSThreshold   float64
	MaxShotDuration   time.Duration
	EnableHysteresis  bool
	EnableCooldown    bool
	EnableSpeechAlign bool

	PingPongWindow      int
	PingPongMaxRevisits int
	MaxDeferTicks       int

	StalenessWindow time.Duration
}

// PolicyFromConfig converts the environment configuration into a policy.
func PolicyFromConfig(c config.Config) Policy {
	return Policy{
		MinHold:             secs(c.MinHoldSec),
		Cooldown:            secs(c.CooldownSec),
		DeltaSThreshold:     c.DeltaSThreshold,
		MaxShotDuration:     secs(c.MaxShotDurationSec),
		EnableHysteresis:    c.EnableHysteresis,
		EnableCooldown:      c.EnableCooldown,
		EnableSpeechAlign:   c.EnableSpeechAlign,
		PingPongWindow:      c.PingPongWindow,
		PingPongMaxRevisits: c.PingPongMaxRevisits,
		MaxDeferTicks:       c.MaxDeferTicks,
		StalenessWindow:     secs(c.StalenessWindowSec),
	}
}

// DefaultPolicy returns the production switching policy.
func DefaultPolicy() Policy {
	return Policy{
		MinHold:             2 * time.Second,
		Cooldown:            4 * time.Second,
		DeltaSThreshold:     0.15,
		MaxShotDuration:     15 * time.Second,
		EnableHysteresis:    true,
		EnableCooldown:      true,
		EnableSpeechAlign:   true,
		PingPongWindow:      5,
		PingPongMaxRevisits: 2,
		MaxDeferTicks:       3,
		StalenessWindow:     2 * time.Second,
	}
}

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// HistoryEntry records one cut in the bounded switch history.
type HistoryEntry struct {
	CamID string    `json:"camId"`
	At    time.Time `json:"at"`
	// Forced marks a max-duration cut, which resets the ping-pong guard.
	Forced bool `json:"forced"`
}

// maxHistory bounds the in-memory switch history.
const maxHistory = 32

// Snapshot is a deep copy of the program state for read-only observers.
type Snapshot struct {
	State        string               `json:"state"`
	CurrentCam   string               `json:"currentCam,omitempty"`
	ManualCam    string               `json:"manualCam,omitempty"`
	LastSwitchAt time.Time            `json:"lastSwitchAt"`
	ShotStartAt  time.Time            `json:"shotStartAt"`
	History      []HistoryEntry       `json:"history"`
	Cooldowns    map[string]time.Time `json:"cooldowns"`
}

// EngineState is the engine's coarse state machine position.
type EngineState int

const (
	StateIdle EngineState = iota
	StateLive
	StateManual
)

// String implements fmt.Stringer.
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLive:
		return "live"
	case StateManual:
		return "manual"
	default:
		return "unknown"
	}
}
