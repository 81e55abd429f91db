// Package config provides environment-driven configuration for go-director.
// All keys are optional; defaults target a five-camera room at 10 Hz.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the immutable runtime configuration, read once at startup.
type Config struct {
	// SFU connection
	SFUURL    string
	SFUToken  string
	CamPrefix string

	// Tick rates
	AnalysisRateHz float64
	RankingRateHz  float64
	DecisionRateHz float64

	// Switching policy
	MinHoldSec          float64
	CooldownSec         float64
	DeltaSThreshold     float64
	MaxShotDurationSec  float64
	EnableHysteresis    bool
	EnableCooldown      bool
	EnableSpeechAlign   bool
	PingPongWindow      int
	PingPongMaxRevisits int
	MaxDeferTicks       int

	// Liveness
	StalenessWindowSec float64

	// Narration
	MaxTTSLatencyMs   int
	MaxNarrationWords int
	TTSBaseURL        string

	// Analyzers
	Keywords        []string
	DetectorModel   string
	SceneBaseURL    string
	SpeechBaseURL   string
	SceneIntervalMs int

	// Ranking weights
	Weights Weights

	// Process
	Port             string
	LogLevel         string
	ShutdownGraceSec float64
}

// Weights holds the fusion weights for the rule-based scorer.
// They are normalized to sum to 1 before use.
type Weights struct {
	FaceSalience       float64
	MotionSalience     float64
	MainSubjectOverlap float64
	SpeechEnergy       float64
	KeywordBoost       float64
	FramingScore       float64
	NoveltyDecay       float64
	ContinuityBonus    float64
	Interest           float64
}

// DefaultWeights returns the production ranking weights.
func DefaultWeights() Weights {
	return Weights{
		FaceSalience:       0.25,
		MotionSalience:     0.15,
		MainSubjectOverlap: 0.15,
		SpeechEnergy:       0.15,
		KeywordBoost:       0.10,
		FramingScore:       0.10,
		NoveltyDecay:       0.05,
		ContinuityBonus:    0.05,
		Interest:           0.10,
	}
}

// Load reads the configuration from the environment.
func Load() Config {
	return Config{
		SFUURL:    getString("SFU_URL", "ws://localhost:7880"),
		SFUToken:  getString("SFU_TOKEN", ""),
		CamPrefix: getString("CAM_PREFIX", "cam-"),

		AnalysisRateHz: getFloat("ANALYSIS_RATE_HZ", 10),
		RankingRateHz:  getFloat("RANKING_RATE_HZ", 10),
		DecisionRateHz: getFloat("DECISION_RATE_HZ", 10),

		MinHoldSec:          getFloat("MIN_HOLD_SEC", 2.0),
		CooldownSec:         getFloat("COOLDOWN_SEC", 4.0),
		DeltaSThreshold:     getFloat("DELTA_S_THRESHOLD", 0.15),
		MaxShotDurationSec:  getFloat("MAX_SHOT_DURATION_SEC", 15.0),
		EnableHysteresis:    getBool("ENABLE_HYSTERESIS", true),
		EnableCooldown:      getBool("ENABLE_COOLDOWN", true),
		EnableSpeechAlign:   getBool("ENABLE_SPEECH_ALIGN", true),
		PingPongWindow:      getInt("PING_PONG_WINDOW", 5),
		PingPongMaxRevisits: getInt("PING_PONG_MAX_REVISITS", 2),
		MaxDeferTicks:       getInt("MAX_DEFER_TICKS", 3),

		StalenessWindowSec: getFloat("STALENESS_WINDOW_SEC", 2.0),

		MaxTTSLatencyMs:   getInt("MAX_TTS_LATENCY_MS", 600),
		MaxNarrationWords: getInt("MAX_NARRATION_WORDS", 12),
		TTSBaseURL:        getString("TTS_BASE_URL", "http://localhost:5002"),

		Keywords:        getList("KEYWORDS", "goal,score,win,amazing,wow"),
		DetectorModel:   getString("DETECTOR_MODEL", "models/yolov8n.onnx"),
		SceneBaseURL:    getString("SCENE_BASE_URL", "http://localhost:5003"),
		SpeechBaseURL:   getString("SPEECH_BASE_URL", "http://localhost:5004"),
		SceneIntervalMs: getInt("SCENE_INTERVAL_MS", 700),

		Weights: loadWeights(),

		Port:             getString("PORT", "8080"),
		LogLevel:         getString("LOG_LEVEL", "info"),
		ShutdownGraceSec: getFloat("SHUTDOWN_GRACE_SEC", 5.0),
	}
}

func loadWeights() Weights {
	w := DefaultWeights()
	w.FaceSalience = getFloat("W_FACE", w.FaceSalience)
	w.MotionSalience = getFloat("W_MOTION", w.MotionSalience)
	w.MainSubjectOverlap = getFloat("W_SUBJECT", w.MainSubjectOverlap)
	w.SpeechEnergy = getFloat("W_SPEECH", w.SpeechEnergy)
	w.KeywordBoost = getFloat("W_KEYWORD", w.KeywordBoost)
	w.FramingScore = getFloat("W_FRAMING", w.FramingScore)
	w.NoveltyDecay = getFloat("W_NOVELTY", w.NoveltyDecay)
	w.ContinuityBonus = getFloat("W_CONTINUITY", w.ContinuityBonus)
	w.Interest = getFloat("W_INTEREST", w.Interest)
	return w
}

// Validate checks the policy for values that would make the director
// misbehave. A non-nil error is fatal at startup.
func (c Config) Validate() error {
	if c.MinHoldSec < 0 {
		return fmt.Errorf("config: MIN_HOLD_SEC must be >= 0, got %v", c.MinHoldSec)
	}
	if c.CooldownSec < 0 {
		return fmt.Errorf("config: COOLDOWN_SEC must be >= 0, got %v", c.CooldownSec)
	}
	if c.DeltaSThreshold < 0 || c.DeltaSThreshold > 1 {
		return fmt.Errorf("config: DELTA_S_THRESHOLD must be in [0,1], got %v", c.DeltaSThreshold)
	}
	if c.MaxShotDurationSec <= 0 {
		return fmt.Errorf("config: MAX_SHOT_DURATION_SEC must be > 0, got %v", c.MaxShotDurationSec)
	}
	if c.MaxShotDurationSec < c.MinHoldSec {
		return fmt.Errorf("config: MAX_SHOT_DURATION_SEC (%v) must be >= MIN_HOLD_SEC (%v)",
			c.MaxShotDurationSec, c.MinHoldSec)
	}
	if c.PingPongWindow < 1 {
		return fmt.Errorf("config: PING_PONG_WINDOW must be >= 1, got %d", c.PingPongWindow)
	}
	if c.PingPongMaxRevisits < 1 {
		return fmt.Errorf("config: PING_PONG_MAX_REVISITS must be >= 1, got %d", c.PingPongMaxRevisits)
	}
	if c.MaxDeferTicks < 0 {
		return fmt.Errorf("config: MAX_DEFER_TICKS must be >= 0, got %d", c.MaxDeferTicks)
	}
	for _, rate := range []struct {
		key string
		val float64
	}{
		{"ANALYSIS_RATE_HZ", c.AnalysisRateHz},
		{"RANKING_RATE_HZ", c.RankingRateHz},
		{"DECISION_RATE_HZ", c.DecisionRateHz},
	} {
		if rate.val <= 0 || rate.val > 60 {
			return fmt.Errorf("config: %s must be in (0,60], got %v", rate.key, rate.val)
		}
	}
	if c.StalenessWindowSec <= 0 {
		return fmt.Errorf("config: STALENESS_WINDOW_SEC must be > 0, got %v", c.StalenessWindowSec)
	}
	if w := c.Weights.Sum(); w <= 0 {
		return fmt.Errorf("config: ranking weights must sum to > 0, got %v", w)
	}
	return nil
}

// Sum returns the unnormalized weight total.
func (w Weights) Sum() float64 {
	return w.FaceSalience + w.MotionSalience + w.MainSubjectOverlap +
		w.SpeechEnergy + w.KeywordBoost + w.FramingScore +
		w.NoveltyDecay + w.ContinuityBonus + w.Interest
}

// AnalysisInterval returns the sampler tick period.
func (c Config) AnalysisInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.AnalysisRateHz)
}

// RankingInterval returns the ranker tick period.
func (c Config) RankingInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.RankingRateHz)
}

// DecisionInterval returns the decision tick period.
func (c Config) DecisionInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.DecisionRateHz)
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getList(key, def string) []string {
	raw := getString(key, def)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, strings.ToLower(s))
		}
	}
	return out
}
