package config

import (
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	c := Load()

	if c.AnalysisRateHz != 10 || c.RankingRateHz != 10 || c.DecisionRateHz != 10 {
		t.Errorf("default rates wrong: %v %v %v", c.AnalysisRateHz, c.RankingRateHz, c.DecisionRateHz)
	}
	if c.MinHoldSec != 2.0 || c.CooldownSec != 4.0 {
		t.Errorf("default policy wrong: hold %v cooldown %v", c.MinHoldSec, c.CooldownSec)
	}
	if !c.EnableSpeechAlign {
		t.Error("speech alignment should default on")
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaults must validate: %v", err)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MIN_HOLD_SEC", "3.5")
	t.Setenv("PING_PONG_WINDOW", "7")
	t.Setenv("W_FACE", "0.4")
	t.Setenv("KEYWORDS", "Goal, SCORE ,win")

	c := Load()
	if c.MinHoldSec != 3.5 {
		t.Errorf("MIN_HOLD_SEC: %v", c.MinHoldSec)
	}
	if c.PingPongWindow != 7 {
		t.Errorf("PING_PONG_WINDOW: %v", c.PingPongWindow)
	}
	if c.Weights.FaceSalience != 0.4 {
		t.Errorf("W_FACE: %v", c.Weights.FaceSalience)
	}
	want := []string{"goal", "score", "win"}
	if len(c.Keywords) != 3 {
		t.Fatalf("keywords: %v", c.Keywords)
	}
	for i, kw := range want {
		if c.Keywords[i] != kw {
			t.Errorf("keyword %d: got %q, want %q", i, c.Keywords[i], kw)
		}
	}
}

func TestLoad_IgnoresMalformedValues(t *testing.T) {
	t.Setenv("MIN_HOLD_SEC", "not-a-number")
	if c := Load(); c.MinHoldSec != 2.0 {
		t.Errorf("malformed value should fall back to default, got %v", c.MinHoldSec)
	}
}

func TestValidate(t *testing.T) {
	base := Load()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative minHold", func(c *Config) { c.MinHoldSec = -1 }},
		{"negative cooldown", func(c *Config) { c.CooldownSec = -0.1 }},
		{"threshold above one", func(c *Config) { c.DeltaSThreshold = 1.5 }},
		{"zero max shot", func(c *Config) { c.MaxShotDurationSec = 0 }},
		{"max shot below min hold", func(c *Config) { c.MaxShotDurationSec = 1; c.MinHoldSec = 5 }},
		{"zero ping-pong window", func(c *Config) { c.PingPongWindow = 0 }},
		{"zero decision rate", func(c *Config) { c.DecisionRateHz = 0 }},
		{"zero staleness window", func(c *Config) { c.StalenessWindowSec = 0 }},
		{"zero weights", func(c *Config) { c.Weights = Weights{} }},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := base
			c.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestIntervals(t *testing.T) {
	c := Load()
	if got := c.DecisionInterval().Seconds(); got != 0.1 {
		t.Errorf("decision interval: %v", got)
	}
}

func TestWeightsSum(t *testing.T) {
	w := DefaultWeights()
	sum := w.Sum()
	if sum < 1.0-1e-9 || sum > 1.3 {
		t.Errorf("default weights sum unexpected: %v", sum)
	}
}
