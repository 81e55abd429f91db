package rank

import (
	"strings"
	"testing"

	"github.com/castlabs-oss/go-director/internal/config"
	"github.com/castlabs-oss/go-director/pkg/protocol"
)

func allAvailable() map[string]bool {
	return map[string]bool{
		TermFace: true, TermMotion: true, TermSubject: true,
		TermSpeech: true, TermKeyword: true, TermFraming: true,
		TermNovelty: true, TermContinuity: true, TermInterest: true,
	}
}

func TestWeightedScorer_Score(t *testing.T) {
	s := NewWeightedScorer(config.DefaultWeights())

	t.Run("all zero features score zero", func(t *testing.T) {
		fv := FeatureVector{Available: allAvailable()}
		if got := s.Score(fv); got != 0 {
			t.Errorf("got %v, want 0", got)
		}
	})

	t.Run("all one features score one", func(t *testing.T) {
		fv := FeatureVector{
			Features: protocol.Features{
				FaceSalience: 1, MainSubjectOverlap: 1, MotionSalience: 1,
				SpeechEnergy: 1, KeywordBoost: 1, FramingScore: 1,
				NoveltyDecay: 1, ContinuityBonus: 1, Interest: 1,
			},
			Available: allAvailable(),
		}
		if got := s.Score(fv); !almost(got, 1) {
			t.Errorf("got %v, want 1", got)
		}
	})

	t.Run("weights are normalized", func(t *testing.T) {
		// Only face at full strength: score equals its normalized weight.
		fv := FeatureVector{
			Features:  protocol.Features{FaceSalience: 1},
			Available: allAvailable(),
		}
		w := config.DefaultWeights()
		want := w.FaceSalience / w.Sum()
		if got := s.Score(fv); !almost(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("missing features redistribute weight", func(t *testing.T) {
		// Face unavailable: a camera strong on everything else must not
		// be depressed by the absent term.
		avail := allAvailable()
		delete(avail, TermFace)
		fv := FeatureVector{
			Features: protocol.Features{
				MainSubjectOverlap: 1, MotionSalience: 1, SpeechEnergy: 1,
				KeywordBoost: 1, FramingScore: 1, NoveltyDecay: 1,
				ContinuityBonus: 1, Interest: 1,
			},
			Available: avail,
		}
		if got := s.Score(fv); !almost(got, 1) {
			t.Errorf("unavailable term depressed the score: got %v, want 1", got)
		}
	})

	t.Run("nothing available scores zero", func(t *testing.T) {
		fv := FeatureVector{Available: map[string]bool{}}
		if got := s.Score(fv); got != 0 {
			t.Errorf("got %v, want 0", got)
		}
	})

	t.Run("score stays in bounds", func(t *testing.T) {
		fv := FeatureVector{
			Features:  protocol.Features{FaceSalience: 5, MotionSalience: -3},
			Available: allAvailable(),
		}
		got := s.Score(fv)
		if got < 0 || got > 1 {
			t.Errorf("score out of bounds: %v", got)
		}
	})
}

func TestWeightedScorer_Rationale(t *testing.T) {
	s := NewWeightedScorer(config.DefaultWeights())

	t.Run("top two terms", func(t *testing.T) {
		fv := FeatureVector{
			Features: protocol.Features{
				FaceSalience:   0.9,
				MotionSalience: 0.5,
				FramingScore:   0.1,
			},
			Available: allAvailable(),
		}
		got := s.Rationale(fv, nil)
		if !strings.HasPrefix(got, "face .90") {
			t.Errorf("face should lead: %q", got)
		}
		if !strings.Contains(got, "motion .50") {
			t.Errorf("motion should be second: %q", got)
		}
		if strings.Contains(got, "framing") {
			t.Errorf("only two terms expected: %q", got)
		}
	})

	t.Run("keyword names the word", func(t *testing.T) {
		fv := FeatureVector{
			Features:  protocol.Features{KeywordBoost: 1},
			Available: allAvailable(),
		}
		got := s.Rationale(fv, []string{"goal"})
		if !strings.Contains(got, "keyword 'goal'") {
			t.Errorf("expected keyword mention: %q", got)
		}
	})

	t.Run("bounded length", func(t *testing.T) {
		fv := FeatureVector{
			Features:  protocol.Features{KeywordBoost: 1, FaceSalience: 1},
			Available: allAvailable(),
		}
		long := strings.Repeat("verylongkeyword", 20)
		if got := s.Rationale(fv, []string{long}); len(got) > 140 {
			t.Errorf("rationale too long: %d chars", len(got))
		}
	})

	t.Run("nothing to say", func(t *testing.T) {
		fv := FeatureVector{Available: allAvailable()}
		if got := s.Rationale(fv, nil); got != "quiet scene" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("stable across calls", func(t *testing.T) {
		fv := FeatureVector{
			Features:  protocol.Features{FaceSalience: 0.7, SpeechEnergy: 0.6},
			Available: allAvailable(),
		}
		if a, b := s.Rationale(fv, nil), s.Rationale(fv, nil); a != b {
			t.Errorf("unstable rationale: %q vs %q", a, b)
		}
	})
}
