package rank

import (
	"fmt"
	"sort"
	"strings"

	"github.com/castlabs-oss/go-director/internal/config"
)

// Scorer fuses a feature vector into one scalar in [0,1]. The weighted
// implementation below is the default; anything honoring the contract
// (an ML model included) can be swapped in.
type Scorer interface {
	Score(fv FeatureVector) float64
}

// WeightedScorer is the rule-based fusion: a weighted sum over the
// available terms, with the weight of unavailable terms redistributed
// proportionally over the rest.
type WeightedScorer struct {
	weights config.Weights
}

// NewWeightedScorer creates a scorer with the given weights.
func NewWeightedScorer(w config.Weights) *WeightedScorer {
	return &WeightedScorer{weights: w}
}

// term is one weighted contribution.
type term struct {
	name   string
	weight float64
	value  float64
}

func (s *WeightedScorer) terms(fv FeatureVector) []term {
	all := []term{
		{TermFace, s.weights.FaceSalience, fv.FaceSalience},
		{TermMotion, s.weights.MotionSalience, fv.MotionSalience},
		{TermSubject, s.weights.MainSubjectOverlap, fv.MainSubjectOverlap},
		{TermSpeech, s.weights.SpeechEnergy, fv.SpeechEnergy},
		{TermKeyword, s.weights.KeywordBoost, fv.KeywordBoost},
		{TermFraming, s.weights.FramingScore, fv.FramingScore},
		{TermNovelty, s.weights.NoveltyDecay, fv.NoveltyDecay},
		{TermContinuity, s.weights.ContinuityBonus, fv.ContinuityBonus},
		{TermInterest, s.weights.Interest, fv.Interest},
	}
	avail := all[:0]
	for _, t := range all {
		if fv.Available[t.name] {
			avail = append(avail, t)
		}
	}
	return avail
}

// Score implements Scorer.
func (s *WeightedScorer) Score(fv FeatureVector) float64 {
	terms := s.terms(fv)
	totalWeight := 0.0
	for _, t := range terms {
		totalWeight += t.weight
	}
	if totalWeight <= 0 {
		return 0
	}
	score := 0.0
	for _, t := range terms {
		score += t.weight / totalWeight * t.value
	}
	return clamp01(score)
}

// shortNames compress term names for the rationale string.
var shortNames = map[string]string{
	TermFace:       "face",
	TermMotion:     "motion",
	TermSubject:    "subject",
	TermSpeech:     "speech",
	TermKeyword:    "keyword",
	TermFraming:    "framing",
	TermNovelty:    "novelty",
	TermContinuity: "continuity",
	TermInterest:   "interest",
}

// maxReasonLen bounds the rationale string.
const maxReasonLen = 140

// Rationale formats the top two contributing terms, e.g.
// "face .72, keyword 'goal'".
func (s *WeightedScorer) Rationale(fv FeatureVector, keywords []string) string {
	terms := s.terms(fv)
	if len(terms) == 0 {
		return "no-data"
	}
	sort.SliceStable(terms, func(i, j int) bool {
		return terms[i].weight*terms[i].value > terms[j].weight*terms[j].value
	})

	var parts []string
	for _, t := range terms {
		if len(parts) == 2 {
			break
		}
		if t.value <= 0 {
			continue
		}
		if t.name == TermKeyword && len(keywords) > 0 {
			parts = append(parts, fmt.Sprintf("keyword '%s'", keywords[0]))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %s", shortNames[t.name], trimFloat(t.value)))
	}
	if len(parts) == 0 {
		return "quiet scene"
	}
	reason := strings.Join(parts, ", ")
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen]
	}
	return reason
}

// trimFloat renders a [0,1] value as ".72" style.
func trimFloat(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	return strings.TrimPrefix(s, "0")
}

var _ Scorer = (*WeightedScorer)(nil)
