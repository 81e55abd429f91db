// Package analyze hosts the per-modality analyzers and their observation
// types: object detection, tracking, scene description, and speech
// recognition. Analyzers are pure functions modulo internal model state;
// they never read the bus or touch program state.
package analyze

import (
	"math"
	"time"
)

// BBox is a normalized bounding box, origin top-left, all values in [0,1].
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Center returns the centroid of the box.
func (b BBox) Center() (x, y float64) {
	return b.X + b.W/2, b.Y + b.H/2
}

// Area returns the normalized area.
func (b BBox) Area() float64 {
	return b.W * b.H
}

// Vec2 is a 2D velocity in normalized frame units per second.
type Vec2 struct {
	X float64
	Y float64
}

// Detection is one detected object in a frame.
type Detection struct {
	Class      string
	Confidence float64
	Box        BBox
	// FrameID is the per-frame integer id assigned by the engine,
	// or -1 when the engine provides none.
	FrameID int
}

// Track is one tracked object. Track ids are stable across consecutive
// frames of the same camera only.
type Track struct {
	ID       int
	Box      BBox
	Age      int // ticks seen
	Score    float64
	Velocity Vec2
}

// Speed returns the velocity magnitude.
func (t Track) Speed() float64 {
	return math.Hypot(t.Velocity.X, t.Velocity.Y)
}

// SceneDescription is the scene describer's high-level read of a frame.
type SceneDescription struct {
	Tags       []string
	Caption    string
	Interest   int // 1..5, clipped
	Confidence float64
}

// NormalizedInterest maps Interest to [0,1].
func (s SceneDescription) NormalizedInterest() float64 {
	i := s.Interest
	if i < 1 {
		i = 1
	}
	if i > 5 {
		i = 5
	}
	return float64(i-1) / 4
}

// WordTiming is one word with its offsets inside the audio window.
type WordTiming struct {
	Word  string
	Start float64
	End   float64
}

// SpeechSegment is one transcribed run of speech.
type SpeechSegment struct {
	Text     string
	StartTs  float64
	EndTs    float64
	Words    []WordTiming
	Keywords []string
	EnergyDb float64
}

// Observations is the latest per-modality output for one camera. A nil
// slot with its ...OK flag false (or a nil Scene) means the analyzer was unavailable
// this tick, which downstream treats as "feature absent", never as zero.
type Observations struct {
	CamID string

	Detections     []Detection
	DetectionsAt   time.Time
	DetectionsOK   bool

	Tracks   []Track
	TracksAt time.Time
	TracksOK bool

	Scene   *SceneDescription
	SceneAt time.Time

	Speech   []SpeechSegment
	SpeechAt time.Time
	SpeechOK bool
}
