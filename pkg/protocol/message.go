// Package protocol defines the bus message contracts shared by the
// director core and its downstream consumers (compositors, dashboards).
// Messages form a closed tagged union; parsers reject unknown tags.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies the type of a bus message.
type MessageType string

const (
	TypeScore     MessageType = "SCORE"     // per-camera score
	TypeSwitch    MessageType = "SWITCH"    // program cut
	TypeHold      MessageType = "HOLD"      // decision to stay
	TypeNarration MessageType = "NARRATION" // synthesized commentary
)

// ErrUnknownType is returned when a message carries a tag outside the union.
var ErrUnknownType = errors.New("protocol: unknown message type")

// Message is the envelope for all bus messages.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ScorePayload is one camera's fused score at one ranking tick.
type ScorePayload struct {
	CamID     string   `json:"camId"`
	Timestamp float64  `json:"timestamp"`
	Score     float64  `json:"score"`
	Reason    string   `json:"reason"`
	Features  Features `json:"features"`
}

// Features is the fixed-width feature vector behind a score, plus the
// auxiliary arrays the narrator reads. Every scalar is in [0,1].
type Features struct {
	FaceSalience       float64  `json:"faceSalience"`
	MainSubjectOverlap float64  `json:"mainSubjectOverlap"`
	MotionSalience     float64  `json:"motionSalience"`
	SpeechEnergy       float64  `json:"speechEnergy"`
	KeywordBoost       float64  `json:"keywordBoost"`
	FramingScore       float64  `json:"framingScore"`
	NoveltyDecay       float64  `json:"noveltyDecay"`
	ContinuityBonus    float64  `json:"continuityBonus"`
	Interest           float64  `json:"interest"`
	Tags               []string `json:"tags,omitempty"`
	TopObjects         []string `json:"topObjects,omitempty"`
	RecentSpeechText   string   `json:"recentSpeechText,omitempty"`
}

// DecisionPayload is one decision tick's outcome, SWITCH or HOLD.
type DecisionPayload struct {
	Timestamp  float64  `json:"timestamp"`
	Action     string   `json:"action"` // "SWITCH" or "HOLD"
	FromCam    string   `json:"fromCam,omitempty"`
	ToCam      string   `json:"toCam,omitempty"`
	DeltaScore *float64 `json:"deltaScore,omitempty"`
	Rationale  string   `json:"rationale"`
	Confidence float64  `json:"confidence"`
}

// NarrationPayload carries synthesized commentary for a switch.
type NarrationPayload struct {
	Text         string  `json:"text"`
	DurationMs   int     `json:"durationMs"`
	Timestamp    float64 `json:"timestamp"`
	AudioBlobRef string  `json:"audioBlobRef,omitempty"`
}

// NewMessage wraps a payload in an envelope.
func NewMessage(msgType MessageType, payload interface{}) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("protocol: marshal %s payload: %w", msgType, err)
	}
	return Message{Type: msgType, Payload: raw}, nil
}

// ParseMessage decodes an envelope and validates its tag.
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("protocol: parse message: %w", err)
	}
	switch msg.Type {
	case TypeScore, TypeSwitch, TypeHold, TypeNarration:
		return msg, nil
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
}

// ParsePayload unmarshals the envelope payload into the provided struct.
func (m Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// Bytes returns the JSON-encoded envelope.
func (m Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}
