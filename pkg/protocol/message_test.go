package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	delta := 0.3

	cases := []struct {
		name    string
		msgType MessageType
		payload interface{}
		decode  func(Message) (interface{}, error)
	}{
		{
			name:    "score",
			msgType: TypeScore,
			payload: ScorePayload{
				CamID:     "cam-1",
				Timestamp: 12.5,
				Score:     0.73,
				Reason:    "face .72, keyword 'goal'",
				Features: Features{
					FaceSalience: 0.72, KeywordBoost: 1,
					Tags:             []string{"celebration"},
					TopObjects:       []string{"person"},
					RecentSpeechText: "what a goal",
				},
			},
			decode: func(m Message) (interface{}, error) {
				var p ScorePayload
				err := m.ParsePayload(&p)
				return p, err
			},
		},
		{
			name:    "switch",
			msgType: TypeSwitch,
			payload: DecisionPayload{
				Timestamp: 13.0, Action: "SWITCH",
				FromCam: "cam-1", ToCam: "cam-2",
				DeltaScore: &delta, Rationale: "face .72", Confidence: 0.9,
			},
			decode: func(m Message) (interface{}, error) {
				var p DecisionPayload
				err := m.ParsePayload(&p)
				return p, err
			},
		},
		{
			name:    "hold",
			msgType: TypeHold,
			payload: DecisionPayload{
				Timestamp: 13.1, Action: "HOLD",
				Rationale: "min-hold", Confidence: 1,
			},
			decode: func(m Message) (interface{}, error) {
				var p DecisionPayload
				err := m.ParsePayload(&p)
				return p, err
			},
		},
		{
			name:    "narration",
			msgType: TypeNarration,
			payload: NarrationPayload{
				Text: "Over to camera two", DurationMs: 900,
				Timestamp: 13.2, AudioBlobRef: "blob-1",
			},
			decode: func(m Message) (interface{}, error) {
				var p NarrationPayload
				err := m.ParsePayload(&p)
				return p, err
			},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			msg, err := NewMessage(c.msgType, c.payload)
			if err != nil {
				t.Fatalf("new message: %v", err)
			}
			raw, err := msg.Bytes()
			if err != nil {
				t.Fatalf("encode: %v", err)
			}

			parsed, err := ParseMessage(raw)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if parsed.Type != c.msgType {
				t.Errorf("type: got %s, want %s", parsed.Type, c.msgType)
			}

			got, err := c.decode(parsed)
			if err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			want := reflect.ValueOf(c.payload).Interface()
			if !reflect.DeepEqual(got, want) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
			}
		})
	}
}

func TestParseMessage_RejectsUnknownTags(t *testing.T) {
	_, err := ParseMessage([]byte(`{"type":"MYSTERY","payload":{}}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestParseMessage_RejectsGarbage(t *testing.T) {
	if _, err := ParseMessage([]byte(`not json at all`)); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestWireFieldNames(t *testing.T) {
	// Downstream consumers parse these exact field names.
	msg, _ := NewMessage(TypeScore, ScorePayload{CamID: "cam-1", Timestamp: 1, Score: 0.5})
	raw, _ := msg.Bytes()

	for _, field := range []string{`"type":"SCORE"`, `"camId"`, `"timestamp"`, `"score"`, `"reason"`, `"features"`} {
		if !strings.Contains(string(raw), field) {
			t.Errorf("wire format missing %s: %s", field, raw)
		}
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := generic["payload"]; !ok {
		t.Error("envelope must use the payload field")
	}
}
