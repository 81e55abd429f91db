package web

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/castlabs-oss/go-director/internal/config"
	"github.com/castlabs-oss/go-director/pkg/bus"
	"github.com/castlabs-oss/go-director/pkg/director"
	"github.com/castlabs-oss/go-director/pkg/protocol"
)

type fakeScores struct {
	scores map[string]protocol.ScorePayload
}

func (f *fakeScores) LatestScores() map[string]protocol.ScorePayload {
	return f.scores
}

func newTestServer(engine *director.Engine) *Server {
	return NewServer("0", Deps{
		Engine:   engine,
		Scores:   &fakeScores{scores: map[string]protocol.ScorePayload{}},
		Bus:      bus.New(),
		Config:   config.Load(),
		Ready:    func() bool { return true },
		Degraded: func() bool { return false },
	})
}

func decodeEnvelope(t *testing.T, body io.Reader) envelope {
	t.Helper()
	var env envelope
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func engineWithCam(camID string) *director.Engine {
	e := director.NewEngine(director.DefaultPolicy(), bus.New(), nil)
	e.OfferScore(protocol.ScorePayload{CamID: camID, Timestamp: nowFloat(), Score: 0.5})
	e.Decide()
	return e
}

func nowFloat() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func TestHandlers(t *testing.T) {
	t.Run("health", func(t *testing.T) {
		s := newTestServer(engineWithCam("cam-1"))
		resp, err := s.App().Test(httptest.NewRequest("GET", "/health", nil))
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		if resp.StatusCode != 200 {
			t.Fatalf("status: %d", resp.StatusCode)
		}
		env := decodeEnvelope(t, resp.Body)
		if !env.Success {
			t.Error("health should succeed")
		}
		data := env.Data.(map[string]interface{})
		if data["currentCam"] != "cam-1" {
			t.Errorf("currentCam: %v", data["currentCam"])
		}
	})

	t.Run("state", func(t *testing.T) {
		s := newTestServer(engineWithCam("cam-1"))
		resp, _ := s.App().Test(httptest.NewRequest("GET", "/state", nil))
		if resp.StatusCode != 200 {
			t.Fatalf("status: %d", resp.StatusCode)
		}
		env := decodeEnvelope(t, resp.Body)
		data := env.Data.(map[string]interface{})
		program := data["program"].(map[string]interface{})
		if program["currentCam"] != "cam-1" {
			t.Errorf("program: %v", program)
		}
	})

	t.Run("config", func(t *testing.T) {
		s := newTestServer(engineWithCam("cam-1"))
		resp, _ := s.App().Test(httptest.NewRequest("GET", "/config", nil))
		if resp.StatusCode != 200 {
			t.Fatalf("status: %d", resp.StatusCode)
		}
		env := decodeEnvelope(t, resp.Body)
		data := env.Data.(map[string]interface{})
		if _, ok := data["policy"]; !ok {
			t.Error("config should carry the policy")
		}
		if _, ok := data["weights"]; !ok {
			t.Error("config should carry the weights")
		}
	})

	t.Run("manual set and clear", func(t *testing.T) {
		e := director.NewEngine(director.DefaultPolicy(), bus.New(), nil)
		e.OfferScore(protocol.ScorePayload{CamID: "cam-1", Timestamp: nowFloat(), Score: 0.5})
		e.OfferScore(protocol.ScorePayload{CamID: "cam-2", Timestamp: nowFloat(), Score: 0.4})
		e.Decide()
		s := newTestServer(e)

		req := httptest.NewRequest("POST", "/manual", bytes.NewBufferString(`{"camId":"cam-2"}`))
		req.Header.Set("Content-Type", "application/json")
		resp, _ := s.App().Test(req)
		if resp.StatusCode != 200 {
			t.Fatalf("set manual status: %d", resp.StatusCode)
		}

		req = httptest.NewRequest("POST", "/manual", bytes.NewBufferString(`{}`))
		req.Header.Set("Content-Type", "application/json")
		resp, _ = s.App().Test(req)
		if resp.StatusCode != 200 {
			t.Fatalf("clear manual status: %d", resp.StatusCode)
		}
	})

	t.Run("manual unknown camera is 404", func(t *testing.T) {
		s := newTestServer(engineWithCam("cam-1"))
		req := httptest.NewRequest("POST", "/manual", bytes.NewBufferString(`{"camId":"nope"}`))
		req.Header.Set("Content-Type", "application/json")
		resp, _ := s.App().Test(req)
		if resp.StatusCode != 404 {
			t.Errorf("status: %d, want 404", resp.StatusCode)
		}
		if env := decodeEnvelope(t, resp.Body); env.Success {
			t.Error("error envelope expected")
		}
	})

	t.Run("manual malformed body is 400", func(t *testing.T) {
		s := newTestServer(engineWithCam("cam-1"))
		req := httptest.NewRequest("POST", "/manual", bytes.NewBufferString(`{not json`))
		req.Header.Set("Content-Type", "application/json")
		resp, _ := s.App().Test(req)
		if resp.StatusCode != 400 {
			t.Errorf("status: %d, want 400", resp.StatusCode)
		}
	})

	t.Run("manual while not ready is 503", func(t *testing.T) {
		s := NewServer("0", Deps{
			Engine: director.NewEngine(director.DefaultPolicy(), bus.New(), nil),
			Bus:    bus.New(),
			Config: config.Load(),
			Ready:  func() bool { return false },
		})
		req := httptest.NewRequest("POST", "/manual", bytes.NewBufferString(`{"camId":"cam-1"}`))
		req.Header.Set("Content-Type", "application/json")
		resp, _ := s.App().Test(req)
		if resp.StatusCode != 503 {
			t.Errorf("status: %d, want 503", resp.StatusCode)
		}
	})

	t.Run("reset empties state", func(t *testing.T) {
		s := newTestServer(engineWithCam("cam-1"))
		resp, _ := s.App().Test(httptest.NewRequest("POST", "/reset", nil))
		if resp.StatusCode != 200 {
			t.Fatalf("status: %d", resp.StatusCode)
		}
		env := decodeEnvelope(t, resp.Body)
		data := env.Data.(map[string]interface{})
		program := data["program"].(map[string]interface{})
		if cam, ok := program["currentCam"]; ok && cam != "" {
			t.Errorf("reset should clear currentCam, got %v", cam)
		}
	})
}
