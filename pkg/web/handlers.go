package web

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/castlabs-oss/go-director/pkg/director"
)

// healthData is the /health payload.
type healthData struct {
	Status     string `json:"status"`
	CurrentCam string `json:"currentCam,omitempty"`
	Degraded   bool   `json:"degraded"`
}

// stateData is the /state payload: program state plus latest scores.
type stateData struct {
	Program director.Snapshot      `json:"program"`
	Scores  map[string]interface{} `json:"scores"`
}

// configData is the /config payload.
type configData struct {
	Policy  director.Policy    `json:"policy"`
	Weights interface{}        `json:"weights"`
	Rates   map[string]float64 `json:"rates"`
}

// manualRequest is the /manual body: a camId sets the override, an
// empty or missing camId (e.g. `{}`) clears it.
type manualRequest struct {
	CamID string `json:"camId"`
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	status := "ok"
	degraded := s.deps.Degraded != nil && s.deps.Degraded()
	if degraded {
		status = "degraded"
	}
	return respond(c, fiber.StatusOK, healthData{
		Status:     status,
		CurrentCam: s.deps.Engine.CurrentCam(),
		Degraded:   degraded,
	}, "")
}

func (s *Server) handleState(c *fiber.Ctx) error {
	scores := make(map[string]interface{})
	if s.deps.Scores != nil {
		for id, score := range s.deps.Scores.LatestScores() {
			scores[id] = score
		}
	}
	return respond(c, fiber.StatusOK, stateData{
		Program: s.deps.Engine.Snapshot(),
		Scores:  scores,
	}, "")
}

func (s *Server) handleConfig(c *fiber.Ctx) error {
	cfg := s.deps.Config
	return respond(c, fiber.StatusOK, configData{
		Policy:  director.PolicyFromConfig(cfg),
		Weights: cfg.Weights,
		Rates: map[string]float64{
			"analysisRateHz": cfg.AnalysisRateHz,
			"rankingRateHz":  cfg.RankingRateHz,
			"decisionRateHz": cfg.DecisionRateHz,
		},
	}, "")
}

func (s *Server) handleManual(c *fiber.Ctx) error {
	if s.deps.Ready != nil && !s.deps.Ready() {
		return respond(c, fiber.StatusServiceUnavailable, nil, "core not ready")
	}

	var req manualRequest
	if err := c.BodyParser(&req); err != nil {
		return respond(c, fiber.StatusBadRequest, nil, "malformed body")
	}

	if req.CamID == "" {
		s.deps.Engine.ClearManual()
		return respond(c, fiber.StatusOK, fiber.Map{"manual": nil}, "")
	}

	switch err := s.deps.Engine.SetManual(req.CamID); {
	case err == nil:
		return respond(c, fiber.StatusOK, fiber.Map{"manual": req.CamID}, "")
	case errors.Is(err, director.ErrUnknownCam):
		return respond(c, fiber.StatusNotFound, nil, "unknown camera")
	case errors.Is(err, director.ErrCamCooldown):
		return respond(c, fiber.StatusConflict, nil, "camera in cooldown")
	default:
		return respond(c, fiber.StatusInternalServerError, nil, err.Error())
	}
}

func (s *Server) handleReset(c *fiber.Ctx) error {
	s.deps.Engine.Reset()
	return respond(c, fiber.StatusOK, stateData{
		Program: s.deps.Engine.Snapshot(),
		Scores:  map[string]interface{}{},
	}, "")
}
