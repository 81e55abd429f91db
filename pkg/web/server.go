// Package web exposes the director's control/read API and the websocket
// fan-out of the bus topics.
package web

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/castlabs-oss/go-director/internal/config"
	"github.com/castlabs-oss/go-director/internal/log"
	"github.com/castlabs-oss/go-director/pkg/bus"
	"github.com/castlabs-oss/go-director/pkg/director"
	"github.com/castlabs-oss/go-director/pkg/protocol"
)

// ScoreSource provides the newest score per camera; the ranker
// satisfies it.
type ScoreSource interface {
	LatestScores() map[string]protocol.ScorePayload
}

// Deps wires the server to the rest of the core.
type Deps struct {
	Engine *director.Engine
	Scores ScoreSource
	Bus    *bus.Bus
	Config config.Config

	// Ready reports whether the core is accepting control operations.
	Ready func() bool

	// Degraded reports whether the SFU session is down.
	Degraded func() bool
}

// Server is the HTTP/websocket server.
type Server struct {
	app  *fiber.App
	deps Deps
	port string
}

// envelope is the uniform response shape.
type envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp float64     `json:"timestamp"`
}

// NewServer builds the server and its routes.
func NewServer(port string, deps Deps) *Server {
	s := &Server{deps: deps, port: port}

	app := fiber.New(fiber.Config{
		AppName:               "go-director",
		DisableStartupMessage: true,
	})
	app.Use(cors.New())

	app.Get("/health", s.handleHealth)
	app.Get("/state", s.handleState)
	app.Get("/config", s.handleConfig)
	app.Post("/manual", s.handleManual)
	app.Post("/reset", s.handleReset)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/scores", websocket.New(s.topicWS(bus.TopicScores)))
	app.Get("/ws/switch", websocket.New(s.topicWS(bus.TopicSwitch)))
	app.Get("/ws/narration", websocket.New(s.topicWS(bus.TopicNarration)))

	s.app = app
	return s
}

// Start blocks serving HTTP.
func (s *Server) Start() error {
	log.Info("web server listening", "port", s.port)
	return s.app.Listen(":" + s.port)
}

// StartAsync serves in a goroutine.
func (s *Server) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			log.Error("web server stopped", "error", err)
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

func respond(c *fiber.Ctx, status int, data interface{}, errMsg string) error {
	return c.Status(status).JSON(envelope{
		Success:   errMsg == "",
		Data:      data,
		Error:     errMsg,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	})
}

// topicWS streams one bus topic over a websocket connection, with the
// subscriber's bounded queue absorbing slow clients.
func (s *Server) topicWS(topic string) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		sub := s.deps.Bus.Subscribe(topic)
		defer sub.Cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-done:
				return
			case msg, ok := <-sub.C():
				if !ok {
					return
				}
				if err := c.WriteJSON(msg); err != nil {
					return
				}
			}
		}
	}
}
