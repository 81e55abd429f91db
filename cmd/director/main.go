// Command director runs the auto-director core: it joins a conference
// room as a hidden subscriber, scores every camera in real time, cuts
// the program feed under broadcast-grade stability constraints, and
// narrates its switches.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/castlabs-oss/go-director/internal/config"
	"github.com/castlabs-oss/go-director/internal/log"
	"github.com/castlabs-oss/go-director/pkg/analyze"
	"github.com/castlabs-oss/go-director/pkg/bus"
	"github.com/castlabs-oss/go-director/pkg/director"
	"github.com/castlabs-oss/go-director/pkg/media"
	"github.com/castlabs-oss/go-director/pkg/narrate"
	"github.com/castlabs-oss/go-director/pkg/rank"
	"github.com/castlabs-oss/go-director/pkg/tts"
	"github.com/castlabs-oss/go-director/pkg/web"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}
	log.Init(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bus.New()

	// Media ingress.
	room := media.NewWebRTCRoom()
	ingress := media.NewIngress(media.DefaultIngressConfig(cfg.CamPrefix), room)

	// Analyzers.
	registry := buildRegistry(cfg)
	cache := analyze.NewCache()
	sampler := analyze.NewSampler(analyze.SamplerConfig{
		Interval:       cfg.AnalysisInterval(),
		SceneInterval:  time.Duration(cfg.SceneIntervalMs) * time.Millisecond,
		AudioWindowSec: 1.0,
		MaxParallel:    10,
	}, ingress, registry, cache)
	ingress.OnCameraLeave(sampler.OnCameraLeave)

	// Ranker.
	ranker := rank.NewRanker(cfg.RankingInterval(), rank.DefaultFeatureParams(),
		rank.NewWeightedScorer(cfg.Weights), ingress, cache, registry.Tracker, b)

	// Decision engine.
	engine := director.NewEngine(director.PolicyFromConfig(cfg), b, cache)

	// Narration.
	provider, err := tts.NewPiper(
		tts.WithBaseURL(cfg.TTSBaseURL),
		tts.WithTimeout(time.Duration(cfg.MaxTTSLatencyMs)*time.Millisecond),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "tts provider:", err)
		os.Exit(1)
	}
	defer provider.Close()
	narrator := narrate.New(narrate.Config{
		MaxWords:   cfg.MaxNarrationWords,
		MaxLatency: time.Duration(cfg.MaxTTSLatencyMs) * time.Millisecond,
	}, b, provider, ranker)

	// Control/read API.
	var ready, degraded atomic.Bool
	server := web.NewServer(cfg.Port, web.Deps{
		Engine:   engine,
		Scores:   ranker,
		Bus:      b,
		Config:   cfg,
		Ready:    ready.Load,
		Degraded: degraded.Load,
	})
	server.StartAsync()

	// Long-lived tasks.
	go sampler.Run(ctx)
	go ranker.Run(ctx)
	go engine.Run(ctx, cfg.DecisionInterval())
	go narrator.Run(ctx)
	go func() {
		for err := range registry.Errors() {
			log.Error("analyzer failure", "error", err)
		}
	}()

	// The SFU session comes up last; a refused grant leaves the API
	// serving with degraded health while we retry.
	go func() {
		for ctx.Err() == nil {
			err := ingress.Start(ctx, cfg.SFUURL, cfg.SFUToken)
			if err == nil {
				ready.Store(true)
				degraded.Store(false)
				return
			}
			degraded.Store(true)
			log.Warn("ingress start failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()

	log.Info("director up", "port", cfg.Port, "sfu", cfg.SFUURL)
	<-ctx.Done()

	// Graceful drain, then force.
	log.Info("shutting down", "grace", cfg.ShutdownGraceSec)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ingress.Stop()
		server.Shutdown()
	}()
	select {
	case <-done:
	case <-time.After(time.Duration(cfg.ShutdownGraceSec * float64(time.Second))):
		log.Warn("grace period expired, forcing exit")
	}
}

// buildRegistry wires the concrete analyzers. An analyzer whose model
// cannot load starts Dead and its features stay absent; the rest of the
// pipeline keeps running.
func buildRegistry(cfg config.Config) *analyze.Registry {
	var det analyze.Detector
	yolo, err := analyze.NewYOLODetector(analyze.DefaultDetectorConfig(cfg.DetectorModel))
	if err != nil {
		det = deadDetector{}
	} else {
		det = yolo
	}

	registry := analyze.NewRegistry(
		det,
		analyze.NewCentroidTracker(analyze.DefaultTrackerConfig()),
		analyze.NewHTTPSceneDescriber(analyze.DefaultSceneConfig(cfg.SceneBaseURL)),
		analyze.NewHTTPSpeechRecognizer(analyze.DefaultSpeechConfig(cfg.SpeechBaseURL, cfg.Keywords)),
	)
	if err != nil {
		registry.Observe(analyze.NameDetector, err)
	}
	return registry
}

// deadDetector stands in for a detector whose model failed to load.
type deadDetector struct{}

func (deadDetector) Detect(context.Context, media.Frame) ([]analyze.Detection, error) {
	return nil, analyze.ErrUnavailable
}
