// Package narrate turns switch decisions into short spoken commentary.
// On each SWITCH it assembles a context from the ranker's last feature
// snapshot for the new program camera, composes one line, synthesizes it
// through the TTS provider, and publishes a narration event. Only one
// synthesis is ever in flight; newer switches win.
package narrate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castlabs-oss/go-director/internal/log"
	"github.com/castlabs-oss/go-director/pkg/bus"
	"github.com/castlabs-oss/go-director/pkg/protocol"
	"github.com/castlabs-oss/go-director/pkg/tts"
)

// FeatureSource provides the latest feature snapshot per camera; the
// ranker satisfies it.
type FeatureSource interface {
	LatestFeatures(camID string) (protocol.Features, bool)
}

// Config bounds narration output.
type Config struct {
	// MaxWords caps the composed line length.
	MaxWords int

	// MaxLatency is the end-to-end budget; narrations that miss it are
	// dropped, never published late.
	MaxLatency time.Duration
}

// DefaultConfig returns production narration limits.
func DefaultConfig() Config {
	return Config{
		MaxWords:   12,
		MaxLatency: 600 * time.Millisecond,
	}
}

// maxBlobs bounds the in-memory audio blob store.
const maxBlobs = 8

// Narrator consumes switch events and publishes narration events.
type Narrator struct {
	cfg      Config
	b        *bus.Bus
	provider tts.Provider
	features FeatureSource

	mu       sync.Mutex
	cancel   context.CancelFunc
	blobs    map[string][]byte
	blobKeys []string

	rejected uint64

	now func() time.Time
}

// New creates a narrator.
func New(cfg Config, b *bus.Bus, provider tts.Provider, features FeatureSource) *Narrator {
	return &Narrator{
		cfg:      cfg,
		b:        b,
		provider: provider,
		features: features,
		blobs:    make(map[string][]byte),
		now:      time.Now,
	}
}

// Run consumes the switch topic until the context is canceled.
func (n *Narrator) Run(ctx context.Context) {
	sub := n.b.Subscribe(bus.TopicSwitch)
	defer sub.Cancel()

	log.Info("narrator started", "max_words", n.cfg.MaxWords, "budget", n.cfg.MaxLatency)
	for {
		select {
		case <-ctx.Done():
			n.mu.Lock()
			if n.cancel != nil {
				n.cancel()
			}
			n.mu.Unlock()
			return
		case msg := <-sub.C():
			n.onDecision(ctx, msg)
		}
	}
}

// onDecision reacts to SWITCH events; HOLDs are ignored.
func (n *Narrator) onDecision(ctx context.Context, msg protocol.Message) {
	if msg.Type != protocol.TypeSwitch {
		return
	}
	var d protocol.DecisionPayload
	if err := msg.ParsePayload(&d); err != nil || d.ToCam == "" {
		return
	}

	features, _ := n.features.LatestFeatures(d.ToCam)
	nctx := Context{CamID: d.ToCam, Features: features}

	// Newer switches cancel whatever is still synthesizing.
	synthCtx, cancel := context.WithTimeout(ctx, n.cfg.MaxLatency)
	n.mu.Lock()
	if n.cancel != nil {
		n.cancel()
	}
	n.cancel = cancel
	n.mu.Unlock()

	go n.narrate(synthCtx, nctx)
}

// Narrate synthesizes and publishes one narration; exported entry point
// for embedders that drive switches directly.
func (n *Narrator) Narrate(ctx context.Context, nctx Context) {
	n.narrate(ctx, nctx)
}

func (n *Narrator) narrate(ctx context.Context, nctx Context) {
	start := n.now()
	text := Compose(nctx, n.cfg.MaxWords)

	result, err := n.provider.Synthesize(ctx, text)
	if err != nil {
		// A failed or canceled synthesis never blocks the switch; the
		// narration for it simply does not happen.
		log.Debug("narration dropped", "cam", nctx.CamID, "error", err)
		n.bumpRejected()
		return
	}

	elapsed := n.now().Sub(start)
	if elapsed > n.cfg.MaxLatency {
		log.Warn("narration over budget", "cam", nctx.CamID, "elapsed", elapsed)
		n.bumpRejected()
		return
	}

	ref := n.storeBlob(result.Audio)
	payload := protocol.NarrationPayload{
		Text:         text,
		DurationMs:   int(result.Duration.Milliseconds()),
		Timestamp:    float64(start.UnixNano()) / float64(time.Second),
		AudioBlobRef: ref,
	}
	msg, err := protocol.NewMessage(protocol.TypeNarration, payload)
	if err != nil {
		log.Error("narration message", "error", err)
		return
	}
	n.b.Publish(bus.TopicNarration, msg)
	log.Info("narration published", "cam", nctx.CamID, "text", text, "latency", elapsed)
}

// storeBlob keeps the synthesized audio retrievable by reference,
// bounded to the most recent narrations.
func (n *Narrator) storeBlob(audio []byte) string {
	ref := uuid.NewString()
	n.mu.Lock()
	n.blobs[ref] = audio
	n.blobKeys = append(n.blobKeys, ref)
	if len(n.blobKeys) > maxBlobs {
		delete(n.blobs, n.blobKeys[0])
		n.blobKeys = n.blobKeys[1:]
	}
	n.mu.Unlock()
	return ref
}

// Blob returns the audio bytes for a narration reference.
func (n *Narrator) Blob(ref string) ([]byte, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	audio, ok := n.blobs[ref]
	return audio, ok
}

// Rejected returns how many narrations were dropped for latency or
// synthesis failure.
func (n *Narrator) Rejected() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rejected
}

func (n *Narrator) bumpRejected() {
	n.mu.Lock()
	n.rejected++
	n.mu.Unlock()
}
