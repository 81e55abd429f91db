// Package media implements the ingress adapter: a hidden, subscribe-only
// participant in the conference room that turns each remote camera into a
// canonical frame sequence and audio sequence keyed by camera id.
//
// Downstream components never see codec or transport detail. Video is
// 8-bit BT.709 RGB at the analysis size, audio is PCM16 mono at 16 kHz.
package media

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors.
var (
	// ErrIngressUnavailable is returned when the SFU refuses the
	// subscribe-only grant.
	ErrIngressUnavailable = errors.New("media: ingress unavailable")

	// ErrUnknownCamera is returned for cam ids the ingress is not tracking.
	ErrUnknownCamera = errors.New("media: unknown camera")

	// ErrTrackEnded is returned by tracks after the remote side stops.
	ErrTrackEnded = errors.New("media: track ended")
)

// TrackKind distinguishes the two subscribable track types.
type TrackKind string

const (
	KindVideo TrackKind = "video"
	KindAudio TrackKind = "audio"
)

// Analysis canonical formats.
const (
	AnalysisWidth  = 640
	AnalysisHeight = 360
	SampleRate     = 16000 // Hz, mono PCM16
)

// VideoFrame is one decoded frame as delivered by a room track.
// BitDepth may exceed 8 for HDR sources; Data is then uint16 little-endian
// per component.
type VideoFrame struct {
	Data      []byte
	Width     int
	Height    int
	BitDepth  int
	Timestamp time.Time
}

// AudioChunk is a run of decoded PCM16 mono samples at SampleRate.
type AudioChunk struct {
	PCM       []int16
	Timestamp time.Time
}

// Frame is the canonical analysis frame: 8-bit BT.709 RGB, interleaved.
type Frame struct {
	CamID     string
	Timestamp time.Time
	Width     int
	Height    int
	RGB       []byte
}

// Room is the capability the ingress consumes from the SFU. The concrete
// transport is not prescribed; the bundled implementation speaks WebRTC.
type Room interface {
	// Connect establishes the session with a subscribe-only grant.
	Connect(ctx context.Context, url, token string) error

	// OnParticipantJoin registers a callback fired for every participant,
	// in join order. Must be set before Connect.
	OnParticipantJoin(fn func(participantID string))

	// OnParticipantLeave registers the leave callback.
	OnParticipantLeave(fn func(participantID string))

	// Subscribe opens a track of the given kind for a participant.
	Subscribe(participantID string, kind TrackKind) (Track, error)

	// Close tears down the session.
	Close() error
}

// Track is a subscribed media track. Implementations also satisfy
// VideoTrack or AudioTrack depending on Kind.
type Track interface {
	Kind() TrackKind
	Close() error
}

// VideoTrack yields decoded frames.
type VideoTrack interface {
	Track
	// ReadFrame blocks until the next frame or ctx cancellation.
	ReadFrame(ctx context.Context) (VideoFrame, error)
}

// AudioTrack yields decoded PCM chunks.
type AudioTrack interface {
	Track
	// ReadAudio blocks until the next chunk or ctx cancellation.
	ReadAudio(ctx context.Context) (AudioChunk, error)
}
