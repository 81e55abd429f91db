package media

import (
	"context"
	"sync"
	"time"
)

// MockRoom implements Room for testing. Behavior is customized through
// function fields; participants are driven with SimulateJoin/SimulateLeave.
type MockRoom struct {
	// ConnectFunc is called by Connect. If nil, Connect succeeds.
	ConnectFunc func(ctx context.Context, url, token string) error

	// SubscribeFunc is called by Subscribe. If nil, returns a silent
	// mock track of the requested kind.
	SubscribeFunc func(participantID string, kind TrackKind) (Track, error)

	mu      sync.Mutex
	onJoin  func(string)
	onLeave func(string)

	SubscribeCalls []trackKey
	closedOnce     sync.Once
	Closed         bool
}

// NewMockRoom creates a mock room whose subscriptions succeed with empty
// tracks.
func NewMockRoom() *MockRoom {
	return &MockRoom{}
}

// Connect implements Room.
func (m *MockRoom) Connect(ctx context.Context, url, token string) error {
	if m.ConnectFunc != nil {
		return m.ConnectFunc(ctx, url, token)
	}
	return nil
}

// OnParticipantJoin implements Room.
func (m *MockRoom) OnParticipantJoin(fn func(string)) {
	m.mu.Lock()
	m.onJoin = fn
	m.mu.Unlock()
}

// OnParticipantLeave implements Room.
func (m *MockRoom) OnParticipantLeave(fn func(string)) {
	m.mu.Lock()
	m.onLeave = fn
	m.mu.Unlock()
}

// Subscribe implements Room.
func (m *MockRoom) Subscribe(participantID string, kind TrackKind) (Track, error) {
	m.mu.Lock()
	m.SubscribeCalls = append(m.SubscribeCalls, trackKey{participantID, kind})
	m.mu.Unlock()

	if m.SubscribeFunc != nil {
		return m.SubscribeFunc(participantID, kind)
	}
	switch kind {
	case KindAudio:
		return NewMockAudioTrack(), nil
	default:
		return NewMockVideoTrack(), nil
	}
}

// Close implements Room.
func (m *MockRoom) Close() error {
	m.closedOnce.Do(func() { m.Closed = true })
	return nil
}

// SimulateJoin fires the join callback as the SFU would.
func (m *MockRoom) SimulateJoin(participantID string) {
	m.mu.Lock()
	fn := m.onJoin
	m.mu.Unlock()
	if fn != nil {
		fn(participantID)
	}
}

// SimulateLeave fires the leave callback.
func (m *MockRoom) SimulateLeave(participantID string) {
	m.mu.Lock()
	fn := m.onLeave
	m.mu.Unlock()
	if fn != nil {
		fn(participantID)
	}
}

// MockVideoTrack is a VideoTrack fed by PushFrame.
type MockVideoTrack struct {
	frames chan VideoFrame
	closed chan struct{}
	once   sync.Once
}

// NewMockVideoTrack creates an empty mock video track.
func NewMockVideoTrack() *MockVideoTrack {
	return &MockVideoTrack{
		frames: make(chan VideoFrame, 16),
		closed: make(chan struct{}),
	}
}

// PushFrame queues a frame for ReadFrame.
func (t *MockVideoTrack) PushFrame(vf VideoFrame) {
	select {
	case t.frames <- vf:
	case <-t.closed:
	}
}

// Kind implements Track.
func (t *MockVideoTrack) Kind() TrackKind { return KindVideo }

// ReadFrame implements VideoTrack.
func (t *MockVideoTrack) ReadFrame(ctx context.Context) (VideoFrame, error) {
	select {
	case <-ctx.Done():
		return VideoFrame{}, ctx.Err()
	case <-t.closed:
		return VideoFrame{}, ErrTrackEnded
	case vf := <-t.frames:
		return vf, nil
	}
}

// Close implements Track.
func (t *MockVideoTrack) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// MockAudioTrack is an AudioTrack fed by PushAudio.
type MockAudioTrack struct {
	chunks chan AudioChunk
	closed chan struct{}
	once   sync.Once
}

// NewMockAudioTrack creates an empty mock audio track.
func NewMockAudioTrack() *MockAudioTrack {
	return &MockAudioTrack{
		chunks: make(chan AudioChunk, 64),
		closed: make(chan struct{}),
	}
}

// PushAudio queues a chunk for ReadAudio.
func (t *MockAudioTrack) PushAudio(chunk AudioChunk) {
	select {
	case t.chunks <- chunk:
	case <-t.closed:
	}
}

// Kind implements Track.
func (t *MockAudioTrack) Kind() TrackKind { return KindAudio }

// ReadAudio implements AudioTrack.
func (t *MockAudioTrack) ReadAudio(ctx context.Context) (AudioChunk, error) {
	select {
	case <-ctx.Done():
		return AudioChunk{}, ctx.Err()
	case <-t.closed:
		return AudioChunk{}, ErrTrackEnded
	case chunk := <-t.chunks:
		return chunk, nil
	}
}

// Close implements Track.
func (t *MockAudioTrack) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// SilentFrame returns an 8-bit black frame at the analysis size, useful in
// tests.
func SilentFrame(ts time.Time) VideoFrame {
	return VideoFrame{
		Data:      make([]byte, frameBytes),
		Width:     AnalysisWidth,
		Height:    AnalysisHeight,
		BitDepth:  8,
		Timestamp: ts,
	}
}

var (
	_ Room       = (*MockRoom)(nil)
	_ VideoTrack = (*MockVideoTrack)(nil)
	_ AudioTrack = (*MockAudioTrack)(nil)
	_ Room       = (*WebRTCRoom)(nil)
	_ VideoTrack = (*remoteVideoTrack)(nil)
	_ AudioTrack = (*remoteAudioTrack)(nil)
)
