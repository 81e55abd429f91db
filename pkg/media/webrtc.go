package media

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"

	"github.com/castlabs-oss/go-director/internal/log"
)

// WebRTCRoom implements Room over an SFU that speaks JSON signalling on a
// websocket and WebRTC for media. The director joins as a hidden,
// subscribe-only peer: it never publishes tracks.
type WebRTCRoom struct {
	mu sync.Mutex
	ws *websocket.Conn
	pc *webrtc.PeerConnection

	wsWriteMu sync.Mutex

	peerID string

	onJoin  func(string)
	onLeave func(string)

	// Tracks arriving via OnTrack, keyed by participant id and kind.
	tracksMu sync.Mutex
	tracks   map[trackKey]*webrtc.TrackRemote
	waiters  map[trackKey]chan *webrtc.TrackRemote

	closed chan struct{}
}

type trackKey struct {
	participant string
	kind        TrackKind
}

type signalMessage struct {
	Type        string          `json:"type"`
	PeerID      string          `json:"peerId,omitempty"`
	Participant string          `json:"participant,omitempty"`
	Kind        string          `json:"kind,omitempty"`
	SDP         string          `json:"sdp,omitempty"`
	Candidate   json.RawMessage `json:"candidate,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// NewWebRTCRoom creates an unconnected room adapter.
func NewWebRTCRoom() *WebRTCRoom {
	return &WebRTCRoom{
		tracks:  make(map[trackKey]*webrtc.TrackRemote),
		waiters: make(map[trackKey]chan *webrtc.TrackRemote),
		closed:  make(chan struct{}),
	}
}

// OnParticipantJoin implements Room.
func (r *WebRTCRoom) OnParticipantJoin(fn func(string)) { r.onJoin = fn }

// OnParticipantLeave implements Room.
func (r *WebRTCRoom) OnParticipantLeave(fn func(string)) { r.onLeave = fn }

// Connect dials the signalling endpoint and sets up the peer connection.
func (r *WebRTCRoom) Connect(ctx context.Context, url, token string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("media: signalling connect: %w", err)
	}
	r.ws = ws

	if err := r.waitForWelcome(); err != nil {
		ws.Close()
		return fmt.Errorf("media: welcome: %w", err)
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		ws.Close()
		return fmt.Errorf("media: peer connection: %w", err)
	}
	r.pc = pc

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := KindVideo
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			kind = KindAudio
		}
		key := trackKey{participant: track.StreamID(), kind: kind}
		log.Debug("track arrived", "participant", key.participant,
			"kind", kind, "codec", track.Codec().MimeType)

		r.tracksMu.Lock()
		r.tracks[key] = track
		if ch, ok := r.waiters[key]; ok {
			delete(r.waiters, key)
			ch <- track
		}
		r.tracksMu.Unlock()
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		r.writeSignal(signalMessage{Type: "candidate", Candidate: raw})
	})

	// Announce as subscribe-only. The SFU answers with "granted" or
	// "denied"; a denial maps to ErrIngressUnavailable upstream.
	if err := r.writeSignal(signalMessage{Type: "join", Kind: "subscriber", SDP: token}); err != nil {
		r.teardown()
		return err
	}
	granted, err := r.waitForGrant()
	if err != nil {
		r.teardown()
		return err
	}
	if !granted {
		r.teardown()
		return ErrIngressUnavailable
	}

	go r.handleSignalling()
	return nil
}

func (r *WebRTCRoom) waitForWelcome() error {
	r.ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer r.ws.SetReadDeadline(time.Time{})

	_, raw, err := r.ws.ReadMessage()
	if err != nil {
		return err
	}
	var msg signalMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	if msg.Type != "welcome" {
		return fmt.Errorf("expected welcome, got %q", msg.Type)
	}
	r.peerID = msg.PeerID
	return nil
}

func (r *WebRTCRoom) waitForGrant() (bool, error) {
	r.ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer r.ws.SetReadDeadline(time.Time{})

	_, raw, err := r.ws.ReadMessage()
	if err != nil {
		return false, err
	}
	var msg signalMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return false, err
	}
	switch msg.Type {
	case "granted":
		return true, nil
	case "denied":
		return false, nil
	default:
		return false, fmt.Errorf("expected grant, got %q", msg.Type)
	}
}

// handleSignalling processes server-initiated messages: renegotiation
// offers, ICE candidates, and participant roster changes.
func (r *WebRTCRoom) handleSignalling() {
	for {
		_, raw, err := r.ws.ReadMessage()
		if err != nil {
			select {
			case <-r.closed:
			default:
				log.Warn("signalling closed", "error", err)
			}
			return
		}
		var msg signalMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Debug("malformed signalling message", "error", err)
			continue
		}

		switch msg.Type {
		case "offer":
			r.handleOffer(msg.SDP)
		case "candidate":
			var cand webrtc.ICECandidateInit
			if err := json.Unmarshal(msg.Candidate, &cand); err == nil {
				if err := r.pc.AddICECandidate(cand); err != nil {
					log.Debug("add ice candidate", "error", err)
				}
			}
		case "participant-join":
			if r.onJoin != nil {
				r.onJoin(msg.Participant)
			}
		case "participant-leave":
			if r.onLeave != nil {
				r.onLeave(msg.Participant)
			}
		}
	}
}

// handleOffer answers an SFU renegotiation, which is how new subscribed
// tracks reach us.
func (r *WebRTCRoom) handleOffer(sdp string) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := r.pc.SetRemoteDescription(offer); err != nil {
		log.Warn("set remote description", "error", err)
		return
	}
	answer, err := r.pc.CreateAnswer(nil)
	if err != nil {
		log.Warn("create answer", "error", err)
		return
	}
	if err := r.pc.SetLocalDescription(answer); err != nil {
		log.Warn("set local description", "error", err)
		return
	}
	r.writeSignal(signalMessage{Type: "answer", SDP: answer.SDP})
}

// Subscribe asks the SFU for one track and waits for it to arrive.
func (r *WebRTCRoom) Subscribe(participantID string, kind TrackKind) (Track, error) {
	key := trackKey{participant: participantID, kind: kind}

	r.tracksMu.Lock()
	if track, ok := r.tracks[key]; ok {
		r.tracksMu.Unlock()
		return r.wrapTrack(track, kind)
	}
	ch := make(chan *webrtc.TrackRemote, 1)
	r.waiters[key] = ch
	r.tracksMu.Unlock()

	if err := r.writeSignal(signalMessage{
		Type:        "subscribe",
		Participant: participantID,
		Kind:        string(kind),
	}); err != nil {
		return nil, err
	}

	select {
	case track := <-ch:
		return r.wrapTrack(track, kind)
	case <-time.After(15 * time.Second):
		r.tracksMu.Lock()
		delete(r.waiters, key)
		r.tracksMu.Unlock()
		return nil, fmt.Errorf("media: subscribe %s/%s: timeout", participantID, kind)
	case <-r.closed:
		return nil, ErrTrackEnded
	}
}

func (r *WebRTCRoom) wrapTrack(track *webrtc.TrackRemote, kind TrackKind) (Track, error) {
	switch kind {
	case KindVideo:
		return newRemoteVideoTrack(track)
	case KindAudio:
		return newRemoteAudioTrack(track)
	default:
		return nil, fmt.Errorf("media: unknown track kind %q", kind)
	}
}

func (r *WebRTCRoom) writeSignal(msg signalMessage) error {
	r.wsWriteMu.Lock()
	defer r.wsWriteMu.Unlock()
	return r.ws.WriteJSON(msg)
}

func (r *WebRTCRoom) teardown() {
	if r.pc != nil {
		r.pc.Close()
	}
	if r.ws != nil {
		r.ws.Close()
	}
}

// Close implements Room.
func (r *WebRTCRoom) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.closed:
		return nil
	default:
		close(r.closed)
	}
	r.teardown()
	return nil
}
