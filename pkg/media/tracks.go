package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"gopkg.in/hraban/opus.v2"
)

// remoteVideoTrack adapts an H264 RTP track into decoded RGB frames.
// Depacketized NAL units feed a persistent ffmpeg process over a pipe;
// ffmpeg scales to the analysis size and emits rawvideo rgb24, which maps
// one read of frameBytes to exactly one frame.
type remoteVideoTrack struct {
	track *webrtc.TrackRemote
	depkt codecs.H264Packet

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	readMu sync.Mutex
	closed chan struct{}
	once   sync.Once
}

const frameBytes = AnalysisWidth * AnalysisHeight * 3

func newRemoteVideoTrack(track *webrtc.TrackRemote) (*remoteVideoTrack, error) {
	if !strings.Contains(strings.ToLower(track.Codec().MimeType), "h264") {
		return nil, fmt.Errorf("media: unsupported video codec %s", track.Codec().MimeType)
	}

	cmd := exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-f", "h264",
		"-i", "pipe:0",
		"-vf", fmt.Sprintf("scale=%d:%d", AnalysisWidth, AnalysisHeight),
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"pipe:1",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("media: decoder stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("media: decoder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("media: start decoder: %w", err)
	}

	t := &remoteVideoTrack{
		track:  track,
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		closed: make(chan struct{}),
	}
	go t.pumpRTP()
	return t, nil
}

// pumpRTP depacketizes RTP into the decoder until the track ends.
func (t *remoteVideoTrack) pumpRTP() {
	for {
		select {
		case <-t.closed:
			return
		default:
		}
		pkt, _, err := t.track.ReadRTP()
		if err != nil {
			t.Close()
			return
		}
		nal, err := t.depkt.Unmarshal(pkt.Payload)
		if err != nil || len(nal) == 0 {
			continue
		}
		if _, err := t.stdin.Write(nal); err != nil {
			t.Close()
			return
		}
	}
}

// Kind implements Track.
func (t *remoteVideoTrack) Kind() TrackKind { return KindVideo }

// ReadFrame implements VideoTrack.
func (t *remoteVideoTrack) ReadFrame(ctx context.Context) (VideoFrame, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()

	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, frameBytes)
		_, err := io.ReadFull(t.stdout, buf)
		done <- result{buf, err}
	}()

	select {
	case <-ctx.Done():
		return VideoFrame{}, ctx.Err()
	case <-t.closed:
		return VideoFrame{}, ErrTrackEnded
	case res := <-done:
		if res.err != nil {
			return VideoFrame{}, ErrTrackEnded
		}
		return VideoFrame{
			Data:      res.buf,
			Width:     AnalysisWidth,
			Height:    AnalysisHeight,
			BitDepth:  8,
			Timestamp: time.Now(),
		}, nil
	}
}

// Close implements Track.
func (t *remoteVideoTrack) Close() error {
	t.once.Do(func() {
		close(t.closed)
		t.stdin.Close()
		t.stdout.Close()
		if t.cmd.Process != nil {
			t.cmd.Process.Kill()
		}
		go t.cmd.Wait()
	})
	return nil
}

// remoteAudioTrack adapts an Opus RTP track into PCM16 mono at 16 kHz.
type remoteAudioTrack struct {
	track *webrtc.TrackRemote
	dec   *opus.Decoder
	pcm   []int16

	closed chan struct{}
	once   sync.Once
}

func newRemoteAudioTrack(track *webrtc.TrackRemote) (*remoteAudioTrack, error) {
	if !strings.Contains(strings.ToLower(track.Codec().MimeType), "opus") {
		return nil, fmt.Errorf("media: unsupported audio codec %s", track.Codec().MimeType)
	}
	dec, err := opus.NewDecoder(SampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("media: opus decoder: %w", err)
	}
	return &remoteAudioTrack{
		track: track,
		dec:   dec,
		// 120 ms is the longest opus frame.
		pcm:    make([]int16, SampleRate*120/1000),
		closed: make(chan struct{}),
	}, nil
}

// Kind implements Track.
func (t *remoteAudioTrack) Kind() TrackKind { return KindAudio }

// ReadAudio implements AudioTrack.
func (t *remoteAudioTrack) ReadAudio(ctx context.Context) (AudioChunk, error) {
	for {
		select {
		case <-ctx.Done():
			return AudioChunk{}, ctx.Err()
		case <-t.closed:
			return AudioChunk{}, ErrTrackEnded
		default:
		}

		pkt, _, err := t.track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return AudioChunk{}, ErrTrackEnded
			}
			return AudioChunk{}, fmt.Errorf("media: read rtp: %w", err)
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := t.dec.Decode(pkt.Payload, t.pcm)
		if err != nil || n == 0 {
			continue
		}
		out := make([]int16, n)
		copy(out, t.pcm[:n])
		return AudioChunk{PCM: out, Timestamp: time.Now()}, nil
	}
}

// Close implements Track.
func (t *remoteAudioTrack) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}
