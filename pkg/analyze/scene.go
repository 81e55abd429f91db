package analyze

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"gocv.io/x/gocv"

	"github.com/castlabs-oss/go-director/pkg/media"
)

// SceneConfig configures the VLM sidecar client.
type SceneConfig struct {
	BaseURL string
	Timeout time.Duration
	// JPEGQuality for the frame shipped to the sidecar.
	JPEGQuality int
}

// DefaultSceneConfig returns production settings.
func DefaultSceneConfig(baseURL string) SceneConfig {
	return SceneConfig{
		BaseURL:     baseURL,
		Timeout:     1500 * time.Millisecond,
		JPEGQuality: 80,
	}
}

// HTTPSceneDescriber asks a vision-language sidecar for tags, a caption,
// and an interest level. The sidecar wraps the actual model; this client
// only ships frames and parses structured output.
type HTTPSceneDescriber struct {
	cfg    SceneConfig
	client *http.Client
}

// NewHTTPSceneDescriber creates the sidecar client.
func NewHTTPSceneDescriber(cfg SceneConfig) *HTTPSceneDescriber {
	return &HTTPSceneDescriber{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type sceneRequest struct {
	Image      string   `json:"image"` // base64 JPEG
	Detections []string `json:"detections,omitempty"`
}

type sceneResponse struct {
	Tags       []string `json:"tags"`
	Caption    string   `json:"caption"`
	Interest   float64  `json:"interest"`
	Confidence float64  `json:"confidence"`
	Error      string   `json:"error,omitempty"`
}

// Describe implements SceneDescriber.
func (s *HTTPSceneDescriber) Describe(ctx context.Context, frame media.Frame, dets []Detection) (SceneDescription, error) {
	jpeg, err := encodeJPEG(frame, s.cfg.JPEGQuality)
	if err != nil {
		return SceneDescription{}, fmt.Errorf("analyze: encode frame: %w", err)
	}

	classes := make([]string, 0, len(dets))
	for _, d := range dets {
		classes = append(classes, d.Class)
	}

	body, err := json.Marshal(sceneRequest{
		Image:      base64.StdEncoding.EncodeToString(jpeg),
		Detections: classes,
	})
	if err != nil {
		return SceneDescription{}, fmt.Errorf("analyze: marshal scene request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/describe", bytes.NewReader(body))
	if err != nil {
		return SceneDescription{}, fmt.Errorf("analyze: scene request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		// Deadline expiry and transport failures both degrade to
		// "feature absent" for this tick.
		return SceneDescription{}, ErrUnavailable
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return SceneDescription{}, ErrUnavailable
	}

	var parsed sceneResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return SceneDescription{}, fmt.Errorf("analyze: decode scene response: %w", err)
	}
	if parsed.Error != "" {
		return SceneDescription{}, ErrUnavailable
	}

	interest := int(parsed.Interest + 0.5)
	if interest < 1 {
		interest = 1
	}
	if interest > 5 {
		interest = 5
	}

	return SceneDescription{
		Tags:       parsed.Tags,
		Caption:    parsed.Caption,
		Interest:   interest,
		Confidence: parsed.Confidence,
	}, nil
}

func encodeJPEG(frame media.Frame, quality int) ([]byte, error) {
	img, err := gocv.NewMatFromBytes(frame.Height, frame.Width, gocv.MatTypeCV8UC3, frame.RGB)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	// gocv encodes BGR; frames are RGB. The swap is symmetric.
	bgr := gocv.NewMat()
	defer bgr.Close()
	gocv.CvtColor(img, &bgr, gocv.ColorBGRToRGB)

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, bgr, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, err
	}
	defer buf.Close()

	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, nil
}

var _ SceneDescriber = (*HTTPSceneDescriber)(nil)
