package detector

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/banshee-data/shrimp-sorter/internal/capture"
	"github.com/banshee-data/shrimp-sorter/internal/httputil"
	"github.com/banshee-data/shrimp-sorter/internal/sorting"
)

// DefaultJPEGQuality is used when HTTPDetector.Quality is zero.
const DefaultJPEGQuality = 85

// HTTPDetector sends each frame as a JPEG to a tracking sidecar at
// BaseURL+"/track" and decodes its JSON reply.
type HTTPDetector struct {
	BaseURL string
	Client  httputil.HTTPClient
	Quality int
}

// NewHTTPDetector returns a detector for the sidecar at baseURL. A nil
// client uses http.DefaultClient.
func NewHTTPDetector(baseURL string, client httputil.HTTPClient) *HTTPDetector {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &HTTPDetector{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  client,
		Quality: DefaultJPEGQuality,
	}
}

func (d *HTTPDetector) Detect(ctx context.Context, frame capture.Frame) ([]sorting.Detection, error) {
	if frame.Image == nil {
		return nil, fmt.Errorf("frame %d has no image", frame.Seq)
	}
	quality := d.Quality
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, frame.Image, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode frame %d: %w", frame.Seq, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+"/track", &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("X-Frame-Seq", fmt.Sprint(frame.Seq))

	var resp wireResponse
	if err := httputil.DoJSON(d.Client, req, &resp); err != nil {
		return nil, fmt.Errorf("track frame %d: %w", frame.Seq, err)
	}
	return convert(resp.Detections), nil
}
