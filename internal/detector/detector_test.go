package detector

import (
	"context"
	"errors"
	"image"
	"image/color"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/shrimp-sorter/internal/capture"
	"github.com/banshee-data/shrimp-sorter/internal/httputil"
	"github.com/banshee-data/shrimp-sorter/internal/sorting"
)

func testFrame() capture.Frame {
	return capture.Frame{Seq: 7, Image: imaging.New(32, 24, color.NRGBA{R: 200, A: 255})}
}

const sidecarReply = `{"detections":[
	{"track_id": 3, "class": "shrimp", "confidence": 0.91, "box": [10, 20, 110, 120]},
	{"track_id": 4, "class": "shrimp", "confidence": 0.42, "box": [0, 0, 5, 5]}
]}`

func TestHTTPDetector_Detect(t *testing.T) {
	mock := httputil.NewMockHTTPClient().AddResponse(http.StatusOK, sidecarReply)
	d := NewHTTPDetector("http://sidecar:8000/", mock)

	got, err := d.Detect(context.Background(), testFrame())
	require.NoError(t, err)

	want := []sorting.Detection{
		{ClassLabel: "shrimp", TrackID: 3, Confidence: 0.91, Box: sorting.Box{X1: 10, Y1: 20, X2: 110, Y2: 120}},
		{ClassLabel: "shrimp", TrackID: 4, Confidence: 0.42, Box: sorting.Box{X1: 0, Y1: 0, X2: 5, Y2: 5}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("detections mismatch (-want +got):\n%s", diff)
	}

	req := mock.GetRequest(0)
	require.NotNil(t, req)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "http://sidecar:8000/track", req.URL.String())
	assert.Equal(t, "image/jpeg", req.Header.Get("Content-Type"))
	assert.Equal(t, "7", req.Header.Get("X-Frame-Seq"))

	body := mock.RequestBody(0)
	require.GreaterOrEqual(t, len(body), 2)
	assert.Equal(t, []byte{0xFF, 0xD8}, body[:2], "body should be a JPEG")
}

func TestHTTPDetector_Errors(t *testing.T) {
	t.Run("no image", func(t *testing.T) {
		d := NewHTTPDetector("http://sidecar", httputil.NewMockHTTPClient())
		_, err := d.Detect(context.Background(), capture.Frame{Seq: 1})
		assert.Error(t, err)
	})

	t.Run("server error", func(t *testing.T) {
		mock := httputil.NewMockHTTPClient().AddResponse(http.StatusServiceUnavailable, "warming up")
		d := NewHTTPDetector("http://sidecar", mock)
		_, err := d.Detect(context.Background(), testFrame())
		var se *httputil.StatusError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	})

	t.Run("transport error", func(t *testing.T) {
		mock := httputil.NewMockHTTPClient().AddErrorResponse(errors.New("dial tcp: refused"))
		d := NewHTTPDetector("http://sidecar", mock)
		_, err := d.Detect(context.Background(), testFrame())
		assert.ErrorContains(t, err, "refused")
	})
}

func TestReplayDetector_Loops(t *testing.T) {
	frames := [][]sorting.Detection{
		{{ClassLabel: "shrimp", TrackID: 1, Confidence: 0.9, Box: sorting.Box{X2: 10, Y2: 10}}},
		nil,
	}
	d := NewReplayDetector(frames)
	ctx := context.Background()

	first, err := d.Detect(ctx, capture.Frame{})
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := d.Detect(ctx, capture.Frame{})
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Equal(t, 1, d.Loops())

	again, err := d.Detect(ctx, capture.Frame{})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	again[0].TrackID = 99
	_, _ = d.Detect(ctx, capture.Frame{})
	fourth, _ := d.Detect(ctx, capture.Frame{})
	assert.Equal(t, int64(1), fourth[0].TrackID, "callers must not be able to mutate the fixture")
}

func TestReplayDetector_CancelledContext(t *testing.T) {
	d := NewReplayDetector([][]sorting.Detection{nil})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Detect(ctx, capture.Frame{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadReplay(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid", func(t *testing.T) {
		path := filepath.Join(dir, "ok.jsonl")
		content := `{"detections":[{"track_id":1,"class":"shrimp","confidence":0.8,"box":[1,2,3,4]}]}` + "\n\n" +
			`{"detections":[]}` + "\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		d, err := LoadReplay(path)
		require.NoError(t, err)
		assert.Equal(t, 3, d.Len())
		got, err := d.Detect(context.Background(), capture.Frame{})
		require.NoError(t, err)
		assert.Equal(t, sorting.Box{X1: 1, Y1: 2, X2: 3, Y2: 4}, got[0].Box)
	})

	t.Run("bad line reports position", func(t *testing.T) {
		path := filepath.Join(dir, "bad.jsonl")
		require.NoError(t, os.WriteFile(path, []byte("{\"detections\":[]}\n{oops\n"), 0o644))
		_, err := LoadReplay(path)
		assert.ErrorContains(t, err, "bad.jsonl:2")
	})

	t.Run("empty", func(t *testing.T) {
		path := filepath.Join(dir, "empty.jsonl")
		require.NoError(t, os.WriteFile(path, nil, 0o644))
		_, err := LoadReplay(path)
		assert.ErrorContains(t, err, "empty")
	})

	t.Run("missing", func(t *testing.T) {
		_, err := LoadReplay(filepath.Join(dir, "nope.jsonl"))
		assert.Error(t, err)
	})
}

func TestFunc(t *testing.T) {
	called := false
	var d Detector = Func(func(ctx context.Context, frame capture.Frame) ([]sorting.Detection, error) {
		called = true
		return nil, nil
	})
	_, err := d.Detect(context.Background(), capture.Frame{Image: image.NewGray(image.Rect(0, 0, 1, 1))})
	require.NoError(t, err)
	assert.True(t, called)

	_, err = Func(nil).Detect(context.Background(), capture.Frame{})
	assert.Error(t, err)
}
