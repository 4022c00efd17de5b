package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/shrimp-sorter/internal/capture"
	"github.com/banshee-data/shrimp-sorter/internal/sorting"
)

// TrackMethod is the full gRPC method name of the sidecar's Track call.
// See tracker.proto.
const TrackMethod = "/sorter.tracker.v1.Tracker/Track"

// TrackerServer is implemented by tracking sidecars that speak gRPC. The
// request is one JPEG-encoded frame and the reply has the same fields as the
// HTTP sidecar's JSON body.
type TrackerServer interface {
	Track(ctx context.Context, frame *wrapperspb.BytesValue) (*structpb.Struct, error)
}

// TrackerServiceDesc registers a TrackerServer with a grpc.Server.
var TrackerServiceDesc = grpc.ServiceDesc{
	ServiceName: "sorter.tracker.v1.Tracker",
	HandlerType: (*TrackerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Track", Handler: trackHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tracker.proto",
}

func trackHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TrackerServer).Track(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: TrackMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TrackerServer).Track(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCDetector calls a tracking sidecar over gRPC. The frame sequence number
// travels in the "x-frame-seq" metadata key.
type GRPCDetector struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	Timeout time.Duration
	Quality int
}

// NewGRPCDetector uses an existing connection. The caller owns conn.
func NewGRPCDetector(conn grpc.ClientConnInterface, timeout time.Duration) *GRPCDetector {
	return &GRPCDetector{conn: conn, Timeout: timeout, Quality: DefaultJPEGQuality}
}

// DialGRPCDetector connects to the sidecar at target without transport
// security. The sidecar runs beside the sorter on the same host.
func DialGRPCDetector(target string, timeout time.Duration) (*GRPCDetector, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial tracker %s: %w", target, err)
	}
	d := NewGRPCDetector(conn, timeout)
	d.closer = conn.Close
	logf("using gRPC tracker at %s", target)
	return d, nil
}

func (d *GRPCDetector) Detect(ctx context.Context, frame capture.Frame) ([]sorting.Detection, error) {
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

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	ctx = metadata.AppendToOutgoingContext(ctx, "x-frame-seq", strconv.FormatUint(frame.Seq, 10))

	reply := new(structpb.Struct)
	if err := d.conn.Invoke(ctx, TrackMethod, wrapperspb.Bytes(buf.Bytes()), reply); err != nil {
		return nil, fmt.Errorf("track frame %d: %w", frame.Seq, err)
	}

	raw, err := protojson.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("track frame %d: %w", frame.Seq, err)
	}
	var resp wireResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("track frame %d: decode reply: %w", frame.Seq, err)
	}
	return convert(resp.Detections), nil
}

// Close closes the connection when the detector dialled it.
func (d *GRPCDetector) Close() error {
	if d.closer == nil {
		return nil
	}
	return d.closer()
}
