package sorting

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/shrimp-sorter/internal/config"
	"github.com/banshee-data/shrimp-sorter/internal/timeutil"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

var testProfiles = map[string]Profile{
	"small":  {Channel: 0, RestAngle: 13, TargetAngle: 90, HoldDuration: 2 * time.Second, TotalCycleDuration: 2 * time.Second},
	"medium": {Channel: 1, RestAngle: 8, TargetAngle: 90, HoldDuration: 2 * time.Second, TotalCycleDuration: 4 * time.Second},
	"large":  {Channel: 2, RestAngle: 10, TargetAngle: 90, HoldDuration: 2 * time.Second, TotalCycleDuration: 6 * time.Second},
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	c := mustClassifier(t, []string{"small", "medium", "large"}, []float64{100, 200})
	r, err := NewRegistry(RegistryConfig{
		FrameWidth:          640,
		FrameHeight:         480,
		ConfidenceThreshold: 0.6,
		Expiry:              500 * time.Millisecond,
		Profiles:            testProfiles,
	}, c, timeutil.NewMockClock(t0))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

// boxWithArea returns an in-frame box of width 10 and the given area.
func boxWithArea(area float64) Box {
	return Box{X1: 100, Y1: 100, X2: 110, Y2: 100 + area/10}
}

func det(label string, id int64, conf float64, box Box) Detection {
	return Detection{ClassLabel: label, TrackID: id, Confidence: conf, Box: box}
}

func frame(seq uint64, at time.Time, dets ...Detection) FrameDetections {
	return FrameDetections{Seq: seq, At: at, Detections: dets}
}

func countOf(r *Registry, category string) int64 { return r.Counts()[category] }

func TestRegistry_Scenario(t *testing.T) {
	r := newTestRegistry(t)
	key := ObjectKey{ClassLabel: "obj", TrackID: 1}

	// frame 1: small, in frame, confident
	events := r.Apply(frame(1, t0, det("obj", 1, 0.9, boxWithArea(50))))
	if len(events) != 1 {
		t.Fatalf("frame 1: got %d events, want 1", len(events))
	}
	want := DispatchEvent{
		Key:        key,
		Category:   "small",
		Box:        boxWithArea(50),
		Confidence: 0.9,
		At:         t0,
		Profile:    testProfiles["small"],
	}
	if diff := cmp.Diff(want, events[0]); diff != "" {
		t.Errorf("dispatch event mismatch (-want +got):\n%s", diff)
	}
	if got := countOf(r, "small"); got != 1 {
		t.Errorf("small count = %d, want 1", got)
	}

	// frame 2: category flickers to large; already processed
	events = r.Apply(frame(2, t0.Add(100*time.Millisecond), det("obj", 1, 0.9, boxWithArea(250))))
	if len(events) != 0 {
		t.Errorf("frame 2: got %d events, want none", len(events))
	}
	if diff := cmp.Diff(map[string]int64{"small": 1, "medium": 0, "large": 0}, r.Counts()); diff != "" {
		t.Errorf("counts mismatch (-want +got):\n%s", diff)
	}
	snap := r.Snapshot()
	if len(snap.Objects) != 1 {
		t.Fatalf("frame 2: %d objects, want 1", len(snap.Objects))
	}
	if o := snap.Objects[0]; o.Category != "large" || !o.Processed {
		t.Errorf("frame 2: object = %+v, want processed large", o)
	}

	// frame 3: absent for longer than the expiry window
	res := r.ApplyFrame(frame(3, t0.Add(700*time.Millisecond)))
	if diff := cmp.Diff([]ObjectKey{key}, res.Expired); diff != "" {
		t.Errorf("frame 3 expired mismatch (-want +got):\n%s", diff)
	}
	if r.Len() != 0 {
		t.Errorf("frame 3: Len = %d, want 0", r.Len())
	}

	// frame 4: reappears as a new object
	events = r.Apply(frame(4, t0.Add(800*time.Millisecond), det("obj", 1, 0.9, boxWithArea(50))))
	if len(events) != 1 || events[0].Category != "small" {
		t.Fatalf("frame 4: events = %+v, want one small dispatch", events)
	}
	if got := countOf(r, "small"); got != 2 {
		t.Errorf("small count = %d, want 2", got)
	}
}

func TestRegistry_ExactlyOnce(t *testing.T) {
	r := newTestRegistry(t)

	total := 0
	for i := 0; i < 50; i++ {
		at := t0.Add(time.Duration(i) * 40 * time.Millisecond)
		total += len(r.Apply(frame(uint64(i), at, det("shrimp", 9, 0.95, boxWithArea(150)))))
	}
	if total != 1 {
		t.Errorf("dispatched %d times over 50 frames, want 1", total)
	}
	if got := countOf(r, "medium"); got != 1 {
		t.Errorf("medium count = %d, want 1", got)
	}
}

func TestRegistry_ConfidenceThreshold(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		wantEvents int
		wantBelow  int
	}{
		{"below threshold", 0.59, 0, 1},
		{"at threshold", 0.6, 1, 0},
		{"above threshold", 0.95, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t)
			res := r.ApplyFrame(frame(1, t0, det("shrimp", 1, tt.confidence, boxWithArea(50))))
			if len(res.Dispatches) != tt.wantEvents {
				t.Errorf("dispatches = %d, want %d", len(res.Dispatches), tt.wantEvents)
			}
			if res.BelowThreshold != tt.wantBelow {
				t.Errorf("BelowThreshold = %d, want %d", res.BelowThreshold, tt.wantBelow)
			}
			if r.Len() != tt.wantEvents {
				t.Errorf("Len = %d, want %d", r.Len(), tt.wantEvents)
			}
		})
	}
}

func TestRegistry_EdgeRejection(t *testing.T) {
	r := newTestRegistry(t)
	partial := Box{X1: 630, Y1: 100, X2: 650, Y2: 110}

	t.Run("never dispatches", func(t *testing.T) {
		res := r.ApplyFrame(frame(1, t0, det("shrimp", 1, 0.9, partial)))
		if len(res.Dispatches) != 0 || len(res.Created) != 0 {
			t.Errorf("partial box produced dispatches %v, created %v", res.Dispatches, res.Created)
		}
		if len(res.EdgeRejected) != 0 {
			t.Errorf("unknown key counted as removed: %v", res.EdgeRejected)
		}
		if r.Len() != 0 {
			t.Errorf("Len = %d, want 0", r.Len())
		}
	})

	t.Run("removes existing entry", func(t *testing.T) {
		r.Apply(frame(2, t0, det("shrimp", 2, 0.9, boxWithArea(50))))
		if r.Len() != 1 {
			t.Fatalf("Len = %d, want 1", r.Len())
		}

		res := r.ApplyFrame(frame(3, t0.Add(10*time.Millisecond), det("shrimp", 2, 0.9, partial)))
		if diff := cmp.Diff([]ObjectKey{{ClassLabel: "shrimp", TrackID: 2}}, res.EdgeRejected); diff != "" {
			t.Errorf("edge rejected mismatch (-want +got):\n%s", diff)
		}
		if r.Len() != 0 {
			t.Errorf("Len = %d, want 0", r.Len())
		}

		// back in frame it is a new object again
		events := r.Apply(frame(4, t0.Add(20*time.Millisecond), det("shrimp", 2, 0.9, boxWithArea(50))))
		if len(events) != 1 {
			t.Errorf("re-entry: got %d events, want 1", len(events))
		}
		if got := countOf(r, "small"); got != 2 {
			t.Errorf("small count = %d, want 2", got)
		}
		if got := r.Snapshot().EdgeRejected; got != 1 {
			t.Errorf("EdgeRejected = %d, want 1", got)
		}
	})

	t.Run("box touching the border is in frame", func(t *testing.T) {
		events := r.Apply(frame(5, t0, det("shrimp", 3, 0.9, Box{X1: 0, Y1: 0, X2: 640, Y2: 480})))
		if len(events) != 1 || events[0].Category != "large" {
			t.Errorf("events = %+v, want one large dispatch", events)
		}
	})
}

func TestRegistry_Expiry(t *testing.T) {
	r := newTestRegistry(t)
	r.Apply(frame(1, t0, det("shrimp", 1, 0.9, boxWithArea(50))))

	// exactly at the window: retained
	res := r.ApplyFrame(frame(2, t0.Add(500*time.Millisecond)))
	if len(res.Expired) != 0 || r.Len() != 1 {
		t.Errorf("at window: expired %v, Len %d; want none, 1", res.Expired, r.Len())
	}

	// brief occlusion then return with the same id does not re-fire
	if events := r.Apply(frame(3, t0.Add(600*time.Millisecond), det("shrimp", 1, 0.9, boxWithArea(50)))); len(events) != 0 {
		t.Errorf("returning object re-fired: %+v", events)
	}

	res = r.ApplyFrame(frame(4, t0.Add(1101*time.Millisecond)))
	if len(res.Expired) != 1 {
		t.Errorf("expired = %v, want one key", res.Expired)
	}
	if got := r.Snapshot().Expired; got != 1 {
		t.Errorf("Snapshot().Expired = %d, want 1", got)
	}
}

func TestRegistry_PresentKeysNeverExpire(t *testing.T) {
	r := newTestRegistry(t)
	r.Apply(frame(1, t0, det("shrimp", 1, 0.9, boxWithArea(50))))

	// below-threshold sighting does not refresh lastSeen, so it expires
	res := r.ApplyFrame(frame(2, t0.Add(time.Second), det("shrimp", 1, 0.1, boxWithArea(50))))
	if len(res.Expired) != 1 {
		t.Errorf("low-confidence sighting kept entry alive: expired %v", res.Expired)
	}

	r.Apply(frame(3, t0.Add(2*time.Second), det("shrimp", 2, 0.9, boxWithArea(50))))
	res = r.ApplyFrame(frame(4, t0.Add(5*time.Second), det("shrimp", 2, 0.9, boxWithArea(50))))
	if len(res.Expired) != 0 {
		t.Errorf("present key expired: %v", res.Expired)
	}
}

func TestRegistry_DuplicateTrackInFrame(t *testing.T) {
	r := newTestRegistry(t)

	events := r.Apply(frame(1, t0,
		det("shrimp", 1, 0.9, boxWithArea(50)),
		det("shrimp", 1, 0.8, boxWithArea(250)),
	))
	if len(events) != 1 || events[0].Category != "small" {
		t.Fatalf("events = %+v, want one small dispatch", events)
	}

	snap := r.Snapshot()
	if len(snap.Objects) != 1 {
		t.Fatalf("%d objects, want 1", len(snap.Objects))
	}
	// last write wins
	if o := snap.Objects[0]; o.Category != "large" || o.Confidence != 0.8 {
		t.Errorf("object = %+v, want large at 0.8", o)
	}
}

func TestRegistry_SameTrackDifferentClass(t *testing.T) {
	r := newTestRegistry(t)
	events := r.Apply(frame(1, t0,
		det("shrimp", 1, 0.9, boxWithArea(50)),
		det("prawn", 1, 0.9, boxWithArea(50)),
	))
	if len(events) != 2 {
		t.Errorf("got %d events, want 2", len(events))
	}
}

func TestRegistry_InvalidDetectionsDiscarded(t *testing.T) {
	r := newTestRegistry(t)
	res := r.ApplyFrame(frame(1, t0,
		det("", 1, 0.9, boxWithArea(50)),
		det("shrimp", 2, 0.9, Box{X1: 10, Y1: 10, X2: 5, Y2: 20}),
		det("shrimp", 3, 0.9, boxWithArea(50)),
	))
	if res.Invalid != 2 {
		t.Errorf("Invalid = %d, want 2", res.Invalid)
	}
	if len(res.Dispatches) != 1 {
		t.Errorf("dispatches = %d, want 1", len(res.Dispatches))
	}
	if got := r.Snapshot().Invalid; got != 2 {
		t.Errorf("Snapshot().Invalid = %d, want 2", got)
	}
}

func TestRegistry_ZeroTimestampUsesClock(t *testing.T) {
	r := newTestRegistry(t)
	events := r.Apply(FrameDetections{Detections: []Detection{det("shrimp", 1, 0.9, boxWithArea(50))}})
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if !events[0].At.Equal(t0) {
		t.Errorf("At = %v, want %v", events[0].At, t0)
	}
}

func TestRegistry_SnapshotIsDeepCopy(t *testing.T) {
	r := newTestRegistry(t)
	r.Apply(frame(1, t0, det("shrimp", 2, 0.9, boxWithArea(50)), det("shrimp", 1, 0.9, boxWithArea(150))))

	snap := r.Snapshot()
	if len(snap.Objects) != 2 {
		t.Fatalf("%d objects, want 2", len(snap.Objects))
	}
	if snap.Objects[0].Key.TrackID != 1 {
		t.Errorf("objects not sorted by key: first is %v", snap.Objects[0].Key)
	}
	if snap.Frames != 1 {
		t.Errorf("Frames = %d, want 1", snap.Frames)
	}

	snap.Counts["small"] = 99
	snap.Objects[0].Processed = false
	if got := countOf(r, "small"); got != 1 {
		t.Errorf("mutating snapshot counts changed registry: small = %d", got)
	}
	if !r.Snapshot().Objects[0].Processed {
		t.Error("mutating snapshot objects changed registry")
	}
}

func TestRegistry_CountsMonotonicUnderConcurrentReads(t *testing.T) {
	r := newTestRegistry(t)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		var last int64
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := r.Snapshot()
			var sum int64
			for _, n := range snap.Counts {
				sum += n
			}
			if sum < last {
				t.Errorf("counts decreased from %d to %d", last, sum)
				return
			}
			// processed objects never outnumber counts within one snapshot
			var processed int64
			for _, o := range snap.Objects {
				if o.Processed {
					processed++
				}
			}
			if processed > sum {
				t.Errorf("snapshot saw %d processed objects but %d counted", processed, sum)
				return
			}
			last = sum
		}
	}()

	for i := 0; i < 200; i++ {
		at := t0.Add(time.Duration(i) * time.Second)
		r.Apply(frame(uint64(i), at, det("shrimp", int64(i), 0.9, boxWithArea(float64(50+i)))))
	}
	close(stop)
	wg.Wait()

	var sum int64
	for _, n := range r.Counts() {
		sum += n
	}
	if sum != 200 {
		t.Errorf("total count = %d, want 200", sum)
	}
}

func TestNewRegistry_MissingProfile(t *testing.T) {
	c := mustClassifier(t, []string{"small", "huge"}, []float64{10})
	_, err := NewRegistry(RegistryConfig{FrameWidth: 10, FrameHeight: 10, Profiles: testProfiles}, c, nil)
	if err == nil || !strings.Contains(err.Error(), "huge") {
		t.Errorf("NewRegistry error = %v, want one naming %q", err, "huge")
	}
}

func TestRegistryConfigFromSorter(t *testing.T) {
	cfg := config.MustLoadDefaultConfig()
	rc := RegistryConfigFromSorter(cfg)

	if rc.FrameWidth != 640 || rc.FrameHeight != 480 {
		t.Errorf("frame = %vx%v, want 640x480", rc.FrameWidth, rc.FrameHeight)
	}
	if rc.ConfidenceThreshold != 0.6 {
		t.Errorf("ConfidenceThreshold = %v, want 0.6", rc.ConfidenceThreshold)
	}
	if rc.Expiry != 500*time.Millisecond {
		t.Errorf("Expiry = %v, want 500ms", rc.Expiry)
	}
	wantLarge := Profile{Channel: 2, RestAngle: 10, TargetAngle: 90, HoldDuration: 2 * time.Second, TotalCycleDuration: 6 * time.Second}
	if diff := cmp.Diff(wantLarge, rc.Profiles["large"]); diff != "" {
		t.Errorf("large profile mismatch (-want +got):\n%s", diff)
	}

	c, err := ClassifierFromSorter(cfg)
	if err != nil {
		t.Fatalf("ClassifierFromSorter: %v", err)
	}
	if got := c.Classify(40000); got != "medium" {
		t.Errorf("Classify(40000) = %q, want medium", got)
	}
	if _, err := NewRegistry(rc, c, nil); err != nil {
		t.Errorf("NewRegistry: %v", err)
	}
}

func TestProfile_ReturnDelay(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		want    time.Duration
	}{
		{"large", testProfiles["large"], 4 * time.Second},
		{"hold equals cycle", testProfiles["small"], 0},
		{"hold longer than cycle", Profile{HoldDuration: 3 * time.Second, TotalCycleDuration: time.Second}, 0},
	}
	for _, tt := range tests {
		if got := tt.profile.ReturnDelay(); got != tt.want {
			t.Errorf("%s: ReturnDelay = %v, want %v", tt.name, got, tt.want)
		}
	}
}
