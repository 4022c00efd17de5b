package sorting

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/shrimp-sorter/internal/config"
	"github.com/banshee-data/shrimp-sorter/internal/timeutil"
)

// Profile is the immutable actuation configuration for one category.
type Profile struct {
	Channel            int           `json:"channel"`
	RestAngle          float64       `json:"rest_angle"`
	TargetAngle        float64       `json:"target_angle"`
	HoldDuration       time.Duration `json:"hold_duration"`
	TotalCycleDuration time.Duration `json:"total_cycle_duration"`
}

// ReturnDelay is the extra wait between holding and returning to rest.
func (p Profile) ReturnDelay() time.Duration {
	if d := p.TotalCycleDuration - p.HoldDuration; d > 0 {
		return d
	}
	return 0
}

// RegistryConfig holds the tracking parameters for a Registry.
type RegistryConfig struct {
	FrameWidth          float64
	FrameHeight         float64
	ConfidenceThreshold float64       // detections below this are ignored
	Expiry              time.Duration // unseen entries older than this are removed
	Profiles            map[string]Profile
}

// RegistryConfigFromSorter builds a RegistryConfig from a loaded SorterConfig.
func RegistryConfigFromSorter(cfg *config.SorterConfig) RegistryConfig {
	profiles := make(map[string]Profile)
	for _, c := range cfg.GetCategories() {
		profiles[c.Name] = Profile{
			Channel:            c.Channel,
			RestAngle:          c.RestAngle,
			TargetAngle:        c.TargetAngle,
			HoldDuration:       c.Hold(),
			TotalCycleDuration: c.TotalCycle(),
		}
	}
	return RegistryConfig{
		FrameWidth:          float64(cfg.GetFrameWidth()),
		FrameHeight:         float64(cfg.GetFrameHeight()),
		ConfidenceThreshold: cfg.GetConfidenceThreshold(),
		Expiry:              cfg.GetTrackExpiry(),
		Profiles:            profiles,
	}
}

// ClassifierFromSorter builds the size classifier from a loaded SorterConfig.
func ClassifierFromSorter(cfg *config.SorterConfig) (*Classifier, error) {
	cats := cfg.GetCategories()
	names := make([]string, len(cats))
	for i, c := range cats {
		names[i] = c.Name
	}
	return NewClassifier(names, cfg.GetSizeThresholds())
}

// FrameDetections is the detector output for one frame.
type FrameDetections struct {
	Seq        uint64
	At         time.Time // zero means use the registry clock
	Detections []Detection
}

// TrackedObject is the registry state for one ObjectKey.
type TrackedObject struct {
	Key         ObjectKey `json:"key"`
	Category    string    `json:"category"`
	Confidence  float64   `json:"confidence"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	Processed   bool      `json:"processed"`
	LastBox     Box       `json:"last_box"`
}

// DispatchEvent is emitted exactly once per registry entry, the first
// time the object is seen fully in frame above the confidence threshold.
type DispatchEvent struct {
	Key        ObjectKey `json:"key"`
	Category   string    `json:"category"`
	Box        Box       `json:"box"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
	Profile    Profile   `json:"profile"`
}

// Sighting records a new registry entry.
type Sighting struct {
	Key        ObjectKey
	Category   string
	Box        Box
	Confidence float64
	At         time.Time
}

// FrameResult describes every registry change caused by one frame.
type FrameResult struct {
	Seq            uint64
	At             time.Time
	Dispatches     []DispatchEvent
	Created        []Sighting
	EdgeRejected   []ObjectKey
	Expired        []ObjectKey
	Invalid        int
	BelowThreshold int
}

// Snapshot is a deep copy of the registry taken under its lock.
type Snapshot struct {
	At           time.Time        `json:"at"`
	Frames       uint64           `json:"frames"`
	Counts       map[string]int64 `json:"counts"`
	Objects      []TrackedObject  `json:"objects"`
	Invalid      uint64           `json:"invalid"`
	EdgeRejected uint64           `json:"edge_rejected"`
	Expired      uint64           `json:"expired"`
}

// Registry owns the tracked objects and per-category counts. All mutation
// happens inside Apply under a single lock, so readers never observe a
// partially applied frame.
type Registry struct {
	cfg        RegistryConfig
	classifier *Classifier
	clock      timeutil.Clock

	mu           sync.Mutex
	objects      map[ObjectKey]*TrackedObject
	counts       map[string]int64
	frames       uint64
	invalid      uint64
	edgeRejected uint64
	expired      uint64
	lastApply    time.Time
}

// NewRegistry creates an empty registry. Every classifier category must
// have a profile. A nil clock uses the wall clock.
func NewRegistry(cfg RegistryConfig, classifier *Classifier, clock timeutil.Clock) (*Registry, error) {
	if classifier == nil {
		return nil, fmt.Errorf("registry requires a classifier")
	}
	if cfg.FrameWidth <= 0 || cfg.FrameHeight <= 0 {
		return nil, fmt.Errorf("frame size must be positive, got %vx%v", cfg.FrameWidth, cfg.FrameHeight)
	}
	counts := make(map[string]int64)
	for _, c := range classifier.Categories() {
		if _, ok := cfg.Profiles[c]; !ok {
			return nil, fmt.Errorf("category %q has no actuation profile", c)
		}
		counts[c] = 0
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Registry{
		cfg:        cfg,
		classifier: classifier,
		clock:      clock,
		objects:    make(map[ObjectKey]*TrackedObject),
		counts:     counts,
	}, nil
}

// Classifier returns the registry's size classifier.
func (r *Registry) Classifier() *Classifier { return r.classifier }

// Config returns the registry configuration.
func (r *Registry) Config() RegistryConfig { return r.cfg }

// Apply applies one frame and returns the dispatch events it produced.
func (r *Registry) Apply(frame FrameDetections) []DispatchEvent {
	return r.ApplyFrame(frame).Dispatches
}

// ApplyFrame applies one frame's detections atomically and reports every
// change it made.
func (r *Registry) ApplyFrame(frame FrameDetections) FrameResult {
	now := frame.At
	if now.IsZero() {
		now = r.clock.Now()
	}
	res := FrameResult{Seq: frame.Seq, At: now}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.frames++
	r.lastApply = now
	active := make(map[ObjectKey]struct{}, len(frame.Detections))

	for _, d := range frame.Detections {
		if err := d.Validate(); err != nil {
			res.Invalid++
			continue
		}
		if d.Confidence < r.cfg.ConfidenceThreshold {
			res.BelowThreshold++
			continue
		}

		key := d.Key()
		category := r.classifier.Classify(d.Box.Area())

		if !d.Box.Within(r.cfg.FrameWidth, r.cfg.FrameHeight) {
			if _, ok := r.objects[key]; ok {
				delete(r.objects, key)
				delete(active, key)
				res.EdgeRejected = append(res.EdgeRejected, key)
			}
			continue
		}
		active[key] = struct{}{}

		obj, ok := r.objects[key]
		if !ok {
			obj = &TrackedObject{Key: key, FirstSeenAt: now}
			r.objects[key] = obj
			res.Created = append(res.Created, Sighting{
				Key: key, Category: category, Box: d.Box, Confidence: d.Confidence, At: now,
			})
		}
		obj.Category = category
		obj.Confidence = d.Confidence
		obj.LastSeenAt = now
		obj.LastBox = d.Box

		if !obj.Processed {
			obj.Processed = true
			r.counts[category]++
			res.Dispatches = append(res.Dispatches, DispatchEvent{
				Key:        key,
				Category:   category,
				Box:        d.Box,
				Confidence: d.Confidence,
				At:         now,
				Profile:    r.cfg.Profiles[category],
			})
		}
	}

	for key, obj := range r.objects {
		if _, seen := active[key]; seen {
			continue
		}
		if now.Sub(obj.LastSeenAt) > r.cfg.Expiry {
			delete(r.objects, key)
			res.Expired = append(res.Expired, key)
		}
	}
	sortKeys(res.Expired)

	r.invalid += uint64(res.Invalid)
	r.edgeRejected += uint64(len(res.EdgeRejected))
	r.expired += uint64(len(res.Expired))
	return res
}

// Snapshot returns a consistent deep copy of the registry state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	objects := make([]TrackedObject, 0, len(r.objects))
	for _, obj := range r.objects {
		objects = append(objects, *obj)
	}
	sort.Slice(objects, func(i, j int) bool { return keyLess(objects[i].Key, objects[j].Key) })

	at := r.lastApply
	if at.IsZero() {
		at = r.clock.Now()
	}
	return Snapshot{
		At:           at,
		Frames:       r.frames,
		Counts:       r.copyCounts(),
		Objects:      objects,
		Invalid:      r.invalid,
		EdgeRejected: r.edgeRejected,
		Expired:      r.expired,
	}
}

// Counts returns a copy of the per-category dispatch counts.
func (r *Registry) Counts() map[string]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyCounts()
}

// Len returns the number of tracked objects.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}

func (r *Registry) copyCounts() map[string]int64 {
	out := make(map[string]int64, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

func keyLess(a, b ObjectKey) bool {
	if a.ClassLabel != b.ClassLabel {
		return a.ClassLabel < b.ClassLabel
	}
	return a.TrackID < b.TrackID
}

func sortKeys(keys []ObjectKey) {
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
}
