package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/shrimp-sorter/internal/timeutil"
)

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// waitForTimers blocks until n After timers are registered on clock.
func waitForTimers(t *testing.T, clock *timeutil.MockClock, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for clock.PendingTimers() != n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d pending timers, have %d", n, clock.PendingTimers())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRelay_LatestWins(t *testing.T) {
	tests := []struct {
		name      string
		publish   []int
		want      int
		wantStats Stats
	}{
		{"single", []int{7}, 7, Stats{Name: "frames", Published: 1, Taken: 1}},
		{"two", []int{1, 2}, 2, Stats{Name: "frames", Published: 2, Taken: 1, Dropped: 1}},
		{"burst", []int{1, 2, 3, 4, 5}, 5, Stats{Name: "frames", Published: 5, Taken: 1, Dropped: 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New[int]("frames", nil)
			for _, v := range tt.publish {
				r.Publish(v)
			}

			got, err := r.Take(context.Background(), time.Second)
			if err != nil {
				t.Fatalf("Take: %v", err)
			}
			if got != tt.want {
				t.Errorf("Take = %d, want %d", got, tt.want)
			}
			if r.Pending() {
				t.Error("relay still pending after Take")
			}
			if stats := r.Stats(); stats != tt.wantStats {
				t.Errorf("Stats = %+v, want %+v", stats, tt.wantStats)
			}
		})
	}
}

func TestRelay_TakeTimesOut(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	r := New[string]("results", clock)

	errc := make(chan error, 1)
	go func() {
		_, err := r.Take(context.Background(), 500*time.Millisecond)
		errc <- err
	}()

	waitForTimers(t, clock, 1)
	clock.Advance(500 * time.Millisecond)

	select {
	case err := <-errc:
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("Take error = %v, want ErrTimeout", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Take did not return after timeout")
	}
}

func TestRelay_TakeWakesOnPublish(t *testing.T) {
	r := New[int]("frames", nil)

	got := make(chan int, 1)
	go func() {
		v, err := r.Take(context.Background(), 5*time.Second)
		if err == nil {
			got <- v
		}
	}()

	time.Sleep(10 * time.Millisecond)
	r.Publish(42)

	select {
	case v := <-got:
		if v != 42 {
			t.Errorf("Take = %d, want 42", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Take was not woken by Publish")
	}
}

func TestRelay_TakeHonoursContext(t *testing.T) {
	r := New[int]("frames", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.Take(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Take error = %v, want context.Canceled", err)
	}
}

func TestRelay_StaleNotifyToken(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	r := New[int]("frames", clock)

	// leaves a token in notify; the item is taken on the fast path
	r.Publish(1)
	v, err := r.Take(context.Background(), time.Second)
	if err != nil || v != 1 {
		t.Fatalf("Take = %d, %v; want 1, nil", v, err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := r.Take(context.Background(), time.Second)
		errc <- err
	}()

	waitForTimers(t, clock, 1)
	clock.Advance(time.Second)
	if err := <-errc; !errors.Is(err, ErrTimeout) {
		t.Errorf("Take error = %v, want ErrTimeout", err)
	}
}

func TestRelay_ConcurrentPublishersNeverDuplicate(t *testing.T) {
	r := New[int]("frames", nil)

	const publishers, perPublisher = 4, 250
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				r.Publish(base*perPublisher + i)
			}
		}(p)
	}

	seen := make(map[int]bool)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		v, err := r.Take(context.Background(), 10*time.Millisecond)
		if err == nil {
			if seen[v] {
				t.Fatalf("item %d delivered twice", v)
			}
			seen[v] = true
			continue
		}
		select {
		case <-done:
			if !r.Pending() {
				stats := r.Stats()
				if stats.Published != publishers*perPublisher {
					t.Errorf("Published = %d, want %d", stats.Published, publishers*perPublisher)
				}
				if stats.Taken+stats.Dropped != stats.Published {
					t.Errorf("Taken %d + Dropped %d != Published %d", stats.Taken, stats.Dropped, stats.Published)
				}
				return
			}
		default:
		}
	}
}
