package generator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mattjoyce/weir/internal/store"
)

func testOptions() Options {
	return Options{Policy: slowPolicy(), StopGrace: time.Second}
}

// runRegistry starts r.Run on its own context and returns the cancel func
// plus a channel carrying Run's result.
func runRegistry(t *testing.T, r *Registry) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errc:
		case <-time.After(10 * time.Second):
			t.Error("registry did not shut down")
		}
	})
	return cancel, errc
}

func waitList(t *testing.T, r *Registry, n int) []Status {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		list := r.List()
		if len(list) == n {
			return list
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d generators, have %d", n, len(list))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistrySpawnRejectsActiveTopic(t *testing.T) {
	s := newTestLog(t)
	r := NewRegistry(s, testOptions())
	ctx := context.Background()

	f, err := s.Append(ctx, "job.spawn", []byte("sleep 60"), nil)
	if err != nil {
		t.Fatalf("Append spawn: %v", err)
	}
	if err := r.Spawn(ctx, f); err != nil {
		t.Fatalf("first Spawn: %v", err)
	}
	t.Cleanup(func() { _ = r.Remove(context.Background(), "job") })
	waitFrames(t, s, "job.start", 1)

	f2, err := s.Append(ctx, "job.spawn", []byte("sleep 60"), nil)
	if err != nil {
		t.Fatalf("Append spawn: %v", err)
	}
	if err := r.Spawn(ctx, f2); !errors.Is(err, ErrActive) {
		t.Fatalf("second Spawn err = %v, want ErrActive", err)
	}

	rejections := waitFrames(t, s, "job.spawn.error", 1)
	if rejections[0].Reason() == "" {
		t.Error("rejection frame has no reason")
	}
}

func TestRegistrySpawnRejectsEmptyCommand(t *testing.T) {
	s := newTestLog(t)
	r := NewRegistry(s, testOptions())
	ctx := context.Background()

	f, err := s.Append(ctx, "blank.spawn", nil, nil)
	if err != nil {
		t.Fatalf("Append spawn: %v", err)
	}
	if err := r.Spawn(ctx, f); err == nil {
		t.Fatal("Spawn accepted a frame with no command")
	}
	waitFrames(t, s, "blank.spawn.error", 1)
	if n := countFrames(t, s, "blank.start"); n != 0 {
		t.Errorf("got %d start frames, want 0", n)
	}
}

func TestRegistryRunSpawnsAndTerminates(t *testing.T) {
	s := newTestLog(t)
	r := NewRegistry(s, testOptions())
	runRegistry(t, r)

	ctx := context.Background()
	if _, err := s.Append(ctx, "worker.spawn", []byte("sleep 60"), nil); err != nil {
		t.Fatalf("Append spawn: %v", err)
	}
	waitFrames(t, s, "worker.start", 1)

	list := waitList(t, r, 1)
	if list[0].Topic != "worker" || list[0].State != "running" {
		t.Errorf("list entry = %+v, want running worker", list[0])
	}

	if _, err := s.Append(ctx, "worker.terminate", nil, nil); err != nil {
		t.Fatalf("Append terminate: %v", err)
	}
	waitFrames(t, s, "worker.stop", 1)
	waitList(t, r, 0)
}

func TestRegistryTerminateDoesNotStallOtherTopics(t *testing.T) {
	s := newTestLog(t)
	r := NewRegistry(s, Options{Policy: slowPolicy(), StopGrace: 3 * time.Second})
	runRegistry(t, r)

	ctx := context.Background()
	if _, err := s.Append(ctx, "stubborn.spawn", []byte(`trap '' TERM; sleep 60`), nil); err != nil {
		t.Fatalf("Append spawn: %v", err)
	}
	waitFrames(t, s, "stubborn.start", 1)

	// The stubborn process ignores SIGTERM, so its teardown rides out the
	// full grace period before SIGKILL. An unrelated spawn must not wait.
	started := time.Now()
	if _, err := s.Append(ctx, "stubborn.terminate", nil, nil); err != nil {
		t.Fatalf("Append terminate: %v", err)
	}
	if _, err := s.Append(ctx, "quick.spawn", []byte("sleep 60"), nil); err != nil {
		t.Fatalf("Append spawn: %v", err)
	}
	waitFrames(t, s, "quick.start", 1)
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Errorf("unrelated spawn waited %v behind a stubborn teardown", elapsed)
	}

	waitFrames(t, s, "stubborn.stop", 1)
}

func TestRegistryReconcileSkipsTerminatedTopics(t *testing.T) {
	s := newTestLog(t)
	ctx := context.Background()
	for _, a := range []struct {
		topic   string
		payload []byte
	}{
		{"kept.spawn", []byte("sleep 60")},
		{"gone.spawn", []byte("sleep 60")},
		{"gone.terminate", nil},
	} {
		if _, err := s.Append(ctx, a.topic, a.payload, nil); err != nil {
			t.Fatalf("Append %s: %v", a.topic, err)
		}
	}

	r := NewRegistry(s, testOptions())
	runRegistry(t, r)

	waitFrames(t, s, "kept.start", 1)
	time.Sleep(200 * time.Millisecond)
	if n := countFrames(t, s, "gone.start"); n != 0 {
		t.Errorf("terminated topic resurrected: %d start frames", n)
	}
	list := waitList(t, r, 1)
	if list[0].Topic != "kept" {
		t.Errorf("surviving topic = %q, want %q", list[0].Topic, "kept")
	}
}

func TestRegistryRunFatalOnSubscriptionLoss(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(context.Background(), dir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	r := NewRegistry(s, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("Run returned nil after losing its subscription")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after store close")
	}
}
