package generator

import (
	"context"
	"testing"
	"time"

	"github.com/mattjoyce/weir/internal/frame"
	"github.com/mattjoyce/weir/internal/store"
)

func newTestLog(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// waitFrames polls until at least n frames exist on topic, then returns
// them in seq order.
func waitFrames(t *testing.T, s *store.Store, topic string, n int) []frame.Frame {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		frames, err := s.Read(context.Background(), store.FollowOptions{Topic: topic})
		if err != nil {
			t.Fatalf("Read %q: %v", topic, err)
		}
		if len(frames) >= n {
			return frames
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d frames on %q, have %d", n, topic, len(frames))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func countFrames(t *testing.T, s *store.Store, topic string) int {
	t.Helper()
	frames, err := s.Read(context.Background(), store.FollowOptions{Topic: topic})
	if err != nil {
		t.Fatalf("Read %q: %v", topic, err)
	}
	return len(frames)
}

func payloadString(t *testing.T, s *store.Store, f frame.Frame) string {
	t.Helper()
	payload, err := s.Payload(f)
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	return string(payload)
}

// slowPolicy keeps a generator from restarting within a test's lifetime.
func slowPolicy() RestartPolicy {
	return RestartPolicy{Base: time.Hour, Max: time.Hour, MinUptime: time.Minute}
}

func startSupervisor(t *testing.T, s *store.Store, req frame.SpawnRequest, policy RestartPolicy) *Supervisor {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sup := newSupervisor(newGenerator(req), s, policy, 500*time.Millisecond)
	sup.Start(ctx)
	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = sup.Stop(stopCtx)
	})
	return sup
}
