package generator

import (
	"context"
	"testing"
	"time"

	"github.com/mattjoyce/weir/internal/frame"
)

func TestSupervisorLifecycleFrames(t *testing.T) {
	s := newTestLog(t)
	startSupervisor(t, s, frame.SpawnRequest{
		Topic:   "lines",
		Command: `printf 'a\nb\n'`,
	}, slowPolicy())

	starts := waitFrames(t, s, "lines.start", 1)
	recvs := waitFrames(t, s, "lines.recv", 2)
	stops := waitFrames(t, s, "lines.stop", 1)

	sourceID := starts[0].SourceID()
	if sourceID == "" {
		t.Fatal("start frame has no source_id")
	}
	if got := payloadString(t, s, recvs[0]); got != "a" {
		t.Errorf("first recv payload = %q, want %q", got, "a")
	}
	if got := payloadString(t, s, recvs[1]); got != "b" {
		t.Errorf("second recv payload = %q, want %q", got, "b")
	}
	for _, f := range recvs {
		if f.SourceID() != sourceID {
			t.Errorf("recv source_id = %q, want %q", f.SourceID(), sourceID)
		}
	}
	if stops[0].SourceID() != sourceID {
		t.Errorf("stop source_id = %q, want %q", stops[0].SourceID(), sourceID)
	}

	if !(starts[0].Seq < recvs[0].Seq && recvs[0].Seq < recvs[1].Seq && recvs[1].Seq < stops[0].Seq) {
		t.Errorf("lifecycle frames out of order: start=%d recv=%d,%d stop=%d",
			starts[0].Seq, recvs[0].Seq, recvs[1].Seq, stops[0].Seq)
	}
}

func TestSupervisorRestartsWithNewSourceID(t *testing.T) {
	s := newTestLog(t)
	sup := startSupervisor(t, s, frame.SpawnRequest{
		Topic:   "flaky",
		Command: "true",
	}, RestartPolicy{Base: 10 * time.Millisecond, Max: 10 * time.Millisecond, MinUptime: time.Hour})

	starts := waitFrames(t, s, "flaky.start", 2)
	if starts[0].SourceID() == starts[1].SourceID() {
		t.Errorf("restarted generator reused source_id %q", starts[0].SourceID())
	}
	if got := sup.Generator().RestartCount(); got < 1 {
		t.Errorf("restart count = %d, want at least 1", got)
	}
}

func TestSupervisorStopSuppressesRestart(t *testing.T) {
	s := newTestLog(t)
	sup := startSupervisor(t, s, frame.SpawnRequest{
		Topic:   "longrun",
		Command: "sleep 60",
	}, RestartPolicy{Base: 5 * time.Millisecond, Max: 5 * time.Millisecond, MinUptime: time.Hour})

	waitFrames(t, s, "longrun.start", 1)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sup.Alive() {
		t.Error("supervisor still alive after Stop")
	}

	waitFrames(t, s, "longrun.stop", 1)
	time.Sleep(50 * time.Millisecond)
	if n := countFrames(t, s, "longrun.start"); n != 1 {
		t.Errorf("got %d start frames after Stop, want 1", n)
	}
	if got := sup.Generator().State(); got != StateStopped {
		t.Errorf("state after Stop = %v, want %v", got, StateStopped)
	}
}

func TestSupervisorDiscardsPartialLineOnStop(t *testing.T) {
	s := newTestLog(t)
	sup := startSupervisor(t, s, frame.SpawnRequest{
		Topic:   "partial",
		Command: `printf 'complete\npartial'; sleep 60`,
	}, slowPolicy())

	waitFrames(t, s, "partial.recv", 1)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	frames := waitFrames(t, s, "partial.recv", 1)
	if len(frames) != 1 {
		t.Fatalf("got %d recv frames, want 1", len(frames))
	}
	if got := payloadString(t, s, frames[0]); got != "complete" {
		t.Errorf("recv payload = %q, want %q", got, "complete")
	}
}

func TestSupervisorSpawnError(t *testing.T) {
	t.Setenv("PATH", "")
	s := newTestLog(t)
	startSupervisor(t, s, frame.SpawnRequest{
		Topic:   "broken",
		Command: "true",
	}, slowPolicy())

	errs := waitFrames(t, s, "broken.spawn.error", 1)
	if errs[0].Reason() == "" {
		t.Error("spawn.error frame has no reason")
	}
	if errs[0].SourceID() == "" {
		t.Error("spawn.error frame has no source_id")
	}
	if n := countFrames(t, s, "broken.start"); n != 0 {
		t.Errorf("got %d start frames for failed spawn, want 0", n)
	}
}
