package generator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/weir/internal/frame"
	"github.com/mattjoyce/weir/internal/log"
	"github.com/mattjoyce/weir/internal/store"
)

// Options carries the restart policy and teardown knobs shared by every
// generator the registry creates.
type Options struct {
	Policy    RestartPolicy
	StopGrace time.Duration
}

// Registry is the single authoritative mapping from generator topic to live
// Supervisor. Creation and destruction are serialized per topic; unrelated
// topics never contend.
type Registry struct {
	log    Log
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu  sync.Mutex
	sup *Supervisor

	taskMu  sync.Mutex
	tasks   []func()
	running bool
}

// dispatch queues work for this topic in arrival order. A single worker
// per entry drains the queue, so a teardown waiting out its grace period
// on one topic never stalls frame handling for another.
func (e *entry) dispatch(task func()) {
	e.taskMu.Lock()
	e.tasks = append(e.tasks, task)
	if e.running {
		e.taskMu.Unlock()
		return
	}
	e.running = true
	e.taskMu.Unlock()

	go func() {
		for {
			e.taskMu.Lock()
			if len(e.tasks) == 0 {
				e.running = false
				e.taskMu.Unlock()
				return
			}
			next := e.tasks[0]
			e.tasks = e.tasks[1:]
			e.taskMu.Unlock()
			next()
		}
	}()
}

func NewRegistry(logStore Log, opts Options) *Registry {
	return &Registry{
		log:     logStore,
		opts:    opts,
		logger:  log.WithComponent("registry"),
		entries: make(map[string]*entry),
	}
}

// Run follows spawn and terminate frames until ctx ends, then tears down
// every generator. The backlog is replayed first: spawns and terminates
// only adjust desired state, and at the threshold sentinel the registry
// reconciles, spawning each topic whose last spawn has no later terminate.
// That is how generators survive a host restart. Live frames are handed to
// per-topic workers: ordering holds within a topic, and a slow teardown on
// one topic cannot delay another's spawn.
//
// A closed follow channel with a live ctx means the frame subscription is
// gone; that is the one irrecoverable condition and Run returns an error
// the caller must treat as fatal.
func (r *Registry) Run(ctx context.Context) error {
	ch := r.log.Follow(ctx, store.FollowOptions{
		Match: func(f frame.Frame) bool {
			_, suffix := frame.Split(f.Topic)
			return suffix == frame.SuffixSpawn || suffix == frame.SuffixTerminate
		},
	})

	replaying := true
	desired := make(map[string]frame.Frame)

	for f := range ch {
		switch f.Topic {
		case frame.TopicThreshold:
			r.reconcile(ctx, desired)
			desired = nil
			replaying = false
			continue
		case frame.TopicPulse:
			continue
		}

		base, suffix := frame.Split(f.Topic)
		switch suffix {
		case frame.SuffixSpawn:
			if replaying {
				desired[base] = f
				continue
			}
			f := f
			r.entry(base).dispatch(func() {
				if err := r.Spawn(ctx, f); err != nil {
					r.logger.Warn("spawn rejected", "topic", base, "error", err)
				}
			})
		case frame.SuffixTerminate:
			if replaying {
				delete(desired, base)
				continue
			}
			r.entry(base).dispatch(func() {
				if err := r.Remove(ctx, base); err != nil {
					r.logger.Debug("terminate ignored", "topic", base, "error", err)
				}
			})
		}
	}

	if ctx.Err() != nil {
		r.shutdown()
		return nil
	}
	return fmt.Errorf("registry: frame subscription lost")
}

// reconcile spawns the generators that should be alive according to the
// replayed backlog, in log order.
func (r *Registry) reconcile(ctx context.Context, desired map[string]frame.Frame) {
	frames := make([]frame.Frame, 0, len(desired))
	for _, f := range desired {
		frames = append(frames, f)
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].Seq < frames[j].Seq })

	for _, f := range frames {
		if err := r.Spawn(ctx, f); err != nil {
			base, _ := frame.Split(f.Topic)
			r.logger.Warn("resurrect failed", "topic", base, "error", err)
		}
	}
	r.logger.Info("backlog reconciled", "generators", len(frames))
}

// Spawn creates and starts a generator from a .spawn frame. A topic with an
// active generator is rejected: the rejection is appended as a
// <topic>.spawn.error frame and ErrActive is returned.
func (r *Registry) Spawn(ctx context.Context, f frame.Frame) error {
	payload, err := r.log.Payload(f)
	if err != nil {
		return fmt.Errorf("read spawn payload: %w", err)
	}
	req, err := frame.ParseSpawn(f, payload)
	if err != nil {
		r.appendSpawnRejection(f.Topic, err)
		return err
	}

	e := r.entry(req.Topic)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sup != nil && e.sup.Alive() {
		r.appendSpawnRejection(f.Topic, ErrActive)
		return ErrActive
	}

	gen := newGenerator(req)
	sup := newSupervisor(gen, r.log, r.opts.Policy, r.opts.StopGrace)
	e.sup = sup
	sup.Start(ctx)
	r.logger.Info("generator spawned", "topic", req.Topic, "duplex", req.Duplex)
	return nil
}

func (r *Registry) appendSpawnRejection(spawnTopic string, cause error) {
	base, _ := frame.Split(spawnTopic)
	if _, err := r.log.Append(context.Background(), base+frame.SuffixSpawnError, nil, map[string]any{
		frame.MetaSourceID: uuid.NewString(),
		frame.MetaReason:   cause.Error(),
	}); err != nil {
		r.logger.Error("append spawn rejection failed", "topic", base, "error", err)
	}
}

// Remove tears down the generator for topic. It does not return until the
// supervisor is fully stopped or the grace period (doubled, to cover
// SIGTERM plus SIGKILL reaping) has elapsed.
func (r *Registry) Remove(ctx context.Context, topic string) error {
	e := r.entry(topic)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sup == nil {
		return ErrNotFound
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*r.opts.StopGrace)
	defer cancel()
	err := e.sup.Stop(waitCtx)
	e.sup = nil

	if err != nil {
		return fmt.Errorf("remove %q: %w", topic, err)
	}
	r.logger.Info("generator removed", "topic", topic)
	return nil
}

// List returns a snapshot of every live generator, sorted by topic.
func (r *Registry) List() []Status {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.sup != nil {
			out = append(out, e.sup.Generator().status())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// entry returns the per-topic entry, creating it if needed.
func (r *Registry) entry(topic string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[topic]
	if !ok {
		e = &entry{}
		r.entries[topic] = e
	}
	return e
}

// shutdown stops every supervisor concurrently, bounded by the grace
// period. Called once the watch loop has ended.
func (r *Registry) shutdown() {
	r.mu.Lock()
	sups := make([]*Supervisor, 0, len(r.entries))
	for _, e := range r.entries {
		e.mu.Lock()
		if e.sup != nil {
			sups = append(sups, e.sup)
			e.sup = nil
		}
		e.mu.Unlock()
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, sup := range sups {
		wg.Add(1)
		go func(sup *Supervisor) {
			defer wg.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*r.opts.StopGrace)
			defer cancel()
			if err := sup.Stop(stopCtx); err != nil {
				r.logger.Warn("generator did not stop in time", "topic", sup.Generator().Topic, "error", err)
			}
		}(sup)
	}
	wg.Wait()
	r.logger.Info("all generators stopped")
}
