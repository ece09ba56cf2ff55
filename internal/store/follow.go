package store

import (
	"context"
	"time"

	"github.com/mattjoyce/weir/internal/frame"
)

// FollowOptions selects which frames a Read or Follow yields.
type FollowOptions struct {
	// Topic restricts to one exact topic. Empty means all topics.
	Topic string
	// Match overrides Topic with an arbitrary predicate.
	Match func(frame.Frame) bool
	// LastSeq resumes after a previously seen frame.
	LastSeq int64
	// Tail skips the backlog and yields only frames appended from now on.
	Tail bool
	// Heartbeat, when positive, interleaves weir.pulse frames at this
	// interval so idle followers can detect a dead connection.
	Heartbeat time.Duration
	// MaxPending caps how many undelivered frames a follower may queue.
	// A follower that falls further behind is disconnected: it receives
	// its queued frames in order, then the channel closes. Zero means
	// unbounded; internal followers rely on lossless delivery.
	MaxPending int
}

func (o FollowOptions) matcher() func(frame.Frame) bool {
	if o.Match != nil {
		return o.Match
	}
	if o.Topic == "" {
		return func(frame.Frame) bool { return true }
	}
	topic := o.Topic
	return func(f frame.Frame) bool { return f.Topic == topic }
}

// Follow returns an infinite, ordered sequence of frames. Without Tail it
// first replays the backlog (seq > LastSeq), then emits one weir.threshold
// sentinel, then live frames as they are appended. The channel closes when
// ctx is cancelled or the store shuts down; a closed channel with a live
// ctx means the subscription itself is gone.
func (s *Store) Follow(ctx context.Context, opts FollowOptions) <-chan frame.Frame {
	match := opts.matcher()
	sub, cancel := s.hub.subscribe(match, opts.MaxPending)
	out := make(chan frame.Frame, 16)
	go s.followPump(ctx, opts, match, sub, cancel, out)
	return out
}

func (s *Store) followPump(
	ctx context.Context,
	opts FollowOptions,
	match func(frame.Frame) bool,
	sub *subscriber,
	cancel func(),
	out chan<- frame.Frame,
) {
	defer close(out)
	defer cancel()

	send := func(f frame.Frame) bool {
		select {
		case out <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	lastSent := opts.LastSeq

	if !opts.Tail {
		backlog, err := s.Read(ctx, FollowOptions{Match: match, LastSeq: opts.LastSeq})
		if err != nil {
			s.logger.Error("follow backlog read failed", "error", err)
			return
		}
		for _, f := range backlog {
			if !send(f) {
				return
			}
			lastSent = f.Seq
		}
		// Marks the boundary between replayed and live frames.
		if !send(frame.Frame{ID: frame.NewID(), Topic: frame.TopicThreshold}) {
			return
		}
	}

	var heartbeat <-chan time.Time
	if opts.Heartbeat > 0 {
		ticker := time.NewTicker(opts.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat:
			if !send(frame.Frame{ID: frame.NewID(), Topic: frame.TopicPulse}) {
				return
			}
		case <-sub.wake:
			for {
				f, have, open := sub.next()
				if !have {
					if !open {
						return
					}
					break
				}
				// Frames already replayed from the backlog can race in
				// through the hub; seq order makes them easy to skip.
				if f.Seq <= lastSent {
					continue
				}
				if !send(f) {
					return
				}
				lastSent = f.Seq
			}
		}
	}
}
