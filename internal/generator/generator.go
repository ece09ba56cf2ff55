// Package generator supervises user-supplied shell pipelines whose output
// lines become frames in the log. Each generator is owned by one Supervisor;
// the Registry is the only authority over which generators exist.
package generator

import (
	"context"
	"errors"
	"sync"

	"github.com/mattjoyce/weir/internal/frame"
	"github.com/mattjoyce/weir/internal/store"
)

var (
	// ErrActive is returned when a spawn targets a topic that already has a
	// live generator.
	ErrActive = errors.New("generator: topic already has an active generator")
	// ErrNotFound is returned when a removal targets an unknown topic.
	ErrNotFound = errors.New("generator: no generator for topic")
)

// Log is the slice of the store the generator subsystem uses. *store.Store
// satisfies it.
type Log interface {
	Append(ctx context.Context, topic string, payload []byte, meta map[string]any) (frame.Frame, error)
	Follow(ctx context.Context, opts store.FollowOptions) <-chan frame.Frame
	Payload(f frame.Frame) ([]byte, error)
}

// State is the supervisor lifecycle state of one generator.
type State int

const (
	StateSpawning State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Generator is one running or restarting pipeline. Topic, Command and
// Duplex are fixed at creation; the rest changes across spawns.
type Generator struct {
	Topic   string
	Command string
	Duplex  bool

	mu           sync.Mutex
	state        State
	sourceID     string
	restartCount int
}

func newGenerator(req frame.SpawnRequest) *Generator {
	return &Generator{
		Topic:   req.Topic,
		Command: req.Command,
		Duplex:  req.Duplex,
		state:   StateSpawning,
	}
}

// State returns the current lifecycle state.
func (g *Generator) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// SourceID returns the identity of the current spawn attempt.
func (g *Generator) SourceID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sourceID
}

// RestartCount returns the number of consecutive crash-triggered restarts.
func (g *Generator) RestartCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.restartCount
}

func (g *Generator) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

func (g *Generator) setSourceID(id string) {
	g.mu.Lock()
	g.sourceID = id
	g.mu.Unlock()
}

func (g *Generator) setRestartCount(n int) {
	g.mu.Lock()
	g.restartCount = n
	g.mu.Unlock()
}

// Status is a point-in-time snapshot of a generator, safe to serialize.
type Status struct {
	Topic        string `json:"topic"`
	Command      string `json:"command"`
	Duplex       bool   `json:"duplex"`
	State        string `json:"state"`
	SourceID     string `json:"source_id,omitempty"`
	RestartCount int    `json:"restart_count"`
}

func (g *Generator) status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{
		Topic:        g.Topic,
		Command:      g.Command,
		Duplex:       g.Duplex,
		State:        g.state.String(),
		SourceID:     g.sourceID,
		RestartCount: g.restartCount,
	}
}
