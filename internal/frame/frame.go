// Package frame defines the record type appended to the log and the topic
// conventions shared by the store, the generator subsystem, and the API.
package frame

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Frame is one immutable record in the log. Seq is the total order within a
// single log, assigned by the store at append time. Hash references the
// content-addressed payload and is empty for frames without one.
type Frame struct {
	Seq   int64          `json:"seq"`
	ID    string         `json:"id"`
	Topic string         `json:"topic"`
	Hash  string         `json:"hash,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Recognized meta keys. Unrecognized keys are preserved opaquely and never
// interpreted.
const (
	MetaSourceID = "source_id"
	MetaDuplex   = "duplex"
	MetaReason   = "reason"
)

// Topic suffixes of the generator wire contract.
const (
	SuffixSpawn      = ".spawn"
	SuffixSpawnError = ".spawn.error"
	SuffixStart      = ".start"
	SuffixRecv       = ".recv"
	SuffixStop       = ".stop"
	SuffixSend       = ".send"
	SuffixTerminate  = ".terminate"
)

// Sentinel topics emitted by the store itself, never persisted.
const (
	TopicThreshold = "weir.threshold"
	TopicPulse     = "weir.pulse"
)

// NewID returns a time-ordered unique frame id.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// v7 only fails if the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}

// SourceID returns the source_id meta value, or "".
func (f Frame) SourceID() string {
	return f.metaString(MetaSourceID)
}

// Reason returns the reason meta value, or "".
func (f Frame) Reason() string {
	return f.metaString(MetaReason)
}

// Duplex reports the duplex meta flag. Anything other than an explicit
// false/"false"/"no"/"0" counts as true when the key is present.
func (f Frame) Duplex() bool {
	v, ok := f.Meta[MetaDuplex]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(t) {
		case "false", "no", "0":
			return false
		}
		return true
	default:
		return true
	}
}

func (f Frame) metaString(key string) string {
	if s, ok := f.Meta[key].(string); ok {
		return s
	}
	return ""
}

// suffixes ordered longest-first so ".spawn.error" wins over ".spawn".
var suffixes = []string{
	SuffixSpawnError,
	SuffixTerminate,
	SuffixSpawn,
	SuffixStart,
	SuffixRecv,
	SuffixStop,
	SuffixSend,
}

// Split separates a topic into its base and a recognized generator suffix.
// Topics without a recognized suffix return the whole topic as base and "".
func Split(topic string) (base, suffix string) {
	for _, s := range suffixes {
		if strings.HasSuffix(topic, s) && len(topic) > len(s) {
			return topic[:len(topic)-len(s)], s
		}
	}
	return topic, ""
}

// ValidateBase rejects topics that cannot serve as a generator base name.
func ValidateBase(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic is empty")
	}
	if strings.HasPrefix(topic, ".") || strings.HasSuffix(topic, ".") {
		return fmt.Errorf("topic %q has a leading or trailing dot", topic)
	}
	if strings.ContainsAny(topic, " \t\n") {
		return fmt.Errorf("topic %q contains whitespace", topic)
	}
	return nil
}

// SpawnRequest is the capability-bounded value a .spawn frame carries: the
// command text and the duplex flag, nothing else. Only the generator
// Supervisor consumes it.
type SpawnRequest struct {
	Topic   string
	Command string
	Duplex  bool
}

// ParseSpawn builds a SpawnRequest from a .spawn frame and its payload.
func ParseSpawn(f Frame, payload []byte) (SpawnRequest, error) {
	base, suffix := Split(f.Topic)
	if suffix != SuffixSpawn {
		return SpawnRequest{}, fmt.Errorf("topic %q is not a spawn topic", f.Topic)
	}
	if err := ValidateBase(base); err != nil {
		return SpawnRequest{}, err
	}
	command := strings.TrimSpace(string(payload))
	if command == "" {
		return SpawnRequest{}, fmt.Errorf("spawn frame for %q has no command", base)
	}
	return SpawnRequest{
		Topic:   base,
		Command: command,
		Duplex:  f.Duplex(),
	}, nil
}
