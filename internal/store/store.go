// Package store is the append-only frame log: SQLite for frame records,
// the cas package for payload content, and an in-process hub for followers.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattjoyce/weir/internal/cas"
	"github.com/mattjoyce/weir/internal/frame"
	"github.com/mattjoyce/weir/internal/log"
	"github.com/mattjoyce/weir/internal/storage"
)

// ErrNotFound is returned for lookups of frames that do not exist.
var ErrNotFound = errors.New("store: frame not found")

// ErrClosed is returned once the store has been shut down.
var ErrClosed = errors.New("store: closed")

type Store struct {
	dir    string
	db     *sql.DB
	cas    *cas.Store
	hub    *hub
	logger *slog.Logger

	// appendMu serializes seq assignment and hub publication so follower
	// delivery order always equals seq order.
	appendMu sync.Mutex
	closed   bool
}

// Open opens the store rooted at dir, creating frames.db and the CAS
// database underneath it.
func Open(ctx context.Context, dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store dir is empty")
	}

	db, err := storage.OpenSQLite(ctx, filepath.Join(dir, "frames.db"))
	if err != nil {
		return nil, err
	}
	blobs, err := cas.Open(filepath.Join(dir, "cas"))
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		dir:    dir,
		db:     db,
		cas:    blobs,
		hub:    newHub(),
		logger: log.WithComponent("store"),
	}, nil
}

func (s *Store) Dir() string { return s.dir }

// CAS exposes the payload store for direct content reads.
func (s *Store) CAS() *cas.Store { return s.cas }

// Close stops all followers and closes the underlying databases.
func (s *Store) Close() error {
	s.appendMu.Lock()
	s.closed = true
	s.appendMu.Unlock()

	s.hub.close()
	errDB := s.db.Close()
	errCAS := s.cas.Close()
	if errDB != nil {
		return fmt.Errorf("close frame log: %w", errDB)
	}
	if errCAS != nil {
		return fmt.Errorf("close cas: %w", errCAS)
	}
	return nil
}

// Append stores payload in the CAS (when non-empty), persists a new frame
// under topic, and publishes it to live followers. Appends are totally
// ordered; followers observe them in seq order.
func (s *Store) Append(ctx context.Context, topic string, payload []byte, meta map[string]any) (frame.Frame, error) {
	if topic == "" {
		return frame.Frame{}, fmt.Errorf("append: topic is empty")
	}

	var hash string
	if len(payload) > 0 {
		h, err := s.cas.Put(payload)
		if err != nil {
			return frame.Frame{}, fmt.Errorf("append %q: %w", topic, err)
		}
		hash = h
	}

	var metaJSON any
	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err != nil {
			return frame.Frame{}, fmt.Errorf("append %q: marshal meta: %w", topic, err)
		}
		metaJSON = string(b)
	}

	f := frame.Frame{
		ID:    frame.NewID(),
		Topic: topic,
		Hash:  hash,
		Meta:  meta,
	}
	createdAt := time.Now().UTC().Format(time.RFC3339Nano)

	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	if s.closed {
		return frame.Frame{}, ErrClosed
	}

	var hashVal any
	if hash != "" {
		hashVal = hash
	}
	err := s.db.QueryRowContext(ctx, `
INSERT INTO frames(id, topic, hash, meta, created_at)
VALUES(?, ?, ?, ?, ?)
RETURNING seq;
`, f.ID, f.Topic, hashVal, metaJSON, createdAt).Scan(&f.Seq)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("append %q: %w", topic, err)
	}

	s.hub.publish(f)
	return f, nil
}

// Payload returns the CAS content a frame references, or nil for frames
// without a payload.
func (s *Store) Payload(f frame.Frame) ([]byte, error) {
	if f.Hash == "" {
		return nil, nil
	}
	return s.cas.Get(f.Hash)
}

// Get returns the frame with the given id.
func (s *Store) Get(ctx context.Context, id string) (frame.Frame, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT seq, id, topic, hash, meta FROM frames WHERE id = ?;
`, id)
	return scanFrame(row)
}

// Head returns the most recent frame on topic.
func (s *Store) Head(ctx context.Context, topic string) (frame.Frame, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT seq, id, topic, hash, meta FROM frames WHERE topic = ? ORDER BY seq DESC LIMIT 1;
`, topic)
	return scanFrame(row)
}

// Read returns the finite backlog matching opts, oldest first. Follow
// options (Tail, Heartbeat) are ignored here.
func (s *Store) Read(ctx context.Context, opts FollowOptions) ([]frame.Frame, error) {
	match := opts.matcher()

	rows, err := s.db.QueryContext(ctx, `
SELECT seq, id, topic, hash, meta FROM frames WHERE seq > ? ORDER BY seq ASC;
`, opts.LastSeq)
	if err != nil {
		return nil, fmt.Errorf("read frames: %w", err)
	}
	defer rows.Close()

	var out []frame.Frame
	for rows.Next() {
		f, err := scanFrameRows(rows)
		if err != nil {
			return nil, err
		}
		if match(f) {
			out = append(out, f)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read frames: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFrame(row *sql.Row) (frame.Frame, error) {
	f, err := scanFrameScanner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return frame.Frame{}, ErrNotFound
	}
	return f, err
}

func scanFrameRows(rows *sql.Rows) (frame.Frame, error) {
	return scanFrameScanner(rows)
}

func scanFrameScanner(row rowScanner) (frame.Frame, error) {
	var (
		f        frame.Frame
		hash     sql.NullString
		metaJSON sql.NullString
	)
	if err := row.Scan(&f.Seq, &f.ID, &f.Topic, &hash, &metaJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return frame.Frame{}, err
		}
		return frame.Frame{}, fmt.Errorf("scan frame: %w", err)
	}
	if hash.Valid {
		f.Hash = hash.String
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &f.Meta); err != nil {
			return frame.Frame{}, fmt.Errorf("decode meta for frame %s: %w", f.ID, err)
		}
	}
	return f, nil
}
