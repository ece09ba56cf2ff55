package cas

import (
	"errors"
	"testing"
)

func open(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()
	s := open(t)

	content := []byte("hello world\n")
	hash, err := s.Put(content)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if hash != Hash(content) {
		t.Fatalf("Put hash %q != Hash() %q", hash, Hash(content))
	}

	got, err := s.Get(hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("Get = %q, want %q", got, content)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	t.Parallel()
	s := open(t)

	h1, err := s.Put([]byte("same"))
	if err != nil {
		t.Fatalf("Put 1: %v", err)
	}
	h2, err := s.Put([]byte("same"))
	if err != nil {
		t.Fatalf("Put 2: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hashes differ: %q vs %q", h1, h2)
	}
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	t.Parallel()
	s := open(t)

	if _, err := s.Get(Hash([]byte("never stored"))); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Get(""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty hash, got %v", err)
	}
}

func TestHas(t *testing.T) {
	t.Parallel()
	s := open(t)

	hash, err := s.Put([]byte("present"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	ok, err := s.Has(hash)
	if err != nil || !ok {
		t.Fatalf("Has(%q) = %v, %v", hash, ok, err)
	}
	ok, err = s.Has(Hash([]byte("absent")))
	if err != nil || ok {
		t.Fatalf("Has(absent) = %v, %v", ok, err)
	}
}
