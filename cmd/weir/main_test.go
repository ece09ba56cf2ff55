package main

import "testing"

func TestServerURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"localhost:8787", "http://localhost:8787"},
		{"http://localhost:8787", "http://localhost:8787"},
		{"http://localhost:8787/", "http://localhost:8787"},
		{"https://weir.example.com", "https://weir.example.com"},
	}
	for _, c := range cases {
		if got := serverURL(c.in); got != c.want {
			t.Errorf("serverURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestWSURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"localhost:8787", "ws://localhost:8787"},
		{"https://weir.example.com", "wss://weir.example.com"},
	}
	for _, c := range cases {
		if got := wsURL(c.in); got != c.want {
			t.Errorf("wsURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestRunAppendRejectsBadArgs(t *testing.T) {
	if code := runAppend([]string{"only-addr"}); code != 1 {
		t.Errorf("runAppend with one arg = %d, want 1", code)
	}
}

func TestRunCatRejectsBadArgs(t *testing.T) {
	if code := runCat([]string{}); code != 1 {
		t.Errorf("runCat with no args = %d, want 1", code)
	}
}
