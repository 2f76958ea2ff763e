// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import "testing"

func TestIsQuery(t *testing.T) {
	cases := []struct {
		name string
		buf  []byte
		n    int
		want bool
	}{
		{"query frame", buildQueryFrame("SELECT 1"), len(buildQueryFrame("SELECT 1")), true},
		{"terminate frame", []byte{'X', 0, 0, 0, 4}, 5, false},
		{"parse frame", []byte{'P', 0, 0, 0, 10}, 5, false},
		{"empty read", []byte{}, 0, false},
		{"single byte non-Q", []byte{'Z'}, 1, false},
		{"single byte Q with n=0", []byte{'Q'}, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isQuery(tc.buf, tc.n); got != tc.want {
				t.Errorf("isQuery(%v, %d) = %v, want %v", tc.buf, tc.n, got, tc.want)
			}
		})
	}
}

func TestExtractQueryRoundTrip(t *testing.T) {
	sqls := []string{"SELECT 1", "SELECT * FROM users WHERE id = 1", ""}
	for _, sql := range sqls {
		frame := buildQueryFrame(sql)
		got := extractQuery(frame, len(frame))
		if got != sql {
			t.Errorf("extractQuery(buildQueryFrame(%q)) = %q, want %q", sql, got, sql)
		}
	}
}

func TestExtractQueryStopsAtNULTerminator(t *testing.T) {
	// Bytes after the NUL (a stray trailing byte some clients pad frames
	// with) must never leak into the extracted query text.
	frame := buildQueryFrame("SELECT 1")
	frame = append(frame, 'X')
	got := extractQuery(frame, len(frame))
	if got != "SELECT 1" {
		t.Errorf("extractQuery did not stop at NUL: got %q", got)
	}
}

func TestExtractQueryShortFrame(t *testing.T) {
	cases := []struct {
		name string
		buf  []byte
		n    int
	}{
		{"empty", []byte{}, 0},
		{"header only, no length", []byte{'Q'}, 1},
		{"one byte short of the 5-byte header", []byte{'Q', 0, 0, 0}, 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractQuery(tc.buf, tc.n); got != "" {
				t.Errorf("extractQuery(%v, %d) = %q, want empty string", tc.buf, tc.n, got)
			}
		})
	}
}

func TestExtractQueryEmptyBody(t *testing.T) {
	// Header present but the body is just the NUL terminator: no SQL text.
	frame := buildQueryFrame("")
	if got := extractQuery(frame, len(frame)); got != "" {
		t.Errorf("extractQuery of empty-body frame = %q, want empty string", got)
	}
}

func TestIndexByte(t *testing.T) {
	cases := []struct {
		name string
		b    []byte
		c    byte
		want int
	}{
		{"found at start", []byte{0, 1, 2}, 0, 0},
		{"found in middle", []byte("SELECT 1\x00extra"), 0, 8},
		{"not found", []byte("SELECT 1"), 0, -1},
		{"empty slice", []byte{}, 0, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := indexByte(tc.b, tc.c); got != tc.want {
				t.Errorf("indexByte(%v, %d) = %d, want %d", tc.b, tc.c, got, tc.want)
			}
		})
	}
}
