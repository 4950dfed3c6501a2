package core

import (
	"fmt"
	"testing"
)

func TestResolveURLsAssignsSequentialShortIDs(t *testing.T) {
	chunks := []GroundingChunk{
		{URI: "https://example.com/a", Title: "A"},
		{URI: "https://example.com/b", Title: "B"},
		{URI: "https://example.com/c", Title: "C"},
	}
	resolved := ResolveURLs(chunks, 7)
	if len(resolved) != 3 {
		t.Fatalf("expected 3 mappings, got %d", len(resolved))
	}
	for idx, chunk := range chunks {
		want := fmt.Sprintf("%s7-%d", ShortURLPrefix, idx)
		if got := resolved[chunk.URI]; got != want {
			t.Fatalf("uri %s: expected %s, got %s", chunk.URI, want, got)
		}
	}
}

func TestResolveURLsFirstOccurrenceWins(t *testing.T) {
	chunks := []GroundingChunk{
		{URI: "https://example.com/a"},
		{URI: "https://example.com/b"},
		{URI: "https://example.com/a"},
		{URI: "https://example.com/a"},
	}
	resolved := ResolveURLs(chunks, 0)
	if len(resolved) != 2 {
		t.Fatalf("expected 2 distinct mappings, got %d", len(resolved))
	}
	if got := resolved["https://example.com/a"]; got != ShortURLPrefix+"0-0" {
		t.Fatalf("duplicate uri should keep first-seen id, got %s", got)
	}
	if got := resolved["https://example.com/b"]; got != ShortURLPrefix+"0-1" {
		t.Fatalf("expected second uri at index 1, got %s", got)
	}
}

func TestResolveURLsDeterministic(t *testing.T) {
	chunks := []GroundingChunk{
		{URI: "https://one.example"},
		{URI: "https://two.example"},
		{URI: "https://one.example"},
	}
	first := ResolveURLs(chunks, 3)
	second := ResolveURLs(chunks, 3)
	if len(first) != len(second) {
		t.Fatalf("repeated resolution changed mapping size: %d vs %d", len(first), len(second))
	}
	for uri, id := range first {
		if second[uri] != id {
			t.Fatalf("uri %s resolved to %s then %s", uri, id, second[uri])
		}
	}
}

func TestResolveURLsSkipsEmptyURIs(t *testing.T) {
	chunks := []GroundingChunk{
		{URI: ""},
		{URI: "https://example.com/a"},
	}
	resolved := ResolveURLs(chunks, 0)
	if len(resolved) != 1 {
		t.Fatalf("expected 1 mapping, got %d", len(resolved))
	}
	if got := resolved["https://example.com/a"]; got != ShortURLPrefix+"0-1" {
		t.Fatalf("expected index to follow chunk position, got %s", got)
	}
}
