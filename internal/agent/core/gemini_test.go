package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestGemini(t *testing.T, handler http.HandlerFunc) (*GeminiProvider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	provider, err := NewGeminiProvider("test-key", srv.URL, 5*time.Second, 0, map[string]string{
		"query":      "gemini-2.0-flash",
		"reflection": "gemini-2.5-flash",
		"answer":     "gemini-2.5-pro",
		"search":     "gemini-2.0-flash",
	})
	if err != nil {
		t.Fatalf("NewGeminiProvider: %v", err)
	}
	return provider, srv
}

func TestGeminiSearchDecodesGroundingMetadata(t *testing.T) {
	body := `{
		"candidates": [{
			"content": {"parts": [{"text": "grounded "}, {"text": "answer"}]},
			"groundingMetadata": {
				"groundingChunks": [
					{"web": {"uri": "https://u1.example.com", "title": "Report.pdf"}},
					{"web": {"uri": "https://u2.example.com", "title": "News.html"}}
				],
				"groundingSupports": [
					{"segment": {"startIndex": 2, "endIndex": 8}, "groundingChunkIndices": [0, 1]},
					{"segment": {"startIndex": 0}, "groundingChunkIndices": [1]}
				]
			}
		}]
	}`
	provider, _ := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("api key missing from query: %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	})

	result, err := provider.Search(context.Background(), "some query", "January 2, 2026")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if result.Text != "grounded answer" {
		t.Fatalf("parts must concatenate, got %q", result.Text)
	}
	if len(result.Metadata.Chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %+v", result.Metadata.Chunks)
	}
	if result.Metadata.Chunks[0].URI != "https://u1.example.com" || result.Metadata.Chunks[0].Title != "Report.pdf" {
		t.Fatalf("chunk 0 mismatch: %+v", result.Metadata.Chunks[0])
	}
	if len(result.Metadata.Supports) != 2 {
		t.Fatalf("expected 2 supports, got %+v", result.Metadata.Supports)
	}
	first := result.Metadata.Supports[0]
	if first.Segment == nil || first.Segment.Start != 2 || first.Segment.End != 8 || !first.Segment.EndSet {
		t.Fatalf("support 0 segment mismatch: %+v", first.Segment)
	}
	second := result.Metadata.Supports[1]
	if second.Segment == nil || second.Segment.EndSet {
		t.Fatalf("missing endIndex must leave EndSet false: %+v", second.Segment)
	}
}

func TestGeminiSearchWithoutMetadata(t *testing.T) {
	provider, _ := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "plain"}]}}]}`))
	})

	result, err := provider.Search(context.Background(), "q", "January 2, 2026")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if result.Text != "plain" {
		t.Fatalf("got %q", result.Text)
	}
	if len(result.Metadata.Chunks) != 0 || len(result.Metadata.Supports) != 0 {
		t.Fatalf("expected empty metadata, got %+v", result.Metadata)
	}
}

func TestGeminiGenerateQueriesParsesFencedJSON(t *testing.T) {
	fenced := "```json\n{\"query\": [\"q one\", \"\", \"q two\"], \"rationale\": \"split the topic\"}\n```"
	provider, _ := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"candidates": []interface{}{map[string]interface{}{
				"content": map[string]interface{}{
					"parts": []interface{}{map[string]string{"text": fenced}},
				},
			}},
		})
	})

	queries, err := provider.GenerateQueries(context.Background(), "topic", 2, "January 2, 2026")
	if err != nil {
		t.Fatalf("GenerateQueries: %v", err)
	}
	if len(queries) != 2 {
		t.Fatalf("blank queries must be dropped, got %+v", queries)
	}
	if queries[0].Text != "q one" || queries[1].Text != "q two" {
		t.Fatalf("query texts mismatch: %+v", queries)
	}
	if queries[0].Rationale != "split the topic" {
		t.Fatalf("rationale mismatch: %+v", queries[0])
	}
}

func TestGeminiEvaluateSufficiencyDecodes(t *testing.T) {
	provider, _ := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text":
			"{\"is_sufficient\": false, \"knowledge_gap\": \"no 2026 numbers\", \"follow_up_queries\": [\"f1\"]}"}]}}]}`))
	})

	result, err := provider.EvaluateSufficiency(context.Background(), "topic", "summaries", "January 2, 2026")
	if err != nil {
		t.Fatalf("EvaluateSufficiency: %v", err)
	}
	if result.Sufficient {
		t.Fatal("expected insufficient")
	}
	if result.KnowledgeGap != "no 2026 numbers" || len(result.FollowUpQueries) != 1 {
		t.Fatalf("reflection mismatch: %+v", result)
	}
}

func TestGeminiAPIErrorBecomesProviderError(t *testing.T) {
	provider, _ := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": {"code": 429, "message": "quota exceeded"}}`))
	})

	_, err := provider.Search(context.Background(), "q", "January 2, 2026")
	if err == nil {
		t.Fatal("expected error")
	}
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError, got %T: %v", err, err)
	}
	if provErr.Provider != "gemini" || provErr.Phase != PhaseWebResearch {
		t.Fatalf("error must identify provider and phase: %+v", provErr)
	}
}

func TestGeminiMissingAPIKey(t *testing.T) {
	_, err := NewGeminiProvider("", "", time.Second, 0, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %T: %v", err, err)
	}
}

func TestDecodeStructured(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"bare", `{"query": ["a"]}`},
		{"fenced", "```json\n{\"query\": [\"a\"]}\n```"},
		{"fenced no lang", "```\n{\"query\": [\"a\"]}\n```"},
		{"padded", "  \n{\"query\": [\"a\"]}\n  "},
	}
	for _, tc := range cases {
		var out struct {
			Query []string `json:"query"`
		}
		if err := decodeStructured(tc.raw, &out); err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if len(out.Query) != 1 || out.Query[0] != "a" {
			t.Fatalf("%s: decoded %+v", tc.name, out)
		}
	}

	var out map[string]interface{}
	if err := decodeStructured("not json at all", &out); err == nil {
		t.Fatal("expected decode error")
	}
}
