package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/prosearch/config"
	"github.com/mohammad-safakhou/prosearch/internal/agent/telemetry"
)

type stubReasoning struct {
	mu sync.Mutex

	queries     []Query
	genErr      error
	reflections []ReflectionResult
	reflectErr  error
	answerFn    func(accumulated string) string

	genCalls     int
	reflectCalls []string
	synthCalls   []string
}

func (s *stubReasoning) GenerateQueries(ctx context.Context, topic string, count int, asOfDate string) ([]Query, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.genCalls++
	if s.genErr != nil {
		return nil, s.genErr
	}
	return s.queries, nil
}

func (s *stubReasoning) EvaluateSufficiency(ctx context.Context, topic string, accumulated string, asOfDate string) (ReflectionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reflectCalls = append(s.reflectCalls, accumulated)
	if s.reflectErr != nil {
		return ReflectionResult{}, s.reflectErr
	}
	if len(s.reflections) == 0 {
		return ReflectionResult{Sufficient: true}, nil
	}
	next := s.reflections[0]
	if len(s.reflections) > 1 {
		s.reflections = s.reflections[1:]
	}
	return next, nil
}

func (s *stubReasoning) SynthesizeAnswer(ctx context.Context, topic string, accumulated string, asOfDate string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synthCalls = append(s.synthCalls, accumulated)
	if s.answerFn != nil {
		return s.answerFn(accumulated), nil
	}
	return "answer", nil
}

type stubEvidence struct {
	mu       sync.Mutex
	searches []string
	fn       func(query string) (SearchResult, error)
}

func (s *stubEvidence) Search(ctx context.Context, query string, asOfDate string) (SearchResult, error) {
	s.mu.Lock()
	s.searches = append(s.searches, query)
	s.mu.Unlock()
	if s.fn != nil {
		return s.fn(query)
	}
	return SearchResult{Text: "result for " + query}, nil
}

func (s *stubEvidence) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.searches)
}

func testConfig() *config.Config {
	return &config.Config{
		Research: config.ResearchConfig{
			InitialQueryCount: 2,
			MaxResearchLoops:  2,
			Parallelism:       4,
			TaskTimeout:       5 * time.Second,
		},
	}
}

func newTestOrchestrator(reasoning ReasoningProvider, evidence EvidenceProvider) *Orchestrator {
	cfg := testConfig()
	tele := telemetry.New(config.TelemetryConfig{Enabled: false}, nil)
	logger := log.New(os.Stderr, "[ORCH] ", log.LstdFlags)
	return NewOrchestratorWithProviders(cfg, tele, logger, Providers{Reasoning: reasoning, Evidence: evidence})
}

// groundedResult builds one search result with a single chunk and a single
// support spanning [start,end].
func groundedResult(text, uri, title string, start, end int) SearchResult {
	return SearchResult{
		Text: text,
		Metadata: GroundingMetadata{
			Chunks: []GroundingChunk{{URI: uri, Title: title}},
			Supports: []GroundingSupport{{
				Segment:      &GroundingSegment{Start: start, End: end, EndSet: true},
				ChunkIndices: []int{0},
			}},
		},
	}
}

func TestResearchTerminatesAtLoopBound(t *testing.T) {
	for _, maxLoops := range []int{0, 1, 2, 3} {
		reasoning := &stubReasoning{
			queries: []Query{{Text: "a"}, {Text: "b"}},
			reflections: []ReflectionResult{
				{Sufficient: false, FollowUpQueries: []string{"f1", "f2"}},
			},
		}
		evidence := &stubEvidence{}
		orch := newTestOrchestrator(reasoning, evidence)

		result, err := orch.Research(context.Background(), "topic", RunOptions{
			MaxResearchLoops: maxLoops,
			MaxLoopsSet:      true,
		})
		if err != nil {
			t.Fatalf("maxLoops=%d: unexpected error: %v", maxLoops, err)
		}

		wantReflections := maxLoops - 1
		if wantReflections < 0 {
			wantReflections = 0
		}
		if len(reasoning.reflectCalls) != wantReflections {
			t.Fatalf("maxLoops=%d: expected %d reflection rounds, got %d",
				maxLoops, wantReflections, len(reasoning.reflectCalls))
		}
		wantLoops := maxLoops
		if wantLoops < 1 {
			wantLoops = 1
		}
		if result.Loops != wantLoops {
			t.Fatalf("maxLoops=%d: expected %d loops, got %d", maxLoops, wantLoops, result.Loops)
		}
		wantSearches := 2 + 2*(wantLoops-1)
		if evidence.count() != wantSearches {
			t.Fatalf("maxLoops=%d: expected %d searches, got %d", maxLoops, wantSearches, evidence.count())
		}
	}
}

func TestResearchTaskIDsUniqueAcrossLoops(t *testing.T) {
	reasoning := &stubReasoning{
		queries: []Query{{Text: "a"}, {Text: "b"}, {Text: "c"}},
		reflections: []ReflectionResult{
			{Sufficient: false, FollowUpQueries: []string{"f1", "f2"}},
			{Sufficient: false, FollowUpQueries: []string{"g1"}},
		},
		answerFn: func(accumulated string) string { return accumulated },
	}
	evidence := &stubEvidence{fn: func(query string) (SearchResult, error) {
		text := "evidence about " + query
		return groundedResult(text, "https://example.com/"+query, query+".html", 0, len(text)), nil
	}}
	orch := newTestOrchestrator(reasoning, evidence)

	_, err := orch.Research(context.Background(), "topic", RunOptions{
		MaxResearchLoops: 3,
		MaxLoopsSet:      true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reasoning.synthCalls) != 1 {
		t.Fatalf("expected one synthesis call, got %d", len(reasoning.synthCalls))
	}

	// Every short url in the accumulated evidence carries its task id.
	re := regexp.MustCompile(regexp.QuoteMeta(ShortURLPrefix) + `(\d+)-0`)
	matches := re.FindAllStringSubmatch(reasoning.synthCalls[0], -1)
	seen := map[string]bool{}
	for _, m := range matches {
		if seen[m[1]] {
			t.Fatalf("task id %s reused across the run", m[1])
		}
		seen[m[1]] = true
	}
	if len(seen) != 6 {
		t.Fatalf("expected 6 distinct task ids (3+2+1), got %d: %v", len(seen), seen)
	}
	// Follow-up batches continue numbering after every ran query.
	for _, id := range []string{"0", "1", "2", "3", "4", "5"} {
		if !seen[id] {
			t.Fatalf("missing task id %s in %v", id, seen)
		}
	}
}

func TestResearchEndToEndScenario(t *testing.T) {
	textA := "aaaaaaaaaa revenue grew 12 pct."
	textB := "bbbbb profit fell sharply here."
	reasoning := &stubReasoning{
		queries:     []Query{{Text: "company x q1 revenue"}, {Text: "company x q1 news"}},
		reflections: []ReflectionResult{{Sufficient: true}},
		answerFn:    func(accumulated string) string { return accumulated },
	}
	evidence := &stubEvidence{fn: func(query string) (SearchResult, error) {
		if query == "company x q1 revenue" {
			return groundedResult(textA, "https://u1.example.com/report", "Report.pdf", 10, 25), nil
		}
		return groundedResult(textB, "https://u2.example.com/news", "News.html", 5, 20), nil
	}}
	orch := newTestOrchestrator(reasoning, evidence)

	result, err := orch.Research(context.Background(), "Company X Q1 revenue", RunOptions{InitialQueryCount: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(reasoning.reflectCalls) != 1 {
		t.Fatalf("expected exactly one reflection, got %d", len(reasoning.reflectCalls))
	}
	reflected := reasoning.reflectCalls[0]
	if !strings.Contains(reflected, "revenue grew") || !strings.Contains(reflected, "profit fell") {
		t.Fatalf("reflection must see both task texts, got %q", reflected)
	}
	if !strings.Contains(reflected, "---") {
		t.Fatalf("batch texts must be joined with a visible delimiter, got %q", reflected)
	}

	shortA := ShortURLPrefix + "0-0"
	shortB := ShortURLPrefix + "1-0"
	if !strings.Contains(reflected, "[Report]("+shortA+")") {
		t.Fatalf("task 0 marker missing or mislabeled in %q", reflected)
	}
	if !strings.Contains(reflected, "[News]("+shortB+")") {
		t.Fatalf("task 1 marker missing or mislabeled in %q", reflected)
	}
	if strings.Count(reflected, shortA) != 1 || strings.Count(reflected, shortB) != 1 {
		t.Fatalf("each task should insert exactly one marker, got %q", reflected)
	}

	// The answer echoed the accumulated text, so both short urls must be
	// substituted back and both sources referenced.
	if strings.Contains(result.Answer, ShortURLPrefix) {
		t.Fatalf("short urls must be reversed in the final answer: %q", result.Answer)
	}
	if len(result.Sources) != 2 {
		t.Fatalf("expected 2 referenced sources, got %+v", result.Sources)
	}
}

func TestResearchSufficiencyShortCircuit(t *testing.T) {
	reasoning := &stubReasoning{
		queries:     []Query{{Text: "a"}, {Text: "b"}},
		reflections: []ReflectionResult{{Sufficient: true, FollowUpQueries: []string{"ignored"}}},
	}
	evidence := &stubEvidence{}
	orch := newTestOrchestrator(reasoning, evidence)

	result, err := orch.Research(context.Background(), "topic", RunOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evidence.count() != 2 {
		t.Fatalf("sufficient reflection must prevent a second batch, got %d searches", evidence.count())
	}
	if result.Loops != 1 {
		t.Fatalf("expected 1 loop, got %d", result.Loops)
	}
}

func TestResearchFinalSubstitution(t *testing.T) {
	text := "the finding is clear."
	reasoning := &stubReasoning{
		queries:     []Query{{Text: "only"}},
		reflections: []ReflectionResult{{Sufficient: true}},
		answerFn: func(string) string {
			return "Cited [Report](" + ShortURLPrefix + "0-0) and nothing else."
		},
	}
	evidence := &stubEvidence{fn: func(query string) (SearchResult, error) {
		result := groundedResult(text, "https://u1.example.com/report", "Report.pdf", 0, len(text))
		result.Metadata.Chunks = append(result.Metadata.Chunks, GroundingChunk{URI: "https://unused.example.com", Title: "Unused.html"})
		result.Metadata.Supports = append(result.Metadata.Supports, GroundingSupport{
			Segment:      &GroundingSegment{Start: 0, End: 5, EndSet: true},
			ChunkIndices: []int{1},
		})
		return result, nil
	}}
	orch := newTestOrchestrator(reasoning, evidence)

	result, err := orch.Research(context.Background(), "topic", RunOptions{InitialQueryCount: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result.Answer, "https://u1.example.com/report") {
		t.Fatalf("short id not substituted with original url: %q", result.Answer)
	}
	if strings.Contains(result.Answer, ShortURLPrefix) {
		t.Fatalf("short id survived substitution: %q", result.Answer)
	}
	if len(result.Sources) != 1 {
		t.Fatalf("only the cited source belongs in the reference list, got %+v", result.Sources)
	}
	if result.Sources[0].OriginalURL != "https://u1.example.com/report" {
		t.Fatalf("wrong source referenced: %+v", result.Sources[0])
	}
}

func TestResearchFailedTaskDoesNotAbortSiblings(t *testing.T) {
	reasoning := &stubReasoning{
		queries:     []Query{{Text: "good"}, {Text: "bad"}},
		reflections: []ReflectionResult{{Sufficient: true}},
		answerFn:    func(accumulated string) string { return accumulated },
	}
	evidence := &stubEvidence{fn: func(query string) (SearchResult, error) {
		if query == "bad" {
			return SearchResult{}, &ProviderError{Provider: "gemini", Phase: PhaseWebResearch, Err: errors.New("boom")}
		}
		return SearchResult{Text: "good evidence"}, nil
	}}
	orch := newTestOrchestrator(reasoning, evidence)

	result, err := orch.Research(context.Background(), "topic", RunOptions{})
	if err != nil {
		t.Fatalf("a single task failure must not fail the run: %v", err)
	}
	if !strings.Contains(result.Answer, "good evidence") {
		t.Fatalf("surviving task evidence missing from answer: %q", result.Answer)
	}
	if len(result.Queries) != 2 {
		t.Fatalf("both issued queries should be recorded, got %v", result.Queries)
	}
}

func TestResearchGenerateQueriesFailureIsFatal(t *testing.T) {
	reasoning := &stubReasoning{
		genErr: &ProviderError{Provider: "gemini", Phase: PhaseGenerateQueries, Err: errors.New("auth")},
	}
	orch := newTestOrchestrator(reasoning, &stubEvidence{})

	_, err := orch.Research(context.Background(), "topic", RunOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError, got %T: %v", err, err)
	}
	if provErr.Phase != PhaseGenerateQueries {
		t.Fatalf("error must name the failing phase, got %q", provErr.Phase)
	}
}

func TestResearchZeroQueriesProceedsThroughEmptyBatch(t *testing.T) {
	reasoning := &stubReasoning{
		queries:     nil,
		reflections: []ReflectionResult{{Sufficient: false}},
	}
	evidence := &stubEvidence{}
	orch := newTestOrchestrator(reasoning, evidence)

	result, err := orch.Research(context.Background(), "topic", RunOptions{})
	if err != nil {
		t.Fatalf("zero generated queries is degenerate but valid: %v", err)
	}
	if evidence.count() != 0 {
		t.Fatalf("no searches expected, got %d", evidence.count())
	}
	if len(reasoning.synthCalls) != 1 {
		t.Fatalf("finalization must still run, got %d synth calls", len(reasoning.synthCalls))
	}
	if result.Loops == 0 {
		t.Fatal("empty batches still count loop iterations")
	}
}

func TestResearchCancellationEmitsNoPartialAnswer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reasoning := &stubReasoning{queries: []Query{{Text: "a"}, {Text: "b"}}}
	evidence := &stubEvidence{fn: func(query string) (SearchResult, error) {
		cancel()
		<-ctx.Done()
		return SearchResult{}, ctx.Err()
	}}
	orch := newTestOrchestrator(reasoning, evidence)

	_, err := orch.Research(ctx, "topic", RunOptions{})
	if err == nil {
		t.Fatal("cancelled run must not produce a result")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(reasoning.synthCalls) != 0 {
		t.Fatal("no synthesis after cancellation")
	}
}

func TestStartResearchTracksStatus(t *testing.T) {
	reasoning := &stubReasoning{
		queries:     []Query{{Text: "a"}},
		reflections: []ReflectionResult{{Sufficient: true}},
	}
	orch := newTestOrchestrator(reasoning, &stubEvidence{})

	runID := fmt.Sprintf("run-%d", time.Now().UnixNano())
	result, err := orch.ResearchWithID(context.Background(), runID, "topic", RunOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RunID != runID {
		t.Fatalf("result must carry the caller-chosen run id, got %q", result.RunID)
	}
	status, ok := orch.GetStatus(runID)
	if !ok {
		t.Fatal("run status must be tracked")
	}
	if status.State != StateDone {
		t.Fatalf("expected done state, got %q", status.State)
	}
	if status.Result == nil || status.Result.RunID != runID {
		t.Fatalf("terminal status must embed the result, got %+v", status)
	}
}
