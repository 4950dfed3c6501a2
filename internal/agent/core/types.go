package core

import (
	"context"
	"time"
)

// Query is a single generated search query with the model's rationale for
// issuing it. Immutable after creation; the rationale is advisory only.
type Query struct {
	Text      string `json:"text"`
	Rationale string `json:"rationale"`
}

// RetrievalTask is one dispatched search. ID is unique across the whole run
// and namespaces the short URLs minted for this task's sources.
type RetrievalTask struct {
	ID    int    `json:"id"`
	Query string `json:"query"`
}

// Source is a retrieved reference. ShortID is the run-unique placeholder
// substituted for the original URL while the run is in flight and reversed
// during finalization.
type Source struct {
	OriginalURL string `json:"original_url"`
	ShortID     string `json:"short_id"`
	Label       string `json:"label"`
	Content     string `json:"content,omitempty"`
}

// GroundingChunk is a single retrieved source record referenced by index
// from grounding supports.
type GroundingChunk struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

// GroundingSegment is the text span a support refers to. Offsets are
// character positions into the unmodified retrieval text. EndSet
// distinguishes a genuine zero end offset from an absent one; an end offset
// is mandatory because it anchors marker insertion.
type GroundingSegment struct {
	Start  int  `json:"start_index"`
	End    int  `json:"end_index"`
	EndSet bool `json:"-"`
}

// GroundingSupport links a text span to one or more grounding chunks by
// index.
type GroundingSupport struct {
	Segment      *GroundingSegment `json:"segment"`
	ChunkIndices []int             `json:"grounding_chunk_indices"`
}

// GroundingMetadata is everything the evidence provider returns about where
// its response text came from.
type GroundingMetadata struct {
	Chunks   []GroundingChunk   `json:"grounding_chunks"`
	Supports []GroundingSupport `json:"grounding_supports"`
}

// Citation is a normalized evidence record: a span into the original
// retrieval text plus the sources backing it. Offsets are only meaningful
// against the text snapshot they were extracted from.
type Citation struct {
	Start   int
	End     int
	Sources []Source
}

// SearchResult is the raw output of one evidence-provider call.
type SearchResult struct {
	Text     string
	Metadata GroundingMetadata
}

// ReflectionResult is the sufficiency verdict for one loop iteration.
type ReflectionResult struct {
	Sufficient      bool     `json:"is_sufficient"`
	KnowledgeGap    string   `json:"knowledge_gap"`
	FollowUpQueries []string `json:"follow_up_queries"`
}

// TaskResult is what one retrieval task contributes back to the run: the
// response text with citation markers spliced in, the sources gathered, and
// the query that produced them. Tasks return local results; the
// orchestrator merges them after the fan-in barrier, so no field here is
// ever written concurrently.
type TaskResult struct {
	Task    RetrievalTask
	Text    string
	Sources []Source
	Err     error
}

// RunState accumulates everything gathered across all tasks and loop
// iterations of a single run. Owned exclusively by the orchestrator; all
// slices are append-only.
type RunState struct {
	RunID         string
	Topic         string
	Queries       []string
	ResultTexts   []string
	Sources       []Source
	LoopCount     int
	RanQueryCount int
	StartedAt     time.Time
}

// ReferencedSource is a source that survived into the final answer.
type ReferencedSource struct {
	Label       string `json:"label"`
	OriginalURL string `json:"original_url"`
	Content     string `json:"content,omitempty"`
}

// RunResult is the terminal output of a run.
type RunResult struct {
	RunID    string             `json:"run_id"`
	Topic    string             `json:"topic"`
	Answer   string             `json:"answer"`
	Sources  []ReferencedSource `json:"sources"`
	Queries  []string           `json:"queries"`
	Loops    int                `json:"loops"`
	Duration time.Duration      `json:"duration"`
}

// RunOptions are per-request overrides applied on top of configuration.
// Zero values mean "use the configured default".
type RunOptions struct {
	InitialQueryCount int    `json:"initial_query_count,omitempty"`
	MaxResearchLoops  int    `json:"max_research_loops,omitempty"`
	MaxLoopsSet       bool   `json:"-"`
	QueryModel        string `json:"query_model,omitempty"`
	ReflectionModel   string `json:"reflection_model,omitempty"`
	AnswerModel       string `json:"answer_model,omitempty"`
}

// RunStatus tracks an in-flight or completed run for status queries.
type RunStatus struct {
	RunID     string     `json:"run_id"`
	Topic     string     `json:"topic"`
	State     string     `json:"state"`
	Loops     int        `json:"loops"`
	Error     string     `json:"error,omitempty"`
	Result    *RunResult `json:"result,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ReasoningProvider is the structured-output language model boundary. All
// three calls must return data already conforming to the stated shapes;
// output that does not decode is a ProviderError.
type ReasoningProvider interface {
	// GenerateQueries produces count search queries for the topic.
	GenerateQueries(ctx context.Context, topic string, count int, asOfDate string) ([]Query, error)

	// EvaluateSufficiency judges whether the accumulated evidence answers
	// the topic, and proposes follow-up queries when it does not.
	EvaluateSufficiency(ctx context.Context, topic string, accumulated string, asOfDate string) (ReflectionResult, error)

	// SynthesizeAnswer writes the final answer from the accumulated
	// evidence, citing sources by their short URLs.
	SynthesizeAnswer(ctx context.Context, topic string, accumulated string, asOfDate string) (string, error)
}

// EvidenceProvider executes one search-grounded retrieval call.
type EvidenceProvider interface {
	Search(ctx context.Context, query string, asOfDate string) (SearchResult, error)
}

// SourceFetcher optionally enriches final sources with full page content.
type SourceFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}
