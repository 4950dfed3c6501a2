package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mohammad-safakhou/prosearch/config"
	"github.com/mohammad-safakhou/prosearch/internal/agent/telemetry"
)

var tracer = otel.Tracer("prosearch/orchestrator")

// Run states reported through RunStatus.
const (
	StateGeneratingQueries = "generating_queries"
	StateRetrieving        = "retrieving"
	StateReflecting        = "reflecting"
	StateFinalizing        = "finalizing"
	StateDone              = "done"
	StateFailed            = "failed"
	StateCancelled         = "cancelled"
)

// Orchestrator drives the research loop: query generation, parallel
// retrieval, reflection and final synthesis. One orchestrator serves many
// runs; each run owns its RunState exclusively.
type Orchestrator struct {
	cfg       *config.Config
	logger    *log.Logger
	telemetry *telemetry.Telemetry
	providers Providers
	fetcher   SourceFetcher

	runs    map[string]*runHandle
	mu      sync.RWMutex
	permits chan struct{}
}

type runHandle struct {
	status RunStatus
	cancel context.CancelFunc
}

// NewOrchestrator creates an orchestrator with providers built from config.
func NewOrchestrator(cfg *config.Config, telem *telemetry.Telemetry, logger *log.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	providers, err := NewProviders(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating providers: %w", err)
	}
	return NewOrchestratorWithProviders(cfg, telem, logger, providers), nil
}

// NewOrchestratorWithProviders wires explicit providers, used by tests and
// by callers that construct providers themselves.
func NewOrchestratorWithProviders(cfg *config.Config, telem *telemetry.Telemetry, logger *log.Logger, providers Providers) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	parallelism := cfg.Research.Parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	return &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		telemetry: telem,
		providers: providers,
		runs:      make(map[string]*runHandle),
		permits:   make(chan struct{}, parallelism),
	}
}

// SetFetcher installs an optional source content fetcher used during
// finalization when research.fetch_full_content is enabled.
func (o *Orchestrator) SetFetcher(f SourceFetcher) { o.fetcher = f }

// Research executes one full run synchronously and returns the final
// answer with its reference list.
func (o *Orchestrator) Research(ctx context.Context, topic string, opts RunOptions) (RunResult, error) {
	return o.ResearchWithID(ctx, uuid.New().String(), topic, opts)
}

// ResearchWithID runs synchronously under a caller-chosen run id. The run
// is tracked while in flight, so GetStatus and CancelRun work on it.
func (o *Orchestrator) ResearchWithID(ctx context.Context, runID, topic string, opts RunOptions) (RunResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	o.runs[runID] = &runHandle{
		cancel: cancel,
		status: RunStatus{
			RunID:     runID,
			Topic:     topic,
			State:     StateGeneratingQueries,
			StartedAt: time.Now(),
			UpdatedAt: time.Now(),
		},
	}
	o.mu.Unlock()

	return o.research(ctx, runID, topic, opts)
}

// GetStatus returns a copy of the tracked status for a run.
func (o *Orchestrator) GetStatus(runID string) (RunStatus, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	handle, ok := o.runs[runID]
	if !ok {
		return RunStatus{}, false
	}
	return handle.status, true
}

// CancelRun cancels an in-flight run. In-flight retrieval tasks stop
// cooperatively and no partial answer is emitted.
func (o *Orchestrator) CancelRun(runID string) bool {
	o.mu.RLock()
	handle, ok := o.runs[runID]
	o.mu.RUnlock()
	if !ok || handle.cancel == nil {
		return false
	}
	handle.cancel()
	return true
}

func (o *Orchestrator) research(ctx context.Context, runID, topic string, opts RunOptions) (result RunResult, err error) {
	ctx, span := tracer.Start(ctx, "orchestrator.research")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.String("run.topic", topic),
	)

	started := time.Now()
	o.telemetry.RunStarted(runID, topic)
	defer func() {
		o.telemetry.RunCompleted(runID, time.Since(started), result.Loops, len(result.Sources), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if ctx.Err() != nil {
				o.setState(runID, StateCancelled, 0, err)
			} else {
				o.setState(runID, StateFailed, 0, err)
			}
		}
	}()

	providers := o.providers
	if opts.QueryModel != "" || opts.ReflectionModel != "" || opts.AnswerModel != "" {
		providers, err = NewProvidersWithOptions(o.cfg, opts)
		if err != nil {
			return RunResult{}, err
		}
	}

	initialCount := o.cfg.Research.InitialQueryCount
	if opts.InitialQueryCount > 0 {
		initialCount = opts.InitialQueryCount
	}
	if initialCount < 1 {
		initialCount = 1
	}
	maxLoops := o.cfg.Research.MaxResearchLoops
	if opts.MaxLoopsSet {
		maxLoops = opts.MaxResearchLoops
	}
	if maxLoops < 0 {
		maxLoops = 0
	}

	asOf := CurrentDate()
	state := &RunState{
		RunID:     runID,
		Topic:     topic,
		StartedAt: started,
	}

	o.logger.Printf("run %s started: %q (initial queries %d, max loops %d, reasoning %s)",
		runID, topic, initialCount, maxLoops, describeProvider(providers.Reasoning))
	o.setState(runID, StateGeneratingQueries, 0, nil)

	queries, err := o.generateQueries(ctx, providers.Reasoning, topic, initialCount, asOf)
	if err != nil {
		return RunResult{}, err
	}

	batch := make([]RetrievalTask, 0, len(queries))
	for i, q := range queries {
		batch = append(batch, RetrievalTask{ID: i, Query: q.Text})
	}

	for {
		o.setState(runID, StateRetrieving, state.LoopCount, nil)
		results := o.executeBatch(ctx, providers.Evidence, batch, asOf)
		if ctx.Err() != nil {
			return RunResult{}, ctx.Err()
		}

		// Merge strictly after the barrier; tasks never touch state.
		for _, r := range results {
			state.Queries = append(state.Queries, r.Task.Query)
			if r.Err != nil {
				continue
			}
			state.ResultTexts = append(state.ResultTexts, r.Text)
			state.Sources = append(state.Sources, r.Sources...)
		}
		state.RanQueryCount += len(batch)
		state.LoopCount++

		if state.LoopCount >= maxLoops {
			o.logger.Printf("run %s: %v (max %d), finalizing", runID, ErrLoopBound, maxLoops)
			break
		}

		o.setState(runID, StateReflecting, state.LoopCount, nil)
		reflection, err := o.reflect(ctx, providers.Reasoning, state, asOf)
		if err != nil {
			return RunResult{}, err
		}
		if reflection.Sufficient {
			o.logger.Printf("run %s: evidence sufficient after loop %d", runID, state.LoopCount)
			break
		}
		o.logger.Printf("run %s: knowledge gap after loop %d: %s", runID, state.LoopCount, reflection.KnowledgeGap)

		// Follow-up task ids continue after every query issued so far,
		// keeping short-url namespaces unique across the run. A round
		// with no follow-ups still goes through an empty batch.
		batch = batch[:0]
		for i, q := range reflection.FollowUpQueries {
			batch = append(batch, RetrievalTask{ID: state.RanQueryCount + i, Query: q})
		}
	}

	o.setState(runID, StateFinalizing, state.LoopCount, nil)
	result, err = o.finalize(ctx, providers.Reasoning, state, asOf)
	if err != nil {
		return RunResult{}, err
	}

	o.mu.Lock()
	if handle, ok := o.runs[runID]; ok {
		handle.status.State = StateDone
		handle.status.Loops = result.Loops
		handle.status.Result = &result
		handle.status.UpdatedAt = time.Now()
	}
	o.mu.Unlock()
	o.logger.Printf("run %s done in %s: %d loops, %d queries, %d sources",
		runID, result.Duration.Round(time.Millisecond), result.Loops, len(result.Queries), len(result.Sources))
	return result, nil
}

func (o *Orchestrator) generateQueries(ctx context.Context, reasoning ReasoningProvider, topic string, count int, asOf string) ([]Query, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.generate_queries")
	defer span.End()
	span.SetAttributes(attribute.Int("query.count", count))

	queries, err := reasoning.GenerateQueries(ctx, topic, count, asOf)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	for _, q := range queries {
		o.logger.Printf("query: %q (%s)", q.Text, q.Rationale)
	}
	return queries, nil
}

// executeBatch fans out one retrieval task per query and blocks until the
// whole batch has completed or failed. Results come back in batch order;
// completion order within the batch is meaningless. A failed task carries
// its error and contributes nothing else.
func (o *Orchestrator) executeBatch(ctx context.Context, evidence EvidenceProvider, batch []RetrievalTask, asOf string) []TaskResult {
	ctx, span := tracer.Start(ctx, "orchestrator.web_research")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(batch)))

	results := make([]TaskResult, len(batch))
	var wg sync.WaitGroup
	for i, task := range batch {
		wg.Add(1)
		go func(i int, task RetrievalTask) {
			defer wg.Done()
			select {
			case o.permits <- struct{}{}:
				defer func() { <-o.permits }()
			case <-ctx.Done():
				results[i] = TaskResult{Task: task, Err: ctx.Err()}
				return
			}
			results[i] = o.executeTask(ctx, evidence, task, asOf)
		}(i, task)
	}
	wg.Wait()
	return results
}

// executeTask runs the full per-task pipeline: search, short-url
// resolution, citation extraction and marker insertion.
func (o *Orchestrator) executeTask(ctx context.Context, evidence EvidenceProvider, task RetrievalTask, asOf string) TaskResult {
	taskCtx := ctx
	if o.cfg.Research.TaskTimeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, o.cfg.Research.TaskTimeout)
		defer cancel()
	}

	started := time.Now()
	searched, err := evidence.Search(taskCtx, task.Query, asOf)
	o.telemetry.TaskCompleted(task.ID, time.Since(started), err)
	if err != nil {
		o.logger.Printf("task %d (%q) failed: %v", task.ID, task.Query, err)
		return TaskResult{Task: task, Err: err}
	}

	urlMap := ResolveURLs(searched.Metadata.Chunks, task.ID)
	citations := ExtractCitations(searched.Metadata, urlMap)
	text := InsertCitationMarkers(searched.Text, citations)

	var sources []Source
	for _, citation := range citations {
		sources = append(sources, citation.Sources...)
	}
	return TaskResult{Task: task, Text: text, Sources: sources}
}

func (o *Orchestrator) reflect(ctx context.Context, reasoning ReasoningProvider, state *RunState, asOf string) (ReflectionResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.reflection")
	defer span.End()
	span.SetAttributes(attribute.Int("loop.count", state.LoopCount))

	result, err := reasoning.EvaluateSufficiency(ctx, state.Topic, joinSummaries(state.ResultTexts), asOf)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ReflectionResult{}, err
	}
	span.SetAttributes(attribute.Bool("reflection.sufficient", result.Sufficient))
	return result, nil
}

// finalize synthesizes the answer, reverses short-url placeholders back to
// their original URLs and emits only the sources the answer actually
// retained.
func (o *Orchestrator) finalize(ctx context.Context, reasoning ReasoningProvider, state *RunState, asOf string) (RunResult, error) {
	ctx, span := tracer.Start(ctx, "orchestrator.finalize")
	defer span.End()

	answer, err := reasoning.SynthesizeAnswer(ctx, state.Topic, joinSummaries(state.ResultTexts), asOf)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return RunResult{}, err
	}

	var referenced []ReferencedSource
	seen := make(map[string]bool)
	for _, source := range state.Sources {
		if source.ShortID == "" || !strings.Contains(answer, source.ShortID) {
			continue
		}
		answer = strings.ReplaceAll(answer, source.ShortID, source.OriginalURL)
		if seen[source.ShortID] {
			continue
		}
		seen[source.ShortID] = true
		referenced = append(referenced, ReferencedSource{
			Label:       source.Label,
			OriginalURL: source.OriginalURL,
		})
	}

	if o.fetcher != nil && o.cfg.Research.FetchFullContent {
		o.enrichSources(ctx, referenced)
	}

	return RunResult{
		RunID:    state.RunID,
		Topic:    state.Topic,
		Answer:   answer,
		Sources:  referenced,
		Queries:  state.Queries,
		Loops:    state.LoopCount,
		Duration: time.Since(state.StartedAt),
	}, nil
}

// enrichSources attaches readable page content to final sources. Fetch
// failures only cost the content, never the run.
func (o *Orchestrator) enrichSources(ctx context.Context, sources []ReferencedSource) {
	var wg sync.WaitGroup
	for i := range sources {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			select {
			case o.permits <- struct{}{}:
				defer func() { <-o.permits }()
			case <-ctx.Done():
				return
			}
			content, err := o.fetcher.Fetch(ctx, sources[i].OriginalURL)
			if err != nil {
				o.logger.Printf("fetch %s failed: %v", sources[i].OriginalURL, err)
				return
			}
			sources[i].Content = content
		}(i)
	}
	wg.Wait()
}

func (o *Orchestrator) setState(runID, stateName string, loops int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	handle, ok := o.runs[runID]
	if !ok {
		return
	}
	handle.status.State = stateName
	handle.status.Loops = loops
	handle.status.UpdatedAt = time.Now()
	if err != nil {
		handle.status.Error = err.Error()
	}
}
