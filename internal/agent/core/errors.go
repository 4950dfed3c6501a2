package core

import (
	"errors"
	"fmt"
)

// Run phases, used to report which reasoning call failed.
const (
	PhaseGenerateQueries = "generate_queries"
	PhaseWebResearch     = "web_research"
	PhaseReflection      = "reflection"
	PhaseFinalize        = "finalize"
)

// ErrLoopBound marks the designed safety termination of the research loop.
// It is never surfaced to callers as a failure; the orchestrator routes to
// finalization when the bound is hit.
var ErrLoopBound = errors.New("research loop bound reached")

// ConfigurationError reports missing or invalid startup configuration.
// It is fatal: a run cannot start without the named setting.
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Setting, e.Reason)
}

// ProviderError reports a reasoning or evidence provider call that failed
// after retries, timed out, or returned output that does not decode into the
// expected shape. Phase tells the caller which step of the run failed.
type ProviderError struct {
	Provider string
	Phase    string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed during %s: %v", e.Provider, e.Phase, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// MalformedEvidenceError reports grounding metadata that could not be used:
// a support without a span, a chunk index out of range, a chunk without a
// URI. It is always recovered locally by dropping the affected citation or
// source, never fatal to a run.
type MalformedEvidenceError struct {
	Detail string
}

func (e *MalformedEvidenceError) Error() string {
	return fmt.Sprintf("malformed evidence: %s", e.Detail)
}
