package server

import core "github.com/mohammad-safakhou/prosearch/internal/agent/core"

// HTTPError is the JSON error envelope emitted by the error handler.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// ResearchRequest starts a run. Overrides are optional and win over
// configured defaults.
type ResearchRequest struct {
	Topic             string `json:"topic"`
	TopicID           string `json:"topic_id,omitempty"`
	InitialQueryCount int    `json:"initial_query_count,omitempty"`
	MaxResearchLoops  *int   `json:"max_research_loops,omitempty"`
	QueryModel        string `json:"query_model,omitempty"`
	ReflectionModel   string `json:"reflection_model,omitempty"`
	AnswerModel       string `json:"answer_model,omitempty"`
}

func (r ResearchRequest) options() core.RunOptions {
	opts := core.RunOptions{
		InitialQueryCount: r.InitialQueryCount,
		QueryModel:        r.QueryModel,
		ReflectionModel:   r.ReflectionModel,
		AnswerModel:       r.AnswerModel,
	}
	if r.MaxResearchLoops != nil {
		opts.MaxResearchLoops = *r.MaxResearchLoops
		opts.MaxLoopsSet = true
	}
	return opts
}

type RunCreatedResponse struct {
	RunID string `json:"run_id"`
}

type TopicCreateRequest struct {
	Name         string `json:"name"`
	ScheduleCron string `json:"schedule_cron,omitempty"`
}
