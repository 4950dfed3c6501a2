package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider is an alternative reasoning provider for deployments that
// route the structured-output calls through chat completions. It does not
// implement EvidenceProvider: it has no search grounding, so retrieval
// still goes through Gemini.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	http    *HTTPClient

	queryModel      string
	reflectionModel string
	answerModel     string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func NewOpenAIProvider(apiKey, baseURL string, timeout time.Duration, retries int, routing map[string]string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, &ConfigurationError{Setting: "llm.providers.openai.api_key", Reason: "missing API key"}
	}
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIProvider{
		apiKey:          apiKey,
		baseURL:         strings.TrimRight(baseURL, "/"),
		http:            NewHTTPClient(timeout, retries, time.Second),
		queryModel:      routing["query"],
		reflectionModel: routing["reflection"],
		answerModel:     routing["answer"],
	}, nil
}

func (o *OpenAIProvider) complete(ctx context.Context, model, prompt string, jsonOutput bool) (string, error) {
	if model == "" {
		return "", fmt.Errorf("no model routed for this call")
	}
	req := chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	}
	if jsonOutput {
		req.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}
	headers := map[string]string{"Authorization": "Bearer " + o.apiKey}

	var resp chatResponse
	if err := o.http.DoJSON(ctx, "POST", o.baseURL+"/chat/completions", headers, req, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("openai error (%s): %s", resp.Error.Type, resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateQueries implements ReasoningProvider.
func (o *OpenAIProvider) GenerateQueries(ctx context.Context, topic string, count int, asOfDate string) ([]Query, error) {
	raw, err := o.complete(ctx, o.queryModel, queryWriterPrompt(topic, count, asOfDate), true)
	if err != nil {
		return nil, &ProviderError{Provider: "openai", Phase: PhaseGenerateQueries, Err: err}
	}
	var decoded struct {
		Query     []string `json:"query"`
		Rationale string   `json:"rationale"`
	}
	if err := decodeStructured(raw, &decoded); err != nil {
		return nil, &ProviderError{Provider: "openai", Phase: PhaseGenerateQueries, Err: err}
	}
	queries := make([]Query, 0, len(decoded.Query))
	for _, q := range decoded.Query {
		if strings.TrimSpace(q) == "" {
			continue
		}
		queries = append(queries, Query{Text: q, Rationale: decoded.Rationale})
	}
	return queries, nil
}

// EvaluateSufficiency implements ReasoningProvider.
func (o *OpenAIProvider) EvaluateSufficiency(ctx context.Context, topic string, accumulated string, asOfDate string) (ReflectionResult, error) {
	raw, err := o.complete(ctx, o.reflectionModel, reflectionPrompt(topic, accumulated, asOfDate), true)
	if err != nil {
		return ReflectionResult{}, &ProviderError{Provider: "openai", Phase: PhaseReflection, Err: err}
	}
	var result ReflectionResult
	if err := decodeStructured(raw, &result); err != nil {
		return ReflectionResult{}, &ProviderError{Provider: "openai", Phase: PhaseReflection, Err: err}
	}
	return result, nil
}

// SynthesizeAnswer implements ReasoningProvider.
func (o *OpenAIProvider) SynthesizeAnswer(ctx context.Context, topic string, accumulated string, asOfDate string) (string, error) {
	raw, err := o.complete(ctx, o.answerModel, answerPrompt(topic, accumulated, asOfDate), false)
	if err != nil {
		return "", &ProviderError{Provider: "openai", Phase: PhaseFinalize, Err: err}
	}
	if strings.TrimSpace(raw) == "" {
		return "", &ProviderError{Provider: "openai", Phase: PhaseFinalize, Err: fmt.Errorf("empty answer")}
	}
	return raw, nil
}
