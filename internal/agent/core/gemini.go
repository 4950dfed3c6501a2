package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiProvider talks to the Gemini generateContent API. It serves both
// provider roles: structured-output reasoning calls (query generation,
// reflection, synthesis) and grounded retrieval via the google_search tool,
// which is where the grounding chunks and supports come from.
type GeminiProvider struct {
	apiKey  string
	baseURL string
	http    *HTTPClient

	queryModel      string
	reflectionModel string
	answerModel     string
	searchModel     string
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiTool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	Tools            []geminiTool            `json:"tools,omitempty"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiSegment struct {
	StartIndex *int   `json:"startIndex"`
	EndIndex   *int   `json:"endIndex"`
	Text       string `json:"text"`
}

type geminiSupport struct {
	Segment      *geminiSegment `json:"segment"`
	ChunkIndices []int          `json:"groundingChunkIndices"`
}

type geminiChunk struct {
	Web struct {
		URI   string `json:"uri"`
		Title string `json:"title"`
	} `json:"web"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		GroundingMetadata *struct {
			Chunks   []geminiChunk   `json:"groundingChunks"`
			Supports []geminiSupport `json:"groundingSupports"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func NewGeminiProvider(apiKey, baseURL string, timeout time.Duration, retries int, routing map[string]string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, &ConfigurationError{Setting: "llm.providers.gemini.api_key", Reason: "missing API key"}
	}
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &GeminiProvider{
		apiKey:          apiKey,
		baseURL:         strings.TrimRight(baseURL, "/"),
		http:            NewHTTPClient(timeout, retries, time.Second),
		queryModel:      routing["query"],
		reflectionModel: routing["reflection"],
		answerModel:     routing["answer"],
		searchModel:     routing["search"],
	}, nil
}

func (g *GeminiProvider) generate(ctx context.Context, model string, req geminiRequest) (geminiResponse, error) {
	if model == "" {
		return geminiResponse{}, fmt.Errorf("no model routed for this call")
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, model, url.QueryEscape(g.apiKey))
	var resp geminiResponse
	if err := g.http.DoJSON(ctx, "POST", endpoint, nil, req, &resp); err != nil {
		return geminiResponse{}, err
	}
	if resp.Error != nil {
		return geminiResponse{}, fmt.Errorf("gemini error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	if len(resp.Candidates) == 0 {
		return geminiResponse{}, fmt.Errorf("gemini returned no candidates")
	}
	return resp, nil
}

func (r geminiResponse) text() string {
	var b strings.Builder
	for _, part := range r.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return b.String()
}

// GenerateQueries implements ReasoningProvider.
func (g *GeminiProvider) GenerateQueries(ctx context.Context, topic string, count int, asOfDate string) ([]Query, error) {
	temp := 1.0
	resp, err := g.generate(ctx, g.queryModel, geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: queryWriterPrompt(topic, count, asOfDate)}}}},
		GenerationConfig: &geminiGenerationConfig{
			Temperature:      &temp,
			ResponseMimeType: "application/json",
		},
	})
	if err != nil {
		return nil, &ProviderError{Provider: "gemini", Phase: PhaseGenerateQueries, Err: err}
	}

	var decoded struct {
		Query     []string `json:"query"`
		Rationale string   `json:"rationale"`
	}
	if err := decodeStructured(resp.text(), &decoded); err != nil {
		return nil, &ProviderError{Provider: "gemini", Phase: PhaseGenerateQueries, Err: err}
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
func (g *GeminiProvider) EvaluateSufficiency(ctx context.Context, topic string, accumulated string, asOfDate string) (ReflectionResult, error) {
	temp := 1.0
	resp, err := g.generate(ctx, g.reflectionModel, geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: reflectionPrompt(topic, accumulated, asOfDate)}}}},
		GenerationConfig: &geminiGenerationConfig{
			Temperature:      &temp,
			ResponseMimeType: "application/json",
		},
	})
	if err != nil {
		return ReflectionResult{}, &ProviderError{Provider: "gemini", Phase: PhaseReflection, Err: err}
	}

	var result ReflectionResult
	if err := decodeStructured(resp.text(), &result); err != nil {
		return ReflectionResult{}, &ProviderError{Provider: "gemini", Phase: PhaseReflection, Err: err}
	}
	return result, nil
}

// SynthesizeAnswer implements ReasoningProvider.
func (g *GeminiProvider) SynthesizeAnswer(ctx context.Context, topic string, accumulated string, asOfDate string) (string, error) {
	resp, err := g.generate(ctx, g.answerModel, geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: answerPrompt(topic, accumulated, asOfDate)}}}},
	})
	if err != nil {
		return "", &ProviderError{Provider: "gemini", Phase: PhaseFinalize, Err: err}
	}
	answer := resp.text()
	if strings.TrimSpace(answer) == "" {
		return "", &ProviderError{Provider: "gemini", Phase: PhaseFinalize, Err: fmt.Errorf("empty answer")}
	}
	return answer, nil
}

// Search implements EvidenceProvider using the google_search tool. The
// response text plus grounding metadata is returned as-is; citation
// processing happens in the orchestrator's task pipeline.
func (g *GeminiProvider) Search(ctx context.Context, query string, asOfDate string) (SearchResult, error) {
	temp := 0.0
	resp, err := g.generate(ctx, g.searchModel, geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: webSearcherPrompt(query, asOfDate)}}}},
		Tools:    []geminiTool{{GoogleSearch: &struct{}{}}},
		GenerationConfig: &geminiGenerationConfig{
			Temperature: &temp,
		},
	})
	if err != nil {
		return SearchResult{}, &ProviderError{Provider: "gemini", Phase: PhaseWebResearch, Err: err}
	}

	result := SearchResult{Text: resp.text()}
	gm := resp.Candidates[0].GroundingMetadata
	if gm == nil {
		return result, nil
	}
	for _, chunk := range gm.Chunks {
		result.Metadata.Chunks = append(result.Metadata.Chunks, GroundingChunk{
			URI:   chunk.Web.URI,
			Title: chunk.Web.Title,
		})
	}
	for _, support := range gm.Supports {
		converted := GroundingSupport{ChunkIndices: support.ChunkIndices}
		if support.Segment != nil {
			seg := &GroundingSegment{}
			if support.Segment.StartIndex != nil {
				seg.Start = *support.Segment.StartIndex
			}
			if support.Segment.EndIndex != nil {
				seg.End = *support.Segment.EndIndex
				seg.EndSet = true
			}
			converted.Segment = seg
		}
		result.Metadata.Supports = append(result.Metadata.Supports, converted)
	}
	return result, nil
}

// decodeStructured parses a structured-output response body, tolerating a
// markdown code fence around the JSON.
func decodeStructured(raw string, out interface{}) error {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	if err := json.Unmarshal([]byte(trimmed), out); err != nil {
		return fmt.Errorf("structured output did not decode: %w", err)
	}
	return nil
}
