package core

import (
	"fmt"

	"github.com/mohammad-safakhou/prosearch/config"
)

// Providers bundles the two external collaborators of a run.
type Providers struct {
	Reasoning ReasoningProvider
	Evidence  EvidenceProvider
}

// NewProviders constructs the reasoning and evidence providers from
// configuration. Retrieval always needs a Gemini-style grounded provider;
// reasoning can be routed to OpenAI when the config says so.
func NewProviders(cfg *config.Config) (Providers, error) {
	return NewProvidersWithOptions(cfg, RunOptions{})
}

// NewProvidersWithOptions also applies request-level model overrides on top
// of the configured routing. Runtime overrides win over config, config over
// built-in defaults.
func NewProvidersWithOptions(cfg *config.Config, opts RunOptions) (Providers, error) {
	routing := OverrideModels(routedAPIModels(cfg), opts)

	geminiCfg, hasGemini := cfg.LLM.Providers["gemini"]
	if !hasGemini {
		return Providers{}, &ConfigurationError{
			Setting: "llm.providers.gemini",
			Reason:  "grounded retrieval requires a gemini provider",
		}
	}
	gemini, err := NewGeminiProvider(geminiCfg.APIKey, geminiCfg.BaseURL, geminiCfg.Timeout, geminiCfg.MaxRetries, routing)
	if err != nil {
		return Providers{}, err
	}

	providers := Providers{Reasoning: gemini, Evidence: gemini}

	if openaiCfg, ok := cfg.LLM.Providers["openai"]; ok && openaiCfg.Type == "openai" && reasoningRoutedTo(cfg, openaiCfg) {
		openai, err := NewOpenAIProvider(openaiCfg.APIKey, openaiCfg.BaseURL, openaiCfg.Timeout, openaiCfg.MaxRetries, routing)
		if err != nil {
			return Providers{}, err
		}
		providers.Reasoning = openai
	}

	return providers, nil
}

// routedAPIModels maps each run phase to the provider-facing model id,
// preferring an explicit api_name over the config key.
func routedAPIModels(cfg *config.Config) map[string]string {
	routing := map[string]string{
		"query":      cfg.LLM.Routing.Query,
		"reflection": cfg.LLM.Routing.Reflection,
		"answer":     cfg.LLM.Routing.Answer,
		"search":     cfg.LLM.Routing.Search,
	}
	for phase, name := range routing {
		for _, provider := range cfg.LLM.Providers {
			for _, model := range provider.Models {
				if model.Name == name && model.APIName != "" {
					routing[phase] = model.APIName
				}
			}
		}
	}
	return routing
}

// reasoningRoutedTo reports whether any reasoning phase routes to a model
// owned by the given provider.
func reasoningRoutedTo(cfg *config.Config, provider config.LLMProvider) bool {
	for _, name := range []string{cfg.LLM.Routing.Query, cfg.LLM.Routing.Reflection, cfg.LLM.Routing.Answer} {
		for _, model := range provider.Models {
			if model.Name == name {
				return true
			}
		}
	}
	return false
}

// OverrideModels returns a copy of routing with request-level model
// overrides applied. Unknown or empty overrides leave the configured
// routing untouched.
func OverrideModels(routing map[string]string, opts RunOptions) map[string]string {
	out := make(map[string]string, len(routing))
	for k, v := range routing {
		out[k] = v
	}
	if opts.QueryModel != "" {
		out["query"] = opts.QueryModel
	}
	if opts.ReflectionModel != "" {
		out["reflection"] = opts.ReflectionModel
	}
	if opts.AnswerModel != "" {
		out["answer"] = opts.AnswerModel
	}
	return out
}

// ensure both providers satisfy the interfaces they claim
var (
	_ ReasoningProvider = (*GeminiProvider)(nil)
	_ EvidenceProvider  = (*GeminiProvider)(nil)
	_ ReasoningProvider = (*OpenAIProvider)(nil)
)

func describeProvider(p interface{}) string {
	switch p.(type) {
	case *GeminiProvider:
		return "gemini"
	case *OpenAIProvider:
		return "openai"
	default:
		return fmt.Sprintf("%T", p)
	}
}
