package llm

import "fmt"

// New selects an Adapter by provider name ("openai" or "anthropic"),
// matching the LLM_PROVIDER config knob.
func New(provider, openAIKey, openAIModel, anthropicKey, anthropicModel string) (Adapter, error) {
	switch provider {
	case "openai":
		if openAIKey == "" {
			return nil, fmt.Errorf("llm: openai provider selected but OPENAI_API_KEY is empty")
		}
		return NewOpenAIAdapter(openAIKey, openAIModel), nil
	case "anthropic":
		if anthropicKey == "" {
			return nil, fmt.Errorf("llm: anthropic provider selected but ANTHROPIC_API_KEY is empty")
		}
		return NewAnthropicAdapter(anthropicKey, anthropicModel), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", provider)
	}
}
