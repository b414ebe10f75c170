package llm

import "fmt"

// ProviderConfig names one configured model participant: which adapter
// backs it, which model string to send, and the display name other
// participants see it as in transcripts.
type ProviderConfig struct {
	Adapter     string // "anthropic", "openai-compat", "gemini"
	Model       string
	DisplayName string
	APIKey      string
	BaseURL     string // only consulted by openai-compat

	ViaBedrock      bool // anthropic only: sign requests with AWS credentials instead of APIKey
	BedrockRegion   string
	AWSAccessKeyID  string // optional static credentials; empty uses the default chain
	AWSSecretKey    string
	AWSSessionToken string
}

// NewProvider builds the concrete Provider for one configured participant.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Adapter {
	case "anthropic":
		if cfg.ViaBedrock {
			if cfg.BedrockRegion == "" {
				return nil, fmt.Errorf("anthropic: bedrock_region required when via_bedrock is set for %s", cfg.DisplayName)
			}
			if cfg.AWSAccessKeyID != "" {
				return NewAnthropicBedrockProviderWithCredentials(cfg.BedrockRegion, cfg.Model, cfg.AWSAccessKeyID, cfg.AWSSecretKey, cfg.AWSSessionToken), nil
			}
			return NewAnthropicBedrockProvider(cfg.BedrockRegion, cfg.Model), nil
		}
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic: api key not configured for %s", cfg.DisplayName)
		}
		return NewAnthropicProvider(cfg.APIKey, cfg.Model), nil

	case "openai-compat", "openai":
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai-compat: api key or base_url required for %s", cfg.DisplayName)
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
		return NewOpenAICompatProvider(baseURL, cfg.APIKey, cfg.Model, cfg.DisplayName), nil

	case "gemini":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("gemini: api key not configured for %s", cfg.DisplayName)
		}
		return NewGeminiProvider(cfg.APIKey, cfg.Model), nil

	default:
		return nil, fmt.Errorf("unknown adapter: %s", cfg.Adapter)
	}
}
