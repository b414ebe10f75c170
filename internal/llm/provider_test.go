package llm

import "testing"

func TestNewProvider_Anthropic(t *testing.T) {
	p, err := NewProvider(ProviderConfig{Adapter: "anthropic", Model: "claude-sonnet-4", APIKey: "sk-test", DisplayName: "Claude"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := p.(*AnthropicProvider); !ok {
		t.Fatalf("got %T, want *AnthropicProvider", p)
	}
}

func TestNewProvider_AnthropicMissingAPIKey(t *testing.T) {
	_, err := NewProvider(ProviderConfig{Adapter: "anthropic", Model: "claude-sonnet-4", DisplayName: "Claude"})
	if err == nil {
		t.Fatal("expected error when api key is missing")
	}
}

func TestNewProvider_AnthropicViaBedrock(t *testing.T) {
	p, err := NewProvider(ProviderConfig{Adapter: "anthropic", Model: "anthropic.claude-3-sonnet", ViaBedrock: true, BedrockRegion: "us-east-1", DisplayName: "Claude/Bedrock"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := p.(*AnthropicBedrockProvider); !ok {
		t.Fatalf("got %T, want *AnthropicBedrockProvider", p)
	}
}

func TestNewProvider_AnthropicViaBedrockRequiresRegion(t *testing.T) {
	_, err := NewProvider(ProviderConfig{Adapter: "anthropic", Model: "anthropic.claude-3-sonnet", ViaBedrock: true, DisplayName: "Claude/Bedrock"})
	if err == nil {
		t.Fatal("expected error when bedrock_region is missing")
	}
}

func TestNewProvider_AnthropicViaBedrockWithStaticCredentials(t *testing.T) {
	p, err := NewProvider(ProviderConfig{
		Adapter: "anthropic", Model: "anthropic.claude-3-sonnet", ViaBedrock: true,
		BedrockRegion: "us-east-1", AWSAccessKeyID: "AKIA...", AWSSecretKey: "secret",
		DisplayName: "Claude/Bedrock",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := p.(*AnthropicBedrockProvider); !ok {
		t.Fatalf("got %T, want *AnthropicBedrockProvider", p)
	}
}

func TestNewProvider_OpenAICompat(t *testing.T) {
	p, err := NewProvider(ProviderConfig{Adapter: "openai-compat", Model: "gpt-4o", APIKey: "sk-test", DisplayName: "GPT"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := p.(*OpenAICompatProvider); !ok {
		t.Fatalf("got %T, want *OpenAICompatProvider", p)
	}
}

func TestNewProvider_OpenAICompatLocalServerNeedsNoAPIKey(t *testing.T) {
	p, err := NewProvider(ProviderConfig{Adapter: "openai-compat", Model: "llama3", BaseURL: "http://localhost:11434/v1", DisplayName: "Ollama"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := p.(*OpenAICompatProvider); !ok {
		t.Fatalf("got %T, want *OpenAICompatProvider", p)
	}
}

func TestNewProvider_Gemini(t *testing.T) {
	p, err := NewProvider(ProviderConfig{Adapter: "gemini", Model: "gemini-3-flash-preview", APIKey: "key", DisplayName: "Gemini"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := p.(*GeminiProvider); !ok {
		t.Fatalf("got %T, want *GeminiProvider", p)
	}
}

func TestNewProvider_UnknownAdapter(t *testing.T) {
	_, err := NewProvider(ProviderConfig{Adapter: "carrier-pigeon", DisplayName: "???"})
	if err == nil {
		t.Fatal("expected error for an unknown adapter")
	}
}
