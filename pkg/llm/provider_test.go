package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockProvider 模拟供应商实现，用于测试。
type mockProvider struct {
	name  string
	calls int
}

func (m *mockProvider) Name() string  { return m.name }
func (m *mockProvider) Model() string { return "mock-embed" }

func (m *mockProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.calls++
	result := make([][]float32, len(texts))
	for i, text := range texts {
		result[i] = []float32{float32(len(text)), 0.2, 0.3}
	}
	return result, nil
}

func (m *mockProvider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	out, err := m.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (m *mockProvider) Chat(_ context.Context, _ []Message, _ ...CallOption) (string, error) {
	return "mock response", nil
}

func (m *mockProvider) Generate(_ context.Context, _ string, _ string, _ ...CallOption) (string, error) {
	return "mock generated text", nil
}

func TestRegisterAndNewProvider(t *testing.T) {
	RegisterProvider("test-provider", func(config map[string]any) (Provider, error) {
		name := "test-provider"
		if n, ok := config["name"].(string); ok {
			name = n
		}
		return &mockProvider{name: name}, nil
	})

	provider, err := NewProvider("test-provider", map[string]any{"name": "custom-name"})
	require.NoError(t, err)
	assert.Equal(t, "custom-name", provider.Name())

	_, err = NewProvider("unknown-provider", nil)
	assert.Error(t, err)
}

func TestNewEmbeddingAndChatProvider_Fallback(t *testing.T) {
	RegisterEmbeddingProvider("embed-only", func(map[string]any) (EmbeddingProvider, error) {
		return &mockProvider{name: "embed-only"}, nil
	})
	RegisterChatProvider("chat-only", func(map[string]any) (ChatProvider, error) {
		return &mockProvider{name: "chat-only"}, nil
	})
	RegisterProvider("full", func(map[string]any) (Provider, error) {
		return &mockProvider{name: "full"}, nil
	})

	ep, err := NewEmbeddingProvider("embed-only", nil)
	require.NoError(t, err)
	assert.Equal(t, "embed-only", ep.Name())

	ep, err = NewEmbeddingProvider("full", nil)
	require.NoError(t, err)
	assert.Equal(t, "full", ep.Name())

	cp, err := NewChatProvider("full", nil)
	require.NoError(t, err)
	assert.Equal(t, "full", cp.Name())

	_, err = NewChatProvider("embed-only", nil)
	assert.Error(t, err)

	names := ListProviders()
	assert.Contains(t, names, "embed-only")
	assert.Contains(t, names, "chat-only")
	assert.IsNonDecreasing(t, names)
}

func TestApplyCallOptions(t *testing.T) {
	o := ApplyCallOptions(WithMaxTokens(128), WithTemperature(0.2), WithJSON())
	assert.Equal(t, 128, o.MaxTokens)
	require.NotNil(t, o.Temperature)
	assert.InDelta(t, 0.2, *o.Temperature, 1e-9)
	assert.True(t, o.JSON)

	assert.Nil(t, ApplyCallOptions().Temperature)
}

func TestStatusError(t *testing.T) {
	err := &StatusError{Provider: "ollama", StatusCode: 503, Body: "busy"}
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "ollama")
}
