package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companion-memory-kernel/internal/jsonx"
)

func TestChatRequestCarriesZeroTemperature(t *testing.T) {
	raw, err := jsonx.MarshalToString(chatRequest{
		Model:       "m",
		Messages:    []ChatMessage{{Role: "user", Content: "hi"}},
		Temperature: Temp(0),
	})
	require.NoError(t, err)
	assert.Contains(t, raw, `"temperature":0`)
}

func TestChatRequestOmitsUnsetTemperature(t *testing.T) {
	raw, err := jsonx.MarshalToString(chatRequest{
		Model:    "m",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.NotContains(t, raw, "temperature")
}

func TestInjectSchemaCreatesSystemMessage(t *testing.T) {
	out := injectSchema([]ChatMessage{{Role: "user", Content: "q"}}, `{"k":"v"}`)

	require.Len(t, out, 2)
	assert.Equal(t, "system", out[0].Role)
	assert.Contains(t, out[0].Content, "JSON")
	assert.Contains(t, out[0].Content, `{"k":"v"}`)
}

func TestInjectSchemaForcesJSONWord(t *testing.T) {
	out := injectSchema([]ChatMessage{
		{Role: "system", Content: "你是一个助手"},
		{Role: "user", Content: "q"},
	}, "")

	require.Len(t, out, 2)
	assert.Contains(t, out[0].Content, "JSON")
}
