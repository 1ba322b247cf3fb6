package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companion-memory-kernel/internal/jsonx"
)

func TestStripFences(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced no lang", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"leading whitespace", "  \n```json\n{\"a\":1}\n```  ", `{"a":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StripFences(tc.in))
		})
	}
}

func TestNormalizeJSONWrapsBareArray(t *testing.T) {
	out, err := NormalizeJSON(`[{"name": "apple"}]`)
	require.NoError(t, err)

	var parsed struct {
		Entities []map[string]interface{} `json:"extracted_entities"`
	}
	require.NoError(t, jsonx.Unmarshal(out, &parsed))
	require.Len(t, parsed.Entities, 1)
	assert.Equal(t, "apple", parsed.Entities[0]["name"])
}

func TestNormalizeJSONCoercesEntityFields(t *testing.T) {
	raw := `{"extracted_entities": [
		{"name": "a", "duplicate_idx": "3"},
		{"name": "b"},
		{"name": "c", "duplicates": 2}
	]}`
	out, err := NormalizeJSON(raw)
	require.NoError(t, err)

	var parsed struct {
		Entities []struct {
			Name         string  `json:"name"`
			DuplicateIdx int     `json:"duplicate_idx"`
			Duplicates   []int64 `json:"duplicates"`
		} `json:"extracted_entities"`
	}
	require.NoError(t, jsonx.Unmarshal(out, &parsed))
	require.Len(t, parsed.Entities, 3)
	assert.Equal(t, 3, parsed.Entities[0].DuplicateIdx)
	assert.Equal(t, -1, parsed.Entities[1].DuplicateIdx)
	assert.Equal(t, []int64{2}, parsed.Entities[2].Duplicates)
}

func TestNormalizeJSONScalarDuplicates(t *testing.T) {
	out, err := NormalizeJSON(`{"duplicates": "7"}`)
	require.NoError(t, err)

	var parsed struct {
		Duplicates []int64 `json:"duplicates"`
	}
	require.NoError(t, jsonx.Unmarshal(out, &parsed))
	assert.Equal(t, []int64{7}, parsed.Duplicates)
}

func TestNormalizeJSONRejectsGarbage(t *testing.T) {
	_, err := NormalizeJSON("I cannot answer that.")
	assert.ErrorIs(t, err, ErrShape)

	_, err = NormalizeJSON("")
	assert.ErrorIs(t, err, ErrShape)

	_, err = NormalizeJSON(`"just a string"`)
	assert.ErrorIs(t, err, ErrShape)
}

func TestInjectSchemaCreatesSystemMessageShape(t *testing.T) {
	msgs := injectSchema([]ChatMessage{{Role: "user", Content: "hi"}}, `{"x": "int"}`)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "JSON")
	assert.Contains(t, msgs[0].Content, `{"x": "int"}`)
}

func TestInjectSchemaForcesJSONWordShape(t *testing.T) {
	msgs := injectSchema([]ChatMessage{
		{Role: "system", Content: "你是一个助手。"},
		{Role: "user", Content: "hi"},
	}, "")
	assert.Contains(t, msgs[0].Content, "JSON")
}
