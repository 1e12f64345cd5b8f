package codegen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPrompt(t *testing.T) {
	prompt := buildPrompt(Request{
		FileName:     "index.js",
		Code:         "const a = 1\n",
		Line:         3,
		Instructions: "add a doubling helper",
	})

	assert.Contains(t, prompt, `"index.js"`)
	assert.Contains(t, prompt, "line 3")
	assert.Contains(t, prompt, "add a doubling helper")
	assert.Contains(t, prompt, "const a = 1")
	assert.Contains(t, prompt, "without markdown")
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "const a = 1", "const a = 1"},
		{"fenced", "```\nconst a = 1\n```", "const a = 1"},
		{"language tag", "```js\nconst a = 1\n```", "const a = 1"},
		{"surrounding whitespace", "  ```python\nx = 1\n```  ", "x = 1"},
		{"no fence but backticks inside", "use `fmt.Println`", "use `fmt.Println`"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripFences(tt.input))
		})
	}
}

func TestNewClient(t *testing.T) {
	t.Run("default provider is anthropic", func(t *testing.T) {
		client, err := NewClient("", "key", "")
		require.NoError(t, err)
		assert.IsType(t, &AnthropicClient{}, client)
	})

	t.Run("openai", func(t *testing.T) {
		client, err := NewClient("openai", "key", "gpt-4o")
		require.NoError(t, err)
		assert.IsType(t, &OpenAIClient{}, client)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := NewClient("llama", "key", "")
		assert.Error(t, err)
	})

	t.Run("missing api key", func(t *testing.T) {
		_, err := NewClient("anthropic", "", "")
		assert.Error(t, err)

		_, err = NewClient("openai", " ", "")
		assert.Error(t, err)
	})
}
