package estimator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func msg(role, content string) Message {
	raw, _ := json.Marshal(content)
	return Message{Role: role, Content: raw}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name     string
		system   string
		messages []Message
		expected int
	}{
		{
			name:     "empty request",
			expected: 10,
		},
		{
			name:     "single short message",
			messages: []Message{msg("user", "ping")},
			// 10 system overhead + 4 role + ceil(4/4)
			expected: 15,
		},
		{
			name:     "system prompt counted",
			system:   "hi",
			messages: []Message{msg("user", "ping")},
			expected: 16,
		},
		{
			name: "multiple messages each pay role overhead",
			messages: []Message{
				msg("user", "12345678"),
				msg("assistant", "1234"),
			},
			// 10 + (4+2) + (4+1)
			expected: 21,
		},
		{
			name: "rounding up partial tokens",
			messages: []Message{
				msg("user", "12345"), // ceil(5/4) = 2
			},
			expected: 16,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, EstimateTokens(tt.system, tt.messages))
		})
	}
}

func TestEstimateTokens_ContentBlocks(t *testing.T) {
	blocks := json.RawMessage(`[
		{"type": "text", "text": "12345678"},
		{"type": "image", "source": {"type": "base64"}}
	]`)
	messages := []Message{{Role: "user", Content: blocks}}

	// 10 + 4 role + ceil(8/4) + 1000 image
	assert.Equal(t, 1016, EstimateTokens("", messages))
}

func TestEstimateTokens_UnknownContentShape(t *testing.T) {
	raw := json.RawMessage(`{"weird": true}`)
	messages := []Message{{Role: "user", Content: raw}}

	// Serialized form is 15 chars -> ceil(15/4) = 4
	got := EstimateTokens("", messages)
	assert.Equal(t, 10+4+4, got)
}

func TestEstimateTokens_Deterministic(t *testing.T) {
	messages := []Message{msg("user", "the same input every time")}
	first := EstimateTokens("sys", messages)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, EstimateTokens("sys", messages))
	}
}
