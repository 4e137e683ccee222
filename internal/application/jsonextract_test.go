package application

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestExtractJSONObject tests locating and cleaning a JSON object inside
// free-form model output.
func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{name: "bare object", reply: `{"a": 1}`, want: `{"a": 1}`},
		{name: "surrounding prose", reply: "Here you go:\n{\"a\": 1}\nThanks.", want: `{"a": 1}`},
		{name: "fenced block preferred", reply: "{\"x\": 0}\n```json\n{\"a\": 1}\n```", want: `{"a": 1}`},
		{name: "nested objects", reply: `pre {"a": {"b": [1, 2]}} post {"c": 3}`, want: `{"a": {"b": [1, 2]}}`},
		{name: "braces inside strings", reply: `{"a": "}{ \"q\" }"}`, want: `{"a": "}{ \"q\" }"}`},
		{name: "trailing commas", reply: "{\"a\": [1, 2,], \"b\": 2,\n}", want: "{\"a\": [1, 2], \"b\": 2}"},
		{name: "line comments", reply: "{\n\"a\": 1, // note\n\"u\": \"http://x\"\n}", want: "{\n\"a\": 1,\n\"u\": \"http://x\"\n}"},
		{name: "no object", reply: "nothing to see", want: ""},
		{name: "unbalanced", reply: `{"a": 1`, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractJSONObject(tt.reply)
			assert.Equal(t, tt.want, got)
			if got != "" {
				assert.True(t, json.Valid([]byte(got)), "extracted text must be valid JSON: %s", got)
			}
		})
	}
}
