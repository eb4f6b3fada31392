// Package llm abstracts the model backend the pipeline stages call into.
package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// Request is one prompt exchange. Stages always demand structured JSON
// output, so the response is returned as a raw message for the stage
// executor to decode against its schema.
type Request struct {
	System      string
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Client invokes a model and returns its raw JSON output.
type Client interface {
	Invoke(ctx context.Context, req Request) (json.RawMessage, error)
	ModelName() string
}

// ExtractJSON pulls the first JSON object out of a model response, tolerating
// markdown code fences and prose around the object.
func ExtractJSON(text string) (json.RawMessage, bool) {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx != -1 {
			text = text[idx+1:]
		}
		if idx := strings.LastIndex(text, "```"); idx != -1 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	start := strings.IndexByte(text, '{')
	if start == -1 {
		return nil, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := json.RawMessage(text[start : i+1])
				if json.Valid(candidate) {
					return candidate, true
				}
				return nil, false
			}
		}
	}
	return nil, false
}
