package llm

import (
	"errors"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func TestBuildRequestBody(t *testing.T) {
	fc := DefaultFamilies()[FamilyMiniMax]
	body, err := buildRequestBody(fc, Request{Prompt: "build it", SystemPrompt: "you are", Stream: true, MaxTokens: 1000})
	if err != nil {
		t.Fatalf("buildRequestBody: %v", err)
	}

	doc := string(body)
	checks := map[string]string{
		"model":              "MiniMaxAI/MiniMax-M2",
		"messages.0.role":    "system",
		"messages.1.content": "build it",
		"max_tokens":         "1000",
		"stream":             "true",
	}
	for path, want := range checks {
		if got := gjson.Get(doc, path).String(); got != want {
			t.Errorf("%s = %q, want %q", path, got, want)
		}
	}
}

func TestDecodeStream(t *testing.T) {
	input := strings.Join([]string{
		": keep-alive",
		`data: {"choices":[{"delta":{"role":"assistant"}}]}`,
		`data: {"choices":[{"delta":{"content":"<file "}}]}`,
		"data: not-json",
		`data:{"choices":[{"delta":{"content":"path"}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"length"}]}`,
		"data: [DONE]",
		`data: {"choices":[{"delta":{"content":"ignored"}}]}`,
	}, "\n\n")

	var got []string
	finish, err := decodeStream(strings.NewReader(input), func(s string) error {
		got = append(got, s)
		return nil
	}, discardLogger())
	if err != nil {
		t.Fatalf("decodeStream: %v", err)
	}
	if !equalStrings(got, []string{"<file ", "path"}) {
		t.Errorf("deltas = %q", got)
	}
	if finish != "length" {
		t.Errorf("finish = %q, want length", finish)
	}
}

func TestDecodeStream_ErrorFrame(t *testing.T) {
	_, err := decodeStream(strings.NewReader(`data: {"error":{"message":"rate limit"}}`+"\n\n"),
		func(string) error { return nil }, discardLogger())
	var pe *payloadError
	if !errors.As(err, &pe) || pe.message != "rate limit" {
		t.Fatalf("expected payload error, got %v", err)
	}
}

func TestDecodeCompletion_InvalidJSON(t *testing.T) {
	_, err := decodeCompletion(strings.NewReader("<html>gateway</html>"), func(string) error { return nil })
	var pe *payloadError
	if !errors.As(err, &pe) {
		t.Fatalf("expected payload error, got %v", err)
	}
}
