package llm

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// sinkError wraps an error returned by the caller's chunk callback. It aborts
// the call without retry or fallback.
type sinkError struct{ err error }

func (e *sinkError) Error() string { return "chunk consumer: " + e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

// payloadError is an error object delivered inside a 2xx response.
type payloadError struct{ message string }

func (e *payloadError) Error() string { return e.message }

// readError is a transport failure after the response headers arrived.
type readError struct{ err error }

func (e *readError) Error() string { return "reading response: " + e.err.Error() }
func (e *readError) Unwrap() error { return e.err }

// buildRequestBody renders the chat-completion payload for one attempt.
func buildRequestBody(fc FamilyConfig, req Request) ([]byte, error) {
	messages := make([]map[string]string, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.SystemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	maxTokens := fc.MaxTokens
	if req.MaxTokens > 0 && req.MaxTokens < maxTokens {
		maxTokens = req.MaxTokens
	}

	body := []byte(`{}`)
	var err error
	set := func(path string, value any) {
		if err != nil {
			return
		}
		body, err = sjson.SetBytes(body, path, value)
	}
	set("model", fc.Model)
	set("messages", messages)
	set("max_tokens", maxTokens)
	set("temperature", fc.Temperature)
	set("top_p", fc.TopP)
	set("stream", req.Stream)
	return body, err
}

// errorMessage extracts an embedded error object from a JSON payload.
func errorMessage(payload string) (string, bool) {
	e := gjson.Get(payload, "error")
	if !e.Exists() || e.Type == gjson.Null {
		return "", false
	}
	if msg := e.Get("message"); msg.Exists() {
		return msg.String(), true
	}
	return e.String(), true
}

// decodeStream reads server-sent events and forwards every content delta to
// emit as soon as its frame is decoded. It returns the last finish_reason.
func decodeStream(r io.Reader, emit func(string) error, logger *slog.Logger) (string, error) {
	finishReason := ""

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024) // 64KB initial, 1MB max line

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		if !gjson.Valid(payload) {
			logger.Debug("failed to parse SSE chunk, skipping", "payload", truncate(payload, 100))
			continue
		}

		if msg, ok := errorMessage(payload); ok {
			return finishReason, &payloadError{message: msg}
		}

		if delta := gjson.Get(payload, "choices.0.delta.content").String(); delta != "" {
			if err := emit(delta); err != nil {
				return finishReason, &sinkError{err: err}
			}
		}
		if fr := gjson.Get(payload, "choices.0.finish_reason"); fr.Type == gjson.String && fr.Str != "" {
			finishReason = fr.Str
		}
	}

	if err := scanner.Err(); err != nil {
		return finishReason, &readError{err: err}
	}
	return finishReason, nil
}

// decodeCompletion reads a non-streaming response and forwards its content
// as a single chunk.
func decodeCompletion(r io.Reader, emit func(string) error) (string, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", &readError{err: err}
	}
	if !gjson.ValidBytes(raw) {
		return "", &payloadError{message: "invalid JSON response: " + truncate(string(raw), 200)}
	}
	payload := string(raw)
	if msg, ok := errorMessage(payload); ok {
		return "", &payloadError{message: msg}
	}

	content := gjson.Get(payload, "choices.0.message.content").String()
	if content != "" {
		if err := emit(content); err != nil {
			return "", &sinkError{err: err}
		}
	}
	return gjson.Get(payload, "choices.0.finish_reason").String(), nil
}

// sinkCause returns the consumer error that aborted a call, or nil.
func sinkCause(err error) error {
	var se *sinkError
	if errors.As(err, &se) {
		return se.err
	}
	return nil
}
