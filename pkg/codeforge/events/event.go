// Package events defines the progress events streamed to callers while code
// is generated and applied, and the bus that fans them out to listeners.
//
// Every event serializes to one JSON object whose "type" field selects the
// variant:
//   - "status": free-form progress message
//   - "content": raw model output chunk
//   - "file_operation": a file moving through processing, completed or error
//   - "packages": dependencies about to be installed
//   - "warning": non-fatal shortfall
//   - "complete": terminal summary of the run
//   - "error": terminal failure
package events

import (
	"encoding/json"
	"fmt"
)

// Type tags an event variant.
type Type string

const (
	TypeStatus        Type = "status"
	TypeContent       Type = "content"
	TypeFileOperation Type = "file_operation"
	TypePackages      Type = "packages"
	TypeWarning       Type = "warning"
	TypeComplete      Type = "complete"
	TypeError         Type = "error"
)

// Phase is the state of a file operation.
type Phase string

const (
	PhaseProcessing Phase = "processing"
	PhaseCompleted  Phase = "completed"
	PhaseError      Phase = "error"
)

// OperationCreate is the only file operation produced today.
const OperationCreate = "create"

// Event is one progress event. Only the fields of its variant are set.
type Event struct {
	Type  Type   `json:"type"`
	RunID string `json:"run_id,omitempty"`
	Seq   int64  `json:"seq,omitempty"`

	Message string `json:"message,omitempty"`

	// file_operation
	Operation string `json:"operation,omitempty"`
	Path      string `json:"path,omitempty"`
	Status    Phase  `json:"status,omitempty"`
	Language  string `json:"language,omitempty"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`

	// packages
	Packages []string `json:"packages,omitempty"`

	// complete
	FilesCount *int     `json:"files_count,omitempty"`
	Files      []string `json:"files,omitempty"`
}

// Emitter receives events in order.
type Emitter func(Event)

// Status reports progress.
func Status(format string, args ...any) Event {
	return Event{Type: TypeStatus, Message: fmt.Sprintf(format, args...)}
}

// Content forwards a raw model chunk.
func Content(chunk string) Event {
	return Event{Type: TypeContent, Content: chunk}
}

// FileProcessing marks a file whose open delimiter was seen.
func FileProcessing(path, language string) Event {
	return Event{Type: TypeFileOperation, Operation: OperationCreate, Path: path, Status: PhaseProcessing, Language: language}
}

// FileCompleted carries a finished file.
func FileCompleted(path, language, content string) Event {
	return Event{Type: TypeFileOperation, Operation: OperationCreate, Path: path, Status: PhaseCompleted, Language: language, Content: content}
}

// FileFailed reports a file that could not be written.
func FileFailed(path string, err error) Event {
	return Event{Type: TypeFileOperation, Operation: OperationCreate, Path: path, Status: PhaseError, Error: err.Error()}
}

// Packages names dependencies about to be installed.
func Packages(names []string) Event {
	return Event{
		Type:     TypePackages,
		Packages: names,
		Message:  fmt.Sprintf("Installing %d packages...", len(names)),
	}
}

// Warning reports a non-fatal problem.
func Warning(format string, args ...any) Event {
	return Event{Type: TypeWarning, Message: fmt.Sprintf(format, args...)}
}

// Complete is the terminal summary. It is sent even for partial results.
func Complete(paths []string) Event {
	n := len(paths)
	return Event{
		Type:       TypeComplete,
		Message:    fmt.Sprintf("Successfully generated %d files", n),
		FilesCount: &n,
		Files:      paths,
	}
}

// Error is a terminal failure.
func Error(err error) Event {
	return Event{Type: TypeError, Message: err.Error()}
}

// IsTerminal reports whether e ends a run.
func (e Event) IsTerminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}

// Marshal encodes the event as a single JSON object.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// SSE encodes the event as one server-sent-event frame.
func (e Event) SSE() ([]byte, error) {
	data, err := e.Marshal()
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(data)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, data...)
	frame = append(frame, '\n', '\n')
	return frame, nil
}
