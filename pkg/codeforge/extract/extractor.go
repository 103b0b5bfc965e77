// Package extract reconstructs files from a model's streamed output as soon
// as each one is complete. Files are delimited by
//
//	<file path="relative/path">content</file>
//
// and anything outside the delimiters is ignored.
package extract

import (
	"bytes"
	"strings"
)

const (
	openPrefix = `<file path="`
	closeTag   = `</file>`
)

// State is the extractor's position in the delimiter protocol.
type State int

const (
	// Idle waits for an open delimiter.
	Idle State = iota
	// Accumulating collects content until the close delimiter.
	Accumulating
	// Flushed is terminal: the stream has ended.
	Flushed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Accumulating:
		return "accumulating"
	case Flushed:
		return "flushed"
	default:
		return "unknown"
	}
}

// File is one extracted file. It is never modified after emission.
type File struct {
	Path      string `json:"path"`
	Language  string `json:"language"`
	Content   string `json:"content"`
	SizeBytes int    `json:"size_bytes"`

	// Provenance is "stream" for clean extraction, otherwise the name of the
	// recovery heuristic that produced the file.
	Provenance string `json:"provenance"`
}

// ProvenanceStream marks files closed by their delimiter.
const ProvenanceStream = "stream"

// NewFile builds a File, deriving language and size.
func NewFile(path, content, provenance string) File {
	return File{
		Path:       path,
		Language:   LanguageFor(path),
		Content:    content,
		SizeBytes:  len(content),
		Provenance: provenance,
	}
}

// OpenFile is the file currently being accumulated.
type OpenFile struct {
	Path     string
	Language string

	// StartOffset is the stream offset where the file's content begins.
	StartOffset int
}

// Handler receives extraction callbacks. Either func may be nil.
type Handler struct {
	// OnOpen fires when an open delimiter is recognized.
	OnOpen func(path, language string)
	// OnFile fires when a close delimiter completes a file.
	OnFile func(File)
}

// Remainder describes the extractor at end of stream.
type Remainder struct {
	// Open is the file still accumulating, nil if none.
	Open *OpenFile
	// Pending is the unconsumed buffer.
	Pending      string
	FilesEmitted int
}

// Extractor is the per-call stream cursor. It is not safe for concurrent use.
type Extractor struct {
	h Handler

	buf      []byte
	consumed int // bytes discarded from the front of the stream
	scanFrom int // buf offset before which no delimiter can start
	state    State
	open     *OpenFile
	emitted  int
}

// New creates an extractor in the Idle state.
func New(h Handler) *Extractor {
	return &Extractor{h: h}
}

// State returns the current state.
func (e *Extractor) State() State { return e.state }

// FilesEmitted returns the number of completed files.
func (e *Extractor) FilesEmitted() int { return e.emitted }

// Open returns the file being accumulated, or nil.
func (e *Extractor) Open() *OpenFile {
	if e.open == nil {
		return nil
	}
	o := *e.open
	return &o
}

// Feed appends a chunk and emits every file it completes.
func (e *Extractor) Feed(chunk string) {
	if e.state == Flushed || chunk == "" {
		return
	}
	e.buf = append(e.buf, chunk...)

	for {
		var progressed bool
		if e.state == Idle {
			progressed = e.seekOpen()
		} else {
			progressed = e.seekClose()
		}
		if !progressed {
			return
		}
	}
}

// Finish ends the stream. Any open file is reported but never emitted.
func (e *Extractor) Finish() Remainder {
	r := Remainder{
		Open:         e.Open(),
		Pending:      string(e.buf),
		FilesEmitted: e.emitted,
	}
	e.state = Flushed
	e.open = nil
	e.buf = nil
	return r
}

// seekOpen looks for `<file path="P">` and enters Accumulating on a match.
func (e *Extractor) seekOpen() bool {
	i := bytes.Index(e.buf[e.scanFrom:], []byte(openPrefix))
	if i < 0 {
		e.holdTail(len(openPrefix))
		return false
	}
	start := e.scanFrom + i
	pathStart := start + len(openPrefix)

	q := bytes.IndexByte(e.buf[pathStart:], '"')
	if q < 0 || pathStart+q+1 >= len(e.buf) {
		// Path or closing '>' not received yet.
		e.scanFrom = start
		return false
	}
	quote := pathStart + q
	path := string(e.buf[pathStart:quote])
	if path == "" || e.buf[quote+1] != '>' {
		// Not a delimiter; skip past this prefix.
		e.scanFrom = start + 1
		return true
	}

	e.discard(quote + 2)
	e.open = &OpenFile{Path: path, Language: LanguageFor(path), StartOffset: e.consumed}
	e.state = Accumulating
	if e.h.OnOpen != nil {
		e.h.OnOpen(e.open.Path, e.open.Language)
	}
	return true
}

// seekClose looks for `</file>` and emits the accumulated content.
func (e *Extractor) seekClose() bool {
	i := bytes.Index(e.buf[e.scanFrom:], []byte(closeTag))
	if i < 0 {
		e.holdTail(len(closeTag))
		return false
	}
	end := e.scanFrom + i

	content := strings.TrimSpace(string(e.buf[:end]))
	f := NewFile(e.open.Path, content, ProvenanceStream)

	e.discard(end + len(closeTag))
	e.open = nil
	e.state = Idle
	e.emitted++
	if e.h.OnFile != nil {
		e.h.OnFile(f)
	}
	return true
}

// holdTail advances scanFrom so that only the last n-1 bytes, which may hold
// the start of a split delimiter, are scanned again.
func (e *Extractor) holdTail(n int) {
	if tail := len(e.buf) - (n - 1); tail > e.scanFrom {
		e.scanFrom = tail
	}
}

// discard drops the first n bytes of the buffer.
func (e *Extractor) discard(n int) {
	e.buf = e.buf[n:]
	e.consumed += n
	e.scanFrom = 0
}

// ExtractAll runs a complete response through a fresh extractor and returns
// the files in close-delimiter order.
func ExtractAll(text string) ([]File, Remainder) {
	var files []File
	e := New(Handler{OnFile: func(f File) { files = append(files, f) }})
	e.Feed(text)
	return files, e.Finish()
}
