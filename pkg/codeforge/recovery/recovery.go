// Package recovery salvages files from a response whose delimiters were
// broken, usually because generation stopped at the token limit. Every
// heuristic here is best effort: it works on malformed input and its output
// is tagged with the heuristic's name so it is never mistaken for a clean
// extraction.
package recovery

import (
	"fmt"
	"log/slog"

	"github.com/jholhewres/codeforge/pkg/codeforge/extract"
)

// DefaultMinFiles is the file count below which recovery runs.
const DefaultMinFiles = 3

// Provenance tags of recovered files.
const (
	ProvenanceRepairedTag    = "repaired_tag"
	ProvenanceTagRescan      = "tag_rescan"
	ProvenanceMarkdownBlock  = "markdown_block"
	ProvenanceEmbeddedHTML   = "embedded_html"
	ProvenanceEmbeddedStyle  = "embedded_style"
	ProvenanceCSSRules       = "css_rules"
	ProvenanceEmbeddedScript = "embedded_script"
	ProvenanceJSDeclarations = "js_declarations"
)

// Needed reports whether recovery should run after a stream ended with
// emitted files and possibly a file still open.
func Needed(emitted, minFiles int, openAtEnd bool) bool {
	return emitted < minFiles || openAtEnd
}

// ShortfallMessage is the warning sent when fewer than minFiles exist.
func ShortfallMessage(count, minFiles int) string {
	return fmt.Sprintf("Warning: Only %d files generated. Minimum is %d (index.html, styles.css, script.js).", count, minFiles)
}

// Recoverer produces files from a raw response. produced holds the paths
// already emitted; they are never recovered again.
type Recoverer interface {
	Recover(raw string, produced map[string]bool) []extract.File
}

// Heuristics is the default Recoverer.
type Heuristics struct {
	logger *slog.Logger
}

// New creates the heuristic recoverer.
func New(logger *slog.Logger) *Heuristics {
	return &Heuristics{logger: logger.With("component", "recovery")}
}

// Recover applies, in order: repair of unterminated file tags, markdown code
// blocks with a file path, then page/stylesheet/script adoption for whatever
// kind of file is still missing.
func (h *Heuristics) Recover(raw string, produced map[string]bool) []extract.File {
	seen := make(map[string]bool, len(produced))
	langs := make(map[string]bool)
	for p := range produced {
		seen[p] = true
		langs[extract.LanguageFor(p)] = true
	}

	var out []extract.File
	accept := func(f extract.File) {
		if f.Path == "" || f.Content == "" || seen[f.Path] {
			return
		}
		seen[f.Path] = true
		langs[f.Language] = true
		out = append(out, f)
		h.logger.Info("recovered file",
			"path", f.Path,
			"heuristic", f.Provenance,
			"bytes", f.SizeBytes,
		)
	}

	for _, f := range repairFileTags(raw) {
		accept(f)
	}
	for _, f := range markdownBlocks(raw) {
		accept(f)
	}

	if !langs["html"] {
		if f, ok := embeddedHTML(raw); ok {
			accept(f)
		}
	}
	if !langs["css"] {
		if f, ok := stylesheet(raw); ok {
			accept(f)
		}
	}
	if !langs["javascript"] {
		if f, ok := script(raw); ok {
			accept(f)
		}
	}

	if len(out) == 0 {
		h.logger.Warn("recovery found nothing",
			"response_chars", len(raw),
			"head", preview(raw, 0, 300),
			"tail", preview(raw, len(raw)-300, len(raw)),
		)
	}
	return out
}

func preview(s string, from, to int) string {
	if from < 0 {
		from = 0
	}
	if to > len(s) {
		to = len(s)
	}
	if from >= to {
		return ""
	}
	return s[from:to]
}
