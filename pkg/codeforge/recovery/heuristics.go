package recovery

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jholhewres/codeforge/pkg/codeforge/extract"
)

var (
	openTagRe = regexp.MustCompile(`<file path="([^"]+)">`)

	fenceRe     = regexp.MustCompile("(?m)^```([^\\n]*)\\n")
	pathTokenRe = regexp.MustCompile(`^[\w./-]+\.(?:tsx?|jsx?|html|css)$`)

	doctypeRe   = regexp.MustCompile(`(?i)<!DOCTYPE html>`)
	htmlCloseRe = regexp.MustCompile(`(?i)</html>`)
	styleTagRe  = regexp.MustCompile(`(?is)<style[^>]*>(.*?)</style>`)
	scriptTagRe = regexp.MustCompile(`(?is)<script[^>]*>(.*?)</script>`)

	cssRuleRe = regexp.MustCompile(`(?m)^[ \t]*(?:[.#]?[\w-]+(?:[ \t]*[>+~,]?[ \t]*[.#:]?[\w-]+)*|:root)[ \t]*\{[^{}]*\}`)
	jsDeclRe  = regexp.MustCompile(`(?:document\.addEventListener|function\s+\w+|const\s+\w+\s*=|let\s+\w+\s*=|var\s+\w+\s*=)[^;]*;?`)
)

// braceExtensions are languages whose blocks close with '}'.
var braceExtensions = map[string]bool{
	".js": true, ".jsx": true, ".mjs": true, ".ts": true, ".tsx": true,
	".css": true, ".scss": true, ".json": true, ".java": true, ".go": true,
	".c": true, ".h": true, ".cpp": true, ".cs": true, ".rs": true,
	".php": true, ".kt": true, ".swift": true,
}

// repairFileTags rescans every `<file path>` fragment. A fragment ends at its
// `</file>`, or, when unterminated, at the next open tag or end of input.
// Unterminated fragments get a structural repair.
func repairFileTags(raw string) []extract.File {
	matches := openTagRe.FindAllStringSubmatchIndex(raw, -1)
	var out []extract.File
	for i, m := range matches {
		path := raw[m[2]:m[3]]
		end := len(raw)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		segment := raw[m[1]:end]

		if c := strings.Index(segment, "</file>"); c >= 0 {
			content := strings.TrimSpace(segment[:c])
			out = append(out, extract.NewFile(path, content, ProvenanceTagRescan))
			continue
		}

		content := repair(path, strings.TrimSpace(segment))
		out = append(out, extract.NewFile(path, content, ProvenanceRepairedTag))
	}
	return out
}

// repair closes what a truncated file obviously left open.
func repair(path, content string) string {
	if content == "" {
		return content
	}
	ext := strings.ToLower(filepath.Ext(path))

	if ext == ".html" || ext == ".htm" {
		return closeHTML(content)
	}
	if braceExtensions[ext] {
		if missing := strings.Count(content, "{") - strings.Count(content, "}"); missing > 0 {
			content += strings.Repeat("}", missing)
		}
	}
	return content
}

func closeHTML(content string) string {
	if !strings.Contains(strings.ToLower(content), "<html") {
		return content
	}
	if strings.HasSuffix(strings.ToLower(strings.TrimSpace(content)), "</html>") {
		return content
	}
	return content + "\n</html>"
}

// markdownBlocks adopts fenced code blocks that name a file, either on the
// fence line ("```css styles.css") or as a leading comment line
// ("// src/App.tsx"). A final unterminated block is taken to end of input
// and repaired like a truncated file.
func markdownBlocks(raw string) []extract.File {
	var out []extract.File
	rest := raw
	for {
		loc := fenceRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			return out
		}
		info := rest[loc[2]:loc[3]]
		body := rest[loc[1]:]

		end := strings.Index(body, "```")
		closed := end >= 0
		if !closed {
			end = len(body)
		}
		content := body[:end]

		path := fencePath(info)
		if path == "" {
			first, remaining, _ := strings.Cut(content, "\n")
			if p := fencePath(first); p != "" {
				path, content = p, remaining
			}
		}

		content = strings.TrimSpace(content)
		if path != "" && content != "" {
			if !closed {
				content = repair(path, content)
			}
			out = append(out, extract.NewFile(path, content, ProvenanceMarkdownBlock))
		}

		if !closed {
			return out
		}
		rest = body[end+3:]
	}
}

// fencePath returns the first token of line that looks like a file path.
func fencePath(line string) string {
	line = strings.TrimSpace(line)
	line = strings.TrimSpace(strings.TrimPrefix(line, "//"))
	for _, tok := range strings.Fields(line) {
		if pathTokenRe.MatchString(tok) {
			return tok
		}
	}
	return ""
}

// embeddedHTML adopts a document starting at <!DOCTYPE html> as index.html.
func embeddedHTML(raw string) (extract.File, bool) {
	loc := doctypeRe.FindStringIndex(raw)
	if loc == nil {
		return extract.File{}, false
	}
	doc := raw[loc[0]:]

	if c := htmlCloseRe.FindStringIndex(doc); c != nil {
		doc = doc[:c[1]]
	} else {
		for _, stop := range []string{"</file>", "```"} {
			if i := strings.Index(doc, stop); i >= 0 {
				doc = doc[:i]
			}
		}
		doc = strings.TrimSpace(doc) + "\n</html>"
	}
	return extract.NewFile("index.html", strings.TrimSpace(doc), ProvenanceEmbeddedHTML), true
}

// stylesheet adopts the first non-empty <style> block as styles.css, or
// collects bare CSS rule blocks.
func stylesheet(raw string) (extract.File, bool) {
	for _, m := range styleTagRe.FindAllStringSubmatch(raw, -1) {
		if css := strings.TrimSpace(m[1]); css != "" {
			return extract.NewFile("styles.css", css, ProvenanceEmbeddedStyle), true
		}
	}

	rules := cssRuleRe.FindAllString(raw, -1)
	if len(rules) == 0 {
		return extract.File{}, false
	}
	for i := range rules {
		rules[i] = strings.TrimSpace(rules[i])
	}
	return extract.NewFile("styles.css", strings.Join(rules, "\n"), ProvenanceCSSRules), true
}

// script adopts the first non-empty inline <script> as script.js, or
// collects bare declarations.
func script(raw string) (extract.File, bool) {
	for _, m := range scriptTagRe.FindAllStringSubmatch(raw, -1) {
		if js := strings.TrimSpace(m[1]); js != "" {
			return extract.NewFile("script.js", js, ProvenanceEmbeddedScript), true
		}
	}

	decls := jsDeclRe.FindAllString(raw, -1)
	if len(decls) == 0 {
		return extract.File{}, false
	}
	return extract.NewFile("script.js", strings.Join(decls, "\n"), ProvenanceJSDeclarations), true
}
