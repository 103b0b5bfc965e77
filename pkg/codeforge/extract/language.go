package extract

import (
	"path/filepath"
	"strings"
)

// languages maps file extensions to editor language identifiers.
var languages = map[string]string{
	".js":   "javascript",
	".jsx":  "javascript",
	".mjs":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".py":   "python",
	".html": "html",
	".htm":  "html",
	".css":  "css",
	".json": "json",
	".md":   "markdown",
	".yml":  "yaml",
	".yaml": "yaml",
	".sh":   "shell",
	".txt":  "plaintext",
}

// LanguageFor derives the language of path from its extension. Unknown
// extensions are plaintext.
func LanguageFor(path string) string {
	if lang, ok := languages[strings.ToLower(filepath.Ext(path))]; ok {
		return lang
	}
	return "plaintext"
}
