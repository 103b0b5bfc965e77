package apply

import (
	"regexp"
	"sort"
	"strings"

	"github.com/jholhewres/codeforge/pkg/codeforge/extract"
)

var importPatterns = []*regexp.Regexp{
	// import x from 'pkg'; import {a} from "pkg"; import 'pkg';
	regexp.MustCompile(`(?m)^\s*import\s+(?:[\w*${}\s,]+?\s+from\s+)?['"]([^'"\n]+)['"]`),
	// export {a} from 'pkg'; export * from 'pkg';
	regexp.MustCompile(`(?m)^\s*export\s+[\w*${}\s,]+?\s+from\s+['"]([^'"\n]+)['"]`),
	// require('pkg'), import('pkg')
	regexp.MustCompile(`\b(?:require|import)\(\s*['"]([^'"\n]+)['"]\s*\)`),
}

// nodeBuiltins are never installed.
var nodeBuiltins = map[string]bool{
	"assert": true, "buffer": true, "child_process": true, "cluster": true,
	"crypto": true, "dgram": true, "dns": true, "events": true, "fs": true,
	"http": true, "http2": true, "https": true, "net": true, "os": true,
	"path": true, "perf_hooks": true, "process": true, "querystring": true,
	"readline": true, "stream": true, "string_decoder": true, "timers": true,
	"tls": true, "url": true, "util": true, "v8": true, "vm": true,
	"worker_threads": true, "zlib": true,
}

// scannable reports whether imports in f can name npm packages.
func scannable(f extract.File) bool {
	return f.Language == "javascript" || f.Language == "typescript"
}

// ScanDependencies returns the sorted set of package names imported by the
// JavaScript and TypeScript files. It is a line-oriented scan, not a parser.
func ScanDependencies(files []extract.File) []string {
	found := make(map[string]bool)
	for _, f := range files {
		if !scannable(f) {
			continue
		}
		for _, re := range importPatterns {
			for _, m := range re.FindAllStringSubmatch(f.Content, -1) {
				if name := packageName(m[1]); name != "" {
					found[name] = true
				}
			}
		}
	}

	names := make([]string, 0, len(found))
	for n := range found {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// packageName reduces an import specifier to its installable package, or ""
// for relative paths, URLs, aliases and builtins.
func packageName(spec string) string {
	spec = strings.TrimSpace(spec)
	switch {
	case spec == "",
		strings.HasPrefix(spec, "."),
		strings.HasPrefix(spec, "/"),
		strings.HasPrefix(spec, "~"),
		strings.HasPrefix(spec, "@/"),
		strings.HasPrefix(spec, "node:"),
		strings.Contains(spec, "://"):
		return ""
	}

	parts := strings.Split(spec, "/")
	name := parts[0]
	if strings.HasPrefix(spec, "@") {
		if len(parts) < 2 || parts[1] == "" {
			return ""
		}
		name = parts[0] + "/" + parts[1]
	}
	if nodeBuiltins[name] {
		return ""
	}
	return name
}

// NewDependencies returns the names in required that are not in baseline.
func NewDependencies(required []string, baseline map[string]bool) []string {
	var out []string
	for _, n := range required {
		if !baseline[n] {
			out = append(out, n)
		}
	}
	return out
}
