package builder

import (
	"fmt"
	"strings"
)

// DefaultSystemPrompt asks for a multi-file web app in the delimiter format
// the extractor understands.
const DefaultSystemPrompt = `You are an expert web developer. You build complete, production-ready web applications from a short description.

OUTPUT FORMAT (mandatory):
Write every file inside its own XML file block, with a path relative to the project root:

<file path="index.html">
<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>App Title</title>
    <link rel="stylesheet" href="styles.css">
</head>
<body>
    <!-- complete markup -->
    <script src="script.js"></script>
</body>
</html>
</file>

<file path="styles.css">
/* complete styles */
</file>

<file path="script.js">
// complete behaviour
</file>

RULES:
1. Always produce at least index.html, styles.css and script.js.
2. Always close every block with </file> before starting the next one.
3. Never truncate code or leave placeholders such as "..." or TODO.
4. Do not wrap file blocks in markdown code fences.
5. Keep prose outside the file blocks short.
6. Use modern, responsive, accessible design.`

const (
	historyTurns     = 3
	historyChars     = 100
	referenceChars   = 1000
	editInstructions = "Make surgical edits to these files. Preserve existing functionality and style."
)

// Message is one prior conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BuildSystemPrompt appends the edit target list, the last conversation
// turns and reference material to base.
func BuildSystemPrompt(base string, req Request) string {
	if base == "" {
		base = DefaultSystemPrompt
	}
	var sb strings.Builder
	sb.WriteString(base)

	if req.IsEdit && len(req.TargetFiles) > 0 {
		sb.WriteString("\n\n## Files Being Modified:\n")
		for _, f := range req.TargetFiles {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
		sb.WriteString("\n" + editInstructions)
	}

	if len(req.History) > 0 {
		sb.WriteString("\n\n## Recent Conversation:\n")
		turns := req.History
		if len(turns) > historyTurns {
			turns = turns[len(turns)-historyTurns:]
		}
		for _, m := range turns {
			role := m.Role
			if role == "" {
				role = "user"
			}
			fmt.Fprintf(&sb, "- %s: %s...\n", role, clip(m.Content, historyChars))
		}
	}

	if ref := strings.TrimSpace(req.Reference); ref != "" {
		fmt.Fprintf(&sb, "\n\n## Reference Content:\n%s\n", clip(ref, referenceChars))
	}
	return sb.String()
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
