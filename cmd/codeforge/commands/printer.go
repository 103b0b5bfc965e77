package commands

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/jholhewres/codeforge/pkg/codeforge/events"
)

// printer renders run events on the terminal, or as JSON lines when the
// output is not a terminal or --json is set.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	json    bool
	content bool
}

func newPrinter(w io.Writer, forceJSON, showContent bool) *printer {
	asJSON := forceJSON
	if f, ok := w.(*os.File); ok && !forceJSON {
		asJSON = !term.IsTerminal(int(f.Fd()))
	}
	return &printer{w: w, json: asJSON, content: showContent}
}

// Print is an events.Listener.
func (p *printer) Print(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.json {
		data, err := e.Marshal()
		if err != nil {
			return
		}
		fmt.Fprintf(p.w, "%s\n", data)
		return
	}

	switch e.Type {
	case events.TypeStatus:
		fmt.Fprintf(p.w, "  %s\n", e.Message)
	case events.TypeContent:
		if p.content {
			fmt.Fprint(p.w, e.Content)
		}
	case events.TypeFileOperation:
		switch e.Status {
		case events.PhaseProcessing:
			fmt.Fprintf(p.w, "  … %s\n", e.Path)
		case events.PhaseCompleted:
			fmt.Fprintf(p.w, "  ✓ %s (%s, %d bytes)\n", e.Path, e.Language, len(e.Content))
		case events.PhaseError:
			fmt.Fprintf(p.w, "  ✗ %s: %s\n", e.Path, e.Error)
		}
	case events.TypePackages:
		fmt.Fprintf(p.w, "  + installing %s\n", strings.Join(e.Packages, ", "))
	case events.TypeWarning:
		fmt.Fprintf(p.w, "  ! %s\n", e.Message)
	case events.TypeComplete:
		n := len(e.Files)
		if e.FilesCount != nil {
			n = *e.FilesCount
		}
		fmt.Fprintf(p.w, "\nDone: %d file(s) written.\n", n)
	case events.TypeError:
		fmt.Fprintf(p.w, "\nError: %s\n", e.Message)
	}
}
