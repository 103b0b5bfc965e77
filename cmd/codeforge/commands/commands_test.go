package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jholhewres/codeforge/pkg/codeforge/events"
)

func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "codeforge.yaml")
	data := "workspace:\n  root: ./site\nhistory:\n  enabled: false\nlogging:\n  level: error\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestApplyCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeTestConfig(t, dir)

	response := filepath.Join(dir, "response.txt")
	raw := "Here you go:\n<file path=\"index.html\"><h1>Hi</h1></file>\n<file path=\"styles.css\">h1{color:red}</file>\n"
	if err := os.WriteFile(response, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	root := NewRootCmd("test")
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"apply", "--config", cfgPath, "--json", response})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v\n%s", err, out.String())
	}

	got, err := os.ReadFile(filepath.Join(dir, "site", "styles.css"))
	if err != nil || string(got) != "h1{color:red}" {
		t.Fatalf("styles.css = %q, %v", got, err)
	}

	var last events.Event
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if err := json.Unmarshal([]byte(line), &last); err != nil {
			t.Fatalf("non-JSON line %q", line)
		}
	}
	if last.Type != events.TypeComplete || last.FilesCount == nil || *last.FilesCount != 2 {
		t.Errorf("last event = %+v", last)
	}
}

func TestPrinterPretty(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out, false, false)

	p.Print(events.Status("Generating"))
	p.Print(events.Content("<file"))
	p.Print(events.FileCompleted("index.html", "html", "<h1></h1>"))
	p.Print(events.Packages([]string{"react", "vue"}))
	p.Print(events.Complete([]string{"index.html"}))

	want := []string{
		"  Generating",
		"  ✓ index.html (html, 9 bytes)",
		"  + installing react, vue",
		"Done: 1 file(s) written.",
	}
	for _, w := range want {
		if !strings.Contains(out.String(), w) {
			t.Errorf("output missing %q:\n%s", w, out.String())
		}
	}
	if strings.Contains(out.String(), "<file") {
		t.Error("raw content printed without --show-content")
	}
}

func TestReadPrompt(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		stdin   string
		want    string
		wantErr bool
	}{
		{"args", []string{"a", "todo", "app"}, "", "a todo app", false},
		{"stdin", nil, "  snake game\n", "snake game", false},
		{"empty", nil, "   ", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readPrompt(tt.args, strings.NewReader(tt.stdin))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClipLine(t *testing.T) {
	if got := clipLine("first line\nsecond", 50); got != "first line" {
		t.Errorf("got %q", got)
	}
	if got := clipLine("abcdef", 3); got != "abc..." {
		t.Errorf("got %q", got)
	}
}
