package credentials

import (
	"errors"
	"testing"
)

func TestNewPool_DedupesInOrder(t *testing.T) {
	p, err := NewPool("groq", []string{"b", " a ", "", "b", "c", "a"})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	want := []Credential{"b", "a", "c"}
	if p.Len() != len(want) {
		t.Fatalf("Len = %d, want %d", p.Len(), len(want))
	}
	for i, w := range want {
		if p.creds[i] != w {
			t.Errorf("creds[%d] = %q, want %q", i, p.creds[i], w)
		}
	}
}

func TestNewPool_Empty(t *testing.T) {
	_, err := NewPool("kimi", []string{"", "  "})
	if !errors.Is(err, ErrEmptyPool) {
		t.Fatalf("expected ErrEmptyPool, got %v", err)
	}
}

func TestPool_RotateWraps(t *testing.T) {
	p, _ := NewPool("minimax", []string{"k0", "k1", "k2"})

	if got := p.Current(); got != "k0" {
		t.Fatalf("Current = %q, want k0", got)
	}

	seq := []Credential{"k1", "k2", "k0", "k1"}
	for i, want := range seq {
		if got := p.Rotate(); got != want {
			t.Errorf("rotate #%d = %q, want %q", i+1, got, want)
		}
		if idx := p.Index(); idx < 0 || idx >= p.Len() {
			t.Errorf("index %d out of range", idx)
		}
	}
}

func TestPool_SingleCredentialRotateIsStable(t *testing.T) {
	p, _ := NewPool("groq", []string{"only"})
	for i := 0; i < 3; i++ {
		if got := p.Rotate(); got != "only" {
			t.Fatalf("Rotate = %q", got)
		}
	}
	if p.Index() != 0 {
		t.Errorf("Index = %d, want 0", p.Index())
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"short", "*****"},
		{"hf_abcdefghijkl", "hf_a...ijkl"},
	}
	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if s := Credential("gsk_1234567890").String(); s != "gsk_...7890" {
		t.Errorf("Credential.String = %q", s)
	}
}
