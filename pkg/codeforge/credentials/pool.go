// Package credentials holds the per-family API key pools used by the model
// client. A pool is an ordered set of interchangeable secrets with a sticky
// current index: rotation advances it and nothing ever resets it, so a key
// that was just exhausted is only revisited after the pool wraps around.
package credentials

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrEmptyPool is returned when a family has no usable credentials.
var ErrEmptyPool = errors.New("credential pool is empty")

// Credential is an opaque API secret.
type Credential string

// String masks the secret so a Credential can be logged safely.
func (c Credential) String() string {
	return Mask(string(c))
}

// Pool is the ordered credential set of one model family.
type Pool struct {
	family string
	creds  []Credential

	mu    sync.Mutex
	index int
}

// NewPool builds a pool for family. Blank entries are dropped and duplicates
// are removed keeping the first occurrence.
func NewPool(family string, secrets []string) (*Pool, error) {
	creds := make([]Credential, 0, len(secrets))
	for _, s := range dedupe(secrets) {
		creds = append(creds, Credential(s))
	}
	if len(creds) == 0 {
		return nil, fmt.Errorf("%s: %w", family, ErrEmptyPool)
	}
	return &Pool{family: family, creds: creds}, nil
}

// Family returns the model family the pool belongs to.
func (p *Pool) Family() string { return p.family }

// Len returns the number of credentials.
func (p *Pool) Len() int { return len(p.creds) }

// Index returns the current selection index.
func (p *Pool) Index() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index
}

// Current returns the selected credential.
func (p *Pool) Current() Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creds[p.index]
}

// Snapshot returns the current index together with its credential.
func (p *Pool) Snapshot() (int, Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index, p.creds[p.index]
}

// Rotate advances to the next credential, wrapping at the end, and returns it.
func (p *Pool) Rotate() Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.index = (p.index + 1) % len(p.creds)
	return p.creds[p.index]
}

// Mask keeps the first and last four characters of a secret.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
