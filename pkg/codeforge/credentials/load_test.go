package credentials

import (
	"errors"
	"testing"

	"github.com/zalando/go-keyring"
)

func mapLookup(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want []string
	}{
		{
			name: "comma separated only",
			env:  map[string]string{"HF_TOKEN": "a, b ,c"},
			want: []string{"a", "b", "c"},
		},
		{
			name: "numbered only",
			env:  map[string]string{"HF_TOKEN_1": "a", "HF_TOKEN_2": "b"},
			want: []string{"a", "b"},
		},
		{
			name: "merged and deduplicated",
			env:  map[string]string{"HF_TOKEN": "a,b", "HF_TOKEN_1": "b", "HF_TOKEN_2": "c"},
			want: []string{"a", "b", "c"},
		},
		{
			name: "numbering stops at first gap",
			env:  map[string]string{"HF_TOKEN_1": "a", "HF_TOKEN_3": "c"},
			want: []string{"a"},
		},
		{
			name: "nothing set",
			env:  map[string]string{},
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Load("HF_TOKEN", mapLookup(tt.env))
			if len(got) != len(tt.want) {
				t.Fatalf("Load = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("Load[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestLoad_UsesProcessEnv(t *testing.T) {
	t.Setenv("CODEFORGE_TEST_KEY", "x,y")
	t.Setenv("CODEFORGE_TEST_KEY_1", "z")

	got := Load("CODEFORGE_TEST_KEY", nil)
	if len(got) != 3 || got[2] != "z" {
		t.Errorf("Load = %v", got)
	}
}

func TestLoadPools_PartialFamilies(t *testing.T) {
	prefixes := map[string]string{
		"minimax": "HF_TOKEN",
		"groq":    "GROQ_API_KEY",
		"kimi":    "KIMI_API_KEY",
	}
	env := map[string]string{"GROQ_API_KEY": "g1,g2"}

	pools, missing, err := LoadPools(prefixes, mapLookup(env))
	if err != nil {
		t.Fatalf("LoadPools: %v", err)
	}
	if len(pools) != 1 || pools["groq"].Len() != 2 {
		t.Errorf("unexpected pools: %v", pools)
	}
	if len(missing) != 2 {
		t.Errorf("expected 2 missing families, got %v", missing)
	}
	for _, m := range missing {
		if !errors.Is(m, ErrEmptyPool) {
			t.Errorf("missing error should wrap ErrEmptyPool: %v", m)
		}
	}
}

func TestLoadPools_NoneConfigured(t *testing.T) {
	_, _, err := LoadPools(map[string]string{"groq": "GROQ_API_KEY"}, mapLookup(nil))
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}

func TestKeyringLookup(t *testing.T) {
	keyring.MockInit()

	if err := StoreKey("KIMI_API_KEY", 0, "from-keyring"); err != nil {
		t.Fatalf("StoreKey: %v", err)
	}
	if err := StoreKey("KIMI_API_KEY", 1, "slot-one"); err != nil {
		t.Fatalf("StoreKey: %v", err)
	}

	lookup := KeyringLookup(mapLookup(map[string]string{"KIMI_API_KEY": "from-env"}))
	got := Load("KIMI_API_KEY", lookup)
	if len(got) != 2 || got[0] != "from-env" || got[1] != "slot-one" {
		t.Errorf("Load = %v", got)
	}

	if err := DeleteKey("KIMI_API_KEY", 1); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if err := DeleteKey("KIMI_API_KEY", 7); err != nil {
		t.Errorf("deleting a missing slot should not fail: %v", err)
	}
	got = Load("KIMI_API_KEY", lookup)
	if len(got) != 1 {
		t.Errorf("after delete Load = %v", got)
	}
}
