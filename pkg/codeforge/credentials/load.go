package credentials

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// ErrNoCredentials is returned when no family could build a pool.
var ErrNoCredentials = errors.New("no model family has credentials configured")

// LookupFunc resolves a variable name to its value.
type LookupFunc func(key string) (string, bool)

// EnvLookup reads from the process environment. Call config.LoadEnvFiles
// first if .env files should participate.
func EnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Load collects the secrets configured under prefix. The bare variable may
// hold a comma-separated list; numbered variables PREFIX_1, PREFIX_2, ... are
// read until the first gap. The merged list keeps first-seen order without
// duplicates.
func Load(prefix string, lookup LookupFunc) []string {
	if lookup == nil {
		lookup = EnvLookup
	}

	var all []string
	if v, ok := lookup(prefix); ok {
		all = append(all, strings.Split(v, ",")...)
	}
	for i := 1; ; i++ {
		v, ok := lookup(prefix + "_" + strconv.Itoa(i))
		if !ok || strings.TrimSpace(v) == "" {
			break
		}
		all = append(all, strings.Split(v, ",")...)
	}
	return dedupe(all)
}

// LoadPools builds one pool per family from a family -> variable prefix map.
// Families without credentials are reported in the returned error slice; the
// call only fails outright when no family has any credential.
func LoadPools(prefixes map[string]string, lookup LookupFunc) (map[string]*Pool, []error, error) {
	names := make([]string, 0, len(prefixes))
	for family := range prefixes {
		names = append(names, family)
	}
	sort.Strings(names)

	pools := make(map[string]*Pool, len(prefixes))
	var missing []error
	for _, family := range names {
		prefix := prefixes[family]
		pool, err := NewPool(family, Load(prefix, lookup))
		if err != nil {
			missing = append(missing, fmt.Errorf("%w (set %s or %s_1)", err, prefix, prefix))
			continue
		}
		pools[family] = pool
	}

	if len(pools) == 0 {
		return nil, missing, ErrNoCredentials
	}
	return pools, missing, nil
}
