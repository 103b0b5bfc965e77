package credentials

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/zalando/go-keyring"
)

// KeyringService is the service name entries are stored under.
const KeyringService = "codeforge"

// StoreKey saves a secret in the OS keyring. Slot 0 is the bare PREFIX
// entry, slot n > 0 maps to PREFIX_n.
func StoreKey(prefix string, slot int, secret string) error {
	if err := keyring.Set(KeyringService, slotName(prefix, slot), secret); err != nil {
		return fmt.Errorf("keyring set %s: %w", slotName(prefix, slot), err)
	}
	return nil
}

// DeleteKey removes a keyring slot. Missing entries are not an error.
func DeleteKey(prefix string, slot int) error {
	err := keyring.Delete(KeyringService, slotName(prefix, slot))
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", slotName(prefix, slot), err)
	}
	return nil
}

// KeyringLookup returns a LookupFunc that prefers values from next and falls
// back to the OS keyring, so stored keys follow the same PREFIX / PREFIX_n
// convention as environment variables.
func KeyringLookup(next LookupFunc) LookupFunc {
	if next == nil {
		next = EnvLookup
	}
	return func(key string) (string, bool) {
		if v, ok := next(key); ok && v != "" {
			return v, true
		}
		v, err := keyring.Get(KeyringService, key)
		if err != nil || v == "" {
			return "", false
		}
		return v, true
	}
}

func slotName(prefix string, slot int) string {
	if slot <= 0 {
		return prefix
	}
	return prefix + "_" + strconv.Itoa(slot)
}
