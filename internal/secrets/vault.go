// Package secrets holds credentials that can be rotated without a restart.
package secrets

import (
	"fmt"
	"maps"
	"slices"
	"sync/atomic"
)

// Loader retrieves secrets from a source (env vars, file, remote vault, etc.).
type Loader func() (map[string]string, error)

// Vault holds secret values and swaps them atomically on Reload.
type Vault struct {
	values atomic.Pointer[map[string]string]
	loader Loader
}

// NewVault creates a Vault, calling the loader once to populate initial values.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	v := &Vault{loader: loader}
	v.values.Store(&vals)
	return v, nil
}

// Get returns the secret for key, or an empty string if not found.
func (v *Vault) Get(key string) string {
	return (*v.values.Load())[key]
}

// Func returns a getter bound to key that always sees the latest value.
func (v *Vault) Func(key string) func() string {
	return func() string { return v.Get(key) }
}

// Keys returns the names of the loaded secrets, sorted.
func (v *Vault) Keys() []string {
	return slices.Sorted(maps.Keys(*v.values.Load()))
}

// Redacted returns a masked form of the secret for logging.
func (v *Vault) Redacted(key string) string {
	s := v.Get(key)
	switch {
	case s == "":
		return ""
	case len(s) <= 4:
		return "****"
	default:
		return s[:2] + "****"
	}
}

// Reload calls the loader and swaps in the new values. If the loader fails
// the existing values are kept.
func (v *Vault) Reload() error {
	vals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.values.Store(&vals)
	return nil
}
