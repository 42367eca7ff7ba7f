package task

import (
	"fmt"
	"sync"
)

// Vault is an ordered set of published values. Each task owns one; the
// stage merges it into the run-wide vault when the task completes, and
// Parallel merges branch vaults into its own when a branch joins.
type Vault struct {
	mu     sync.RWMutex
	keys   []string
	values map[string]any
}

// NewVault creates an empty vault
func NewVault() *Vault {
	return &Vault{values: make(map[string]any)}
}

// Publish stores value under key; republishing keeps the original position
func (v *Vault) Publish(key string, value any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.values[key]; !ok {
		v.keys = append(v.keys, key)
	}
	v.values[key] = value
}

// Get returns the value published under key
func (v *Vault) Get(key string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.values[key]
	return val, ok
}

// Keys returns the keys in publication order
func (v *Vault) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]string(nil), v.keys...)
}

// Len returns the number of published values
func (v *Vault) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.keys)
}

// Merge copies every value of other into v, in other's order
func (v *Vault) Merge(other *Vault) {
	if other == nil || other == v {
		return
	}
	other.mu.RLock()
	keys := append([]string(nil), other.keys...)
	values := make(map[string]any, len(other.values))
	for k, val := range other.values {
		values[k] = val
	}
	other.mu.RUnlock()

	for _, k := range keys {
		v.Publish(k, values[k])
	}
}

// Snapshot returns a copy of all values
func (v *Vault) Snapshot() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]any, len(v.values))
	for k, val := range v.values {
		out[k] = val
	}
	return out
}

// Strings returns every value formatted as a string
func (v *Vault) Strings() map[string]string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]string, len(v.values))
	for k, val := range v.values {
		out[k] = fmt.Sprint(val)
	}
	return out
}
