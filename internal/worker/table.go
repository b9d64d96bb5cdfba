package worker

import (
	"sync"

	"github.com/dreamware/inferout/internal/catalog"
	"github.com/dreamware/inferout/internal/engine"
)

// LocalInstance is a model instance registered on this worker together
// with everything needed to drive it without re-reading the store.
type LocalInstance struct {
	RedisKey string
	Settings catalog.Settings
	Params   engine.Params

	mu   sync.RWMutex // guards inst
	inst catalog.Instance

	// lifecycle serializes activation and deactivation of the instance.
	lifecycle sync.Mutex
}

// Snapshot returns a copy of the current instance record, including the
// worker-local context.
func (l *LocalInstance) Snapshot() catalog.Instance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.inst
}

func (l *LocalInstance) set(inst catalog.Instance) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inst = inst
}

// Table is the worker's set of registered model instances, keyed by the
// instance's Redis key. It is owned by one worker; nothing outside the
// worker mutates it.
//
// Thread-safe: every access goes through mu.
type Table struct {
	mu        sync.RWMutex
	instances map[string]*LocalInstance
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{instances: make(map[string]*LocalInstance)}
}

// Put registers or replaces an entry.
func (t *Table) Put(l *LocalInstance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.instances[l.RedisKey] = l
}

// PutIfAbsent registers l unless its key is already taken and reports
// whether it did.
func (t *Table) PutIfAbsent(l *LocalInstance) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.instances[l.RedisKey]; ok {
		return false
	}
	t.instances[l.RedisKey] = l
	return true
}

// Get returns the entry for key, or nil.
func (t *Table) Get(key string) *LocalInstance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.instances[key]
}

// Delete removes the entry for key. Removing a missing key is a no-op.
func (t *Table) Delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.instances, key)
}

// Len returns the number of registered instances.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.instances)
}

// Keys returns the registered keys in no particular order.
func (t *Table) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.instances))
	for k := range t.instances {
		keys = append(keys, k)
	}
	return keys
}
