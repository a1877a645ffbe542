package fetch

import (
	"sync"
	"time"
)

// variantEntry stores the base URL variant that worked for a domain.
type variantEntry struct {
	base      string // scheme://host that answered, e.g. "http://www.acme.com"
	expiresAt time.Time
}

// VariantMemory remembers, per domain, which scheme/host variant succeeded
// after the fallback ladder ran, so later requests go straight to it instead
// of repeating the failed attempts. Entries expire after the TTL and are
// pruned periodically.
type VariantMemory struct {
	store sync.Map // naked domain (string) -> *variantEntry
	ttl   time.Duration
	done  chan struct{}
	once  sync.Once
}

// NewVariantMemory creates a VariantMemory with the given TTL and starts a
// background goroutine that prunes expired entries every hour.
func NewVariantMemory(ttl time.Duration) *VariantMemory {
	vm := &VariantMemory{
		ttl:  ttl,
		done: make(chan struct{}),
	}
	go vm.cleanupLoop()
	return vm
}

// Get returns the remembered base variant for a domain, or "" when absent or
// expired.
func (vm *VariantMemory) Get(domain string) string {
	val, ok := vm.store.Load(domain)
	if !ok {
		return ""
	}
	entry := val.(*variantEntry)
	if time.Now().After(entry.expiresAt) {
		vm.store.Delete(domain)
		return ""
	}
	return entry.base
}

// Set records the base variant that succeeded for a domain.
func (vm *VariantMemory) Set(domain, base string) {
	vm.store.Store(domain, &variantEntry{
		base:      base,
		expiresAt: time.Now().Add(vm.ttl),
	})
}

// Delete removes the memory for a domain (e.g. after the variant stops working).
func (vm *VariantMemory) Delete(domain string) {
	vm.store.Delete(domain)
}

// Stop terminates the background cleanup goroutine.
func (vm *VariantMemory) Stop() {
	vm.once.Do(func() { close(vm.done) })
}

// cleanupLoop runs every hour, deleting expired entries.
func (vm *VariantMemory) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-vm.done:
			return
		case <-ticker.C:
			now := time.Now()
			vm.store.Range(func(key, value any) bool {
				entry := value.(*variantEntry)
				if now.After(entry.expiresAt) {
					vm.store.Delete(key)
				}
				return true
			})
		}
	}
}
