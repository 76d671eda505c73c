package capability

import (
	"fmt"
	"strings"
	"sync"

	"github.com/symposium-app/backend/internal/shared/errs"
)

// AllowList is the shared outbound URL policy: network.request and import
// resolution both consult it, and rejection happens before any network I/O.
type AllowList struct {
	mu       sync.RWMutex
	prefixes []string
}

// NewAllowList creates an allow-list from configured URL prefixes.
func NewAllowList(prefixes []string) *AllowList {
	return &AllowList{prefixes: append([]string(nil), prefixes...)}
}

// Authorize returns ErrUnauthorizedURL unless rawURL matches a configured
// prefix.
func (a *AllowList) Authorize(rawURL string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, prefix := range a.prefixes {
		if strings.HasPrefix(rawURL, prefix) {
			return nil
		}
	}
	return fmt.Errorf("%q: %w", rawURL, errs.ErrUnauthorizedURL)
}

// Add appends a prefix at runtime.
func (a *AllowList) Add(prefix string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prefixes = append(a.prefixes, prefix)
}

// Prefixes returns a copy of the configured prefixes.
func (a *AllowList) Prefixes() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.prefixes...)
}
