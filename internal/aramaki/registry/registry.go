// Package registry maps callback paths to the accounts mounted on them.
//
// A single path may carry several targets (for example during a credential
// rotation, when the old and the new token are both live); lookups return
// every target so the caller can try each in turn.
package registry

import (
	"strings"
	"sync"

	"github.com/section9-dev/aramaki/internal/aramaki/accounts"
	"github.com/section9-dev/aramaki/internal/aramaki/notify"
	"github.com/section9-dev/aramaki/internal/aramaki/wxcrypt"
)

// Target is one account mounted on a callback path, together with the
// codec built from its key material. Codec is nil when the account has no
// encoding_aes_key configured; such a target can still be looked up, and
// the handler reports the missing key material to the caller.
type Target struct {
	Account accounts.Account
	Codec   *wxcrypt.Codec
	Sink    notify.Sink
}

// Registry is a concurrency-safe path-to-targets table.
type Registry struct {
	mu      sync.RWMutex
	targets map[string][]*Target
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{targets: make(map[string][]*Target)}
}

// NormalizePath canonicalizes a callback path: a leading slash is added if
// missing and trailing slashes are stripped, so "/hook/" and "hook" both
// address the same mount point. The root path is returned as "/".
func NormalizePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// Register mounts a target on its account's path and returns a function
// that removes exactly that target again. Calling the returned function
// more than once is harmless.
func (r *Registry) Register(t *Target) func() {
	path := NormalizePath(t.Account.Path)

	r.mu.Lock()
	r.targets[path] = append(r.targets[path], t)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(path, t) })
	}
}

func (r *Registry) remove(path string, t *Target) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.targets[path]
	for i, cand := range list {
		if cand == t {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.targets, path)
		return
	}
	r.targets[path] = list
}

// Lookup returns the targets mounted on the given (already normalized)
// path. The returned slice is a snapshot; mutating it does not affect the
// registry.
func (r *Registry) Lookup(path string) []*Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.targets[path]
	if len(list) == 0 {
		return nil
	}
	out := make([]*Target, len(list))
	copy(out, list)
	return out
}

// Count returns the total number of registered targets across all paths.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, list := range r.targets {
		n += len(list)
	}
	return n
}
