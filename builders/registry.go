// Package builders describes the enrollment package builders an enrollment
// package policy can name.
package builders

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

type Builder struct {
	Key               string
	Name              string
	PackageIdentifier string
}

// Registry is an explicit set of builders, populated at startup.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

func NewRegistry(builders ...Builder) (*Registry, error) {
	r := &Registry{builders: make(map[string]Builder, len(builders))}
	for _, b := range builders {
		if err := r.Register(b); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(b Builder) error {
	if b.Key == "" {
		return errors.New("builder key is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.builders[b.Key]; ok {
		return errors.Errorf("builder %q is already registered", b.Key)
	}
	r.builders[b.Key] = b
	return nil
}

func (r *Registry) Get(key string) (Builder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[key]
	return b, ok
}

func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.builders))
	for k := range r.builders {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Standard returns the builders shipped with the server.
func Standard() []Builder {
	return []Builder{
		{Key: "munki", Name: "Munki enrollment", PackageIdentifier: "io.mdmrelay.munki.enroll"},
		{Key: "osquery", Name: "Osquery enrollment", PackageIdentifier: "io.mdmrelay.osquery.enroll"},
		{Key: "santa", Name: "Santa enrollment", PackageIdentifier: "io.mdmrelay.santa.enroll"},
	}
}
