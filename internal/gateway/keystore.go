// Package gateway is the public entry point: authentication, rate limiting,
// CORS, and proxying to the orchestrator and model manager.
package gateway

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/infermesh/infermesh/internal/apierr"
	"github.com/infermesh/infermesh/internal/logx"
)

// APIKey is one authenticated client identity.
type APIKey struct {
	Key         string
	Name        string
	Permissions map[string]bool
	CreatedAt   time.Time
	LastUsed    time.Time
}

// Allows reports whether the key grants perm. "*" grants everything.
func (k *APIKey) Allows(perm string) bool {
	return k.Permissions["*"] || k.Permissions[perm]
}

// KeyStore holds API keys in memory.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey
}

// NewKeyStore parses configured key entries of the form
// key:name:perm|perm. When none are configured a demo key with full access
// is seeded so a fresh deployment is usable out of the box.
func NewKeyStore(entries []string) *KeyStore {
	s := &KeyStore{keys: make(map[string]*APIKey)}
	for _, e := range entries {
		if err := s.add(e); err != nil {
			logx.Log.Warn().Str("entry", e).Err(err).Msg("api key entry skipped")
		}
	}
	if len(s.keys) == 0 {
		s.keys["demo-api-key-123"] = &APIKey{
			Key:         "demo-api-key-123",
			Name:        "demo",
			Permissions: map[string]bool{"*": true},
			CreatedAt:   time.Now(),
		}
		logx.Log.Warn().Msg("no api keys configured, demo key seeded")
	}
	return s
}

func (s *KeyStore) add(entry string) error {
	parts := strings.SplitN(entry, ":", 3)
	if len(parts) < 1 || parts[0] == "" {
		return fmt.Errorf("empty key")
	}
	k := &APIKey{
		Key:         parts[0],
		Permissions: map[string]bool{"*": true},
		CreatedAt:   time.Now(),
	}
	if len(parts) > 1 {
		k.Name = parts[1]
	}
	if len(parts) > 2 && parts[2] != "" {
		k.Permissions = make(map[string]bool)
		for _, p := range strings.Split(parts[2], "|") {
			if p = strings.TrimSpace(p); p != "" {
				k.Permissions[p] = true
			}
		}
	}
	s.keys[k.Key] = k
	return nil
}

// Authenticate resolves a key string to its identity and stamps lastUsed.
func (s *KeyStore) Authenticate(key string) (*APIKey, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: missing api key", apierr.ErrUnauthenticated)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[key]
	if !ok {
		return nil, fmt.Errorf("%w: unknown api key", apierr.ErrUnauthenticated)
	}
	k.LastUsed = time.Now()
	return k, nil
}

// Count returns the number of configured keys.
func (s *KeyStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
