package admission

import (
	"context"
	"sync"
)

// Static resolves credentials from an in-memory token table, typically loaded
// from the config file. [Static.Replace] supports config hot reload: tokens
// added or revoked in the file take effect without restarting.
//
// All methods are safe for concurrent use.
type Static struct {
	mu     sync.RWMutex
	tokens map[string]Principal
}

var _ Resolver = (*Static)(nil)

// NewStatic creates a resolver over a copy of tokens.
func NewStatic(tokens map[string]Principal) *Static {
	s := &Static{}
	s.Replace(tokens)
	return s
}

// Resolve implements [Resolver].
func (s *Static) Resolve(_ context.Context, token string) (Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.tokens[token]
	if !ok {
		return Principal{}, ErrUnknownCredential
	}
	return p, nil
}

// Replace swaps the whole token table. Connections already admitted keep
// their resolved principal; only future resolutions see the new table.
func (s *Static) Replace(tokens map[string]Principal) {
	copied := make(map[string]Principal, len(tokens))
	for tok, p := range tokens {
		copied[tok] = p
	}

	s.mu.Lock()
	s.tokens = copied
	s.mu.Unlock()
}

// Len returns the number of known tokens.
func (s *Static) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}
