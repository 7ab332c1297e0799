package store

import (
	"context"
	"sync"

	"github.com/dlachaumepalo/mithril/cert"
	"github.com/dlachaumepalo/mithril/stake"
)

// MemStore is an in-memory [Store] for tests and ephemeral nodes.
type MemStore struct {
	mu    sync.Mutex
	certs map[string]*cert.Certificate
	head  []byte
	dists map[uint64]*stake.Distribution
}

func NewMemStore() *MemStore {
	return &MemStore{
		certs: make(map[string]*cert.Certificate),
		dists: make(map[uint64]*stake.Distribution),
	}
}

func (s *MemStore) SaveCertificate(_ context.Context, c *cert.Certificate) error {
	hash, err := c.Hash()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.certs[string(hash)] = c
	s.head = hash
	return nil
}

func (s *MemStore) Certificate(_ context.Context, hash []byte) (*cert.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.certs[string(hash)]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (s *MemStore) Head(_ context.Context) (*cert.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.head == nil {
		return nil, ErrEmptyStore
	}
	return s.certs[string(s.head)], nil
}

func (s *MemStore) Chain(ctx context.Context) ([]*cert.Certificate, error) {
	head, err := s.Head(ctx)
	if err != nil {
		return nil, err
	}
	return walkChain(ctx, head, s.Certificate)
}

func (s *MemStore) SaveDistribution(_ context.Context, epoch uint64, dist *stake.Distribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dists[epoch] = dist
	return nil
}

func (s *MemStore) Distribution(_ context.Context, epoch uint64) (*stake.Distribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dist, ok := s.dists[epoch]
	if !ok {
		return nil, ErrNotFound
	}
	return dist, nil
}

// walkChain follows previous-hash links from head down to genesis and
// returns the chain in genesis-first order.
func walkChain(ctx context.Context, head *cert.Certificate, get func(context.Context, []byte) (*cert.Certificate, error)) ([]*cert.Certificate, error) {
	chain := []*cert.Certificate{head}
	for c := head; !c.IsGenesis(); {
		prev, err := get(ctx, c.PrevHash)
		if err != nil {
			return nil, err
		}
		chain = append(chain, prev)
		c = prev
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
