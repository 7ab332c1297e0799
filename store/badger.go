package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v3"

	"github.com/dlachaumepalo/mithril/cert"
	"github.com/dlachaumepalo/mithril/codec"
	"github.com/dlachaumepalo/mithril/stake"
)

var (
	certPrefix = []byte("cert/")
	headKey    = []byte("cert/head")
	distPrefix = []byte("dist/")
)

// BadgerStore is a [Store] backed by an embedded Badger database.
// Certificates and distributions are stored in their canonical encoding,
// so records survive process restarts byte-identical to what was hashed.
type BadgerStore struct {
	db  *badger.DB
	log *slog.Logger
}

// NewBadgerStore opens the Badger database at path. An empty path opens
// the database in memory.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: opening badger: %w", err)
	}
	return &BadgerStore{
		db:  db,
		log: slog.With("module", "store"),
	}, nil
}

// Close flushes and closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) SaveCertificate(_ context.Context, c *cert.Certificate) error {
	hash, err := c.Hash()
	if err != nil {
		return err
	}
	data, err := codec.Marshal(c)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(certKey(hash), data); err != nil {
			return err
		}
		return txn.Set(headKey, hash)
	})
	if err != nil {
		return fmt.Errorf("store: saving certificate: %w", err)
	}

	s.log.Debug("saved certificate", "epoch", c.Epoch, "hash", fmt.Sprintf("%x", hash[:8]))
	return nil
}

func (s *BadgerStore) Certificate(_ context.Context, hash []byte) (*cert.Certificate, error) {
	var c cert.Certificate
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(certKey(hash))
		if err != nil {
			return err
		}
		return item.Value(func(data []byte) error {
			return codec.Unmarshal(data, &c)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading certificate: %w", err)
	}
	return &c, nil
}

func (s *BadgerStore) Head(ctx context.Context) (*cert.Certificate, error) {
	var hash []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(headKey)
		if err != nil {
			return err
		}
		hash, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrEmptyStore
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading head: %w", err)
	}
	return s.Certificate(ctx, hash)
}

func (s *BadgerStore) Chain(ctx context.Context) ([]*cert.Certificate, error) {
	head, err := s.Head(ctx)
	if err != nil {
		return nil, err
	}
	return walkChain(ctx, head, s.Certificate)
}

func (s *BadgerStore) SaveDistribution(_ context.Context, epoch uint64, dist *stake.Distribution) error {
	data, err := codec.Marshal(dist.Parties())
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(distKey(epoch), data)
	})
	if err != nil {
		return fmt.Errorf("store: saving distribution: %w", err)
	}

	s.log.Debug("saved distribution", "epoch", epoch, "parties", dist.Len())
	return nil
}

func (s *BadgerStore) Distribution(_ context.Context, epoch uint64) (*stake.Distribution, error) {
	var parties []*stake.Party
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(distKey(epoch))
		if err != nil {
			return err
		}
		return item.Value(func(data []byte) error {
			return codec.Unmarshal(data, &parties)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading distribution: %w", err)
	}
	return stake.NewDistribution(parties)
}

func certKey(hash []byte) []byte {
	return append(certPrefix[:len(certPrefix):len(certPrefix)], hash...)
}

func distKey(epoch uint64) []byte {
	key := make([]byte, len(distPrefix)+8)
	copy(key, distPrefix)
	binary.BigEndian.PutUint64(key[len(distPrefix):], epoch)
	return key
}
