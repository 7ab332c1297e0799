package round

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dlachaumepalo/mithril/cert"
	"github.com/dlachaumepalo/mithril/stake"
	"github.com/dlachaumepalo/mithril/stm"
)

var (
	// ErrElapsedEpoch is thrown when a requested epoch was already passed
	// by the [Manager].
	ErrElapsedEpoch = errors.New("round: elapsed epoch")
	// ErrUnknownRound is thrown on a lookup for a Round the [Manager]
	// does not hold.
	ErrUnknownRound = errors.New("round: unknown round")
)

// Manager registers and manages lifecycles for every new [Round].
// Rounds are keyed by (epoch, message digest) and fully independent of one
// another. Crossing an epoch boundary abandons every Round of the elapsed
// epochs that has not issued a certificate yet.
//
// It also provides a simple subscription mechanism in [Manager.GetRound]
// operations which are fulfilled with [Manager.StartRound].
type Manager struct {
	roundsMu    sync.Mutex
	rounds      map[Key]*Round
	roundSubs   map[Key]map[chan *Round]struct{}
	latestEpoch uint64

	log *slog.Logger
}

// NewManager instantiates a new [Manager].
func NewManager() *Manager {
	return &Manager{
		rounds:    make(map[Key]*Round),
		roundSubs: make(map[Key]map[chan *Round]struct{}),
		log:       slog.With("module", "rounds"),
	}
}

// StartRound instantiates a new [Round] for msg under the given epoch's
// distribution, notifying all the [Manager.GetRound] waiters. Starting a
// Round for an epoch above the latest seen abandons all Rounds of elapsed
// epochs. Fails with [ErrElapsedEpoch] for epochs already passed.
func (m *Manager) StartRound(ctx context.Context, epoch uint64, msg []byte, dist *stake.Distribution, params stm.Parameters) (*Round, error) {
	m.roundsMu.Lock()
	defer m.roundsMu.Unlock()

	if epoch < m.latestEpoch {
		return nil, fmt.Errorf("%w: %d, latest %d", ErrElapsedEpoch, epoch, m.latestEpoch)
	}

	key := NewKey(epoch, msg)
	if r, ok := m.rounds[key]; ok {
		return r, nil
	}

	if epoch > m.latestEpoch {
		// epoch boundary: abandon rounds of all elapsed epochs
		for k, r := range m.rounds {
			if k.Epoch >= epoch {
				continue
			}
			if err := m.stopRound(ctx, r); err != nil {
				return nil, err
			}
			delete(m.rounds, k)
		}
		m.latestEpoch = epoch
	}

	r, err := NewRound(key, msg, dist, params)
	if err != nil {
		return nil, err
	}

	// notify all the subscribers waiting for this round
	subs, ok := m.roundSubs[key]
	if ok {
		for sub := range subs {
			sub <- r // subs are always buffered, so this won't block
		}
		delete(m.roundSubs, key)
	}

	m.rounds[key] = r
	m.log.Debug("started round", "epoch", epoch, "digest", key.Digest)
	return r, nil
}

// GetRound gets [Round] from local map by the key or subscribes for the
// [Round] to come, if not found.
func (m *Manager) GetRound(ctx context.Context, key Key) (*Round, error) {
	m.roundsMu.Lock()
	if key.Epoch < m.latestEpoch {
		m.roundsMu.Unlock()
		return nil, fmt.Errorf("%w: %d, latest %d", ErrElapsedEpoch, key.Epoch, m.latestEpoch)
	}

	r, ok := m.rounds[key]
	if ok {
		m.roundsMu.Unlock()
		return r, nil
	}

	subs, ok := m.roundSubs[key]
	if !ok {
		subs = make(map[chan *Round]struct{})
		m.roundSubs[key] = subs
	}

	sub := make(chan *Round, 1)
	subs[sub] = struct{}{}
	m.roundsMu.Unlock()

	select {
	case resp, ok := <-sub:
		if !ok {
			return nil, ErrElapsedEpoch
		}
		return resp, nil
	case <-ctx.Done():
		// no need to keep the request, if the caller has canceled
		m.roundsMu.Lock()
		delete(subs, sub)
		if len(subs) == 0 {
			delete(m.roundSubs, key)
		}
		m.roundsMu.Unlock()
		return nil, ctx.Err()
	}
}

// Admit validates the signature and applies it to the Round with the given
// key, waiting for the Round to start if necessary. This is the entrypoint
// for transports delivering signatures from remote parties: deliveries may
// come out of order, late or duplicated and are absorbed by the Round's
// idempotent admission.
func (m *Manager) Admit(ctx context.Context, key Key, sig stm.IndividualSignature) error {
	r, err := m.GetRound(ctx, key)
	if err != nil {
		return err
	}
	return r.Admit(ctx, sig)
}

// CurrentStatus snapshots the collection state of the Round with the given
// key. Fails with [ErrUnknownRound] if no such Round is registered.
func (m *Manager) CurrentStatus(ctx context.Context, key Key) (Stats, error) {
	m.roundsMu.Lock()
	r, ok := m.rounds[key]
	m.roundsMu.Unlock()
	if !ok {
		return Stats{}, ErrUnknownRound
	}
	return r.Stats(ctx)
}

// IssuedCertificate returns the certificate issued by the Round with the
// given key, [ErrNoCertificate] if the Round has not sealed one, or
// [ErrUnknownRound] if no such Round is registered.
func (m *Manager) IssuedCertificate(ctx context.Context, key Key) (*cert.Certificate, error) {
	m.roundsMu.Lock()
	r, ok := m.rounds[key]
	m.roundsMu.Unlock()
	if !ok {
		return nil, ErrUnknownRound
	}
	return r.Certificate(ctx)
}

// StopRound stops and deregisters the [Round] with the given key.
func (m *Manager) StopRound(ctx context.Context, key Key) error {
	m.roundsMu.Lock()
	defer m.roundsMu.Unlock()

	r, ok := m.rounds[key]
	if !ok {
		return ErrUnknownRound
	}
	if err := m.stopRound(ctx, r); err != nil {
		return err
	}
	delete(m.rounds, key)
	return nil
}

// Stop stops all the registered instances of [Round] and terminates.
func (m *Manager) Stop(ctx context.Context) error {
	// lock manager fully and prevent any other action on Rounds while we stop
	m.roundsMu.Lock()
	defer m.roundsMu.Unlock()

	for key, r := range m.rounds {
		if err := m.stopRound(ctx, r); err != nil {
			return err
		}
		delete(m.rounds, key)
	}
	// cancel all pending subscriptions
	for key, subs := range m.roundSubs {
		for sub := range subs {
			close(sub)
		}
		delete(m.roundSubs, key)
	}
	return nil
}

func (m *Manager) stopRound(ctx context.Context, r *Round) error {
	err := r.Stop(ctx)
	if err != nil && !errors.Is(err, ErrClosedRound) {
		return err
	}
	m.log.Debug("stopped round", "epoch", r.key.Epoch, "digest", r.key.Digest, "status", StatusClosed)
	return nil
}
