// Package store persists issued certificates and epoch stake distributions.
package store

import (
	"context"
	"errors"

	"github.com/dlachaumepalo/mithril/cert"
	"github.com/dlachaumepalo/mithril/stake"
)

var (
	// ErrNotFound is thrown on lookups for records a store does not hold.
	ErrNotFound = errors.New("store: not found")
	// ErrEmptyStore is thrown when the chain head is requested from a
	// store without any certificate.
	ErrEmptyStore = errors.New("store: no certificates")
)

// CertificateStore keeps the hash-linked certificate chain. Saving a
// certificate advances the head, so certificates must be saved in chain
// order, genesis first.
type CertificateStore interface {
	// SaveCertificate persists the certificate and points the chain head
	// at it.
	SaveCertificate(context.Context, *cert.Certificate) error
	// Certificate looks a certificate up by its hash.
	Certificate(context.Context, []byte) (*cert.Certificate, error)
	// Head returns the latest saved certificate.
	Head(context.Context) (*cert.Certificate, error)
	// Chain walks the previous-hash links from the head down to genesis
	// and returns the full chain in genesis-first order.
	Chain(context.Context) ([]*cert.Certificate, error)
}

// DistributionStore keeps the registered stake distribution of each epoch.
type DistributionStore interface {
	SaveDistribution(context.Context, uint64, *stake.Distribution) error
	Distribution(context.Context, uint64) (*stake.Distribution, error)
}

// Store combines certificate and distribution persistence behind one
// handle.
type Store interface {
	CertificateStore
	DistributionStore
}
