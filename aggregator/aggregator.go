// Package aggregator drives the certificate chain production: it opens a
// signing round per epoch, contributes the local party's lottery
// signatures, seals reached quorums and persists the resulting
// certificates.
package aggregator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dlachaumepalo/mithril/cert"
	"github.com/dlachaumepalo/mithril/crypto/bls"
	"github.com/dlachaumepalo/mithril/gossip"
	"github.com/dlachaumepalo/mithril/round"
	"github.com/dlachaumepalo/mithril/stake"
	"github.com/dlachaumepalo/mithril/stm"
	"github.com/dlachaumepalo/mithril/store"
)

// DistributionFn supplies the registered stake distribution of an epoch.
type DistributionFn func(ctx context.Context, epoch uint64) (*stake.Distribution, error)

// MessageFn supplies the digest to certify for an epoch.
type MessageFn func(ctx context.Context, epoch uint64) ([]byte, error)

// Member is the local signing identity. Nodes without one still relay,
// aggregate and persist, they just never contribute signatures.
type Member struct {
	ID  []byte
	Key bls.PrivateKey
}

// ErrCertificateMismatch is thrown on delivered certificates that do not
// extend the locally persisted chain.
var ErrCertificateMismatch = errors.New("aggregator: certificate does not extend local chain")

// Aggregator produces the everlasting certificate chain, one certificate
// per epoch, broadcasting round traffic over gossip.
type Aggregator struct {
	bro    *gossip.Broadcaster
	rounds *round.Manager
	store  store.Store

	distribution DistributionFn
	message      MessageFn
	member       *Member
	params       stm.Parameters

	roundTimeout time.Duration
	retryDelay   time.Duration

	log    *slog.Logger
	cancel context.CancelFunc
	doneCh chan struct{}
}

// Option configures an [Aggregator].
type Option func(*Aggregator)

// WithRoundTimeout bounds how long an epoch's round may collect before it
// is abandoned and retried.
func WithRoundTimeout(timeout time.Duration) Option {
	return func(a *Aggregator) { a.roundTimeout = timeout }
}

// WithRetryDelay sets the pause after a failed epoch before retrying.
func WithRetryDelay(delay time.Duration) Option {
	return func(a *Aggregator) { a.retryDelay = delay }
}

func NewAggregator(
	bro *gossip.Broadcaster,
	rounds *round.Manager,
	st store.Store,
	distribution DistributionFn,
	message MessageFn,
	member *Member,
	params stm.Parameters,
	opts ...Option,
) *Aggregator {
	a := &Aggregator{
		bro:          bro,
		rounds:       rounds,
		store:        st,
		distribution: distribution,
		message:      message,
		member:       member,
		params:       params,
		roundTimeout: time.Minute,
		retryDelay:   time.Second * 3,
		log:          slog.With("module", "aggregator"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.doneCh = make(chan struct{})
	go a.run(ctx)
	a.log.Debug("started")
}

func (a *Aggregator) Stop() {
	a.cancel()
	<-a.doneCh
}

// run indefinitely produces certificates, one epoch at a time.
func (a *Aggregator) run(ctx context.Context) {
	defer close(a.doneCh)
	for ctx.Err() == nil {
		err := a.runEpoch(ctx)
		if err != nil && ctx.Err() == nil {
			a.log.ErrorContext(ctx, "executing epoch", "reason", err)
			select {
			case <-time.After(a.retryDelay):
			case <-ctx.Done():
			}
		}
	}
}

// runEpoch certifies the epoch following the persisted chain head:
//   - announce the round for the epoch's digest
//   - contribute the local party's signatures
//   - await quorum and seal the certificate linked to the head
//   - persist and disseminate the certificate
func (a *Aggregator) runEpoch(ctx context.Context) error {
	head, err := a.store.Head(ctx)
	if errors.Is(err, store.ErrEmptyStore) {
		return a.bootstrap(ctx)
	}
	if err != nil {
		return err
	}
	epoch := head.Epoch + 1

	digest, err := a.message(ctx, epoch)
	if err != nil {
		return fmt.Errorf("resolving digest for epoch(%d): %w", epoch, err)
	}

	if err = a.bro.AnnounceRound(ctx, epoch, digest); err != nil {
		return fmt.Errorf("announcing round for epoch(%d): %w", epoch, err)
	}
	key := round.NewKey(epoch, digest)
	r, err := a.rounds.GetRound(ctx, key)
	if err != nil {
		return err
	}

	awaitCtx, cancel := context.WithTimeout(ctx, a.roundTimeout)
	defer cancel()
	if err = r.Await(awaitCtx); err != nil {
		return fmt.Errorf("awaiting quorum for epoch(%d): %w", epoch, err)
	}

	prevHash, err := head.Hash()
	if err != nil {
		return err
	}
	now := time.Now()
	c, err := r.Seal(ctx, prevHash)
	if err != nil {
		return fmt.Errorf("sealing round for epoch(%d): %w", epoch, err)
	}
	if err = a.store.SaveCertificate(ctx, c); err != nil {
		return err
	}
	if err = a.bro.BroadcastCertificate(ctx, c); err != nil {
		return err
	}

	a.log.InfoContext(ctx, "certified epoch",
		"epoch", epoch,
		"signatures", len(c.AggSig.Signatures),
		"time", time.Since(now),
	)
	return a.rounds.StopRound(ctx, key)
}

// bootstrap persists and disseminates the trusted genesis certificate of
// an empty store.
func (a *Aggregator) bootstrap(ctx context.Context) error {
	digest, err := a.message(ctx, 0)
	if err != nil {
		return fmt.Errorf("resolving genesis digest: %w", err)
	}
	dist, err := a.distribution(ctx, 0)
	if err != nil {
		return fmt.Errorf("resolving genesis distribution: %w", err)
	}
	if err = a.store.SaveDistribution(ctx, 0, dist); err != nil {
		return err
	}

	genesis := cert.Genesis(0, digest, dist.Commitment())
	if err = a.store.SaveCertificate(ctx, genesis); err != nil {
		return err
	}
	if err = a.bro.BroadcastCertificate(ctx, genesis); err != nil {
		return err
	}
	a.log.InfoContext(ctx, "bootstrapped genesis certificate")
	return nil
}

// HandleAnnouncement opens the announced round and contributes the local
// party's lottery signatures for it. Announcements are idempotent, both
// across the network and between the local driver loop and gossip
// delivery.
func (a *Aggregator) HandleAnnouncement(ctx context.Context, epoch uint64, msgDigest []byte) error {
	dist, err := a.distribution(ctx, epoch)
	if err != nil {
		return fmt.Errorf("resolving distribution for epoch(%d): %w", epoch, err)
	}
	if err = a.store.SaveDistribution(ctx, epoch, dist); err != nil {
		return err
	}

	r, err := a.rounds.StartRound(ctx, epoch, msgDigest, dist, a.params)
	if err != nil {
		return fmt.Errorf("starting round for epoch(%d): %w", epoch, err)
	}

	if a.member == nil {
		return nil
	}
	stats, err := r.Stats(ctx)
	if err != nil || stats.Status != round.StatusIdle {
		// the round was already running, our signatures are in flight
		return err
	}

	sigs, err := stm.Sign(a.member.ID, a.member.Key, dist, msgDigest, a.params)
	switch {
	case errors.Is(err, stm.ErrNotAMember):
		return nil
	case err != nil:
		return fmt.Errorf("signing for epoch(%d): %w", epoch, err)
	}

	// delivery contexts are short-lived, broadcasting outlives them
	bctx := context.WithoutCancel(ctx)
	go func() {
		err := a.bro.BroadcastSignatures(bctx, epoch, msgDigest, sigs)
		if err != nil {
			a.log.ErrorContext(ctx, "broadcasting signatures", "epoch", epoch, "reason", err)
		}
	}()
	return nil
}

// HandleCertificate verifies a delivered certificate and persists it when
// it extends the local chain. Re-deliveries of certificates already held
// are absorbed silently.
func (a *Aggregator) HandleCertificate(ctx context.Context, c *cert.Certificate) error {
	hash, err := c.Hash()
	if err != nil {
		return err
	}
	if _, err := a.store.Certificate(ctx, hash); err == nil {
		return nil
	}

	head, err := a.store.Head(ctx)
	switch {
	case errors.Is(err, store.ErrEmptyStore):
		if !c.IsGenesis() {
			return fmt.Errorf("%w: no genesis", ErrCertificateMismatch)
		}
	case err != nil:
		return err
	default:
		headHash, err := head.Hash()
		if err != nil {
			return err
		}
		if !bytes.Equal(c.PrevHash, headHash) {
			return fmt.Errorf("%w: epoch %d", ErrCertificateMismatch, c.Epoch)
		}
		if c.AggSig == nil {
			return fmt.Errorf("%w: missing aggregate for epoch %d", ErrCertificateMismatch, c.Epoch)
		}
		if err = c.AggSig.Verify(c.Commitment, c.MessageDigest, a.params); err != nil {
			return fmt.Errorf("verifying certificate for epoch(%d): %w", c.Epoch, err)
		}
	}

	if err = a.store.SaveCertificate(ctx, c); err != nil {
		return err
	}
	a.log.DebugContext(ctx, "persisted delivered certificate", "epoch", c.Epoch)
	return nil
}
