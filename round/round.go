// Package round drives signature collection for one (epoch, message) pair
// to quorum and certificate issuance.
package round

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/dlachaumepalo/mithril/cert"
	"github.com/dlachaumepalo/mithril/stake"
	"github.com/dlachaumepalo/mithril/stm"
)

const stateOperationsChannelSize = 32

var (
	// ErrClosedRound singles that a Round is accessed after being closed.
	ErrClosedRound = errors.New("round: closed round access")
	// ErrNotReady is thrown when sealing is attempted before quorum.
	ErrNotReady = errors.New("round: quorum not reached")
	// ErrNoCertificate is thrown when the certificate is requested before
	// the Round was sealed.
	ErrNoCertificate = errors.New("round: no certificate issued")
)

// Status of a Round's collection state machine.
type Status uint8

const (
	// StatusIdle means no valid signature has been admitted yet.
	StatusIdle Status = iota
	// StatusCollecting means at least one valid signature was admitted
	// and quorum has not been reached.
	StatusCollecting
	// StatusReady means the distinct won-index count reached k.
	StatusReady
	// StatusClosed is terminal: reached by issuing a certificate or by
	// abandoning the Round. A Round never re-opens.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusCollecting:
		return "collecting"
	case StatusReady:
		return "ready"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Key identifies a Round by the epoch and the digest of the signed message.
// Rounds with different Keys are fully independent.
type Key struct {
	Epoch  uint64
	Digest string
}

// NewKey builds the Key for a message within an epoch.
func NewKey(epoch uint64, msg []byte) Key {
	digest := sha256.Sum256(msg)
	return Key{Epoch: epoch, Digest: hex.EncodeToString(digest[:])}
}

// Stats is a snapshot of a Round's collection state.
type Stats struct {
	// Status of the state machine at snapshot time.
	Status Status
	// Admitted counts valid admitted signatures.
	Admitted int
	// Rejected counts signatures rejected on validation.
	Rejected int
	// DistinctIndices counts the distinct won indices covered so far.
	DistinctIndices int
}

// Round maintains the transient collection state for one (epoch, message)
// pair. All state lives behind a single-threaded event loop guarding it
// from concurrent access; signature validation happens outside of it, so
// the critical section only applies validated results.
//
// A Round issues at most one certificate. It is destroyed (stopped) once
// the certificate is produced or the round is abandoned.
type Round struct {
	key    Key
	msg    []byte
	dist   *stake.Distribution
	params stm.Parameters

	// the actual state of the Round, owned by stateLoop
	status   Status
	sigs     []stm.IndividualSignature
	indices  map[uint64]struct{}
	bySigner map[string]map[uint64]struct{}
	rejected int
	cert     *cert.Certificate

	// channel for operation submission to be executed
	stateOpCh chan *stateOp
	// closed by stateLoop the moment quorum is reached
	readyCh chan struct{}

	// signalling for graceful shutdown
	closeCh, closedCh chan struct{}
}

// NewRound instantiates the collection state machine for msg under the
// given epoch's distribution. Parameter validation failures are fatal to
// the construction and never retried.
func NewRound(key Key, msg []byte, dist *stake.Distribution, params stm.Parameters) (*Round, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if dist == nil {
		return nil, errors.New("round: nil distribution")
	}

	r := &Round{
		key:       key,
		msg:       msg,
		dist:      dist,
		params:    params,
		status:    StatusIdle,
		indices:   make(map[uint64]struct{}),
		bySigner:  make(map[string]map[uint64]struct{}),
		stateOpCh: make(chan *stateOp, stateOperationsChannelSize),
		readyCh:   make(chan struct{}),
		closeCh:   make(chan struct{}),
		closedCh:  make(chan struct{}),
	}
	go r.stateLoop()
	return r, nil
}

// Key returns the Round's identifying key.
func (r *Round) Key() Key { return r.key }

// Message returns the message the Round collects signatures over.
func (r *Round) Message() []byte { return r.msg }

// Admit validates the given signature and applies it to the Round state.
// Validation is pure and runs outside the Round's critical section, so
// concurrent admissions only serialize on the state update itself.
//
// Admission is idempotent: a signature for a (signer, index) pair already
// held changes nothing. Invalid signatures are rejected with the
// validation failure and counted, never advancing state.
func (r *Round) Admit(ctx context.Context, sig stm.IndividualSignature) error {
	if err := stm.VerifyIndividual(&sig, r.dist.Commitment(), r.msg, r.params); err != nil {
		op := newStateOp(rejectOp)
		if opErr := r.execOp(ctx, op); opErr != nil {
			return errors.Join(err, opErr)
		}
		return err
	}

	op := newStateOp(admitOp)
	op.sig = &sig
	return r.execOp(ctx, op)
}

func (r *Round) stateAdmit(op *stateOp) {
	if r.status == StatusClosed {
		op.SetError(ErrClosedRound)
		return
	}

	sig := op.sig
	signer := string(sig.Signer())
	if _, ok := r.bySigner[signer][sig.Index]; ok {
		// resubmission, idempotent no-op
		op.SetError(nil)
		return
	}
	if r.bySigner[signer] == nil {
		r.bySigner[signer] = make(map[uint64]struct{})
	}
	r.bySigner[signer][sig.Index] = struct{}{}
	r.sigs = append(r.sigs, *sig)
	r.indices[sig.Index] = struct{}{}

	if r.status == StatusIdle {
		r.status = StatusCollecting
	}
	// late arrivals after Ready are accepted for record keeping only,
	// they must not re-trigger the transition
	if r.status == StatusCollecting && uint64(len(r.indices)) >= r.params.K {
		r.status = StatusReady
		close(r.readyCh)
	}
	op.SetError(nil)
}

func (r *Round) stateReject(op *stateOp) {
	r.rejected++
	op.SetError(nil)
}

// Stats returns a snapshot of the Round's collection state.
func (r *Round) Stats(ctx context.Context) (Stats, error) {
	op := newStateOp(statsOp)
	if err := r.execOp(ctx, op); err != nil {
		return Stats{}, err
	}
	return op.stats, nil
}

func (r *Round) stateStats(op *stateOp) {
	op.SetStats(Stats{
		Status:          r.status,
		Admitted:        len(r.sigs),
		Rejected:        r.rejected,
		DistinctIndices: len(r.indices),
	})
}

// Await blocks until the Round reaches quorum. It returns [ErrClosedRound]
// if the Round closes before quorum, giving awaiting callers a terminal
// status.
func (r *Round) Await(ctx context.Context) error {
	select {
	case <-r.readyCh:
		return nil
	case <-r.closedCh:
		return ErrClosedRound
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Seal aggregates the admitted signatures and issues the Round's
// Certificate linked to prevHash, transitioning Ready to Closed. At most
// one certificate is issued per Round: repeated calls return the already
// issued certificate, so concurrent quorum observers cannot trigger
// overlapping aggregations. Fails with [ErrNotReady] before quorum.
func (r *Round) Seal(ctx context.Context, prevHash []byte) (*cert.Certificate, error) {
	op := newStateOp(sealOp)
	op.prevHash = prevHash
	if err := r.execOp(ctx, op); err != nil {
		return nil, err
	}
	return op.cert, nil
}

func (r *Round) stateSeal(op *stateOp) {
	if r.cert != nil {
		op.SetCertificate(r.cert)
		return
	}
	if r.status != StatusReady {
		op.SetError(fmt.Errorf("%w: status %s", ErrNotReady, r.status))
		return
	}

	agg, err := stm.Aggregate(r.sigs, r.params)
	if err != nil {
		op.SetError(err)
		return
	}

	r.cert = cert.Issue(r.key.Epoch, r.msg, agg, r.dist.Commitment(), op.prevHash)
	r.status = StatusClosed
	op.SetCertificate(r.cert)
}

// Certificate returns the certificate issued by the Round, or
// [ErrNoCertificate] if the Round was not sealed.
func (r *Round) Certificate(ctx context.Context) (*cert.Certificate, error) {
	op := newStateOp(certOp)
	if err := r.execOp(ctx, op); err != nil {
		return nil, err
	}
	if op.cert == nil {
		return nil, ErrNoCertificate
	}
	return op.cert, nil
}

func (r *Round) stateCertificate(op *stateOp) {
	op.SetCertificate(r.cert)
}

// Stop closes the Round, abandoning it if no certificate was issued:
// held signatures are released and all further admissions are refused.
// It ensures all the in-progress state operations are completed before
// termination, allowing early cancellation through context.
func (r *Round) Stop(ctx context.Context) error {
	select {
	case <-r.closeCh:
		return ErrClosedRound
	default:
	}

	close(r.closeCh)
	select {
	case <-r.closedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execOp submits operation for execution by stateLoop and awaits for its completion
// It permits submission until closedCh is closed or context is cancelled, even after closing is
// triggered. This allows some "last-minute" operations to "squeeze in" before Round fully finishes.
func (r *Round) execOp(ctx context.Context, op *stateOp) error {
	select {
	case r.stateOpCh <- op:
	case <-r.closedCh:
		return ErrClosedRound
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-op.doneCh:
		return op.err
	case <-r.closedCh:
		return ErrClosedRound
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stateLoop is an event loop performing state operations on the round
// and ensures access to the collection state is single-threaded
func (r *Round) stateLoop() {
	doOp := func(op *stateOp) {
		switch op.kind {
		case admitOp:
			r.stateAdmit(op)
		case rejectOp:
			r.stateReject(op)
		case statsOp:
			r.stateStats(op)
		case sealOp:
			r.stateSeal(op)
		case certOp:
			r.stateCertificate(op)
		default:
			panic("unknown operation type")
		}
	}

	defer func() {
		// this mechanism ensures we drain the channel
		// and execute all the pending ops before we fully close
		for {
			select {
			case op := <-r.stateOpCh:
				doOp(op)
			default:
				// abandoned rounds release their held signatures
				r.status = StatusClosed
				r.sigs = nil
				close(r.closedCh)
				return
			}
		}
	}()

	for {
		select {
		case op := <-r.stateOpCh:
			doOp(op)
		case <-r.closeCh:
			return
		}
	}
}
