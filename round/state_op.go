package round

import (
	"github.com/dlachaumepalo/mithril/cert"
	"github.com/dlachaumepalo/mithril/stm"
)

// defines types of state machine operations
type stateOpKind uint8

const (
	admitOp stateOpKind = iota
	rejectOp
	statsOp
	sealOp
	certOp
)

// stateOp defines operations on the Round state machine
type stateOp struct {
	kind   stateOpKind
	doneCh chan any

	// request data:
	sig      *stm.IndividualSignature // admitOp
	prevHash []byte                   // sealOp

	// response data:
	err   error             // admitOp, rejectOp, sealOp
	stats Stats             // statsOp
	cert  *cert.Certificate // sealOp, certOp
}

// newStateOp allocates a fresh op. Ops must not be reused: a caller can
// abandon its op while still queued, leaving a stale completion in doneCh.
func newStateOp(kind stateOpKind) *stateOp {
	return &stateOp{kind: kind, doneCh: make(chan any, 1)}
}

// SetStats sets the stats snapshot on the operation
// and notifies that operation has been done.
func (op *stateOp) SetStats(stats Stats) {
	op.stats = stats
	op.doneCh <- stats
}

// SetCertificate sets the certificate result on the operation
// and notifies that operation has been done.
func (op *stateOp) SetCertificate(c *cert.Certificate) {
	op.cert = c
	op.doneCh <- c
}

// SetError sets error result on the operation
// and notifies that operation has been done.
func (op *stateOp) SetError(err error) {
	op.err = err
	op.doneCh <- err
}
