package subscription

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/coachpo/bookstream/internal/schema"
)

// Op distinguishes subscribe and unsubscribe requests.
type Op string

const (
	// OpSubscribe marks a pending subscribe.
	OpSubscribe Op = "subscribe"
	// OpUnsubscribe marks a pending unsubscribe.
	OpUnsubscribe Op = "unsubscribe"
)

// Pending is the caller's handle on an in-flight request. It resolves exactly once;
// later acknowledgments, timeouts or resets are no-ops.
type Pending struct {
	id     string
	op     Op
	symbol schema.Symbol
	kind   schema.Kind

	once   sync.Once
	done   chan struct{}
	err    error
	chanID int64
}

func newPending(op Op, symbol schema.Symbol, kind schema.Kind) *Pending {
	return &Pending{
		id:     uuid.NewString(),
		op:     op,
		symbol: symbol,
		kind:   kind,
		once:   sync.Once{},
		done:   make(chan struct{}),
		err:    nil,
		chanID: 0,
	}
}

// resolve settles the request and reports whether this call did so.
func (p *Pending) resolve(chanID int64, err error) bool {
	settled := false
	p.once.Do(func() {
		p.chanID = chanID
		p.err = err
		close(p.done)
		settled = true
	})
	return settled
}

// ID returns the request nonce.
func (p *Pending) ID() string { return p.id }

// Op returns the request operation.
func (p *Pending) Op() Op { return p.op }

// Symbol returns the requested symbol.
func (p *Pending) Symbol() schema.Symbol { return p.symbol }

// Kind returns the requested stream kind.
func (p *Pending) Kind() schema.Kind { return p.kind }

// Done is closed once the request settles.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Err returns the settlement error. It is only meaningful after Done is closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// ChannelID returns the acknowledged channel for settled subscribes.
func (p *Pending) ChannelID() int64 {
	select {
	case <-p.done:
		return p.chanID
	default:
		return 0
	}
}

// Wait blocks until the request settles or ctx ends. Giving up leaves the request
// in flight; its eventual outcome is still recorded by the manager.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
