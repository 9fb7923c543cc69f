// Package ledgertest provides an in-memory impact ledger that enforces the program's
// account constraints, for tests that need realistic append races.
package ledgertest

import (
	"context"
	"crypto/rand"
	"fmt"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/vionex/impact/ledger/pkg/client"
	"github.com/vionex/impact/ledger/pkg/program"
	"github.com/vionex/impact/ledger/pkg/slot"
)

// Entry is one committed append.
type Entry struct {
	CounterValue uint64
	Slot         slot.Address
	Signature    solana.Signature
	Impact       program.Impact
}

// Ledger behaves like the on-chain program: an append commits only when its slot is the
// one derived from the current counter value, and the counter then advances by one.
type Ledger struct {
	mu          sync.Mutex
	programID   solana.PublicKey
	initialized bool
	counter     uint64
	entries     map[uint64]Entry
	bySig       map[solana.Signature]uint64
	failed      map[solana.Signature]struct{}
	submissions int

	// OnReadCounter runs after the counter is read, outside the lock.
	OnReadCounter func(ctx context.Context, value uint64)
	// BeforeSubmit can fail an append before it reaches the ledger.
	BeforeSubmit func(ctx context.Context, req client.AppendRequest) error
	// AfterCommit can turn a committed append into an error seen by the caller, as when
	// confirmation is lost in transit.
	AfterCommit func(ctx context.Context, req client.AppendRequest, sig solana.Signature) error
}

// New returns an initialized ledger whose counter starts at start.
func New(programID solana.PublicKey, start uint64) *Ledger {
	return &Ledger{
		programID:   programID,
		initialized: true,
		counter:     start,
		entries:     make(map[uint64]Entry),
		bySig:       make(map[solana.Signature]uint64),
		failed:      make(map[solana.Signature]struct{}),
	}
}

// NewUninitialized returns a ledger whose counter account does not exist yet.
func NewUninitialized(programID solana.PublicKey) *Ledger {
	l := New(programID, 0)
	l.initialized = false
	return l
}

func (l *Ledger) ProgramID() solana.PublicKey { return l.programID }

func (l *Ledger) InitializeCounter(context.Context) (solana.Signature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.initialized {
		return solana.Signature{}, fmt.Errorf("%w: counter account already in use", client.ErrRejected)
	}
	l.initialized = true
	return newSignature(), nil
}

func (l *Ledger) ReadCounter(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	initialized, value := l.initialized, l.counter
	l.mu.Unlock()

	if !initialized {
		return 0, client.ErrCounterNotFound
	}
	if l.OnReadCounter != nil {
		l.OnReadCounter(ctx, value)
	}
	return value, nil
}

func (l *Ledger) SubmitAppend(ctx context.Context, req client.AppendRequest) (solana.Signature, error) {
	if err := ctx.Err(); err != nil {
		return solana.Signature{}, err
	}
	if l.BeforeSubmit != nil {
		if err := l.BeforeSubmit(ctx, req); err != nil {
			return solana.Signature{}, err
		}
	}
	if err := req.Entry.Validate(); err != nil {
		return solana.Signature{}, fmt.Errorf("%w: %w", client.ErrRejected, err)
	}

	sig := newSignature()

	l.mu.Lock()
	l.submissions++
	if !l.initialized {
		l.mu.Unlock()
		return solana.Signature{}, client.ErrCounterNotFound
	}
	expected, err := slot.SlotAddress(l.programID, l.counter)
	if err != nil {
		l.mu.Unlock()
		return solana.Signature{}, err
	}
	if req.Slot.PublicKey != expected.PublicKey {
		l.failed[sig] = struct{}{}
		current := l.counter
		l.mu.Unlock()
		return sig, fmt.Errorf("%w: slot %s does not match counter %d", client.ErrSlotOccupied, req.Slot, current)
	}
	l.entries[l.counter] = Entry{
		CounterValue: l.counter,
		Slot:         expected,
		Signature:    sig,
		Impact:       program.Impact(req.Entry),
	}
	l.bySig[sig] = l.counter
	l.counter++
	l.mu.Unlock()

	if l.AfterCommit != nil {
		if err := l.AfterCommit(ctx, req, sig); err != nil {
			return sig, err
		}
	}
	return sig, nil
}

func (l *Ledger) SignatureStatus(_ context.Context, sig solana.Signature) (client.SignatureStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.bySig[sig]; ok {
		return client.SignatureLanded, nil
	}
	if _, ok := l.failed[sig]; ok {
		return client.SignatureFailed, nil
	}
	return client.SignatureUnknown, nil
}

func (l *Ledger) FetchImpact(_ context.Context, addr solana.PublicKey) (*program.Impact, error) {
	e, ok := l.entryByAddress(addr)
	if !ok {
		return nil, client.ErrAccountNotFound
	}
	impact := e.Impact
	return &impact, nil
}

func (l *Ledger) CreationSignature(_ context.Context, addr solana.PublicKey) (solana.Signature, error) {
	e, ok := l.entryByAddress(addr)
	if !ok {
		return solana.Signature{}, client.ErrAccountNotFound
	}
	return e.Signature, nil
}

func (l *Ledger) entryByAddress(addr solana.PublicKey) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Slot.PublicKey == addr {
			return e, true
		}
	}
	return Entry{}, false
}

// Counter returns the current counter value.
func (l *Ledger) Counter() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counter
}

// Submissions counts appends that reached the ledger, committed or not.
func (l *Ledger) Submissions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submissions
}

// Entries returns committed entries ordered by counter value.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CounterValue < out[j].CounterValue })
	return out
}

// Entry returns the entry committed with sig.
func (l *Ledger) Entry(sig solana.Signature) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.bySig[sig]
	if !ok {
		return Entry{}, false
	}
	return l.entries[n], true
}

func newSignature() solana.Signature {
	var sig solana.Signature
	_, _ = rand.Read(sig[:])
	return sig
}
