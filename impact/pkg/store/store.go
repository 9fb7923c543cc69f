// Package store persists donations, donor and NGO profiles, reward awards and the
// off-chain mirror of ledger entries. Postgres backs production; Memory backs tests and
// local development.
package store

import (
	"context"
	"errors"

	"github.com/vionex/impact/impact/pkg/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write loses to existing data: a status that moved
	// under a conditional update, or a unique key already taken.
	ErrConflict = errors.New("conflict")
)

// PutMode selects overwrite or insert-if-absent semantics for keyed writes.
type PutMode int

const (
	PutOverwrite PutMode = iota
	PutInsertIfAbsent
)

func (m PutMode) String() string {
	if m == PutInsertIfAbsent {
		return "insert_if_absent"
	}
	return "overwrite"
}

// Page bounds a list query.
type Page struct {
	Limit  int
	Offset int
}

type Store interface {
	Ping(ctx context.Context) error

	CreateDonation(ctx context.Context, d *domain.Donation) error
	GetDonation(ctx context.Context, id string) (*domain.Donation, error)
	ListDonationsByDonor(ctx context.Context, donorID string) ([]domain.Donation, error)
	// UpdateDonationIf applies fn and writes the result only if the donation is still in
	// status from. When it is not, the current donation is returned with ErrConflict.
	UpdateDonationIf(ctx context.Context, id string, from domain.Status, fn func(*domain.Donation)) (*domain.Donation, error)
	// SwapLedgerClaim replaces the ledger claim of a Closed donation only if the stored
	// claim still has expect's state and token. When it does not, the current donation
	// is returned with ErrConflict.
	SwapLedgerClaim(ctx context.Context, id string, expect, next domain.LedgerClaim) (*domain.Donation, error)

	PutDonor(ctx context.Context, d *domain.Donor, mode PutMode) error
	GetDonor(ctx context.Context, id string) (*domain.Donor, error)
	GetDonorByEmail(ctx context.Context, email string) (*domain.Donor, error)
	PutNGO(ctx context.Context, n *domain.NGO, mode PutMode) error
	GetNGO(ctx context.Context, id string) (*domain.NGO, error)
	GetNGOByEmail(ctx context.Context, email string) (*domain.NGO, error)

	// AwardPoints adds amount to the donor's balance once per donation. It reports
	// whether this call awarded and the resulting balance.
	AwardPoints(ctx context.Context, donorID, donationID string, amount int64) (bool, int64, error)

	// PutImpactLog reports whether a row was written. Under PutInsertIfAbsent an
	// existing row with the same signature is left untouched.
	PutImpactLog(ctx context.Context, l *domain.ImpactLog, mode PutMode) (bool, error)
	GetImpactLog(ctx context.Context, signature string) (*domain.ImpactLog, error)
	GetImpactLogByDonation(ctx context.Context, donationID string) (*domain.ImpactLog, error)
	// AdoptImpactLog links the lowest-counter impact log that has no donation and
	// carries these entry fields to donationID. ErrNotFound when none matches.
	AdoptImpactLog(ctx context.Context, donationID, medicine string, quantity uint64, ts int64) (*domain.ImpactLog, error)
	GetImpactLogByCounter(ctx context.Context, counter uint64) (*domain.ImpactLog, error)
	ListImpactLogs(ctx context.Context, page Page) ([]domain.ImpactLog, int, error)
	// MirroredCounters returns the mirrored counter values in [from, to).
	MirroredCounters(ctx context.Context, from, to uint64) (map[uint64]struct{}, error)
}
