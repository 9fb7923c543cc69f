// Package lifecycle drives donations through Available, Requested, Delivered and
// Closed. Every transition is a conditional write on the current status, so
// concurrent requests for one donation serialize in the store without locks.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/vionex/impact/impact/pkg/domain"
	"github.com/vionex/impact/impact/pkg/metrics"
	"github.com/vionex/impact/impact/pkg/store"
)

var (
	ErrInvalidState  = errors.New("invalid donation state")
	ErrAlreadyClosed = errors.New("donation already closed")
)

type Config struct {
	Logger *slog.Logger
	Store  store.Store
	Clock  clockwork.Clock
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type Manager struct {
	log   *slog.Logger
	store store.Store
	clock clockwork.Clock
}

func New(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{log: cfg.Logger, store: cfg.Store, clock: cfg.Clock}, nil
}

type CreateParams struct {
	DonorID      string
	MedicineName string
	Quantity     int64
	ExpiryDate   *time.Time
}

// Create registers a new Available donation for an existing donor.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*domain.Donation, error) {
	if strings.TrimSpace(p.MedicineName) == "" {
		return nil, fmt.Errorf("%w: medicine name is required", domain.ErrInvalidInput)
	}
	if p.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidInput)
	}
	if _, err := m.store.GetDonor(ctx, p.DonorID); err != nil {
		return nil, err
	}

	now := m.clock.Now().UTC()
	d := &domain.Donation{
		ID:           uuid.NewString(),
		DonorID:      p.DonorID,
		MedicineName: strings.TrimSpace(p.MedicineName),
		Quantity:     p.Quantity,
		ExpiryDate:   p.ExpiryDate,
		Status:       domain.StatusAvailable,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.CreateDonation(ctx, d); err != nil {
		return nil, err
	}
	m.log.Info("lifecycle: donation created", "donation_id", d.ID, "donor_id", d.DonorID)
	return d, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*domain.Donation, error) {
	return m.store.GetDonation(ctx, id)
}

// Claim moves an Available donation to Requested for ngoID. An empty requestToken is
// replaced with a generated one.
func (m *Manager) Claim(ctx context.Context, id, ngoID, requestToken string) (d *domain.Donation, err error) {
	defer track(domain.OpClaim, &err)
	if ngoID == "" {
		return nil, fmt.Errorf("%w: ngo id is required", domain.ErrInvalidInput)
	}
	if _, err := m.store.GetNGO(ctx, ngoID); err != nil {
		return nil, err
	}
	if requestToken == "" {
		requestToken = uuid.NewString()
	}

	from, to, _ := domain.Transition(domain.OpClaim)
	d, err = m.store.UpdateDonationIf(ctx, id, from, func(d *domain.Donation) {
		now := m.clock.Now().UTC()
		d.Status = to
		d.NGOID = ngoID
		d.RequestToken = requestToken
		d.RequestedAt = &now
		d.UpdatedAt = now
	})
	if errors.Is(err, store.ErrConflict) {
		return d, fmt.Errorf("%w: cannot claim donation %s in status %s", ErrInvalidState, id, d.Status)
	}
	if err != nil {
		return nil, err
	}
	m.log.Info("lifecycle: donation claimed", "donation_id", id, "ngo_id", ngoID)
	return d, nil
}

// ConfirmDelivery moves a Requested donation to Delivered. Confirming a donation that
// is already Delivered or Closed succeeds with changed=false.
func (m *Manager) ConfirmDelivery(ctx context.Context, id string) (d *domain.Donation, changed bool, err error) {
	defer track(domain.OpConfirmDelivery, &err)
	from, to, _ := domain.Transition(domain.OpConfirmDelivery)

	d, err = m.store.UpdateDonationIf(ctx, id, from, func(d *domain.Donation) {
		now := m.clock.Now().UTC()
		d.Status = to
		d.ConfirmedAt = &now
		d.UpdatedAt = now
	})
	if errors.Is(err, store.ErrConflict) {
		if d.Status.Rank() >= to.Rank() {
			m.log.Debug("lifecycle: delivery already confirmed", "donation_id", id, "status", d.Status)
			return d, false, nil
		}
		return d, false, fmt.Errorf("%w: cannot confirm delivery of donation %s in status %s", ErrInvalidState, id, d.Status)
	}
	if err != nil {
		return nil, false, err
	}
	m.log.Info("lifecycle: delivery confirmed", "donation_id", id)
	return d, true, nil
}

// RecordFeedback closes a Delivered donation with outcome. The caller that closes it
// also receives the pending ledger claim for its impact log. On a donation that is
// already Closed it returns the closed donation together with ErrAlreadyClosed.
func (m *Manager) RecordFeedback(ctx context.Context, id string, outcome domain.Outcome) (d *domain.Donation, err error) {
	defer track(domain.OpRecordFeedback, &err)
	if !outcome.Valid() {
		return nil, fmt.Errorf("%w: unknown outcome %q", domain.ErrInvalidInput, outcome)
	}
	from, to, _ := domain.Transition(domain.OpRecordFeedback)

	d, err = m.store.UpdateDonationIf(ctx, id, from, func(d *domain.Donation) {
		now := m.clock.Now().UTC().Truncate(time.Microsecond)
		d.Status = to
		d.Outcome = outcome
		d.FeedbackAt = &now
		d.UpdatedAt = now
		d.Ledger = domain.LedgerClaim{State: domain.LedgerPending, Token: uuid.NewString(), ClaimedAt: &now}
	})
	if errors.Is(err, store.ErrConflict) {
		if d.Status == domain.StatusClosed {
			return d, fmt.Errorf("%w: donation %s closed with %s feedback", ErrAlreadyClosed, id, d.Outcome)
		}
		return d, fmt.Errorf("%w: cannot record feedback for donation %s in status %s", ErrInvalidState, id, d.Status)
	}
	if err != nil {
		return nil, err
	}
	m.log.Info("lifecycle: feedback recorded", "donation_id", id, "outcome", outcome)
	return d, nil
}

func track(op domain.Operation, errp *error) {
	status := "success"
	switch {
	case *errp == nil:
	case errors.Is(*errp, ErrInvalidState), errors.Is(*errp, ErrAlreadyClosed):
		status = "rejected"
	default:
		status = "error"
	}
	metrics.DonationTransitionsTotal.WithLabelValues(string(op), status).Inc()
}
