// Package rewards credits donors for positively received donations.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vionex/impact/impact/pkg/domain"
	"github.com/vionex/impact/impact/pkg/metrics"
)

// PointsPerPositiveFeedback is credited once for each donation closed with positive
// feedback.
const PointsPerPositiveFeedback = 10

// Store is the slice of the record store the ledger needs.
type Store interface {
	AwardPoints(ctx context.Context, donorID, donationID string, amount int64) (bool, int64, error)
	GetDonor(ctx context.Context, id string) (*domain.Donor, error)
}

type Config struct {
	Logger *slog.Logger
	Store  Store
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	return nil
}

type Ledger struct {
	log   *slog.Logger
	store Store
}

func New(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{log: cfg.Logger, store: cfg.Store}, nil
}

// AwardPoints merges amount into the donor's balance as an atomic increment. The award
// is keyed by donation, so repeating it for the same donation changes nothing and
// reports awarded=false.
func (l *Ledger) AwardPoints(ctx context.Context, donorID, donationID string, amount int64) (awarded bool, balance int64, err error) {
	if donorID == "" || donationID == "" {
		return false, 0, fmt.Errorf("%w: donor and donation ids are required", domain.ErrInvalidInput)
	}
	awarded, balance, err = l.store.AwardPoints(ctx, donorID, donationID, amount)
	if err != nil {
		metrics.RewardAwardsTotal.WithLabelValues("error").Inc()
		return false, 0, err
	}
	if !awarded {
		metrics.RewardAwardsTotal.WithLabelValues("duplicate").Inc()
		l.log.Debug("rewards: donation already awarded", "donor_id", donorID, "donation_id", donationID)
		return false, balance, nil
	}
	metrics.RewardAwardsTotal.WithLabelValues("awarded").Inc()
	l.log.Info("rewards: points awarded", "donor_id", donorID, "donation_id", donationID, "amount", amount, "balance", balance)
	return true, balance, nil
}

func (l *Ledger) Balance(ctx context.Context, donorID string) (int64, error) {
	d, err := l.store.GetDonor(ctx, donorID)
	if err != nil {
		return 0, err
	}
	return d.Points, nil
}
