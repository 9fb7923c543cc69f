// Package feedback closes a delivered donation with the NGO's thumbs up or down,
// records the impact on the ledger and rewards the donor for positive outcomes.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/vionex/impact/impact/pkg/coordinator"
	"github.com/vionex/impact/impact/pkg/domain"
	"github.com/vionex/impact/impact/pkg/lifecycle"
	"github.com/vionex/impact/impact/pkg/rewards"
	"github.com/vionex/impact/impact/pkg/store"
	"github.com/vionex/impact/ledger/pkg/client"
	"github.com/vionex/impact/ledger/pkg/program"
	"github.com/vionex/impact/utils/pkg/retry"
)

const (
	DefaultClaimTTL = 10 * time.Minute

	claimWriteTimeout = 10 * time.Second
)

type ImpactLogger interface {
	LogImpact(ctx context.Context, e coordinator.Entry) (*coordinator.Result, error)
}

type Config struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Store       store.Store
	Lifecycle   *lifecycle.Manager
	Coordinator ImpactLogger
	Rewards     *rewards.Ledger

	// ClaimTTL is how long a pending ledger claim holds off other submitters. It must
	// outlast the coordinator's retry budget.
	ClaimTTL time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Lifecycle == nil {
		return errors.New("lifecycle is required")
	}
	if cfg.Coordinator == nil {
		return errors.New("coordinator is required")
	}
	if cfg.Rewards == nil {
		return errors.New("rewards is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = DefaultClaimTTL
	}
	return nil
}

type Service struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{log: cfg.Logger, cfg: cfg}, nil
}

type Result struct {
	Donation      *domain.Donation
	Signature     string
	SlotAddress   string
	CounterValue  uint64
	PointsAwarded int64
	Balance       int64
	// Duplicate is set when this feedback was already fully recorded.
	Duplicate bool
	// MirrorPending is set when the entry committed but its mirror row awaits
	// reconciliation.
	MirrorPending bool
	// RewardPending is set when the award failed; resubmitting the feedback retries it.
	RewardPending bool
}

// Submit records thumb ("up" or "down") for a delivered donation. Only the holder of
// the donation's ledger claim writes its impact log. Resubmitting the same thumb
// returns the recorded signature once the write committed, ErrAlreadyClosed while it is
// in flight, and resumes logging after a write that failed without reaching the ledger.
func (s *Service) Submit(ctx context.Context, donationID, thumb string) (*Result, error) {
	outcome, err := domain.ParseThumb(thumb)
	if err != nil {
		return nil, err
	}
	log := s.log.With("donation_id", donationID, "outcome", outcome)

	d, err := s.cfg.Lifecycle.RecordFeedback(ctx, donationID, outcome)
	switch {
	case err == nil:
	case errors.Is(err, lifecycle.ErrAlreadyClosed):
		if d.Outcome != outcome {
			return nil, err
		}
		var res *Result
		d, res, err = s.resume(ctx, log, d)
		if err != nil || res != nil {
			return res, err
		}
	default:
		return nil, err
	}
	return s.logImpact(ctx, log, d)
}

// resume handles a same-thumb resubmission of a closed donation. It returns either the
// prior result, or the donation with a fresh claim for this caller to log under.
func (s *Service) resume(ctx context.Context, log *slog.Logger, d *domain.Donation) (*domain.Donation, *Result, error) {
	if d.Ledger.State == domain.LedgerCommitted {
		return nil, s.duplicate(ctx, log, d, d.Ledger.Signature), nil
	}

	prior, err := s.cfg.Store.GetImpactLogByDonation(ctx, d.ID)
	switch {
	case err == nil:
		d = s.commit(ctx, log, d, prior.Signature)
		return nil, s.duplicate(ctx, log, d, prior.Signature), nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, nil, fmt.Errorf("failed to look up impact log for donation %s: %w", d.ID, err)
	}

	if d.Ledger.State == domain.LedgerPending {
		if age := s.cfg.Clock.Since(s.entryTime(d)); age < s.cfg.ClaimTTL {
			log.Info("feedback: impact log write in flight", "claim_age", age)
			return nil, nil, fmt.Errorf("%w: impact log for donation %s is still being written", lifecycle.ErrAlreadyClosed, d.ID)
		}
		// The abandoned write may have landed; the reconciler mirrors such entries unlinked.
		adopted, err := s.cfg.Store.AdoptImpactLog(ctx, d.ID, program.TruncateField(d.MedicineName), uint64(d.Quantity), s.entryTime(d).Unix())
		switch {
		case err == nil:
			log.Warn("feedback: adopted impact log of an abandoned claim", "signature", adopted.Signature, "slot", adopted.CounterValue)
			d = s.commit(ctx, log, d, adopted.Signature)
			return nil, s.duplicate(ctx, log, d, adopted.Signature), nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, nil, fmt.Errorf("failed to adopt impact log for donation %s: %w", d.ID, err)
		}
	}

	now := s.cfg.Clock.Now().UTC().Truncate(time.Microsecond)
	claimed, err := s.cfg.Store.SwapLedgerClaim(ctx, d.ID, d.Ledger, domain.LedgerClaim{
		State:     domain.LedgerPending,
		Token:     uuid.NewString(),
		ClaimedAt: &now,
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, nil, fmt.Errorf("%w: impact log for donation %s was claimed by another submission", lifecycle.ErrAlreadyClosed, d.ID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to claim impact log for donation %s: %w", d.ID, err)
	}
	log.Warn("feedback: resuming impact log", "previous_state", d.Ledger.State)
	return claimed, nil, nil
}

func (s *Service) logImpact(ctx context.Context, log *slog.Logger, d *domain.Donation) (*Result, error) {
	donorName, ngoName := s.displayNames(ctx, log, d)
	logged, err := s.cfg.Coordinator.LogImpact(ctx, coordinator.Entry{
		DonationID: d.ID,
		DonorName:  donorName,
		NGOName:    ngoName,
		Medicine:   d.MedicineName,
		Quantity:   uint64(d.Quantity),
		Timestamp:  s.entryTime(d).Unix(),
	})
	res := &Result{}
	var mirrorErr *coordinator.MirrorWriteError
	switch {
	case errors.As(err, &mirrorErr):
		logged = mirrorErr.Result
		res.MirrorPending = true
	case err != nil:
		s.release(ctx, log, d, err)
		return nil, fmt.Errorf("failed to log impact for donation %s: %w", d.ID, err)
	}
	res.Signature = logged.Signature.String()
	res.SlotAddress = logged.SlotAddress.String()
	res.CounterValue = logged.CounterValue
	res.Donation = s.commit(ctx, log, d, res.Signature)

	s.award(ctx, log, res.Donation, res)
	return res, nil
}

// duplicate reports an impact log that already committed for d.
func (s *Service) duplicate(ctx context.Context, log *slog.Logger, d *domain.Donation, signature string) *Result {
	log.Info("feedback: duplicate submission", "signature", signature)
	res := &Result{Donation: d, Signature: signature, Duplicate: true}
	row, err := s.cfg.Store.GetImpactLog(ctx, signature)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Warn("feedback: failed to read mirror row", "signature", signature, "error", err)
		}
		res.MirrorPending = true
	} else {
		res.SlotAddress = row.SlotAddress
		res.CounterValue = row.CounterValue
	}
	s.award(ctx, log, d, res)
	return res
}

// commit marks d's claim committed with signature. A failure is logged only: the
// entry is on the ledger and the mirror row, once written, also identifies it.
func (s *Service) commit(ctx context.Context, log *slog.Logger, d *domain.Donation, signature string) *domain.Donation {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), claimWriteTimeout)
	defer cancel()
	next := d.Ledger
	next.State = domain.LedgerCommitted
	next.Signature = signature
	updated, err := s.cfg.Store.SwapLedgerClaim(ctx, d.ID, d.Ledger, next)
	switch {
	case err == nil:
		return updated
	case errors.Is(err, store.ErrConflict) && updated != nil && updated.Ledger.State == domain.LedgerCommitted && updated.Ledger.Signature == signature:
		return updated
	}
	log.Error("feedback: failed to record committed impact log", "signature", signature, "error", err)
	return d
}

// release gives up the claim after a failed write so a resubmission can retry. A write
// that may still land keeps its claim until ClaimTTL expires.
func (s *Service) release(ctx context.Context, log *slog.Logger, d *domain.Donation, cause error) {
	if inDoubt(cause) {
		log.Warn("feedback: impact log outcome unknown, holding claim", "error", cause)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), claimWriteTimeout)
	defer cancel()
	next := d.Ledger
	next.State = domain.LedgerFailed
	if _, err := s.cfg.Store.SwapLedgerClaim(ctx, d.ID, d.Ledger, next); err != nil {
		log.Error("feedback: failed to release impact log claim", "error", err)
	}
}

// entryTime is the claim time, recorded as the entry timestamp so an abandoned write
// can be matched against the mirror later.
func (s *Service) entryTime(d *domain.Donation) time.Time {
	if d.Ledger.ClaimedAt != nil {
		return *d.Ledger.ClaimedAt
	}
	return s.cfg.Clock.Now()
}

func inDoubt(err error) bool {
	var unconfirmed *client.UnconfirmedError
	return errors.As(err, &unconfirmed) ||
		errors.Is(err, retry.ErrAttemptTimeout) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (s *Service) award(ctx context.Context, log *slog.Logger, d *domain.Donation, res *Result) {
	if d.Outcome != domain.OutcomePositive {
		return
	}
	awarded, balance, err := s.cfg.Rewards.AwardPoints(ctx, d.DonorID, d.ID, rewards.PointsPerPositiveFeedback)
	if err != nil {
		log.Error("feedback: failed to award points", "donor_id", d.DonorID, "error", err)
		res.RewardPending = true
		return
	}
	if awarded {
		res.PointsAwarded = rewards.PointsPerPositiveFeedback
	}
	res.Balance = balance
}

func (s *Service) displayNames(ctx context.Context, log *slog.Logger, d *domain.Donation) (string, string) {
	donor, err := s.cfg.Store.GetDonor(ctx, d.DonorID)
	if err != nil {
		log.Warn("feedback: donor profile unavailable, using default name", "donor_id", d.DonorID, "error", err)
		donor = nil
	}
	ngo, err := s.cfg.Store.GetNGO(ctx, d.NGOID)
	if err != nil {
		log.Warn("feedback: ngo profile unavailable, using default name", "ngo_id", d.NGOID, "error", err)
		ngo = nil
	}
	return donor.DisplayName(), ngo.DisplayName()
}
