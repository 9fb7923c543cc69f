// Package coordinator appends impact entries to the ledger and mirrors them off-chain.
//
// The ledger decides which of several concurrent submitters wins a counter value. A
// loser's append is rejected because its slot no longer matches the counter, and the
// coordinator re-reads the counter and tries the next slot until its retry budget runs
// out. No in-process lock stands in for that conflict detection.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/getsentry/sentry-go"
	"github.com/jonboulle/clockwork"

	"github.com/vionex/impact/impact/pkg/domain"
	"github.com/vionex/impact/impact/pkg/metrics"
	"github.com/vionex/impact/impact/pkg/store"
	"github.com/vionex/impact/ledger/pkg/client"
	"github.com/vionex/impact/ledger/pkg/program"
	"github.com/vionex/impact/ledger/pkg/slot"
	"github.com/vionex/impact/utils/pkg/retry"
)

var (
	ErrCounterUninitialized = errors.New("impact counter not initialized")
	ErrLedgerContention     = errors.New("ledger contention")
	ErrLedgerUnreachable    = errors.New("ledger unreachable")
	ErrLedgerRejected       = errors.New("ledger rejected entry")
	ErrMirrorWriteFailed    = errors.New("mirror write failed")

	errStillPending = errors.New("previous submission still pending")
)

// MirrorWriteError is returned with a valid Result when the entry committed on the
// ledger but its mirror row could not be written.
type MirrorWriteError struct {
	Result *Result
	Err    error
}

func (e *MirrorWriteError) Error() string {
	return fmt.Sprintf("%s: signature %s at counter %d: %v", ErrMirrorWriteFailed, e.Result.Signature, e.Result.CounterValue, e.Err)
}

func (e *MirrorWriteError) Unwrap() []error { return []error{ErrMirrorWriteFailed, e.Err} }

// Ledger is the part of the ledger client the coordinator drives.
type Ledger interface {
	ReadCounter(ctx context.Context) (uint64, error)
	SubmitAppend(ctx context.Context, req client.AppendRequest) (solana.Signature, error)
	SignatureStatus(ctx context.Context, sig solana.Signature) (client.SignatureStatus, error)
}

// Mirror stores impact log rows keyed by signature.
type Mirror interface {
	PutImpactLog(ctx context.Context, l *domain.ImpactLog, mode store.PutMode) (bool, error)
}

type Config struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Ledger    Ledger
	Mirror    Mirror
	ProgramID solana.PublicKey

	// Retry bounds the submission loop. Defaults to retry.LedgerConfig().
	Retry retry.Config
	// MirrorTimeout bounds the mirror write, which runs even if the caller's context
	// is cancelled once the entry has committed.
	MirrorTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Mirror == nil {
		return errors.New("mirror is required")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.LedgerConfig()
	}
	if err := cfg.Retry.Validate(); err != nil {
		return fmt.Errorf("invalid retry config: %w", err)
	}
	if cfg.MirrorTimeout <= 0 {
		cfg.MirrorTimeout = 10 * time.Second
	}
	return nil
}

type Coordinator struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{log: cfg.Logger, cfg: cfg}, nil
}

// Entry is what gets recorded for one closed donation.
type Entry struct {
	DonationID string
	DonorName  string
	NGOName    string
	Medicine   string
	Quantity   uint64
	Timestamp  int64
}

type Result struct {
	Signature    solana.Signature
	SlotAddress  solana.PublicKey
	CounterValue uint64
	Attempts     int
	Mirrored     bool
}

type pendingSubmission struct {
	sig solana.Signature
	req client.AppendRequest
}

// LogImpact appends e to the ledger at the next free slot and writes its mirror row.
// A *MirrorWriteError is returned together with the Result when only the mirror write
// failed.
func (c *Coordinator) LogImpact(ctx context.Context, e Entry) (*Result, error) {
	if strings.TrimSpace(e.Medicine) == "" {
		return nil, fmt.Errorf("%w: medicine is required", domain.ErrInvalidInput)
	}
	if e.Quantity == 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidInput)
	}
	args := program.LogImpactArgs{
		Donor:     program.TruncateField(e.DonorName),
		NGO:       program.TruncateField(e.NGOName),
		Medicine:  program.TruncateField(e.Medicine),
		Quantity:  e.Quantity,
		Timestamp: e.Timestamp,
	}

	span := sentry.StartSpan(ctx, "ledger.log_impact", sentry.WithDescription("log impact "+e.DonationID))
	span.SetData("donation_id", e.DonationID)
	ctx = span.Context()
	defer span.Finish()

	log := c.log.With("donation_id", e.DonationID)

	var (
		res      *Result
		pending  *pendingSubmission
		attempts int
	)
	retryCfg := c.cfg.Retry
	retryCfg.Retryable = isRetryable
	retryCfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		log.Warn("coordinator: retrying append", "attempt", attempt, "backoff", backoff, "error", err)
	}

	err := retry.Do(ctx, retryCfg, func(ctx context.Context) error {
		attempts++
		if pending != nil {
			adopted, err := c.checkPending(ctx, pending)
			if err != nil {
				return err
			}
			if adopted {
				log.Info("coordinator: adopted previously sent append", "signature", pending.sig.String(), "slot", pending.req.CounterValue)
				metrics.LedgerSubmissionsTotal.WithLabelValues("adopted").Inc()
				res = &Result{
					Signature:    pending.sig,
					SlotAddress:  pending.req.Slot.PublicKey,
					CounterValue: pending.req.CounterValue,
				}
				return nil
			}
			pending = nil
		}

		counter, err := c.cfg.Ledger.ReadCounter(ctx)
		if errors.Is(err, client.ErrCounterNotFound) {
			return ErrCounterUninitialized
		}
		if err != nil {
			return fmt.Errorf("failed to read counter: %w", err)
		}

		addr, err := slot.SlotAddress(c.cfg.ProgramID, counter)
		if err != nil {
			return fmt.Errorf("failed to derive slot for counter %d: %w", counter, err)
		}
		req := client.AppendRequest{CounterValue: counter, Slot: addr, Entry: args}

		sig, err := c.cfg.Ledger.SubmitAppend(ctx, req)
		metrics.LedgerSubmissionsTotal.WithLabelValues(submissionOutcome(err)).Inc()
		if err != nil {
			var unconfirmed *client.UnconfirmedError
			if errors.As(err, &unconfirmed) {
				pending = &pendingSubmission{sig: unconfirmed.Signature, req: req}
			}
			log.Debug("coordinator: append attempt failed", "attempt", attempts, "slot", counter, "error", err)
			return err
		}
		res = &Result{Signature: sig, SlotAddress: addr.PublicKey, CounterValue: counter}
		return nil
	})
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		mapped := mapError(err, attempts)
		metrics.LogImpactTotal.WithLabelValues(failureStatus(mapped)).Inc()
		log.Error("coordinator: log impact failed", "attempts", attempts, "error", mapped)
		return nil, mapped
	}

	res.Attempts = attempts
	metrics.LogImpactAttempts.Observe(float64(attempts))
	span.SetData("signature", res.Signature.String())
	span.SetData("slot", res.CounterValue)
	log.Info("coordinator: impact logged",
		"signature", res.Signature.String(),
		"slot", res.CounterValue,
		"slot_address", res.SlotAddress.String(),
		"attempts", attempts,
	)

	if err := c.writeMirror(ctx, e, args, res); err != nil {
		metrics.LogImpactTotal.WithLabelValues("mirror_failed").Inc()
		metrics.MirrorWriteFailuresTotal.Inc()
		span.Status = sentry.SpanStatusDataLoss
		mirrorErr := &MirrorWriteError{Result: res, Err: err}
		log.Error("coordinator: mirror write failed, entry awaits reconciliation",
			"signature", res.Signature.String(),
			"slot", res.CounterValue,
			"error", err,
		)
		captureException(ctx, mirrorErr)
		return res, mirrorErr
	}
	res.Mirrored = true
	span.Status = sentry.SpanStatusOK
	metrics.LogImpactTotal.WithLabelValues("success").Inc()
	return res, nil
}

func (c *Coordinator) checkPending(ctx context.Context, p *pendingSubmission) (bool, error) {
	status, err := c.cfg.Ledger.SignatureStatus(ctx, p.sig)
	if err != nil {
		return false, fmt.Errorf("failed to check pending signature %s: %w", p.sig, err)
	}
	switch status {
	case client.SignatureLanded:
		return true, nil
	case client.SignaturePending:
		return false, &client.UnconfirmedError{Signature: p.sig, Err: errStillPending}
	default:
		return false, nil
	}
}

func (c *Coordinator) writeMirror(ctx context.Context, e Entry, args program.LogImpactArgs, res *Result) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.MirrorTimeout)
	defer cancel()

	_, err := c.cfg.Mirror.PutImpactLog(ctx, &domain.ImpactLog{
		Signature:    res.Signature.String(),
		CounterValue: res.CounterValue,
		SlotAddress:  res.SlotAddress.String(),
		DonationID:   e.DonationID,
		DonorName:    args.Donor,
		NGOName:      args.NGO,
		MedicineName: args.Medicine,
		Quantity:     args.Quantity,
		Timestamp:    args.Timestamp,
		LoggedAt:     c.cfg.Clock.Now().UTC(),
	}, store.PutInsertIfAbsent)
	return err
}

func isRetryable(err error) bool {
	var unconfirmed *client.UnconfirmedError
	return errors.Is(err, client.ErrSlotOccupied) ||
		errors.Is(err, client.ErrUnreachable) ||
		errors.Is(err, retry.ErrAttemptTimeout) ||
		errors.As(err, &unconfirmed)
}

func mapError(err error, attempts int) error {
	var unconfirmed *client.UnconfirmedError
	switch {
	case errors.Is(err, ErrCounterUninitialized):
		return ErrCounterUninitialized
	case errors.Is(err, domain.ErrInvalidInput):
		return err
	case !errors.Is(err, retry.ErrExhausted) && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		return err
	case errors.Is(err, client.ErrSlotOccupied):
		return fmt.Errorf("%w after %d attempts: %w", ErrLedgerContention, attempts, err)
	case errors.Is(err, client.ErrUnreachable), errors.Is(err, retry.ErrAttemptTimeout), errors.As(err, &unconfirmed):
		return fmt.Errorf("%w after %d attempts: %w", ErrLedgerUnreachable, attempts, err)
	case errors.Is(err, client.ErrRejected):
		return fmt.Errorf("%w: %w", ErrLedgerRejected, err)
	}
	return err
}

func submissionOutcome(err error) string {
	var unconfirmed *client.UnconfirmedError
	switch {
	case err == nil:
		return "committed"
	case errors.Is(err, client.ErrSlotOccupied):
		return "slot_occupied"
	case errors.As(err, &unconfirmed):
		return "unconfirmed"
	case errors.Is(err, client.ErrRejected):
		return "rejected"
	default:
		return "unreachable"
	}
}

func failureStatus(err error) string {
	switch {
	case errors.Is(err, ErrCounterUninitialized):
		return "uninitialized"
	case errors.Is(err, ErrLedgerContention):
		return "contention"
	case errors.Is(err, ErrLedgerUnreachable):
		return "unreachable"
	case errors.Is(err, ErrLedgerRejected):
		return "rejected"
	}
	return "error"
}

func captureException(ctx context.Context, err error) {
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.CaptureException(err)
		return
	}
	sentry.CaptureException(err)
}
