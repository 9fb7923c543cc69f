// Package reconcile keeps the impact-log mirror in step with the ledger. A background
// view walks committed slots and mirrors every entry whose mirror row is missing.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/vionex/impact/impact/pkg/domain"
	"github.com/vionex/impact/impact/pkg/metrics"
	"github.com/vionex/impact/impact/pkg/store"
	"github.com/vionex/impact/ledger/pkg/client"
	"github.com/vionex/impact/ledger/pkg/program"
	"github.com/vionex/impact/ledger/pkg/slot"
)

const (
	viewType         = "reconcile"
	DefaultBatchSize = 100
)

// Ledger is the read side of the ledger client used by the view.
type Ledger interface {
	ReadCounter(ctx context.Context) (uint64, error)
	FetchImpact(ctx context.Context, addr solana.PublicKey) (*program.Impact, error)
	CreationSignature(ctx context.Context, addr solana.PublicKey) (solana.Signature, error)
}

type Mirror interface {
	MirroredCounters(ctx context.Context, from, to uint64) (map[uint64]struct{}, error)
	PutImpactLog(ctx context.Context, l *domain.ImpactLog, mode store.PutMode) (bool, error)
}

type ViewConfig struct {
	Logger          *slog.Logger
	Clock           clockwork.Clock
	Ledger          Ledger
	Mirror          Mirror
	ProgramID       solana.PublicKey
	RefreshInterval time.Duration
	BatchSize       int
}

func (cfg *ViewConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Mirror == nil {
		return errors.New("mirror is required")
	}
	if cfg.RefreshInterval <= 0 {
		return errors.New("refresh interval must be greater than 0")
	}
	if cfg.ProgramID.IsZero() {
		return errors.New("program id is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type View struct {
	log       *slog.Logger
	cfg       ViewConfig
	refreshMu sync.Mutex

	// cursor is the lowest slot not known to be mirrored.
	cursor    uint64
	readyOnce sync.Once
	readyCh   chan struct{}
}

func NewView(cfg ViewConfig) (*View, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &View{
		log:     cfg.Logger,
		cfg:     cfg,
		readyCh: make(chan struct{}),
	}, nil
}

func (v *View) Ready() bool {
	select {
	case <-v.readyCh:
		return true
	default:
		return false
	}
}

func (v *View) WaitReady(ctx context.Context) error {
	select {
	case <-v.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for reconcile view: %w", ctx.Err())
	}
}

// Cursor returns the lowest slot the view has not yet confirmed as mirrored.
func (v *View) Cursor() uint64 {
	v.refreshMu.Lock()
	defer v.refreshMu.Unlock()
	return v.cursor
}

// Start runs Refresh immediately and then on every tick until ctx is done.
func (v *View) Start(ctx context.Context) {
	go func() {
		v.log.Info("reconcile: starting refresh loop", "interval", v.cfg.RefreshInterval, "batch_size", v.cfg.BatchSize)

		v.safeRefresh(ctx)

		ticker := v.cfg.Clock.NewTicker(v.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				v.safeRefresh(ctx)
			}
		}
	}()
}

func (v *View) safeRefresh(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			v.log.Error("reconcile: refresh panicked", "panic", r)
			metrics.ViewRefreshTotal.WithLabelValues(viewType, "panic").Inc()
		}
	}()

	if _, err := v.Refresh(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		v.log.Error("reconcile: refresh failed", "error", err)
	}
}

// Refresh mirrors every committed slot from the cursor up to the current counter that
// has no mirror row, returning how many rows it wrote. The cursor only moves past a
// contiguous run of mirrored slots, so a slot that fails is retried on the next pass.
func (v *View) Refresh(ctx context.Context) (int, error) {
	v.refreshMu.Lock()
	defer v.refreshMu.Unlock()

	start := v.cfg.Clock.Now()
	defer func() {
		duration := v.cfg.Clock.Since(start)
		metrics.ViewRefreshDuration.WithLabelValues(viewType).Observe(duration.Seconds())
	}()

	counter, err := v.cfg.Ledger.ReadCounter(ctx)
	if errors.Is(err, client.ErrCounterNotFound) {
		v.log.Warn("reconcile: counter not initialized, nothing to reconcile")
		v.markReady()
		metrics.ViewRefreshTotal.WithLabelValues(viewType, "success").Inc()
		return 0, nil
	}
	if err != nil {
		metrics.ViewRefreshTotal.WithLabelValues(viewType, "error").Inc()
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}

	var (
		repaired   int
		failed     int
		contiguous = true
	)
	for from := v.cursor; from < counter; from += uint64(v.cfg.BatchSize) {
		to := min(from+uint64(v.cfg.BatchSize), counter)
		mirrored, err := v.cfg.Mirror.MirroredCounters(ctx, from, to)
		if err != nil {
			metrics.ViewRefreshTotal.WithLabelValues(viewType, "error").Inc()
			return repaired, fmt.Errorf("failed to list mirrored slots %d-%d: %w", from, to, err)
		}
		for n := from; n < to; n++ {
			if _, ok := mirrored[n]; !ok {
				written, err := v.mirrorSlot(ctx, n, store.PutInsertIfAbsent)
				if err != nil {
					if ctx.Err() != nil {
						metrics.ViewRefreshTotal.WithLabelValues(viewType, "error").Inc()
						return repaired, ctx.Err()
					}
					v.log.Warn("reconcile: failed to mirror slot", "slot", n, "error", err)
					failed++
					contiguous = false
					continue
				}
				if written {
					repaired++
				}
			}
			if contiguous {
				v.cursor = n + 1
			}
		}
	}

	if repaired > 0 || failed > 0 {
		v.log.Info("reconcile: refresh completed", "counter", counter, "cursor", v.cursor, "repaired", repaired, "failed", failed)
	} else {
		v.log.Debug("reconcile: refresh completed", "counter", counter, "cursor", v.cursor)
	}
	v.markReady()
	metrics.ViewRefreshTotal.WithLabelValues(viewType, "success").Inc()
	return repaired, nil
}

// ReplaySlot re-mirrors the entry at counterValue from on-chain state, overwriting the
// existing row. A donation link already on the row is kept.
func (v *View) ReplaySlot(ctx context.Context, counterValue uint64) (*domain.ImpactLog, error) {
	counter, err := v.cfg.Ledger.ReadCounter(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read counter: %w", err)
	}
	if counterValue >= counter {
		return nil, fmt.Errorf("%w: slot %d is not committed (counter %d)", domain.ErrInvalidInput, counterValue, counter)
	}
	l, err := v.loadSlot(ctx, counterValue)
	if err != nil {
		return nil, err
	}
	if _, err := v.cfg.Mirror.PutImpactLog(ctx, l, store.PutOverwrite); err != nil {
		return nil, fmt.Errorf("failed to write mirror row for slot %d: %w", counterValue, err)
	}
	metrics.ReconciledEntriesTotal.Inc()
	v.log.Info("reconcile: replayed slot", "slot", counterValue, "signature", l.Signature)
	return l, nil
}

func (v *View) mirrorSlot(ctx context.Context, n uint64, mode store.PutMode) (bool, error) {
	l, err := v.loadSlot(ctx, n)
	if err != nil {
		return false, err
	}
	written, err := v.cfg.Mirror.PutImpactLog(ctx, l, mode)
	if err != nil {
		return false, fmt.Errorf("failed to write mirror row for slot %d: %w", n, err)
	}
	if written {
		metrics.ReconciledEntriesTotal.Inc()
		v.log.Info("reconcile: mirrored ledger entry", "slot", n, "signature", l.Signature)
	}
	return written, nil
}

func (v *View) loadSlot(ctx context.Context, n uint64) (*domain.ImpactLog, error) {
	addr, err := slot.SlotAddress(v.cfg.ProgramID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to derive slot %d: %w", n, err)
	}
	impact, err := v.cfg.Ledger.FetchImpact(ctx, addr.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch impact at slot %d: %w", n, err)
	}
	sig, err := v.cfg.Ledger.CreationSignature(ctx, addr.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to find creating signature for slot %d: %w", n, err)
	}
	return &domain.ImpactLog{
		Signature:    sig.String(),
		CounterValue: n,
		SlotAddress:  addr.String(),
		DonorName:    impact.Donor,
		NGOName:      impact.NGO,
		MedicineName: impact.Medicine,
		Quantity:     impact.Quantity,
		Timestamp:    impact.Timestamp,
		LoggedAt:     v.cfg.Clock.Now().UTC(),
	}, nil
}

func (v *View) markReady() {
	v.readyOnce.Do(func() {
		close(v.readyCh)
		v.log.Info("reconcile: view is now ready")
	})
}
