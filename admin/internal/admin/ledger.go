package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/gagliardetto/solana-go"

	"github.com/vionex/impact/impact/pkg/domain"
	"github.com/vionex/impact/ledger/pkg/client"
)

// lowBalanceLamports is the signer balance below which the balance report warns.
const lowBalanceLamports = solana.LAMPORTS_PER_SOL / 20

type CounterBootstrapper interface {
	ReadCounter(ctx context.Context) (uint64, error)
	InitializeCounter(ctx context.Context) (solana.Signature, error)
}

// InitializeCounter creates the on-chain counter at zero. An existing counter is left
// alone.
func InitializeCounter(ctx context.Context, log *slog.Logger, ledger CounterBootstrapper, w io.Writer) error {
	value, err := ledger.ReadCounter(ctx)
	if err == nil {
		fmt.Fprintf(w, "Counter already initialized at %d\n", value)
		return nil
	}
	if !errors.Is(err, client.ErrCounterNotFound) {
		return fmt.Errorf("failed to read counter: %w", err)
	}

	sig, err := ledger.InitializeCounter(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize counter: %w", err)
	}
	log.Info("counter initialized", "signature", sig.String())
	fmt.Fprintf(w, "Counter initialized\n  signature: %s\n", sig)
	return nil
}

type BalanceReader interface {
	ReadCounter(ctx context.Context) (uint64, error)
	Balance(ctx context.Context) (uint64, error)
}

// ShowBalance reports the signer balance and the current counter value.
func ShowBalance(ctx context.Context, ledger BalanceReader, w io.Writer) error {
	lamports, err := ledger.Balance(ctx)
	if err != nil {
		return fmt.Errorf("failed to read signer balance: %w", err)
	}
	fmt.Fprintf(w, "Signer balance: %d lamports (%.4f SOL)\n", lamports, float64(lamports)/float64(solana.LAMPORTS_PER_SOL))
	if lamports < lowBalanceLamports {
		fmt.Fprintln(w, "WARNING: balance is low, impact entries may fail to commit")
	}

	counter, err := ledger.ReadCounter(ctx)
	switch {
	case errors.Is(err, client.ErrCounterNotFound):
		fmt.Fprintln(w, "Counter: not initialized (run --initialize-counter)")
	case err != nil:
		return fmt.Errorf("failed to read counter: %w", err)
	default:
		fmt.Fprintf(w, "Counter: %d\n", counter)
	}
	return nil
}

type Reconciler interface {
	Refresh(ctx context.Context) (int, error)
	Cursor() uint64
	ReplaySlot(ctx context.Context, counterValue uint64) (*domain.ImpactLog, error)
}

// Reconcile runs one mirror reconciliation pass.
func Reconcile(ctx context.Context, log *slog.Logger, r Reconciler, w io.Writer) error {
	repaired, err := r.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile mirror: %w", err)
	}
	log.Info("reconcile pass completed", "repaired", repaired, "cursor", r.Cursor())
	fmt.Fprintf(w, "Repaired %d impact log(s); mirror complete below counter %d\n", repaired, r.Cursor())
	return nil
}

// ReplaySlot re-mirrors one slot from its on-chain state.
func ReplaySlot(ctx context.Context, r Reconciler, counterValue uint64, w io.Writer) error {
	row, err := r.ReplaySlot(ctx, counterValue)
	if err != nil {
		return fmt.Errorf("failed to replay slot %d: %w", counterValue, err)
	}
	fmt.Fprintf(w, "Replayed slot %d\n  address:   %s\n  signature: %s\n  donation:  %s\n  medicine:  %s x%d\n",
		row.CounterValue, row.SlotAddress, row.Signature, row.DonationID, row.MedicineName, row.Quantity)
	return nil
}
